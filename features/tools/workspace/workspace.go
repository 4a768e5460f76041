// Package workspace bundles the run preparation tools: tool_prepare_workspace
// materializes the project root (and optional subdirectories) before other
// tools touch it, and tool_noop succeeds without side effects so plans can
// carry explicit placeholder actions.
package workspace

import (
	"context"
	"fmt"
	"os"

	"goa.design/foreman/runtime/agent/tools"
)

const (
	// PrepareWorkspaceTool creates the project root and requested
	// subdirectories.
	PrepareWorkspaceTool tools.Ident = "tool_prepare_workspace"
	// NoopTool does nothing and succeeds.
	NoopTool tools.Ident = "tool_noop"
)

// Register adds the workspace tools to reg.
func Register(reg *tools.Registry) error {
	if err := reg.Register(prepareWorkspaceSpec(), runPrepareWorkspace); err != nil {
		return err
	}
	return reg.Register(noopSpec(), runNoop)
}

func prepareWorkspaceSpec() tools.Spec {
	return tools.Spec{
		Name:        PrepareWorkspaceTool,
		Description: "Create the project root directory and any listed subdirectories.",
		Category:    "workspace",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"dirs": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Project-relative directories to create",
				},
			},
			"additionalProperties": false,
		},
		Safety: tools.Safety{SideEffects: tools.SideEffectsFS},
		Examples: []tools.Example{{
			Title: "Prepare a source layout",
			Input: map[string]any{"dirs": []any{"src", "tests"}},
		}},
	}
}

func runPrepareWorkspace(_ context.Context, input map[string]any, tctx *tools.Context) tools.Result {
	root := tctx.Memory.ProjectRoot
	if root == "" {
		return tools.FailResult("no_root", "project root is not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return tools.FailResult("mkdir_failed", fmt.Sprintf("create project root: %s", err))
	}

	created := []string{}
	for _, dir := range stringListArg(input, "dirs") {
		abs, rel, err := tctx.Memory.ResolvePath(dir)
		if err != nil {
			return tools.FailResult("invalid_path", err.Error())
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return tools.FailResult("mkdir_failed", fmt.Sprintf("create %q: %s", rel, err))
		}
		created = append(created, rel)
	}

	return tools.OKResult(map[string]any{"root": root, "created": created})
}

func noopSpec() tools.Spec {
	return tools.Spec{
		Name:        NoopTool,
		Description: "Do nothing and report success.",
		Category:    "workspace",
		Safety:      tools.Safety{SideEffects: tools.SideEffectsNone},
	}
}

func runNoop(_ context.Context, _ map[string]any, _ *tools.Context) tools.Result {
	return tools.OKResult(nil)
}

func stringListArg(input map[string]any, key string) []string {
	switch v := input[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
