// Package fs bundles the filesystem tools: file writes and reads plus the
// check tools the criteria evaluator synthesizes for file_exists and
// file_contains success criteria.
//
// Every path is resolved against the run's project root and must stay inside
// it. A path that escapes the root fails the tool, which the runtime absorbs
// as ordinary criteria evidence rather than aborting the run.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"goa.design/foreman/runtime/agent/tools"
)

const (
	// WriteFileTool creates or overwrites a file inside the project root.
	WriteFileTool tools.Ident = "tool_write_file"
	// ReadFileTool returns the content of a file inside the project root.
	ReadFileTool tools.Ident = "tool_read_file"
	// CheckFileExistsTool passes iff the path exists inside the project root.
	CheckFileExistsTool tools.Ident = "tool_check_file_exists"
	// CheckFileContainsTool passes iff the file contains the substring.
	CheckFileContainsTool tools.Ident = "tool_check_file_contains"
)

// maxReadBytes caps the content returned by tool_read_file so oversized files
// do not flood the audit trail or the LM context.
const maxReadBytes = 64 * 1024

// Register adds the filesystem tools to reg.
func Register(reg *tools.Registry) error {
	for _, tool := range []struct {
		spec tools.Spec
		run  tools.RunFunc
	}{
		{writeFileSpec(), runWriteFile},
		{readFileSpec(), runReadFile},
		{checkFileExistsSpec(), runCheckFileExists},
		{checkFileContainsSpec(), runCheckFileContains},
	} {
		if err := reg.Register(tool.spec, tool.run); err != nil {
			return err
		}
	}
	return nil
}

func writeFileSpec() tools.Spec {
	return tools.Spec{
		Name:        WriteFileTool,
		Description: "Create or overwrite a file with the given content. Parent directories are created as needed.",
		Category:    "fs",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"path", "content"},
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Project-relative path of the file to write"},
				"content": map[string]any{"type": "string", "description": "Full file content"},
			},
			"additionalProperties": false,
		},
		Safety: tools.Safety{SideEffects: tools.SideEffectsFS},
		Examples: []tools.Example{{
			Title: "Write a source file",
			Input: map[string]any{"path": "src/main.rs", "content": "fn main() {}\n"},
		}},
	}
}

func runWriteFile(_ context.Context, input map[string]any, tctx *tools.Context) tools.Result {
	path := stringArg(input, "path")
	abs, rel, err := tctx.Memory.ResolvePath(path)
	if err != nil {
		return tools.FailResult("invalid_path", err.Error())
	}
	content := stringArg(input, "content")
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return tools.FailResult("write_failed", fmt.Sprintf("create parent directories for %q: %s", rel, err))
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return tools.FailResult("write_failed", fmt.Sprintf("write %q: %s", rel, err))
	}
	return tools.Result{
		OK:   true,
		Data: map[string]any{"path": rel, "bytes": len(content)},
		Meta: &tools.Meta{TouchedPaths: []string{rel}},
	}
}

func readFileSpec() tools.Spec {
	return tools.Spec{
		Name:        ReadFileTool,
		Description: "Read a file and return its content. Large files are truncated.",
		Category:    "fs",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"path"},
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Project-relative path of the file to read"},
			},
			"additionalProperties": false,
		},
		Safety: tools.Safety{SideEffects: tools.SideEffectsFS},
	}
}

func runReadFile(_ context.Context, input map[string]any, tctx *tools.Context) tools.Result {
	path := stringArg(input, "path")
	abs, rel, err := tctx.Memory.ResolvePath(path)
	if err != nil {
		return tools.FailResult("invalid_path", err.Error())
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tools.FailResult("not_found", fmt.Sprintf("path %q does not exist", path))
		}
		return tools.FailResult("read_failed", fmt.Sprintf("read %q: %s", rel, err))
	}
	data := map[string]any{"path": rel, "bytes": len(raw)}
	if len(raw) > maxReadBytes {
		raw = raw[:maxReadBytes]
		data["truncated"] = true
	}
	data["content"] = string(raw)
	return tools.OKResult(data)
}

func checkFileExistsSpec() tools.Spec {
	return tools.Spec{
		Name:        CheckFileExistsTool,
		Description: "Check that a path exists inside the project root.",
		Category:    "check",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"path"},
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Project-relative path to check"},
			},
			"additionalProperties": false,
		},
		Safety: tools.Safety{SideEffects: tools.SideEffectsNone},
	}
}

func runCheckFileExists(_ context.Context, input map[string]any, tctx *tools.Context) tools.Result {
	path := stringArg(input, "path")
	abs, rel, err := tctx.Memory.ResolvePath(path)
	if err != nil {
		return tools.FailResult("invalid_path", err.Error())
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tools.FailResult("not_found", fmt.Sprintf("path %q does not exist", path))
		}
		return tools.FailResult("stat_failed", fmt.Sprintf("stat %q: %s", rel, err))
	}
	return tools.OKResult(map[string]any{"path": rel})
}

func checkFileContainsSpec() tools.Spec {
	return tools.Spec{
		Name:        CheckFileContainsTool,
		Description: "Check that a file inside the project root contains a substring.",
		Category:    "check",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"path", "contains"},
			"properties": map[string]any{
				"path":     map[string]any{"type": "string", "description": "Project-relative path of the file to inspect"},
				"contains": map[string]any{"type": "string", "description": "Substring that must appear in the file"},
			},
			"additionalProperties": false,
		},
		Safety: tools.Safety{SideEffects: tools.SideEffectsNone},
	}
}

func runCheckFileContains(_ context.Context, input map[string]any, tctx *tools.Context) tools.Result {
	path := stringArg(input, "path")
	abs, rel, err := tctx.Memory.ResolvePath(path)
	if err != nil {
		return tools.FailResult("invalid_path", err.Error())
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tools.FailResult("not_found", fmt.Sprintf("path %q does not exist", path))
		}
		return tools.FailResult("read_failed", fmt.Sprintf("read %q: %s", rel, err))
	}
	want := stringArg(input, "contains")
	if !strings.Contains(string(raw), want) {
		return tools.FailResult("not_matched", fmt.Sprintf("file %q does not contain %q", path, want))
	}
	return tools.OKResult(map[string]any{"path": rel})
}

func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}
