// Package exec bundles the command tools: tool_run_command for action steps
// and tool_check_command, which the criteria evaluator synthesizes for
// command success criteria.
//
// Commands run through the tools.Runner supplied by the runtime and are
// gated twice: the binary must appear on the policy's command allowlist, and
// the working directory must resolve inside the project root. It also ships
// LocalRunner, the default runner backed by os/exec.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/foreman/runtime/agent/faults"
	"goa.design/foreman/runtime/agent/policy"
	"goa.design/foreman/runtime/agent/tools"
)

const (
	// RunCommandTool executes an allowlisted command and reports its output.
	RunCommandTool tools.Ident = "tool_run_command"
	// CheckCommandTool executes an allowlisted command and passes iff the
	// exit code matches the expectation.
	CheckCommandTool tools.Ident = "tool_check_command"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultMaxOutput = 16 * 1024
)

// Options configures the command tool bundle.
type Options struct {
	// Policy supplies the command allowlist. Required.
	Policy *policy.Policy
	// Timeout bounds a single command execution. Defaults to one minute;
	// tool_run_command accepts a per-call override.
	Timeout time.Duration
	// MaxOutputBytes caps captured stdout and stderr per stream. Defaults to
	// 16 KiB.
	MaxOutputBytes int
}

// Register adds the command tools to reg.
func Register(reg *tools.Registry, opts Options) error {
	if opts.Policy == nil {
		return errors.New("policy is required")
	}
	b := &bundle{
		pol:     opts.Policy,
		timeout: opts.Timeout,
		maxOut:  opts.MaxOutputBytes,
	}
	if b.timeout <= 0 {
		b.timeout = defaultTimeout
	}
	if b.maxOut <= 0 {
		b.maxOut = defaultMaxOutput
	}
	if err := reg.Register(runCommandSpec(), b.runCommand); err != nil {
		return err
	}
	return reg.Register(checkCommandSpec(), b.checkCommand)
}

type bundle struct {
	pol     *policy.Policy
	timeout time.Duration
	maxOut  int
}

func runCommandSpec() tools.Spec {
	return tools.Spec{
		Name:        RunCommandTool,
		Description: "Run an allowlisted command inside the project root and capture its output. Fails on non-zero exit.",
		Category:    "exec",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"cmd"},
			"properties": map[string]any{
				"cmd":  map[string]any{"type": "string", "description": "Binary to run, must be on the policy allowlist"},
				"args": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Command arguments"},
				"cwd":  map[string]any{"type": "string", "description": "Working directory relative to the project root"},
				"timeout_seconds": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"description": "Execution timeout override in seconds",
				},
			},
			"additionalProperties": false,
		},
		Safety: tools.Safety{SideEffects: tools.SideEffectsExec},
		Examples: []tools.Example{{
			Title: "Build the project",
			Input: map[string]any{"cmd": "cargo", "args": []any{"build"}},
		}},
	}
}

func (b *bundle) runCommand(ctx context.Context, input map[string]any, tctx *tools.Context) tools.Result {
	out, res := b.execute(ctx, input, tctx)
	if !res.OK {
		return res
	}
	if out.ExitCode != 0 {
		return tools.Result{
			OK:    false,
			Data:  res.Data,
			Error: &tools.Failure{Code: "command_failed", Message: fmt.Sprintf("command %q exited with %d", stringArg(input, "cmd"), out.ExitCode), Detail: faults.Truncate(out.Stderr, b.maxOut)},
		}
	}
	return res
}

func checkCommandSpec() tools.Spec {
	return tools.Spec{
		Name:        CheckCommandTool,
		Description: "Run an allowlisted command and pass iff the exit code matches the expectation.",
		Category:    "check",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"cmd", "expect_exit_code"},
			"properties": map[string]any{
				"cmd":              map[string]any{"type": "string", "description": "Binary to run, must be on the policy allowlist"},
				"expect_exit_code": map[string]any{"type": "integer", "description": "Exit code the command must produce"},
				"args":             map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Command arguments"},
				"cwd":              map[string]any{"type": "string", "description": "Working directory relative to the project root"},
			},
			"additionalProperties": false,
		},
		Safety: tools.Safety{SideEffects: tools.SideEffectsExec},
	}
}

func (b *bundle) checkCommand(ctx context.Context, input map[string]any, tctx *tools.Context) tools.Result {
	out, res := b.execute(ctx, input, tctx)
	if !res.OK {
		return res
	}
	tctx.Memory.VerifyResult = res.Data
	want := intArg(input, "expect_exit_code", 0)
	if out.ExitCode != want {
		return tools.Result{
			OK:    false,
			Data:  res.Data,
			Error: &tools.Failure{Code: "exit_mismatch", Message: fmt.Sprintf("command %q exited with %d, want %d", stringArg(input, "cmd"), out.ExitCode, want), Detail: faults.Truncate(out.Stderr, b.maxOut)},
		}
	}
	return res
}

// execute performs the shared allowlist, containment and runner plumbing.
// The returned result is failed when execution never produced an exit code;
// otherwise it is a success shell carrying the captured output, and the
// caller applies its own exit code verdict.
func (b *bundle) execute(ctx context.Context, input map[string]any, tctx *tools.Context) (tools.CommandResult, tools.Result) {
	cmd := stringArg(input, "cmd")
	if !b.pol.CommandAllowed(cmd) {
		return tools.CommandResult{}, tools.FailResult("command_not_allowed", fmt.Sprintf("command %q is not allowed by policy", cmd))
	}
	if tctx.Runner == nil {
		return tools.CommandResult{}, tools.FailResult("no_runner", "command runner is not configured")
	}

	dir := tctx.Memory.ProjectRoot
	if cwd := stringArg(input, "cwd"); cwd != "" {
		abs, _, err := tctx.Memory.ResolvePath(cwd)
		if err != nil {
			return tools.CommandResult{}, tools.FailResult("invalid_path", err.Error())
		}
		dir = abs
	}

	timeout := b.timeout
	if secs := intArg(input, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := tctx.Runner.Run(ctx, cmd, stringListArg(input, "args"), dir)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, tools.FailResult("timeout", fmt.Sprintf("command %q timed out after %s", cmd, timeout))
		}
		return out, tools.Result{
			OK:    false,
			Error: &tools.Failure{Code: "spawn_failed", Message: fmt.Sprintf("command %q could not be started", cmd), Detail: err.Error()},
		}
	}

	return out, tools.OKResult(map[string]any{
		"exit_code": out.ExitCode,
		"stdout":    faults.Truncate(out.Stdout, b.maxOut),
		"stderr":    faults.Truncate(out.Stderr, b.maxOut),
	})
}

func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// intArg tolerates the numeric encodings an input can arrive with: native
// ints from criteria-synthesized calls and float64 from decoded LM JSON.
func intArg(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
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
