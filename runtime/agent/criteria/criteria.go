// Package criteria deterministically evaluates task success criteria.
//
// tool_result criteria are settled against the tool results already produced
// this turn. The remaining kinds synthesize check tool calls and route them
// through the executor so the policy allowlist and safety rules apply to
// verification exactly as they do to regular actions. Failures are collected
// rather than short-circuited: one evaluation reports every violated
// criterion so a single replan can see the whole picture.
package criteria

import (
	"context"
	"fmt"

	"goa.design/foreman/runtime/agent/executor"
	"goa.design/foreman/runtime/agent/plan"
	"goa.design/foreman/runtime/agent/telemetry"
	"goa.design/foreman/runtime/agent/tools"
)

// Check tool names the evaluator synthesizes calls for. Registries that want
// command or file criteria verified must register tools under these names.
const (
	// CheckCommandTool runs a command and passes iff the exit code matches.
	CheckCommandTool = "tool_check_command"
	// CheckFileExistsTool passes iff the path exists inside the project root.
	CheckFileExistsTool = "tool_check_file_exists"
	// CheckFileContainsTool passes iff the file contains the substring.
	CheckFileContainsTool = "tool_check_file_contains"
)

type (
	// Invoker is the executor path check calls flow through.
	Invoker interface {
		Execute(ctx context.Context, call executor.Call, st executor.State, tctx *tools.Context) executor.Result
	}

	// Outcome is the result of evaluating one task's criteria.
	Outcome struct {
		// OK reports whether every criterion passed.
		OK bool
		// Failures describes each violated criterion.
		Failures []string
		// ToolAudit records every synthesized check invocation.
		ToolAudit []executor.Result
	}

	// Evaluator checks task criteria against turn results.
	Evaluator struct {
		invoker Invoker
		logger  telemetry.Logger
	}
)

// New constructs an evaluator. The invoker is required; it is normally the
// run's executor.
func New(invoker Invoker, logger telemetry.Logger) (*Evaluator, error) {
	if invoker == nil {
		return nil, fmt.Errorf("criteria: invoker is required")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Evaluator{invoker: invoker, logger: logger}, nil
}

// Evaluate settles every criterion of the task. turnResults are the tool
// results produced by the task's actions this turn, in execution order.
func (e *Evaluator) Evaluate(ctx context.Context, task *plan.Task, turnResults []executor.Result, st executor.State, tctx *tools.Context) Outcome {
	var out Outcome
	for _, c := range task.SuccessCriteria {
		switch c.Kind {
		case plan.CriterionToolResult:
			if reason, ok := settleToolResult(c, turnResults); !ok {
				out.Failures = append(out.Failures, fmt.Sprintf("%s: %s", c.Describe(), reason))
			}
		case plan.CriterionCommand, plan.CriterionFileExists, plan.CriterionFileContains:
			res := e.invoker.Execute(ctx, checkCall(c), st, tctx)
			out.ToolAudit = append(out.ToolAudit, res)
			if !res.OK {
				out.Failures = append(out.Failures, fmt.Sprintf("%s: %s", c.Describe(), res.Note))
			}
		default:
			out.Failures = append(out.Failures, fmt.Sprintf("unknown criterion kind %q", c.Kind))
		}
	}
	out.OK = len(out.Failures) == 0
	if !out.OK {
		e.logger.Debug(ctx, "criteria failed", "task", task.ID, "failures", len(out.Failures))
	}
	return out
}

// settleToolResult checks a tool_result criterion against the turn's results.
// When the tool ran more than once the most recent invocation wins.
func settleToolResult(c plan.SuccessCriterion, results []executor.Result) (string, bool) {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Tool != c.ToolName {
			continue
		}
		if results[i].OK == c.WantOK() {
			return "", true
		}
		return fmt.Sprintf("got ok=%t", results[i].OK), false
	}
	return "tool was not invoked this turn", false
}

// checkCall renders a criterion as a check tool invocation.
func checkCall(c plan.SuccessCriterion) executor.Call {
	switch c.Kind {
	case plan.CriterionCommand:
		input := map[string]any{
			"cmd":              c.Cmd,
			"expect_exit_code": c.ExpectedExit(),
		}
		if len(c.Args) > 0 {
			input["args"] = c.Args
		}
		if c.Cwd != "" {
			input["cwd"] = c.Cwd
		}
		return executor.Call{Name: CheckCommandTool, Input: input}
	case plan.CriterionFileExists:
		return executor.Call{Name: CheckFileExistsTool, Input: map[string]any{"path": c.Path}}
	default:
		return executor.Call{Name: CheckFileContainsTool, Input: map[string]any{
			"path":     c.Path,
			"contains": c.Contains,
		}}
	}
}
