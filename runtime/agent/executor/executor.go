// Package executor invokes registered tools on behalf of the turn loop. It
// enforces the tool allowlist, validates inputs against each tool's schema,
// merges side-effect evidence into run state, and surfaces the patch review
// hook when a call introduces new artifact paths. The executor never touches
// the filesystem itself; observable side effects belong to the tools.
package executor

import (
	"context"
	"fmt"

	"goa.design/foreman/runtime/agent/faults"
	"goa.design/foreman/runtime/agent/plan"
	"goa.design/foreman/runtime/agent/policy"
	"goa.design/foreman/runtime/agent/review"
	"goa.design/foreman/runtime/agent/telemetry"
	"goa.design/foreman/runtime/agent/tools"
)

// maxErrorDetail bounds the failure detail recorded on run state.
const maxErrorDetail = 500

type (
	// Call is one tool invocation as proposed by the planner.
	Call struct {
		// Name is the tool to invoke.
		Name string `json:"name"`
		// Input is the raw input document.
		Input map[string]any `json:"input,omitempty"`
	}

	// State is the narrow run-state surface the executor writes. The
	// executor is the only component that merges touched paths and patch
	// paths; errors are recorded, not raised, so the retry loop stays in
	// control.
	State interface {
		// AddTouchedPaths merges paths into the touched set and returns the
		// ones not seen before.
		AddTouchedPaths(paths []string) []string
		// AddPatchPaths records newly produced artifact paths.
		AddPatchPaths(paths []string)
		// SetError records the most recent fault.
		SetError(f *faults.Fault)
	}

	// Result reports one executed call.
	Result struct {
		// OK reports whether the call succeeded end to end, review included.
		OK bool
		// Tool is the tool name the call addressed.
		Tool string
		// Note summarizes the outcome in one line.
		Note string
		// Data is the tool's structured result document.
		Data map[string]any
		// TouchedPaths are the paths this call newly introduced.
		TouchedPaths []string
		// ReviewDecision is "approved" or "rejected" when patch review ran.
		ReviewDecision string
		// Err classifies the failure when OK is false.
		Err *faults.Fault
	}

	// Executor runs tool calls under a policy.
	Executor struct {
		registry *tools.Registry
		policy   *policy.Policy
		reviewer review.PatchReviewer
		logger   telemetry.Logger
	}

	// Options configures New.
	Options struct {
		// Registry holds the invocable tools. Required.
		Registry *tools.Registry
		// Policy supplies the tool allowlist. Required.
		Policy *policy.Policy
		// Reviewer is consulted when a call introduces new artifact paths.
		// Optional; nil skips patch review.
		Reviewer review.PatchReviewer
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}
)

// New constructs an executor.
func New(opts Options) (*Executor, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("executor: registry is required")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("executor: policy is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Executor{
		registry: opts.Registry,
		policy:   opts.Policy,
		reviewer: opts.Reviewer,
		logger:   logger,
	}, nil
}

// Execute runs a single call. Failures are recorded on state and reported in
// the result; Execute itself never aborts the run.
func (e *Executor) Execute(ctx context.Context, call Call, st State, tctx *tools.Context) Result {
	if !e.policy.ToolAllowed(call.Name) {
		f := faults.Configf("tool %q is not allowed by policy", call.Name)
		st.SetError(f)
		e.logger.Warn(ctx, "tool call rejected", "tool", call.Name, "reason", "not allowed")
		return Result{Tool: call.Name, Note: "disallowed tool", Err: f}
	}

	tool, ok := e.registry.Lookup(tools.Ident(call.Name))
	if !ok {
		f := faults.Unknownf("unknown tool %q", call.Name)
		st.SetError(f)
		e.logger.Warn(ctx, "tool call rejected", "tool", call.Name, "reason", "not registered")
		return Result{Tool: call.Name, Note: "unknown tool", Err: f}
	}

	if err := tool.ValidateInput(call.Input); err != nil {
		f := faults.Configf("invalid input for %q: %s", call.Name, err)
		st.SetError(f)
		e.logger.Warn(ctx, "tool input rejected", "tool", call.Name, "err", err)
		return Result{Tool: call.Name, Note: "invalid input", Err: f}
	}

	e.logger.Debug(ctx, "invoking tool", "tool", call.Name)
	res := tool.Run(ctx, call.Input, tctx)

	var newPaths []string
	if res.Meta != nil && len(res.Meta.TouchedPaths) > 0 {
		newPaths = st.AddTouchedPaths(res.Meta.TouchedPaths)
		if len(newPaths) > 0 {
			st.AddPatchPaths(newPaths)
		}
	}

	out := Result{
		Tool:         call.Name,
		Data:         res.Data,
		TouchedPaths: newPaths,
	}

	if len(newPaths) > 0 && e.reviewer != nil {
		approved, err := e.reviewer.ReviewPatch(ctx, newPaths)
		if err != nil {
			f := faults.Configf("patch review failed: %s", err)
			st.SetError(f)
			out.ReviewDecision = "rejected"
			out.Note = "patch review failed"
			out.Err = f
			return out
		}
		if !approved {
			f := faults.Configf("review rejected")
			st.SetError(f)
			out.ReviewDecision = "rejected"
			out.Note = "review rejected"
			out.Err = f
			return out
		}
		out.ReviewDecision = "approved"
	}

	if !res.OK {
		detail := "tool failed"
		if res.Error != nil {
			detail = res.Error.Message
			if res.Error.Detail != "" {
				detail += ": " + res.Error.Detail
			}
		}
		f := faults.Unknownf("tool %s failed: %s", call.Name, faults.Truncate(detail, maxErrorDetail))
		st.SetError(f)
		out.Note = detail
		out.Err = f
		return out
	}

	out.OK = true
	out.Note = "ok"
	return out
}

// ExecuteActions runs planned actions in order. A failing action stops the
// sequence unless its on_fail rule says continue. The returned results hold
// one entry per executed action.
func (e *Executor) ExecuteActions(ctx context.Context, actions []plan.Action, st State, tctx *tools.Context) []Result {
	results := make([]Result, 0, len(actions))
	for _, action := range actions {
		res := e.Execute(ctx, Call{Name: action.Name, Input: action.Input}, st, tctx)
		results = append(results, res)
		if !res.OK && !action.OnFail.Continues() {
			break
		}
	}
	return results
}
