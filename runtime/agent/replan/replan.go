// Package replan decides and applies plan change requests.
//
// A change request travels a fixed pipeline: record the proposal, evaluate
// the policy gate, record the verdict, escalate to the change reviewer when
// the gate demands it, then check the replan budget and apply the patch.
// Every stopping point surfaces as a config-class fault so the turn loop can
// fail the run with the exact denial text; nothing in this package talks to
// the model.
package replan

import (
	"context"
	"errors"
	"fmt"

	"goa.design/foreman/runtime/agent/faults"
	"goa.design/foreman/runtime/agent/plan"
	"goa.design/foreman/runtime/agent/policy"
	"goa.design/foreman/runtime/agent/review"
	"goa.design/foreman/runtime/agent/telemetry"
)

type (
	// State is the slice of run state the replanner records into. The
	// runtime's state satisfies it; tests use lightweight fakes.
	State interface {
		// RecordChangeRequest appends the proposal to the plan history.
		RecordChangeRequest(req *plan.ChangeRequest)

		// RecordGateResult appends the gate verdict to the plan history.
		RecordGateResult(res policy.GateResult)

		// RecordUserDecision appends the reviewer verdict to the plan
		// history.
		RecordUserDecision(dec review.ChangeDecision)

		// ReplacePlan installs the patched plan and bumps the plan version.
		ReplacePlan(p *plan.Plan)

		// ReplansUsed reports how many plan changes have been applied so far
		// in this run.
		ReplansUsed() int
	}

	// Replanner runs the gate-review-apply pipeline for change requests.
	Replanner struct {
		gate     *policy.Gate
		reviewer review.ChangeReviewer
		logger   telemetry.Logger
	}

	// Options configures a Replanner. All fields are optional.
	Options struct {
		// Gate evaluates change requests. Defaults to policy.NewGate().
		Gate *policy.Gate

		// Reviewer resolves needs_user_review verdicts. Defaults to
		// review.RejectAllChanges(), so unattended runs fail closed.
		Reviewer review.ChangeReviewer

		// Logger receives replan diagnostics. Defaults to a no-op logger.
		Logger telemetry.Logger
	}
)

// New constructs a Replanner.
func New(opts Options) *Replanner {
	gate := opts.Gate
	if gate == nil {
		gate = policy.NewGate()
	}
	reviewer := opts.Reviewer
	if reviewer == nil {
		reviewer = review.RejectAllChanges()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Replanner{gate: gate, reviewer: reviewer, logger: logger}
}

// Decide runs one change request through the pipeline against the current
// plan. On approval the patched plan is installed via st.ReplacePlan and
// returned; every denial path returns a config fault carrying the denial
// text. The gate verdict is returned in all cases for auditing.
func (r *Replanner) Decide(ctx context.Context, req *plan.ChangeRequest, current *plan.Plan, pol *policy.Policy, st State) (*plan.Plan, policy.GateResult, error) {
	if req == nil {
		return nil, policy.GateResult{}, errors.New("replan: change request is nil")
	}
	if current == nil {
		return nil, policy.GateResult{}, errors.New("replan: current plan is nil")
	}
	if pol == nil {
		return nil, policy.GateResult{}, errors.New("replan: policy is nil")
	}
	if st == nil {
		return nil, policy.GateResult{}, errors.New("replan: state is nil")
	}

	st.RecordChangeRequest(req)
	res := r.gate.Evaluate(req, pol, len(current.Tasks))
	st.RecordGateResult(res)

	switch res.Status {
	case policy.GateDenied:
		r.logger.Info(ctx, "plan change denied by gate",
			"change_type", string(req.ChangeType), "reason", res.Reason)
		return nil, res, faults.New(faults.Config, deniedMessage(res.Reason, res.Guidance))

	case policy.GateNeedsUserReview:
		dec, err := r.reviewer.ReviewChange(ctx, req, res)
		if err != nil {
			return nil, res, faults.Configf("change review failed: %s", err)
		}
		st.RecordUserDecision(dec)
		if dec.Decision != review.Approved {
			r.logger.Info(ctx, "plan change rejected by reviewer",
				"change_type", string(req.ChangeType), "decision", string(dec.Decision))
			return nil, res, faults.New(faults.Config, deniedMessage(dec.Reason, dec.Guidance))
		}

	case policy.GateApproved:
		// Fall through to the budget check.

	default:
		return nil, res, faults.Configf("unknown gate status %q", res.Status)
	}

	// The budget is spent on applied changes only, so the check runs after
	// approval: a denied request must not consume a replan.
	if used := st.ReplansUsed(); used >= pol.Budgets.MaxReplans {
		return nil, res, faults.Configf("Replan budget exceeded: %d >= %d", used, pol.Budgets.MaxReplans)
	}

	next, err := plan.Apply(current, req.Patch)
	if err != nil {
		return nil, res, faults.Configf("apply plan change: %s", err)
	}
	st.ReplacePlan(next)
	r.logger.Info(ctx, "plan change applied",
		"change_type", string(req.ChangeType), "tasks", len(next.Tasks))
	return next, res, nil
}

// deniedMessage renders the terminal denial text, with the guidance appended
// when present.
func deniedMessage(reason, guidance string) string {
	msg := fmt.Sprintf("Plan change denied: %s.", reason)
	if guidance != "" {
		msg += " " + guidance
	}
	return msg
}
