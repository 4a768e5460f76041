// Package review models human review as pluggable synchronous callbacks.
// Two review points exist: patch review, a boolean approve/reject over new
// artifact paths a tool call produced, and change review, a structured
// decision over an escalated plan change request. Default implementations
// reject with guidance so unattended runs fail closed.
package review

import (
	"context"

	"goa.design/foreman/runtime/agent/plan"
	"goa.design/foreman/runtime/agent/policy"
)

// Decision is the outcome of a change review.
type Decision string

const (
	// Approved lets the change proceed.
	Approved Decision = "approved"
	// Denied rejects the change.
	Denied Decision = "denied"
	// NeedsUserReview is never a valid final decision; a reviewer returning
	// it fails the run.
	NeedsUserReview Decision = "needs_user_review"
)

// ChangeDecision is the structured outcome of reviewing a plan change.
type ChangeDecision struct {
	// Decision is the reviewer's verdict.
	Decision Decision `json:"decision"`
	// Reason explains the verdict.
	Reason string `json:"reason"`
	// Guidance optionally tells the planner how to proceed.
	Guidance string `json:"guidance,omitempty"`
}

type (
	// PatchReviewer approves or rejects newly produced artifact paths before
	// the run continues. The call blocks the turn loop until it returns.
	PatchReviewer interface {
		// ReviewPatch returns true to accept the new paths.
		ReviewPatch(ctx context.Context, paths []string) (bool, error)
	}

	// ChangeReviewer decides plan change requests the gate escalated.
	ChangeReviewer interface {
		// ReviewChange returns the reviewer's structured decision.
		ReviewChange(ctx context.Context, req *plan.ChangeRequest, gate policy.GateResult) (ChangeDecision, error)
	}

	// PatchReviewerFunc adapts a function to PatchReviewer.
	PatchReviewerFunc func(ctx context.Context, paths []string) (bool, error)

	// ChangeReviewerFunc adapts a function to ChangeReviewer.
	ChangeReviewerFunc func(ctx context.Context, req *plan.ChangeRequest, gate policy.GateResult) (ChangeDecision, error)
)

// ReviewPatch implements PatchReviewer.
func (f PatchReviewerFunc) ReviewPatch(ctx context.Context, paths []string) (bool, error) {
	return f(ctx, paths)
}

// ReviewChange implements ChangeReviewer.
func (f ChangeReviewerFunc) ReviewChange(ctx context.Context, req *plan.ChangeRequest, gate policy.GateResult) (ChangeDecision, error) {
	return f(ctx, req, gate)
}

// AcceptAllPatches approves every patch without inspection. Useful for
// unattended runs that trust their tool allowlist.
func AcceptAllPatches() PatchReviewer {
	return PatchReviewerFunc(func(context.Context, []string) (bool, error) {
		return true, nil
	})
}

// RejectAllPatches is the fail-closed default patch reviewer.
func RejectAllPatches() PatchReviewer {
	return PatchReviewerFunc(func(context.Context, []string) (bool, error) {
		return false, nil
	})
}

// RejectAllChanges is the fail-closed default change reviewer. It denies
// every escalated request with guidance to attach a human reviewer.
func RejectAllChanges() ChangeReviewer {
	return ChangeReviewerFunc(func(_ context.Context, _ *plan.ChangeRequest, _ policy.GateResult) (ChangeDecision, error) {
		return ChangeDecision{
			Decision: Denied,
			Reason:   "no reviewer is attached to this run",
			Guidance: "attach a change reviewer or rerun with a policy that avoids escalation",
		}, nil
	})
}
