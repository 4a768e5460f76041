package policy

import (
	"fmt"
	"regexp"

	"goa.design/foreman/runtime/agent/plan"
)

// GateStatus is the outcome class of a gate evaluation.
type GateStatus string

const (
	// GateApproved lets the change request proceed to application.
	GateApproved GateStatus = "approved"
	// GateDenied rejects the change request outright.
	GateDenied GateStatus = "denied"
	// GateNeedsUserReview defers the decision to a human.
	GateNeedsUserReview GateStatus = "needs_user_review"
)

// GateResult is the gate's decision on a change request.
type GateResult struct {
	// Status classifies the decision.
	Status GateStatus `json:"status"`
	// Reason explains the decision in one sentence.
	Reason string `json:"reason"`
	// Guidance tells the planner or user what would unblock the request.
	Guidance string `json:"guidance,omitempty"`
	// RequiredEvidence lists what a human reviewer must be shown.
	RequiredEvidence []string `json:"required_evidence,omitempty"`
}

// Gate evaluates plan change requests against a policy. Evaluation is pure:
// the same request, policy and task count always produce the same result.
type Gate struct {
	migrationRisk *regexp.Regexp
	debugSignal   *regexp.Regexp
}

// NewGate returns a gate with its signal patterns compiled.
func NewGate() *Gate {
	return &Gate{
		migrationRisk: regexp.MustCompile(`(?i)migrat|impact|compat|risk`),
		debugSignal:   regexp.MustCompile(`(?i)debug|fix|repair|test|build|verify`),
	}
}

// debugTaskTypes are the task types that mark an added task as a
// debug-style fix rather than new scope.
var debugTaskTypes = map[plan.TaskType]struct{}{
	plan.TaskDebug: {}, plan.TaskTest: {}, plan.TaskBuild: {},
	plan.TaskRepair: {}, plan.TaskVerify: {},
}

// Evaluate decides a change request. Rules run in a fixed order: allowlist
// and lock violations deny before any type-specific rule is consulted.
func (g *Gate) Evaluate(req *plan.ChangeRequest, pol *Policy, currentTaskCount int) GateResult {
	for _, tool := range req.RequestedTools {
		if !pol.ToolAllowed(tool) {
			return denied(
				fmt.Sprintf("requested tool %q is not in the allowed tools", tool),
				"drop the tool or ask the user to extend the allowlist",
			)
		}
	}
	if req.HasOp(plan.OpEditAcceptance) && !pol.UserExplicitlyAllowedRelaxAcceptance {
		return denied(
			"acceptance criteria are locked",
			"ask the user to explicitly allow relaxing acceptance",
		)
	}
	if req.HasOp(plan.OpEditTechStack) && pol.TechStackLocked {
		return denied(
			"tech stack is locked",
			"ask the user to unlock the tech stack",
		)
	}
	if req.ChangeType == plan.ChangeRelaxAcceptance && !pol.UserExplicitlyAllowedRelaxAcceptance {
		return denied(
			"relaxing acceptance requires explicit user allowance",
			"ask the user to explicitly allow relaxing acceptance",
		)
	}

	switch req.ChangeType {
	case plan.ChangeReorderTasks:
		if req.HasOp(plan.OpEditAcceptance) || req.HasOp(plan.OpEditTechStack) {
			return denied(
				"task reordering must not edit acceptance or the tech stack",
				"restrict the patch to reorder ops",
			)
		}
		return approved("task reordering keeps scope and stack unchanged")
	case plan.ChangeScopeReduce:
		return approved("scope reduction never exceeds budget")
	case plan.ChangeAddTask:
		projected := currentTaskCount + max(0, req.Impact.StepsDelta)
		if projected <= pol.Budgets.MaxSteps && g.hasDebugSignal(req) {
			return approved(fmt.Sprintf(
				"task addition fits the step budget (%d of %d) and targets a debug-style fix",
				projected, pol.Budgets.MaxSteps,
			))
		}
		return review(
			"task addition lacks a debug-style signal or exceeds the step budget",
			"provide failure evidence and a step impact estimate",
			"failure evidence", "step impact estimate",
		)
	case plan.ChangeScopeExpand:
		return review(
			"scope expansion always requires user approval",
			"provide an impact estimate and an approval note",
			"impact estimate", "approval note",
		)
	case plan.ChangeReplaceTech:
		if distinctCount(req.Evidence) >= 2 && g.migrationRisk.MatchString(req.Impact.Risk) {
			return review(
				"tech replacement is justified but still requires user approval",
				"confirm the replacement with the user",
				"approval note",
			)
		}
		return review(
			"tech replacement needs two distinct failures and a migration impact assessment",
			"gather two distinct failure evidence items and assess migration impact",
			"two distinct failure evidence items", "migration impact assessment",
		)
	case plan.ChangeRemoveTask, plan.ChangeEditTask:
		return approved("structural edits are permitted by default")
	case plan.ChangeRelaxAcceptance:
		return approved("user explicitly allowed relaxing acceptance")
	default:
		return denied(fmt.Sprintf("unknown change_type %q", req.ChangeType), "")
	}
}

// hasDebugSignal reports whether the request reads as a debug-style fix:
// either the reason mentions debugging or repair work, or any added task
// carries a debug-style task type.
func (g *Gate) hasDebugSignal(req *plan.ChangeRequest) bool {
	if g.debugSignal.MatchString(req.Reason) {
		return true
	}
	for _, task := range req.AddedTasks() {
		if _, ok := debugTaskTypes[task.TaskType]; ok {
			return true
		}
	}
	return false
}

func distinctCount(items []string) int {
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item == "" {
			continue
		}
		seen[item] = struct{}{}
	}
	return len(seen)
}

func approved(reason string) GateResult {
	return GateResult{Status: GateApproved, Reason: reason}
}

func denied(reason, guidance string) GateResult {
	return GateResult{Status: GateDenied, Reason: reason, Guidance: guidance}
}

func review(reason, guidance string, evidence ...string) GateResult {
	return GateResult{
		Status:           GateNeedsUserReview,
		Reason:           reason,
		Guidance:         guidance,
		RequiredEvidence: evidence,
	}
}
