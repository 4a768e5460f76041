package plan

import (
	"encoding/json"
	"fmt"
)

// ChangeType classifies the intent of a plan change request.
type ChangeType string

// Change types recognized by the policy gate.
const (
	ChangeReorderTasks    ChangeType = "reorder_tasks"
	ChangeAddTask         ChangeType = "add_task"
	ChangeRemoveTask      ChangeType = "remove_task"
	ChangeEditTask        ChangeType = "edit_task"
	ChangeScopeReduce     ChangeType = "scope_reduce"
	ChangeScopeExpand     ChangeType = "scope_expand"
	ChangeReplaceTech     ChangeType = "replace_tech"
	ChangeRelaxAcceptance ChangeType = "relax_acceptance"
)

var changeTypes = map[ChangeType]struct{}{
	ChangeReorderTasks: {}, ChangeAddTask: {}, ChangeRemoveTask: {}, ChangeEditTask: {},
	ChangeScopeReduce: {}, ChangeScopeExpand: {}, ChangeReplaceTech: {}, ChangeRelaxAcceptance: {},
}

// Valid reports whether t is a recognized change type.
func (t ChangeType) Valid() bool {
	_, ok := changeTypes[t]
	return ok
}

type (
	// Impact estimates the cost of a change request.
	Impact struct {
		// StepsDelta is the estimated change in total task count.
		StepsDelta int `json:"steps_delta"`
		// Risk describes migration or compatibility risk in prose. The gate
		// scans it for migration-impact hints on replace_tech requests.
		Risk string `json:"risk,omitempty"`
	}

	// ChangeRequest (version "v2") proposes a patch to the current plan along
	// with the evidence and impact the gate needs to decide on it.
	ChangeRequest struct {
		// Version is always "v2".
		Version string `json:"version"`
		// Reason explains why the change is needed.
		Reason string `json:"reason"`
		// ChangeType classifies the request for gate rules.
		ChangeType ChangeType `json:"change_type"`
		// Evidence lists observed failures supporting the request.
		Evidence []string `json:"evidence,omitempty"`
		// Impact estimates the cost of applying the change.
		Impact Impact `json:"impact"`
		// RequestedTools lists tools the revised plan intends to use.
		RequestedTools []string `json:"requested_tools,omitempty"`
		// Patch is the ordered operation sequence implementing the change.
		Patch []PatchOp `json:"patch"`
	}

	// Action is one tool invocation within a task action plan.
	Action struct {
		// Name is the tool to invoke.
		Name string `json:"name"`
		// Input is the tool input document.
		Input map[string]any `json:"input,omitempty"`
		// OnFail selects whether a failure stops the remaining actions
		// (default) or lets them continue.
		OnFail OnFail `json:"on_fail,omitempty"`
		// IdempotencyKey lets tools dedupe repeated submissions across
		// retries. Optional.
		IdempotencyKey string `json:"idempotency_key,omitempty"`
	}

	// ActionPlan is the LM's proposed tool call sequence for one task.
	ActionPlan struct {
		// Version is always "v1".
		Version string `json:"version"`
		// TaskID names the task the actions serve.
		TaskID string `json:"task_id"`
		// Rationale explains the approach.
		Rationale string `json:"rationale,omitempty"`
		// Actions is the ordered tool call list. Never empty in a valid plan.
		Actions []Action `json:"actions"`
		// ExpectedArtifacts lists paths the actions should produce. Optional.
		ExpectedArtifacts []string `json:"expected_artifacts,omitempty"`
	}
)

// OnFail selects failure handling for an action.
type OnFail string

const (
	// OnFailStop aborts the remaining actions of the attempt. The default.
	OnFailStop OnFail = "stop"
	// OnFailContinue runs the remaining actions despite the failure.
	OnFailContinue OnFail = "continue"
)

// Continues reports whether subsequent actions run after a failure under
// this rule.
func (o OnFail) Continues() bool { return o == OnFailContinue }

// Validate checks the action plan shape.
func (ap *ActionPlan) Validate() error {
	if ap == nil {
		return fmt.Errorf("action plan is nil")
	}
	if ap.Version != ActionPlanVersion {
		return fmt.Errorf("action plan version %q is not %q", ap.Version, ActionPlanVersion)
	}
	if ap.TaskID == "" {
		return fmt.Errorf("action plan requires task_id")
	}
	if len(ap.Actions) == 0 {
		return fmt.Errorf("action plan requires at least one action")
	}
	for i, a := range ap.Actions {
		if a.Name == "" {
			return fmt.Errorf("action %d requires a tool name", i)
		}
		switch a.OnFail {
		case "", OnFailStop, OnFailContinue:
		default:
			return fmt.Errorf("action %d has unknown on_fail %q", i, a.OnFail)
		}
	}
	return nil
}

// ParseActionPlan decodes and validates an action plan document.
func ParseActionPlan(data []byte) (*ActionPlan, error) {
	var ap ActionPlan
	if err := json.Unmarshal(data, &ap); err != nil {
		return nil, fmt.Errorf("decode action plan: %w", err)
	}
	if err := ap.Validate(); err != nil {
		return nil, err
	}
	return &ap, nil
}

// Validate checks the change request shape, including every patch op.
func (r *ChangeRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("change request is nil")
	}
	if r.Version != ChangeRequestVersion {
		return fmt.Errorf("change request version %q is not %q", r.Version, ChangeRequestVersion)
	}
	if r.Reason == "" {
		return fmt.Errorf("change request requires a reason")
	}
	if !r.ChangeType.Valid() {
		return fmt.Errorf("unknown change_type %q", r.ChangeType)
	}
	for i, op := range r.Patch {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("patch op %d: %w", i, err)
		}
	}
	return nil
}

// ParseChangeRequest decodes and validates a change request document.
func ParseChangeRequest(data []byte) (*ChangeRequest, error) {
	var r ChangeRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode change request: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// HasOp reports whether the patch contains an op of the given kind.
func (r *ChangeRequest) HasOp(kind PatchOpKind) bool {
	for _, op := range r.Patch {
		if op.Op == kind {
			return true
		}
	}
	return false
}

// AddedTasks returns the tasks introduced by add_task ops.
func (r *ChangeRequest) AddedTasks() []Task {
	var added []Task
	for _, op := range r.Patch {
		if op.Op == OpAddTask && op.Task != nil {
			added = append(added, *op.Task)
		}
	}
	return added
}
