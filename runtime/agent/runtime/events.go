package runtime

import (
	"context"
	"time"
)

// EventType identifies the kind of run event.
type EventType string

const (
	// EventRunStarted fires once when the run begins.
	EventRunStarted EventType = "run_started"
	// EventPlanProposed fires when the initial plan is accepted.
	EventPlanProposed EventType = "plan_proposed"
	// EventTurnStarted fires at the top of each turn with the selected task.
	EventTurnStarted EventType = "turn_started"
	// EventTaskCompleted fires when a task passes all success criteria.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskRetried fires when an attempt fails criteria and another
	// attempt or a replan follows.
	EventTaskRetried EventType = "task_retried"
	// EventReplanApplied fires when an approved change patches the plan.
	EventReplanApplied EventType = "replan_applied"
	// EventRunCompleted fires once when the run reaches a terminal status.
	EventRunCompleted EventType = "run_completed"
)

// Event is a notification emitted by the runtime as the run progresses.
type Event interface {
	// Type returns the event type.
	Type() EventType
	// RunID returns the run the event belongs to.
	RunID() string
	// Timestamp returns the emission time in Unix milliseconds.
	Timestamp() int64
}

// Sink receives run events. Delivery is best-effort: a sink error is logged
// and never interrupts the run.
type Sink interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

// HandleEvent calls f.
func (f SinkFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

type baseEvent struct {
	runID     string
	timestamp int64
}

func newBaseEvent(runID string) baseEvent {
	return baseEvent{runID: runID, timestamp: time.Now().UnixMilli()}
}

// RunID returns the run the event belongs to.
func (e *baseEvent) RunID() string { return e.runID }

// Timestamp returns the emission time in Unix milliseconds.
func (e *baseEvent) Timestamp() int64 { return e.timestamp }

// RunStartedEvent marks the beginning of a run.
type RunStartedEvent struct {
	baseEvent

	// Goal is the natural-language goal the run pursues.
	Goal string `json:"goal"`
}

// NewRunStartedEvent builds a RunStartedEvent.
func NewRunStartedEvent(runID, goal string) *RunStartedEvent {
	return &RunStartedEvent{baseEvent: newBaseEvent(runID), Goal: goal}
}

// PlanProposedEvent marks the acceptance of the initial plan.
type PlanProposedEvent struct {
	baseEvent

	// TaskCount is the number of tasks in the accepted plan.
	TaskCount int `json:"task_count"`
	// PlanVersion is the version the plan was installed at.
	PlanVersion int `json:"plan_version"`
}

// NewPlanProposedEvent builds a PlanProposedEvent.
func NewPlanProposedEvent(runID string, taskCount, planVersion int) *PlanProposedEvent {
	return &PlanProposedEvent{baseEvent: newBaseEvent(runID), TaskCount: taskCount, PlanVersion: planVersion}
}

// TurnStartedEvent marks the start of a turn.
type TurnStartedEvent struct {
	baseEvent

	// Turn is the 1-based turn number.
	Turn int `json:"turn"`
	// TaskID is the task selected for the turn.
	TaskID string `json:"task_id"`
}

// NewTurnStartedEvent builds a TurnStartedEvent.
func NewTurnStartedEvent(runID string, turn int, taskID string) *TurnStartedEvent {
	return &TurnStartedEvent{baseEvent: newBaseEvent(runID), Turn: turn, TaskID: taskID}
}

// TaskCompletedEvent marks a task passing all of its success criteria.
type TaskCompletedEvent struct {
	baseEvent

	// TaskID is the completed task.
	TaskID string `json:"task_id"`
	// Turn is the turn the task completed on.
	Turn int `json:"turn"`
}

// NewTaskCompletedEvent builds a TaskCompletedEvent.
func NewTaskCompletedEvent(runID, taskID string, turn int) *TaskCompletedEvent {
	return &TaskCompletedEvent{baseEvent: newBaseEvent(runID), TaskID: taskID, Turn: turn}
}

// TaskRetriedEvent marks a failed attempt at a task.
type TaskRetriedEvent struct {
	baseEvent

	// TaskID is the task that failed its criteria.
	TaskID string `json:"task_id"`
	// Attempt is the 1-based attempt number that failed.
	Attempt int `json:"attempt"`
	// Failures lists the criteria failure messages.
	Failures []string `json:"failures,omitempty"`
}

// NewTaskRetriedEvent builds a TaskRetriedEvent.
func NewTaskRetriedEvent(runID, taskID string, attempt int, failures []string) *TaskRetriedEvent {
	return &TaskRetriedEvent{baseEvent: newBaseEvent(runID), TaskID: taskID, Attempt: attempt, Failures: failures}
}

// ReplanAppliedEvent marks an approved plan change taking effect.
type ReplanAppliedEvent struct {
	baseEvent

	// PlanVersion is the version after the patch.
	PlanVersion int `json:"plan_version"`
	// ChangeType is the change request's declared type.
	ChangeType string `json:"change_type"`
}

// NewReplanAppliedEvent builds a ReplanAppliedEvent.
func NewReplanAppliedEvent(runID string, planVersion int, changeType string) *ReplanAppliedEvent {
	return &ReplanAppliedEvent{baseEvent: newBaseEvent(runID), PlanVersion: planVersion, ChangeType: changeType}
}

// RunCompletedEvent marks the run reaching a terminal status.
type RunCompletedEvent struct {
	baseEvent

	// Status is the terminal status, done or failed.
	Status Status `json:"status"`
	// Summary is the human-readable run summary.
	Summary string `json:"summary"`
}

// NewRunCompletedEvent builds a RunCompletedEvent.
func NewRunCompletedEvent(runID string, status Status, summary string) *RunCompletedEvent {
	return &RunCompletedEvent{baseEvent: newBaseEvent(runID), Status: status, Summary: summary}
}

// Type returns EventRunStarted.
func (e *RunStartedEvent) Type() EventType { return EventRunStarted }

// Type returns EventPlanProposed.
func (e *PlanProposedEvent) Type() EventType { return EventPlanProposed }

// Type returns EventTurnStarted.
func (e *TurnStartedEvent) Type() EventType { return EventTurnStarted }

// Type returns EventTaskCompleted.
func (e *TaskCompletedEvent) Type() EventType { return EventTaskCompleted }

// Type returns EventTaskRetried.
func (e *TaskRetriedEvent) Type() EventType { return EventTaskRetried }

// Type returns EventReplanApplied.
func (e *ReplanAppliedEvent) Type() EventType { return EventReplanApplied }

// Type returns EventRunCompleted.
func (e *RunCompletedEvent) Type() EventType { return EventRunCompleted }
