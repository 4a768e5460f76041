package runtime

import (
	"goa.design/foreman/runtime/agent/faults"
	"goa.design/foreman/runtime/agent/plan"
	"goa.design/foreman/runtime/agent/policy"
	"goa.design/foreman/runtime/agent/review"
)

// Status is the run lifecycle state.
type Status string

const (
	// StatusPlanning covers the initial plan proposal.
	StatusPlanning Status = "planning"
	// StatusExecuting covers task action proposal and tool execution.
	StatusExecuting Status = "executing"
	// StatusReviewing covers criteria evaluation and patch review.
	StatusReviewing Status = "reviewing"
	// StatusReplanning covers the change request pipeline.
	StatusReplanning Status = "replanning"
	// StatusDone is the successful terminal state.
	StatusDone Status = "done"
	// StatusFailed is the failed terminal state.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status ends the run.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusFailed }

// HistoryKind tags a plan history entry.
type HistoryKind string

const (
	// HistoryInitial records the first accepted plan.
	HistoryInitial HistoryKind = "initial"
	// HistoryChangeRequest records a proposed plan change.
	HistoryChangeRequest HistoryKind = "change_request"
	// HistoryGateResult records the gate verdict on a change.
	HistoryGateResult HistoryKind = "change_gate_result"
	// HistoryUserDecision records the reviewer verdict on a change.
	HistoryUserDecision HistoryKind = "change_user_decision"
)

// HistoryEntry is one append-only plan history record. Only the field
// matching Kind is set.
type HistoryEntry struct {
	Kind          HistoryKind            `json:"kind"`
	Plan          *plan.Plan             `json:"plan,omitempty"`
	ChangeRequest *plan.ChangeRequest    `json:"change_request,omitempty"`
	GateResult    *policy.GateResult     `json:"gate_result,omitempty"`
	UserDecision  *review.ChangeDecision `json:"user_decision,omitempty"`
}

// State is the single mutable record for one run. The runtime owns it; one
// goroutine drives all mutation, so no locking is needed. Collaborators
// mutate it only through the named helpers below, which keeps every write
// site greppable.
type State struct {
	status         Status
	plan           *plan.Plan
	planVersion    int
	completed      []string
	completedSet   map[string]struct{}
	failures       map[string][]string
	patchPaths     []string
	touched        []string
	touchedSet     map[string]struct{}
	lastResponseID string
	usedTurns      int
	replansUsed    int
	lastError      *faults.Fault
	history        []HistoryEntry
}

// Snapshot is the exported view of a State, suitable for results and
// serialization.
type Snapshot struct {
	Status         Status              `json:"status"`
	Plan           *plan.Plan          `json:"plan,omitempty"`
	PlanVersion    int                 `json:"plan_version"`
	Completed      []string            `json:"completed,omitempty"`
	Failures       map[string][]string `json:"failures,omitempty"`
	PatchPaths     []string            `json:"patch_paths,omitempty"`
	TouchedFiles   []string            `json:"touched_files,omitempty"`
	LastResponseID string              `json:"last_response_id,omitempty"`
	UsedTurns      int                 `json:"used_turns"`
	ReplansUsed    int                 `json:"replans_used"`
	LastError      *faults.Fault       `json:"last_error,omitempty"`
	PlanHistory    []HistoryEntry      `json:"plan_history,omitempty"`
}

// NewState constructs the run state in the planning status with no plan.
func NewState() *State {
	return &State{
		status:       StatusPlanning,
		completedSet: make(map[string]struct{}),
		touchedSet:   make(map[string]struct{}),
		failures:     make(map[string][]string),
	}
}

// Status returns the current lifecycle status.
func (s *State) Status() Status { return s.status }

// SetStatus transitions the lifecycle status.
func (s *State) SetStatus(v Status) { s.status = v }

// Plan returns the current plan. Nil until the initial plan is accepted.
func (s *State) Plan() *plan.Plan { return s.plan }

// PlanVersion returns the current plan version, zero before the initial plan.
func (s *State) PlanVersion() int { return s.planVersion }

// SetInitialPlan installs the first accepted plan at version 1 and opens the
// plan history.
func (s *State) SetInitialPlan(p *plan.Plan) {
	s.plan = p
	s.planVersion = 1
	s.history = append(s.history, HistoryEntry{Kind: HistoryInitial, Plan: p})
}

// ReplacePlan installs a patched plan, bumps the version and counts the
// applied replan.
func (s *State) ReplacePlan(p *plan.Plan) {
	s.plan = p
	s.planVersion++
	s.replansUsed++
}

// RecordChangeRequest appends the proposal to the plan history.
func (s *State) RecordChangeRequest(req *plan.ChangeRequest) {
	s.history = append(s.history, HistoryEntry{Kind: HistoryChangeRequest, ChangeRequest: req})
}

// RecordGateResult appends the gate verdict to the plan history.
func (s *State) RecordGateResult(res policy.GateResult) {
	s.history = append(s.history, HistoryEntry{Kind: HistoryGateResult, GateResult: &res})
}

// RecordUserDecision appends the reviewer verdict to the plan history.
func (s *State) RecordUserDecision(dec review.ChangeDecision) {
	s.history = append(s.history, HistoryEntry{Kind: HistoryUserDecision, UserDecision: &dec})
}

// PlanHistory returns a copy of the append-only plan history.
func (s *State) PlanHistory() []HistoryEntry {
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// MarkCompleted adds a task id to the completed set, preserving completion
// order.
func (s *State) MarkCompleted(taskID string) {
	if _, ok := s.completedSet[taskID]; ok {
		return
	}
	s.completedSet[taskID] = struct{}{}
	s.completed = append(s.completed, taskID)
}

// IsCompleted reports whether the task id is in the completed set.
func (s *State) IsCompleted(taskID string) bool {
	_, ok := s.completedSet[taskID]
	return ok
}

// Completed returns the completed task ids in completion order.
func (s *State) Completed() []string {
	out := make([]string, len(s.completed))
	copy(out, s.completed)
	return out
}

// CompletedCount returns the number of completed tasks.
func (s *State) CompletedCount() int { return len(s.completed) }

// RecordFailures replaces the task's failure history with the latest
// criteria failures.
func (s *State) RecordFailures(taskID string, failures []string) {
	s.failures[taskID] = append([]string(nil), failures...)
}

// Failures returns the last recorded criteria failures for the task.
func (s *State) Failures(taskID string) []string {
	return append([]string(nil), s.failures[taskID]...)
}

// FailureHistory returns the per-task failure map.
func (s *State) FailureHistory() map[string][]string {
	out := make(map[string][]string, len(s.failures))
	for k, v := range s.failures {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// AddTouchedPaths merges paths into the touched set in first-touch order and
// returns the paths not seen before this call.
func (s *State) AddTouchedPaths(paths []string) []string {
	var added []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := s.touchedSet[p]; ok {
			continue
		}
		s.touchedSet[p] = struct{}{}
		s.touched = append(s.touched, p)
		added = append(added, p)
	}
	return added
}

// AddPatchPaths appends paths to the patch set, skipping duplicates.
func (s *State) AddPatchPaths(paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		dup := false
		for _, q := range s.patchPaths {
			if q == p {
				dup = true
				break
			}
		}
		if !dup {
			s.patchPaths = append(s.patchPaths, p)
		}
	}
}

// TouchedFiles returns the touched paths in first-touch order.
func (s *State) TouchedFiles() []string {
	out := make([]string, len(s.touched))
	copy(out, s.touched)
	return out
}

// PatchPaths returns the patch paths in introduction order.
func (s *State) PatchPaths() []string {
	out := make([]string, len(s.patchPaths))
	copy(out, s.patchPaths)
	return out
}

// SetError records the most recent fault. It does not transition the status;
// absorbed tool failures record here while the run continues.
func (s *State) SetError(f *faults.Fault) { s.lastError = f }

// LastError returns the most recent recorded fault, nil if none.
func (s *State) LastError() *faults.Fault { return s.lastError }

// SetLastResponseID stores the provider response id to thread into the next
// LM call.
func (s *State) SetLastResponseID(id string) {
	if id != "" {
		s.lastResponseID = id
	}
}

// LastResponseID returns the most recent provider response id.
func (s *State) LastResponseID() string { return s.lastResponseID }

// SetUsedTurn records the highest turn number reached.
func (s *State) SetUsedTurn(turn int) { s.usedTurns = turn }

// UsedTurns returns the number of turns consumed.
func (s *State) UsedTurns() int { return s.usedTurns }

// ReplansUsed returns the number of applied plan changes.
func (s *State) ReplansUsed() int { return s.replansUsed }

// Snapshot renders the exported view of the state.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Status:         s.status,
		Plan:           s.plan,
		PlanVersion:    s.planVersion,
		Completed:      s.Completed(),
		Failures:       s.FailureHistory(),
		PatchPaths:     s.PatchPaths(),
		TouchedFiles:   s.TouchedFiles(),
		LastResponseID: s.lastResponseID,
		UsedTurns:      s.usedTurns,
		ReplansUsed:    s.replansUsed,
		LastError:      s.lastError,
		PlanHistory:    s.PlanHistory(),
	}
}
