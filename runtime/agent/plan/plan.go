// Package plan defines the typed plan documents the runtime executes and the
// patch engine that transforms them.
//
// Three documents cross the LM boundary: the Plan itself (version "v1"), the
// per-task action plan, and the plan change request (version "v2"). All
// polymorphic variants (success criteria, patch operations) are tagged sums;
// parsing rejects unknown tags so downstream switches stay exhaustive.
package plan

import (
	"encoding/json"
	"fmt"
)

// Version is the literal plan document version.
const Version = "v1"

// ActionPlanVersion is the literal action plan document version.
const ActionPlanVersion = "v1"

// ChangeRequestVersion is the literal change request document version.
const ChangeRequestVersion = "v2"

// TaskType classifies a task for policy and prompt purposes.
type TaskType string

// Task types recognized by the runtime.
const (
	TaskBuild       TaskType = "build"
	TaskCodegen     TaskType = "codegen"
	TaskTest        TaskType = "test"
	TaskDebug       TaskType = "debug"
	TaskVerify      TaskType = "verify"
	TaskRepair      TaskType = "repair"
	TaskDesign      TaskType = "design"
	TaskMaterialize TaskType = "materialize"
	TaskOther       TaskType = "other"
)

var taskTypes = map[TaskType]struct{}{
	TaskBuild: {}, TaskCodegen: {}, TaskTest: {}, TaskDebug: {}, TaskVerify: {},
	TaskRepair: {}, TaskDesign: {}, TaskMaterialize: {}, TaskOther: {},
}

// Valid reports whether t is a recognized task type.
func (t TaskType) Valid() bool {
	_, ok := taskTypes[t]
	return ok
}

type (
	// Plan is the ordered set of milestones and tasks derived from a goal.
	Plan struct {
		// Version is always "v1".
		Version string `json:"version"`
		// Goal is the user goal the plan was derived from.
		Goal string `json:"goal"`
		// AcceptanceLocked freezes the plan's acceptance criteria; relaxing
		// them requires an explicitly allowed plan change.
		AcceptanceLocked bool `json:"acceptance_locked"`
		// TechStackLocked freezes the technology choices.
		TechStackLocked bool `json:"tech_stack_locked"`
		// Milestones group tasks for presentation. Optional.
		Milestones []Milestone `json:"milestones,omitempty"`
		// Tasks is the ordered work list. Never empty in a valid plan.
		Tasks []Task `json:"tasks"`
	}

	// Milestone groups related tasks under a heading.
	Milestone struct {
		// ID uniquely identifies the milestone within the plan.
		ID string `json:"id"`
		// Title is the milestone heading.
		Title string `json:"title"`
		// TaskIDs references tasks belonging to this milestone, in order.
		TaskIDs []string `json:"task_ids"`
	}

	// Task is a unit of work with declared dependencies and machine-checkable
	// success criteria.
	Task struct {
		// ID uniquely identifies the task within the plan. Immutable across
		// edits.
		ID string `json:"id"`
		// Title is the short human-readable name.
		Title string `json:"title"`
		// Description explains the work in planner terms.
		Description string `json:"description,omitempty"`
		// Dependencies lists task ids that must complete before this task is
		// ready.
		Dependencies []string `json:"dependencies,omitempty"`
		// ToolHints suggests tools likely useful for this task.
		ToolHints []string `json:"tool_hints,omitempty"`
		// SuccessCriteria are the deterministic checks that define done.
		// At least one is required.
		SuccessCriteria []SuccessCriterion `json:"success_criteria"`
		// TaskType classifies the task.
		TaskType TaskType `json:"task_type"`
	}
)

// CriterionKind tags a success criterion variant.
type CriterionKind string

// Criterion kinds recognized by the evaluator.
const (
	CriterionCommand      CriterionKind = "command"
	CriterionFileExists   CriterionKind = "file_exists"
	CriterionFileContains CriterionKind = "file_contains"
	CriterionToolResult   CriterionKind = "tool_result"
)

// SuccessCriterion is a tagged sum over the deterministic check variants.
// Only the fields matching Kind are meaningful.
type SuccessCriterion struct {
	// Kind selects the variant.
	Kind CriterionKind `json:"kind"`

	// Cmd, Args, Cwd and ExpectExitCode describe a command check. The check
	// passes iff the exit code equals ExpectExitCode (default 0).
	Cmd            string   `json:"cmd,omitempty"`
	Args           []string `json:"args,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	ExpectExitCode *int     `json:"expect_exit_code,omitempty"`

	// Path names the file for file_exists and file_contains checks.
	Path string `json:"path,omitempty"`
	// Contains is the required substring for file_contains checks.
	Contains string `json:"contains,omitempty"`

	// ToolName and ExpectedOK describe a tool_result check: the named tool
	// must appear in the current task's action results with a matching ok
	// flag (default true).
	ToolName   string `json:"tool_name,omitempty"`
	ExpectedOK *bool  `json:"expected_ok,omitempty"`
}

// successCriterionAlias avoids UnmarshalJSON recursion.
type successCriterionAlias SuccessCriterion

// UnmarshalJSON decodes a criterion and rejects unknown kinds.
func (c *SuccessCriterion) UnmarshalJSON(data []byte) error {
	var alias successCriterionAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	switch CriterionKind(alias.Kind) {
	case CriterionCommand, CriterionFileExists, CriterionFileContains, CriterionToolResult:
	case "":
		return fmt.Errorf("success criterion missing kind")
	default:
		return fmt.Errorf("unknown success criterion kind %q", alias.Kind)
	}
	*c = SuccessCriterion(alias)
	return nil
}

// ExpectedExit returns the expected exit code for a command criterion,
// defaulting to 0.
func (c SuccessCriterion) ExpectedExit() int {
	if c.ExpectExitCode == nil {
		return 0
	}
	return *c.ExpectExitCode
}

// WantOK returns the expected ok flag for a tool_result criterion,
// defaulting to true.
func (c SuccessCriterion) WantOK() bool {
	if c.ExpectedOK == nil {
		return true
	}
	return *c.ExpectedOK
}

// Describe renders the criterion as a short human-readable phrase used in
// failure evidence and prompts.
func (c SuccessCriterion) Describe() string {
	switch c.Kind {
	case CriterionCommand:
		return fmt.Sprintf("command %q exits with %d", c.Cmd, c.ExpectedExit())
	case CriterionFileExists:
		return fmt.Sprintf("file %q exists", c.Path)
	case CriterionFileContains:
		return fmt.Sprintf("file %q contains %q", c.Path, c.Contains)
	case CriterionToolResult:
		return fmt.Sprintf("tool %q reported ok=%t", c.ToolName, c.WantOK())
	default:
		return fmt.Sprintf("unknown criterion %q", c.Kind)
	}
}

// Validate checks the per-kind required fields.
func (c SuccessCriterion) Validate() error {
	switch c.Kind {
	case CriterionCommand:
		if c.Cmd == "" {
			return fmt.Errorf("command criterion requires cmd")
		}
	case CriterionFileExists:
		if c.Path == "" {
			return fmt.Errorf("file_exists criterion requires path")
		}
	case CriterionFileContains:
		if c.Path == "" {
			return fmt.Errorf("file_contains criterion requires path")
		}
		if c.Contains == "" {
			return fmt.Errorf("file_contains criterion requires contains")
		}
	case CriterionToolResult:
		if c.ToolName == "" {
			return fmt.Errorf("tool_result criterion requires tool_name")
		}
	default:
		return fmt.Errorf("unknown success criterion kind %q", c.Kind)
	}
	return nil
}

// Clone returns a deep copy of the criterion.
func (c SuccessCriterion) Clone() SuccessCriterion {
	out := c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.ExpectExitCode != nil {
		v := *c.ExpectExitCode
		out.ExpectExitCode = &v
	}
	if c.ExpectedOK != nil {
		v := *c.ExpectedOK
		out.ExpectedOK = &v
	}
	return out
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	out := t
	if t.Dependencies != nil {
		out.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.ToolHints != nil {
		out.ToolHints = append([]string(nil), t.ToolHints...)
	}
	if t.SuccessCriteria != nil {
		out.SuccessCriteria = make([]SuccessCriterion, len(t.SuccessCriteria))
		for i, c := range t.SuccessCriteria {
			out.SuccessCriteria[i] = c.Clone()
		}
	}
	return out
}

// Validate checks the task's own shape. Dependency existence is a plan-level
// invariant checked by Plan validation.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if len(t.SuccessCriteria) == 0 {
		return fmt.Errorf("task %q requires at least one success criterion", t.ID)
	}
	for i, c := range t.SuccessCriteria {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("task %q criterion %d: %w", t.ID, i, err)
		}
	}
	if !t.TaskType.Valid() {
		return fmt.Errorf("task %q has unknown task_type %q", t.ID, t.TaskType)
	}
	return nil
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	if p.Milestones != nil {
		out.Milestones = make([]Milestone, len(p.Milestones))
		for i, m := range p.Milestones {
			cm := m
			if m.TaskIDs != nil {
				cm.TaskIDs = append([]string(nil), m.TaskIDs...)
			}
			out.Milestones[i] = cm
		}
	}
	if p.Tasks != nil {
		out.Tasks = make([]Task, len(p.Tasks))
		for i, t := range p.Tasks {
			out.Tasks[i] = t.Clone()
		}
	}
	return &out
}

// Task returns the task with the given id and its position in plan order.
func (p *Plan) Task(id string) (*Task, int) {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i], i
		}
	}
	return nil, -1
}

// TaskIDs returns the plan's task ids in plan order.
func (p *Plan) TaskIDs() []string {
	ids := make([]string, len(p.Tasks))
	for i, t := range p.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Parse decodes and validates a plan document.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
