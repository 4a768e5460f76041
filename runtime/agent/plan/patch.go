package plan

import (
	"encoding/json"
	"fmt"
)

// PatchOpKind tags a patch operation variant.
type PatchOpKind string

// Patch operations recognized by the engine.
const (
	OpAddTask        PatchOpKind = "add_task"
	OpRemoveTask     PatchOpKind = "remove_task"
	OpEditTask       PatchOpKind = "edit_task"
	OpReorder        PatchOpKind = "reorder"
	OpEditAcceptance PatchOpKind = "edit_acceptance"
	OpEditTechStack  PatchOpKind = "edit_tech_stack"
)

var patchOpKinds = map[PatchOpKind]struct{}{
	OpAddTask: {}, OpRemoveTask: {}, OpEditTask: {}, OpReorder: {},
	OpEditAcceptance: {}, OpEditTechStack: {},
}

// PatchOp is a tagged sum over plan transformations. Only the fields
// matching Op are meaningful.
type PatchOp struct {
	// Op selects the variant.
	Op PatchOpKind `json:"op"`

	// Task is the task to insert for add_task.
	Task *Task `json:"task,omitempty"`
	// AfterTaskID anchors add_task and reorder insertions. For reorder an
	// absent anchor means prepend; an unknown anchor leaves order unchanged.
	AfterTaskID string `json:"after_task_id,omitempty"`
	// TaskID names the target for remove_task, edit_task and reorder.
	TaskID string `json:"task_id,omitempty"`
	// Changes is the field merge document for edit_task, edit_acceptance and
	// edit_tech_stack.
	Changes map[string]any `json:"changes,omitempty"`
}

// patchOpAlias avoids UnmarshalJSON recursion.
type patchOpAlias PatchOp

// UnmarshalJSON decodes a patch op and rejects unknown op tags.
func (op *PatchOp) UnmarshalJSON(data []byte) error {
	var alias patchOpAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	if alias.Op == "" {
		return fmt.Errorf("patch op missing op tag")
	}
	if _, ok := patchOpKinds[alias.Op]; !ok {
		return fmt.Errorf("unknown patch op %q", alias.Op)
	}
	*op = PatchOp(alias)
	return nil
}

// Validate checks the per-op required fields.
func (op PatchOp) Validate() error {
	switch op.Op {
	case OpAddTask:
		if op.Task == nil {
			return fmt.Errorf("add_task requires task")
		}
		if err := op.Task.Validate(); err != nil {
			return fmt.Errorf("add_task: %w", err)
		}
	case OpRemoveTask:
		if op.TaskID == "" {
			return fmt.Errorf("remove_task requires task_id")
		}
	case OpEditTask:
		if op.TaskID == "" {
			return fmt.Errorf("edit_task requires task_id")
		}
		if len(op.Changes) == 0 {
			return fmt.Errorf("edit_task requires changes")
		}
	case OpReorder:
		if op.TaskID == "" {
			return fmt.Errorf("reorder requires task_id")
		}
	case OpEditAcceptance, OpEditTechStack:
		if len(op.Changes) == 0 {
			return fmt.Errorf("%s requires changes", op.Op)
		}
	default:
		return fmt.Errorf("unknown patch op %q", op.Op)
	}
	return nil
}

// Apply transforms the plan with the ordered patch operations. Application is
// all-or-nothing: ops apply sequentially to a copy and the result is fully
// re-validated; the first offending op or violated invariant rejects the
// whole patch. The input plan is never mutated. An empty patch returns a
// structurally equal copy.
func Apply(p *Plan, patch []PatchOp) (*Plan, error) {
	if p == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	next := p.Clone()
	for i, op := range patch {
		if err := applyOp(next, op); err != nil {
			return nil, fmt.Errorf("patch op %d (%s): %w", i, op.Op, err)
		}
	}
	if err := Validate(next); err != nil {
		return nil, fmt.Errorf("patch produces invalid plan: %w", err)
	}
	return next, nil
}

func applyOp(p *Plan, op PatchOp) error {
	if err := op.Validate(); err != nil {
		return err
	}
	switch op.Op {
	case OpAddTask:
		return applyAddTask(p, op)
	case OpRemoveTask:
		return applyRemoveTask(p, op)
	case OpEditTask:
		return applyEditTask(p, op)
	case OpReorder:
		applyReorder(p, op)
		return nil
	case OpEditAcceptance:
		if locked, ok := op.Changes["locked"].(bool); ok {
			p.AcceptanceLocked = locked
		}
		return nil
	case OpEditTechStack:
		if locked, ok := op.Changes["locked"].(bool); ok {
			p.TechStackLocked = locked
		}
		return nil
	default:
		return fmt.Errorf("unknown patch op %q", op.Op)
	}
}

func applyAddTask(p *Plan, op PatchOp) error {
	task := op.Task.Clone()
	if existing, _ := p.Task(task.ID); existing != nil {
		return fmt.Errorf("duplicate task id %q", task.ID)
	}
	pos := len(p.Tasks)
	if op.AfterTaskID != "" {
		if _, idx := p.Task(op.AfterTaskID); idx >= 0 {
			pos = idx + 1
		}
	}
	p.Tasks = append(p.Tasks, Task{})
	copy(p.Tasks[pos+1:], p.Tasks[pos:])
	p.Tasks[pos] = task
	return nil
}

func applyRemoveTask(p *Plan, op PatchOp) error {
	_, idx := p.Task(op.TaskID)
	if idx < 0 {
		return fmt.Errorf("unknown task %q", op.TaskID)
	}
	p.Tasks = append(p.Tasks[:idx], p.Tasks[idx+1:]...)
	for mi := range p.Milestones {
		kept := p.Milestones[mi].TaskIDs[:0]
		for _, tid := range p.Milestones[mi].TaskIDs {
			if tid != op.TaskID {
				kept = append(kept, tid)
			}
		}
		p.Milestones[mi].TaskIDs = kept
	}
	return nil
}

// applyEditTask merges the changes document over the existing task through a
// JSON round trip so nested structures (success_criteria) re-parse with full
// tag validation. The task id is immutable.
func applyEditTask(p *Plan, op PatchOp) error {
	task, idx := p.Task(op.TaskID)
	if idx < 0 {
		return fmt.Errorf("unknown task %q", op.TaskID)
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}
	for k, v := range op.Changes {
		if k == "id" {
			continue
		}
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode merged task: %w", err)
	}
	var edited Task
	if err := json.Unmarshal(merged, &edited); err != nil {
		return fmt.Errorf("decode merged task: %w", err)
	}
	edited.ID = task.ID
	if err := edited.Validate(); err != nil {
		return err
	}
	p.Tasks[idx] = edited
	return nil
}

// applyReorder moves the task after the anchor, or to the front when no
// anchor is given. Unknown task or anchor ids leave the order unchanged.
func applyReorder(p *Plan, op PatchOp) {
	_, idx := p.Task(op.TaskID)
	if idx < 0 {
		return
	}
	if op.AfterTaskID != "" {
		if anchor, _ := p.Task(op.AfterTaskID); anchor == nil {
			return
		}
		if op.AfterTaskID == op.TaskID {
			return
		}
	}
	task := p.Tasks[idx]
	rest := append(p.Tasks[:idx:idx], p.Tasks[idx+1:]...)
	pos := 0
	if op.AfterTaskID != "" {
		for i, t := range rest {
			if t.ID == op.AfterTaskID {
				pos = i + 1
				break
			}
		}
	}
	tasks := make([]Task, 0, len(rest)+1)
	tasks = append(tasks, rest[:pos]...)
	tasks = append(tasks, task)
	tasks = append(tasks, rest[pos:]...)
	p.Tasks = tasks
}
