package plan

import "fmt"

// Validate enforces the plan invariants: version literal, at least one task,
// unique task ids, dependencies and milestone references resolve to existing
// tasks, unique milestone ids, and per-task shape.
func Validate(p *Plan) error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	if p.Version != Version {
		return fmt.Errorf("plan version %q is not %q", p.Version, Version)
	}
	if len(p.Tasks) == 0 {
		return fmt.Errorf("plan requires at least one task")
	}
	ids := make(map[string]struct{}, len(p.Tasks))
	for _, t := range p.Tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		ids[t.ID] = struct{}{}
	}
	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	mids := make(map[string]struct{}, len(p.Milestones))
	for _, m := range p.Milestones {
		if m.ID == "" {
			return fmt.Errorf("milestone id is required")
		}
		if _, dup := mids[m.ID]; dup {
			return fmt.Errorf("duplicate milestone id %q", m.ID)
		}
		mids[m.ID] = struct{}{}
		for _, tid := range m.TaskIDs {
			if _, ok := ids[tid]; !ok {
				return fmt.Errorf("milestone %q references unknown task %q", m.ID, tid)
			}
		}
	}
	return nil
}
