package plan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func fileExists(path string) SuccessCriterion {
	return SuccessCriterion{Kind: CriterionFileExists, Path: path}
}

func twoTaskPlan() *Plan {
	return &Plan{
		Version: Version,
		Goal:    "write two files",
		Milestones: []Milestone{
			{ID: "m1", Title: "files", TaskIDs: []string{"t1", "t2"}},
		},
		Tasks: []Task{
			{ID: "t1", Title: "write a", SuccessCriteria: []SuccessCriterion{fileExists("a.txt")}, TaskType: TaskBuild},
			{ID: "t2", Title: "write b", Dependencies: []string{"t1"}, SuccessCriteria: []SuccessCriterion{fileExists("b.txt")}, TaskType: TaskBuild},
		},
	}
}

func TestValidateAcceptsWellFormedPlan(t *testing.T) {
	require.NoError(t, Validate(twoTaskPlan()))
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Plan)
		wantErr string
	}{
		{"wrong version", func(p *Plan) { p.Version = "v2" }, "plan version"},
		{"no tasks", func(p *Plan) { p.Tasks = nil }, "at least one task"},
		{"duplicate task id", func(p *Plan) { p.Tasks[1].ID = "t1" }, "duplicate task id"},
		{"unknown dependency", func(p *Plan) { p.Tasks[1].Dependencies = []string{"missing"} }, "unknown task"},
		{"no criteria", func(p *Plan) { p.Tasks[0].SuccessCriteria = nil }, "at least one success criterion"},
		{"bad task type", func(p *Plan) { p.Tasks[0].TaskType = "ship" }, "unknown task_type"},
		{"milestone unknown task", func(p *Plan) { p.Milestones[0].TaskIDs = []string{"nope"} }, "references unknown task"},
		{"duplicate milestone", func(p *Plan) { p.Milestones = append(p.Milestones, Milestone{ID: "m1"}) }, "duplicate milestone id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := twoTaskPlan()
			tc.mutate(p)
			require.ErrorContains(t, Validate(p), tc.wantErr)
		})
	}
}

func TestParseRejectsUnknownCriterionKind(t *testing.T) {
	raw := []byte(`{"version":"v1","goal":"g","tasks":[
		{"id":"t1","title":"x","task_type":"build",
		 "success_criteria":[{"kind":"flip_coin"}]}]}`)
	_, err := Parse(raw)
	require.ErrorContains(t, err, `unknown success criterion kind "flip_coin"`)
}

func TestParseRejectsUnknownPatchOp(t *testing.T) {
	var op PatchOp
	err := json.Unmarshal([]byte(`{"op":"explode"}`), &op)
	require.ErrorContains(t, err, `unknown patch op "explode"`)
}

func TestCriterionDefaults(t *testing.T) {
	var c SuccessCriterion
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"command","cmd":"true"}`), &c))
	require.Equal(t, 0, c.ExpectedExit())

	require.NoError(t, json.Unmarshal([]byte(`{"kind":"tool_result","tool_name":"tool_write_file"}`), &c))
	require.True(t, c.WantOK())

	require.NoError(t, json.Unmarshal([]byte(`{"kind":"tool_result","tool_name":"t","expected_ok":false}`), &c))
	require.False(t, c.WantOK())
}

func TestApplyEmptyPatchReturnsEqualCopy(t *testing.T) {
	p := twoTaskPlan()
	next, err := Apply(p, nil)
	require.NoError(t, err)
	require.Equal(t, p, next)
	require.NotSame(t, p, next)

	// Mutating the copy must not leak into the original.
	next.Tasks[0].Title = "changed"
	require.Equal(t, "write a", p.Tasks[0].Title)
}

func TestApplyAddTaskPositions(t *testing.T) {
	p := twoTaskPlan()
	task := Task{ID: "t3", Title: "extra", SuccessCriteria: []SuccessCriterion{fileExists("c.txt")}, TaskType: TaskTest}

	next, err := Apply(p, []PatchOp{{Op: OpAddTask, Task: &task, AfterTaskID: "t1"}})
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t3", "t2"}, next.TaskIDs())

	next, err = Apply(p, []PatchOp{{Op: OpAddTask, Task: &task}})
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2", "t3"}, next.TaskIDs())

	_, err = Apply(p, []PatchOp{{Op: OpAddTask, Task: &Task{ID: "t1", SuccessCriteria: []SuccessCriterion{fileExists("x")}, TaskType: TaskBuild}}})
	require.ErrorContains(t, err, `duplicate task id "t1"`)
}

func TestApplyRemoveTaskStripsMilestones(t *testing.T) {
	p := twoTaskPlan()
	// t1 is a dependency of t2, so remove t2 instead to stay valid.
	next, err := Apply(p, []PatchOp{{Op: OpRemoveTask, TaskID: "t2"}})
	require.NoError(t, err)
	require.Equal(t, []string{"t1"}, next.TaskIDs())
	require.Equal(t, []string{"t1"}, next.Milestones[0].TaskIDs)

	_, err = Apply(p, []PatchOp{{Op: OpRemoveTask, TaskID: "nope"}})
	require.ErrorContains(t, err, `unknown task "nope"`)
}

func TestApplyRemoveLeavingDanglingDependencyRejected(t *testing.T) {
	p := twoTaskPlan()
	_, err := Apply(p, []PatchOp{{Op: OpRemoveTask, TaskID: "t1"}})
	require.ErrorContains(t, err, "patch produces invalid plan")
	// All-or-nothing: the original plan is untouched.
	require.Equal(t, []string{"t1", "t2"}, p.TaskIDs())
}

func TestApplyEditTaskMergesButKeepsID(t *testing.T) {
	p := twoTaskPlan()
	next, err := Apply(p, []PatchOp{{
		Op:     OpEditTask,
		TaskID: "t2",
		Changes: map[string]any{
			"id":    "hijacked",
			"title": "write b properly",
			"success_criteria": []any{
				map[string]any{"kind": "tool_result", "tool_name": "tool_write_file", "expected_ok": true},
			},
		},
	}})
	require.NoError(t, err)
	task, _ := next.Task("t2")
	require.NotNil(t, task)
	require.Equal(t, "write b properly", task.Title)
	require.Equal(t, CriterionToolResult, task.SuccessCriteria[0].Kind)
	// Untouched fields survive the merge.
	require.Equal(t, []string{"t1"}, task.Dependencies)
	_, idx := next.Task("hijacked")
	require.Equal(t, -1, idx)
}

func TestApplyEditTaskRejectsBadCriteria(t *testing.T) {
	p := twoTaskPlan()
	_, err := Apply(p, []PatchOp{{
		Op:     OpEditTask,
		TaskID: "t2",
		Changes: map[string]any{
			"success_criteria": []any{map[string]any{"kind": "flip_coin"}},
		},
	}})
	require.ErrorContains(t, err, "unknown success criterion kind")
}

func TestApplyReorder(t *testing.T) {
	p := twoTaskPlan()
	p.Tasks = append(p.Tasks, Task{ID: "t3", Title: "c", SuccessCriteria: []SuccessCriterion{fileExists("c.txt")}, TaskType: TaskBuild})

	// Missing anchor prepends.
	next, err := Apply(p, []PatchOp{{Op: OpReorder, TaskID: "t3"}})
	require.NoError(t, err)
	require.Equal(t, []string{"t3", "t1", "t2"}, next.TaskIDs())

	// Anchor placement.
	next, err = Apply(p, []PatchOp{{Op: OpReorder, TaskID: "t3", AfterTaskID: "t1"}})
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t3", "t2"}, next.TaskIDs())

	// Unknown anchor leaves the order unchanged.
	next, err = Apply(p, []PatchOp{{Op: OpReorder, TaskID: "t3", AfterTaskID: "ghost"}})
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2", "t3"}, next.TaskIDs())

	// Unknown task id is a no-op.
	next, err = Apply(p, []PatchOp{{Op: OpReorder, TaskID: "ghost", AfterTaskID: "t1"}})
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2", "t3"}, next.TaskIDs())
}

func TestApplyLockToggles(t *testing.T) {
	p := twoTaskPlan()
	p.AcceptanceLocked = true
	p.TechStackLocked = true

	next, err := Apply(p, []PatchOp{
		{Op: OpEditAcceptance, Changes: map[string]any{"locked": false}},
		{Op: OpEditTechStack, Changes: map[string]any{"locked": false}},
	})
	require.NoError(t, err)
	require.False(t, next.AcceptanceLocked)
	require.False(t, next.TechStackLocked)

	// Non-boolean locked values leave the flag alone.
	next, err = Apply(p, []PatchOp{{Op: OpEditAcceptance, Changes: map[string]any{"locked": "nope"}}})
	require.NoError(t, err)
	require.True(t, next.AcceptanceLocked)
}

func TestApplyReportsFirstOffendingOp(t *testing.T) {
	p := twoTaskPlan()
	task := Task{ID: "t3", Title: "extra", SuccessCriteria: []SuccessCriterion{fileExists("c.txt")}, TaskType: TaskTest}
	_, err := Apply(p, []PatchOp{
		{Op: OpAddTask, Task: &task},
		{Op: OpRemoveTask, TaskID: "ghost"},
	})
	require.ErrorContains(t, err, "patch op 1 (remove_task)")
	require.Equal(t, []string{"t1", "t2"}, p.TaskIDs())
}

func TestParseChangeRequest(t *testing.T) {
	raw := []byte(`{
		"version": "v2",
		"reason": "t2 keeps failing its write check",
		"change_type": "edit_task",
		"evidence": ["criteria failed 3 times"],
		"impact": {"steps_delta": 0, "risk": "low"},
		"patch": [{"op":"edit_task","task_id":"t2","changes":{"title":"new"}}]
	}`)
	req, err := ParseChangeRequest(raw)
	require.NoError(t, err)
	require.Equal(t, ChangeEditTask, req.ChangeType)
	require.True(t, req.HasOp(OpEditTask))
	require.False(t, req.HasOp(OpAddTask))

	_, err = ParseChangeRequest([]byte(`{"version":"v2","reason":"r","change_type":"rewrite_world","patch":[]}`))
	require.ErrorContains(t, err, "unknown change_type")

	_, err = ParseChangeRequest([]byte(`{"version":"v1","reason":"r","change_type":"edit_task","patch":[]}`))
	require.ErrorContains(t, err, "change request version")
}

func TestActionPlanValidation(t *testing.T) {
	ap := &ActionPlan{Version: "v1", TaskID: "t1", Actions: []Action{{Name: "tool_noop"}}}
	require.NoError(t, ap.Validate())

	require.ErrorContains(t, (&ActionPlan{Version: "v1", TaskID: "t1"}).Validate(), "at least one action")
	require.ErrorContains(t, (&ActionPlan{Version: "v1", Actions: []Action{{Name: "x"}}}).Validate(), "task_id")
	require.ErrorContains(t, (&ActionPlan{Version: "v3", TaskID: "t1", Actions: []Action{{Name: "x"}}}).Validate(), "version")

	bad := &ActionPlan{Version: "v1", TaskID: "t1", Actions: []Action{{Name: "x", OnFail: "retry"}}}
	require.ErrorContains(t, bad.Validate(), "unknown on_fail")
}
