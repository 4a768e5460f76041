package replan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/foreman/runtime/agent/faults"
	"goa.design/foreman/runtime/agent/plan"
	"goa.design/foreman/runtime/agent/policy"
	"goa.design/foreman/runtime/agent/review"
)

// fakeState records every pipeline event and reports a configurable replan
// count.
type fakeState struct {
	requests  []*plan.ChangeRequest
	gates     []policy.GateResult
	decisions []review.ChangeDecision
	plans     []*plan.Plan
	used      int
}

func (s *fakeState) RecordChangeRequest(req *plan.ChangeRequest)     { s.requests = append(s.requests, req) }
func (s *fakeState) RecordGateResult(res policy.GateResult)          { s.gates = append(s.gates, res) }
func (s *fakeState) RecordUserDecision(dec review.ChangeDecision)    { s.decisions = append(s.decisions, dec) }
func (s *fakeState) ReplacePlan(p *plan.Plan)                        { s.plans = append(s.plans, p) }
func (s *fakeState) ReplansUsed() int                                { return s.used }

func testPlan(t *testing.T) *plan.Plan {
	t.Helper()
	p := &plan.Plan{
		Version:          plan.Version,
		Goal:             "ship the widget",
		AcceptanceLocked: true,
		Tasks: []plan.Task{
			{
				ID:              "t1",
				Title:           "build the widget",
				SuccessCriteria: []plan.SuccessCriterion{{Kind: plan.CriterionFileExists, Path: "widget.go"}},
				TaskType:        plan.TaskBuild,
			},
			{
				ID:              "t2",
				Title:           "verify the widget",
				Dependencies:    []string{"t1"},
				SuccessCriteria: []plan.SuccessCriterion{{Kind: plan.CriterionFileExists, Path: "widget.go"}},
				TaskType:        plan.TaskVerify,
			},
		},
	}
	require.NoError(t, plan.Validate(p))
	return p
}

func testPolicy() *policy.Policy {
	pol := policy.Default()
	pol.Safety.AllowedTools = []string{"tool_write_file"}
	return pol
}

func removeReq() *plan.ChangeRequest {
	return &plan.ChangeRequest{
		Version:    plan.ChangeRequestVersion,
		Reason:     "verification is covered by the build criteria",
		ChangeType: plan.ChangeRemoveTask,
		Impact:     plan.Impact{StepsDelta: -1},
		Patch:      []plan.PatchOp{{Op: plan.OpRemoveTask, TaskID: "t2"}},
	}
}

func expandReq() *plan.ChangeRequest {
	return &plan.ChangeRequest{
		Version:    plan.ChangeRequestVersion,
		Reason:     "the goal also needs a docs page",
		ChangeType: plan.ChangeScopeExpand,
		Impact:     plan.Impact{StepsDelta: 1},
		Patch: []plan.PatchOp{{
			Op: plan.OpAddTask,
			Task: &plan.Task{
				ID:              "t3",
				Title:           "write the docs page",
				SuccessCriteria: []plan.SuccessCriterion{{Kind: plan.CriterionFileExists, Path: "docs.md"}},
				TaskType:        plan.TaskOther,
			},
			AfterTaskID: "t2",
		}},
	}
}

func requireConfigFault(t *testing.T, err error, message string) {
	t.Helper()
	var f *faults.Fault
	require.ErrorAs(t, err, &f)
	require.Equal(t, faults.Config, f.Kind)
	require.Equal(t, message, f.Message)
}

func TestDecideAppliesApprovedChange(t *testing.T) {
	r := New(Options{})
	st := &fakeState{}
	current := testPlan(t)

	next, res, err := r.Decide(context.Background(), removeReq(), current, testPolicy(), st)
	require.NoError(t, err)
	require.Equal(t, policy.GateApproved, res.Status)
	require.Len(t, next.Tasks, 1)
	require.Equal(t, "t1", next.Tasks[0].ID)

	require.Len(t, st.requests, 1)
	require.Len(t, st.gates, 1)
	require.Empty(t, st.decisions)
	require.Len(t, st.plans, 1)
	require.Same(t, next, st.plans[0])
	// The current plan is never mutated in place.
	require.Len(t, current.Tasks, 2)
}

func TestDecideDeniedByGate(t *testing.T) {
	r := New(Options{})
	st := &fakeState{}
	req := removeReq()
	req.RequestedTools = []string{"tool_forbidden"}

	next, res, err := r.Decide(context.Background(), req, testPlan(t), testPolicy(), st)
	require.Nil(t, next)
	require.Equal(t, policy.GateDenied, res.Status)
	requireConfigFault(t, err,
		`Plan change denied: requested tool "tool_forbidden" is not in the allowed tools. drop the tool or ask the user to extend the allowlist`)
	require.Len(t, st.gates, 1)
	require.Empty(t, st.plans)
	require.Empty(t, st.decisions)
}

func TestDecideEscalatesAndAppliesOnApproval(t *testing.T) {
	reviewer := review.ChangeReviewerFunc(func(_ context.Context, req *plan.ChangeRequest, gate policy.GateResult) (review.ChangeDecision, error) {
		require.Equal(t, plan.ChangeScopeExpand, req.ChangeType)
		require.Equal(t, policy.GateNeedsUserReview, gate.Status)
		return review.ChangeDecision{Decision: review.Approved, Reason: "docs are in scope"}, nil
	})
	r := New(Options{Reviewer: reviewer})
	st := &fakeState{}

	next, res, err := r.Decide(context.Background(), expandReq(), testPlan(t), testPolicy(), st)
	require.NoError(t, err)
	require.Equal(t, policy.GateNeedsUserReview, res.Status)
	require.Len(t, next.Tasks, 3)
	require.Equal(t, "t3", next.Tasks[2].ID)
	require.Len(t, st.decisions, 1)
	require.Equal(t, review.Approved, st.decisions[0].Decision)
}

func TestDecideDefaultReviewerRejects(t *testing.T) {
	r := New(Options{})
	st := &fakeState{}

	next, _, err := r.Decide(context.Background(), expandReq(), testPlan(t), testPolicy(), st)
	require.Nil(t, next)
	requireConfigFault(t, err,
		"Plan change denied: no reviewer is attached to this run. attach a change reviewer or rerun with a policy that avoids escalation")
	require.Len(t, st.decisions, 1)
	require.Equal(t, review.Denied, st.decisions[0].Decision)
	require.Empty(t, st.plans)
}

func TestDecideReviewerStillUnresolvedFails(t *testing.T) {
	reviewer := review.ChangeReviewerFunc(func(context.Context, *plan.ChangeRequest, policy.GateResult) (review.ChangeDecision, error) {
		return review.ChangeDecision{
			Decision: review.NeedsUserReview,
			Reason:   "waiting on the user",
			Guidance: "rerun once the user has answered",
		}, nil
	})
	r := New(Options{Reviewer: reviewer})
	st := &fakeState{}

	_, _, err := r.Decide(context.Background(), expandReq(), testPlan(t), testPolicy(), st)
	requireConfigFault(t, err,
		"Plan change denied: waiting on the user. rerun once the user has answered")
	require.Empty(t, st.plans)
}

func TestDecideReviewerErrorSurfaces(t *testing.T) {
	reviewer := review.ChangeReviewerFunc(func(context.Context, *plan.ChangeRequest, policy.GateResult) (review.ChangeDecision, error) {
		return review.ChangeDecision{}, errors.New("reviewer offline")
	})
	r := New(Options{Reviewer: reviewer})
	st := &fakeState{}

	_, _, err := r.Decide(context.Background(), expandReq(), testPlan(t), testPolicy(), st)
	requireConfigFault(t, err, "change review failed: reviewer offline")
	// No decision was reached, so none is recorded.
	require.Empty(t, st.decisions)
}

func TestDecideBudgetExhausted(t *testing.T) {
	r := New(Options{})
	st := &fakeState{used: 2}
	pol := testPolicy()
	require.Equal(t, 2, pol.Budgets.MaxReplans)

	next, res, err := r.Decide(context.Background(), removeReq(), testPlan(t), pol, st)
	require.Nil(t, next)
	require.Equal(t, policy.GateApproved, res.Status)
	requireConfigFault(t, err, "Replan budget exceeded: 2 >= 2")
	require.Empty(t, st.plans)
}

func TestDecideBudgetCheckedAfterApproval(t *testing.T) {
	// A denied request surfaces the denial, never the budget, even when the
	// budget is already spent.
	r := New(Options{})
	st := &fakeState{used: 9}
	req := removeReq()
	req.RequestedTools = []string{"tool_forbidden"}

	_, _, err := r.Decide(context.Background(), req, testPlan(t), testPolicy(), st)
	var f *faults.Fault
	require.ErrorAs(t, err, &f)
	require.Contains(t, f.Message, "Plan change denied")
	require.NotContains(t, f.Message, "Replan budget")
}

func TestDecideApplyFailureSurfaces(t *testing.T) {
	r := New(Options{})
	st := &fakeState{}
	req := &plan.ChangeRequest{
		Version:    plan.ChangeRequestVersion,
		Reason:     "adjust the build task",
		ChangeType: plan.ChangeEditTask,
		Patch:      []plan.PatchOp{{Op: plan.OpEditTask, TaskID: "ghost", Changes: map[string]any{"title": "x"}}},
	}

	next, res, err := r.Decide(context.Background(), req, testPlan(t), testPolicy(), st)
	require.Nil(t, next)
	require.Equal(t, policy.GateApproved, res.Status)
	var f *faults.Fault
	require.ErrorAs(t, err, &f)
	require.Equal(t, faults.Config, f.Kind)
	require.Contains(t, f.Message, "apply plan change")
	require.Empty(t, st.plans)
}

func TestDecideValidatesArguments(t *testing.T) {
	r := New(Options{})
	st := &fakeState{}
	current := testPlan(t)
	pol := testPolicy()

	_, _, err := r.Decide(context.Background(), nil, current, pol, st)
	require.ErrorContains(t, err, "change request is nil")
	_, _, err = r.Decide(context.Background(), removeReq(), nil, pol, st)
	require.ErrorContains(t, err, "current plan is nil")
	_, _, err = r.Decide(context.Background(), removeReq(), current, nil, st)
	require.ErrorContains(t, err, "policy is nil")
	_, _, err = r.Decide(context.Background(), removeReq(), current, pol, nil)
	require.ErrorContains(t, err, "state is nil")
}
