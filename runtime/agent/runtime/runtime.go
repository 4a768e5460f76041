// Package runtime drives the plan, execute, review, replan loop for one goal.
//
// The runtime owns the run state and the turn loop: it asks the planner for
// an initial plan, walks the plan in order executing one ready task per turn,
// evaluates success criteria after every attempt, and routes exhausted tasks
// through the change request pipeline. One goroutine drives the whole loop;
// components communicate through the shared State and the audit collector,
// which is flushed exactly once on every exit path.
//
// Failures follow a strict taxonomy. Validation problems, policy denials and
// exhausted budgets end the run with Config faults; tool runtime failures are
// absorbed into criteria evidence and only surface if retries and replanning
// run out. The runtime never talks to providers or the filesystem directly;
// the planner owns the LM boundary and registered tools own side effects.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"goa.design/foreman/runtime/agent/audit"
	"goa.design/foreman/runtime/agent/criteria"
	"goa.design/foreman/runtime/agent/executor"
	"goa.design/foreman/runtime/agent/faults"
	"goa.design/foreman/runtime/agent/plan"
	"goa.design/foreman/runtime/agent/planner"
	"goa.design/foreman/runtime/agent/policy"
	"goa.design/foreman/runtime/agent/replan"
	"goa.design/foreman/runtime/agent/review"
	"goa.design/foreman/runtime/agent/run"
	"goa.design/foreman/runtime/agent/telemetry"
	"goa.design/foreman/runtime/agent/tools"
)

const (
	// defaultMaxTurns bounds the outer loop when Options does not.
	defaultMaxTurns = 24
	// defaultMaxToolCallsPerTurn caps submitted actions per turn when
	// Options does not.
	defaultMaxToolCallsPerTurn = 8
)

// successSummary is the summary reported when the run ends done.
const successSummary = "Agent completed successfully"

// brokenPlanMessage is the Config fault for plans that cannot run to
// completion because of a dependency cycle or an unreachable task.
const brokenPlanMessage = "plan has a dependency cycle or unreachable task"

type (
	// ProposalSource produces the three planner documents. *planner.Planner
	// satisfies it; tests substitute scripted sources.
	ProposalSource interface {
		ProposePlan(ctx context.Context, in planner.PlanInput) (*plan.Plan, *planner.Exchange, error)
		ProposeActionPlan(ctx context.Context, in planner.ActionPlanInput) (*plan.ActionPlan, *planner.Exchange, error)
		ProposeChange(ctx context.Context, in planner.ChangeInput) (*plan.ChangeRequest, *planner.Exchange, error)
	}

	// Options configures New.
	Options struct {
		// Planner produces plans, action plans and change requests. Required.
		Planner ProposalSource
		// Registry holds the invocable tools. Required.
		Registry *tools.Registry
		// Policy is the run contract: allowlists, budgets, locks. Required.
		Policy *policy.Policy
		// AuditStore mirrors audit records into an event log. Optional.
		AuditStore audit.Store
		// PatchReviewer approves newly introduced artifact paths. Optional;
		// nil skips patch review.
		PatchReviewer review.PatchReviewer
		// ChangeReviewer settles escalated change requests. Optional; nil
		// rejects every escalation.
		ChangeReviewer review.ChangeReviewer
		// Sink receives run events. Optional.
		Sink Sink
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// MaxTurns bounds the outer loop. Defaults to 24.
		MaxTurns int
		// MaxToolCallsPerTurn caps actions submitted per turn. Defaults to 8;
		// the policy's max_actions_per_task tightens it further.
		MaxToolCallsPerTurn int
		// Constraints are extra planning constraints rendered into the plan
		// prompt. Optional.
		Constraints []string
		// ProjectRoot confines fs and exec tools. Optional for registries
		// whose tools do not touch the filesystem.
		ProjectRoot string
		// Runner spawns commands for exec-class tools. Optional.
		Runner tools.Runner
		// Model is exposed to llm-class tools through the tool context.
		// Optional.
		Model any
		// Flags carries feature switches tools may consult. Optional.
		Flags map[string]bool
		// Labels annotates the run context for logs and stores. Optional.
		Labels map[string]string
	}

	// Runtime is the orchestrator. Construct with New, drive with Run. A
	// Runtime is reusable; each Run call owns its own state.
	Runtime struct {
		planner   ProposalSource
		registry  *tools.Registry
		policy    *policy.Policy
		store     audit.Store
		executor  *executor.Executor
		evaluator *criteria.Evaluator
		replanner *replan.Replanner
		sink      Sink
		logger    telemetry.Logger

		maxTurns     int
		maxCallsTurn int
		constraints  []string
		projectRoot  string
		runner       tools.Runner
		model        any
		flags        map[string]bool
		labels       map[string]string
	}

	// RunResult is the outcome of one run.
	RunResult struct {
		// OK reports whether the run ended done.
		OK bool `json:"ok"`
		// Status is the terminal status.
		Status Status `json:"status"`
		// Summary is the one-line human outcome.
		Summary string `json:"summary"`
		// RunID identifies the run across logs and stores.
		RunID string `json:"run_id"`
		// PatchPaths are the artifact paths the run produced.
		PatchPaths []string `json:"patch_paths,omitempty"`
		// Audit is the complete audit document.
		Audit audit.Document `json:"audit"`
		// State is the final run state snapshot.
		State Snapshot `json:"state"`
	}
)

// New constructs a runtime from validated options.
func New(opts Options) (*Runtime, error) {
	if opts.Planner == nil {
		return nil, fmt.Errorf("runtime: planner is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("runtime: registry is required")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("runtime: policy is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	exec, err := executor.New(executor.Options{
		Registry: opts.Registry,
		Policy:   opts.Policy,
		Reviewer: opts.PatchReviewer,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	eval, err := criteria.New(exec, logger)
	if err != nil {
		return nil, err
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	maxCalls := opts.MaxToolCallsPerTurn
	if maxCalls <= 0 {
		maxCalls = defaultMaxToolCallsPerTurn
	}
	return &Runtime{
		planner:  opts.Planner,
		registry: opts.Registry,
		policy:   opts.Policy,
		store:    opts.AuditStore,
		executor: exec,
		replanner: replan.New(replan.Options{
			Reviewer: opts.ChangeReviewer,
			Logger:   logger,
		}),
		evaluator:    eval,
		sink:         opts.Sink,
		logger:       logger,
		maxTurns:     maxTurns,
		maxCallsTurn: maxCalls,
		constraints:  opts.Constraints,
		projectRoot:  opts.ProjectRoot,
		runner:       opts.Runner,
		model:        opts.Model,
		flags:        opts.Flags,
		labels:       opts.Labels,
	}, nil
}

// Run executes the full loop for the goal. The returned error reports
// argument and audit infrastructure problems only; run-level failures come
// back as a RunResult with OK false and the fault in State.LastError. The
// audit document is flushed on every exit path.
func (r *Runtime) Run(ctx context.Context, goal string) (*RunResult, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("runtime: goal is required")
	}
	rc := run.New(goal).WithLabels(r.labels)
	var copts []audit.CollectorOption
	if r.store != nil {
		copts = append(copts, audit.WithStore(r.store))
	}
	collector := audit.NewCollector(rc.RunID, goal, copts...)
	st := NewState()
	tctx := &tools.Context{
		Memory: &tools.Memory{ProjectRoot: r.projectRoot},
		Model:  r.model,
		Runner: r.runner,
		Flags:  r.flags,
	}
	index := planner.Index(r.registry.Specs())

	r.logger.Info(ctx, "run started", "run_id", rc.RunID, "goal", goal)
	r.emit(ctx, NewRunStartedEvent(rc.RunID, goal))

	var verify []audit.VerifyRecord
	r.runLoop(ctx, rc, st, tctx, collector, index, &verify)

	status := st.Status()
	summary := successSummary
	if status != StatusDone {
		status = StatusFailed
		st.SetStatus(StatusFailed)
		summary = "run failed"
		if f := st.LastError(); f != nil {
			summary = f.Message
		}
	}

	doc, flushErr := collector.Flush(ctx, audit.FinalRecord{
		Status:        string(status),
		VerifyHistory: verify,
		PatchPaths:    st.PatchPaths(),
		TouchedFiles:  st.TouchedFiles(),
		Budgets:       audit.BudgetsUsed{Turns: st.UsedTurns(), Replans: st.ReplansUsed()},
		LastError:     st.LastError(),
		Policy:        r.policy,
		ToolIndex:     index,
	})
	r.logger.Info(ctx, "run completed", "run_id", rc.RunID, "status", string(status), "turns", st.UsedTurns())
	r.emit(ctx, NewRunCompletedEvent(rc.RunID, status, summary))

	res := &RunResult{
		OK:         status == StatusDone,
		Status:     status,
		Summary:    summary,
		RunID:      rc.RunID,
		PatchPaths: st.PatchPaths(),
		Audit:      doc,
		State:      st.Snapshot(),
	}
	if flushErr != nil {
		return res, fmt.Errorf("runtime: flush audit: %w", flushErr)
	}
	return res, nil
}

// runLoop drives the state machine to a terminal status. It returns rather
// than erroring; terminal faults live on the state.
func (r *Runtime) runLoop(ctx context.Context, rc run.Context, st *State, tctx *tools.Context, collector *audit.Collector, index []planner.IndexEntry, verify *[]audit.VerifyRecord) {
	p, ex, err := r.planner.ProposePlan(ctx, planner.PlanInput{
		Goal:        rc.Goal,
		Index:       index,
		Policy:      r.policy,
		Constraints: r.constraints,
	})
	r.record(ctx, collector, exchangeRecord(0, "initial plan", ex))
	if err != nil {
		r.fail(ctx, st, proposalFault(err))
		return
	}
	st.SetInitialPlan(p)
	st.SetLastResponseID(ex.Final().ResponseID)
	if !planExecutable(p) {
		r.fail(ctx, st, faults.New(faults.Config, brokenPlanMessage))
		return
	}
	r.emit(ctx, NewPlanProposedEvent(rc.RunID, len(p.Tasks), st.PlanVersion()))

	maxAttempts := r.policy.Budgets.MaxRetriesPerTask
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for turn := 1; turn <= r.maxTurns; turn++ {
		st.SetUsedTurn(turn)
		taskID, ok := nextReady(st.Plan(), st)
		if !ok {
			if st.CompletedCount() == len(st.Plan().Tasks) {
				st.SetStatus(StatusDone)
			} else {
				r.fail(ctx, st, faults.New(faults.Config, brokenPlanMessage))
			}
			return
		}
		r.emit(ctx, NewTurnStartedEvent(rc.RunID, turn, taskID))

		for attempt := 1; attempt <= maxAttempts; attempt++ {
			done, fatal := r.attemptTask(ctx, rc, st, tctx, collector, index, verify, turn, taskID, attempt, attempt == maxAttempts)
			if fatal {
				return
			}
			if done {
				break
			}
		}
	}
	r.fail(ctx, st, faults.New(faults.Config, "max turns reached"))
}

// attemptTask runs one attempt at a task: propose actions, execute them,
// evaluate criteria, and on the final failed attempt route through the change
// pipeline. done reports task completion or an applied replan, both of which
// end the turn; fatal reports a terminal fault.
func (r *Runtime) attemptTask(ctx context.Context, rc run.Context, st *State, tctx *tools.Context, collector *audit.Collector, index []planner.IndexEntry, verify *[]audit.VerifyRecord, turn int, taskID string, attempt int, last bool) (done, fatal bool) {
	task, _ := st.Plan().Task(taskID)
	if task == nil {
		r.fail(ctx, st, faults.Configf("selected task %q is not in the plan", taskID))
		return false, true
	}

	st.SetStatus(StatusExecuting)
	ap, ex, err := r.planner.ProposeActionPlan(ctx, planner.ActionPlanInput{
		Task:               *task,
		Plan:               st.Plan(),
		Index:              index,
		StateSummary:       stateSummary(st),
		RecentFailures:     st.Failures(taskID),
		PreviousResponseID: st.LastResponseID(),
	})
	if err != nil {
		r.record(ctx, collector, exchangeRecord(turn, "task_action_plan:"+taskID, ex))
		r.fail(ctx, st, proposalFault(err))
		return false, true
	}
	st.SetLastResponseID(ex.Final().ResponseID)

	actions := r.capActions(ctx, ap.Actions, taskID)
	results := r.executor.ExecuteActions(ctx, actions, st, tctx)

	st.SetStatus(StatusReviewing)
	outcome := r.evaluator.Evaluate(ctx, task, results, st, tctx)
	*verify = append(*verify, audit.VerifyRecord{
		TaskID:   taskID,
		Turn:     turn,
		OK:       outcome.OK,
		Failures: outcome.Failures,
	})

	rec := exchangeRecord(turn, "task_action_plan:"+taskID, ex)
	rec.Calls = submittedCalls(actions)
	rec.ToolResults = toolResultRecords(append(append([]executor.Result(nil), results...), outcome.ToolAudit...))
	r.record(ctx, collector, rec)

	if outcome.OK {
		st.MarkCompleted(taskID)
		r.emit(ctx, NewTaskCompletedEvent(rc.RunID, taskID, turn))
		return true, false
	}

	st.RecordFailures(taskID, outcome.Failures)
	r.emit(ctx, NewTaskRetriedEvent(rc.RunID, taskID, attempt, outcome.Failures))
	r.logger.Debug(ctx, "task attempt failed", "task", taskID, "attempt", attempt, "failures", len(outcome.Failures))
	if !last {
		return false, false
	}
	return r.replanTask(ctx, rc, st, collector, turn, taskID)
}

// replanTask runs the change pipeline after a task exhausts its retries.
func (r *Runtime) replanTask(ctx context.Context, rc run.Context, st *State, collector *audit.Collector, turn int, taskID string) (done, fatal bool) {
	st.SetStatus(StatusReplanning)
	req, ex, err := r.planner.ProposeChange(ctx, planner.ChangeInput{
		Plan:               st.Plan(),
		Policy:             r.policy,
		FailureEvidence:    st.Failures(taskID),
		StateSummary:       stateSummary(st),
		PreviousResponseID: st.LastResponseID(),
	})
	if err != nil {
		r.record(ctx, collector, exchangeRecord(turn, "plan-change:invalid", ex))
		r.fail(ctx, st, proposalFault(err))
		return false, true
	}
	st.SetLastResponseID(ex.Final().ResponseID)

	next, res, derr := r.replanner.Decide(ctx, req, st.Plan(), r.policy, st)
	r.record(ctx, collector, exchangeRecord(turn, "plan-change:"+changeDecision(res, derr), ex))
	if derr != nil {
		r.fail(ctx, st, faults.FromError(derr))
		return false, true
	}
	r.emit(ctx, NewReplanAppliedEvent(rc.RunID, st.PlanVersion(), string(req.ChangeType)))
	if !planExecutable(next) {
		r.fail(ctx, st, faults.New(faults.Config, brokenPlanMessage))
		return false, true
	}
	r.logger.Info(ctx, "plan change applied", "run_id", rc.RunID, "plan_version", st.PlanVersion(), "change_type", string(req.ChangeType))
	return true, false
}

// capActions truncates the proposed actions to the per-turn cap, which is
// the tighter of MaxToolCallsPerTurn and the policy's max_actions_per_task.
func (r *Runtime) capActions(ctx context.Context, actions []plan.Action, taskID string) []plan.Action {
	limit := r.maxCallsTurn
	if b := r.policy.Budgets.MaxActionsPerTask; b > 0 && b < limit {
		limit = b
	}
	if len(actions) <= limit {
		return actions
	}
	r.logger.Warn(ctx, "action plan truncated", "task", taskID, "proposed", len(actions), "limit", limit)
	return actions[:limit]
}

// fail records the fault and moves the run to the failed status.
func (r *Runtime) fail(ctx context.Context, st *State, f *faults.Fault) {
	st.SetError(f)
	st.SetStatus(StatusFailed)
	r.logger.Error(ctx, "run failed", "kind", string(f.Kind), "error", f.Message)
}

// record appends a turn record. Store append failures are logged, never
// raised; the in-memory audit copy has already accepted the record.
func (r *Runtime) record(ctx context.Context, c *audit.Collector, rec audit.TurnRecord) {
	if err := c.Record(ctx, rec); err != nil {
		r.logger.Warn(ctx, "audit store append failed", "error", err)
	}
}

// emit delivers an event to the sink. Best effort: sink errors are logged
// and never interrupt the run.
func (r *Runtime) emit(ctx context.Context, ev Event) {
	if r.sink == nil {
		return
	}
	if err := r.sink.HandleEvent(ctx, ev); err != nil {
		r.logger.Warn(ctx, "event sink failed", "event", string(ev.Type()), "error", err)
	}
}

// proposalFault classifies a planner error. Documents still invalid after
// the corrective retry are configuration faults; transport errors pass
// through FromError.
func proposalFault(err error) *faults.Fault {
	if errors.Is(err, planner.ErrInvalidDocument) {
		return faults.New(faults.Config, err.Error())
	}
	return faults.FromError(err)
}

// changeDecision names the change pipeline outcome for the audit note. A
// request that reached user review counts as approved only when the whole
// pipeline succeeded.
func changeDecision(res policy.GateResult, err error) string {
	if res.Status == policy.GateNeedsUserReview {
		if err == nil {
			return "approved"
		}
		return "denied"
	}
	if res.Status == "" {
		return "denied"
	}
	return string(res.Status)
}

// nextReady selects the first task in plan order whose dependencies are all
// completed and which is not itself completed.
func nextReady(p *plan.Plan, st *State) (string, bool) {
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if st.IsCompleted(t.ID) {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if !st.IsCompleted(dep) {
				ready = false
				break
			}
		}
		if ready {
			return t.ID, true
		}
	}
	return "", false
}

// planExecutable reports whether every task can eventually run, which rules
// out dependency cycles and tasks stranded behind them. It simulates
// completion: keep finishing ready tasks until the plan drains or stalls.
func planExecutable(p *plan.Plan) bool {
	completed := make(map[string]struct{}, len(p.Tasks))
	for len(completed) < len(p.Tasks) {
		progressed := false
		for i := range p.Tasks {
			t := &p.Tasks[i]
			if _, ok := completed[t.ID]; ok {
				continue
			}
			ready := true
			for _, dep := range t.Dependencies {
				if _, ok := completed[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				completed[t.ID] = struct{}{}
				progressed = true
			}
		}
		if !progressed {
			return false
		}
	}
	return true
}

// stateSummary renders execution state for planner prompts.
func stateSummary(st *State) string {
	p := st.Plan()
	if p == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "plan version %d, %d/%d tasks complete, turn %d", st.PlanVersion(), st.CompletedCount(), len(p.Tasks), st.UsedTurns())
	if done := st.Completed(); len(done) > 0 {
		fmt.Fprintf(&b, ", completed: %s", strings.Join(done, ", "))
	}
	return b.String()
}

// exchangeRecord maps a planner exchange onto a turn record. The top-level
// threading fields reflect the final attempt; every attempt is kept in
// Attempts so corrective retries stay visible.
func exchangeRecord(turn int, note string, ex *planner.Exchange) audit.TurnRecord {
	rec := audit.TurnRecord{Turn: turn, Note: note}
	if ex == nil || len(ex.Attempts) == 0 {
		return rec
	}
	fin := ex.Final()
	rec.RawText = fin.RawText
	rec.PreviousResponseIDSent = fin.PreviousResponseIDSent
	rec.ResponseID = fin.ResponseID
	rec.Usage = ex.TotalUsage().UsageMap()
	for _, a := range ex.Attempts {
		rec.Attempts = append(rec.Attempts, audit.AttemptRecord{
			PreviousResponseIDSent: a.PreviousResponseIDSent,
			ResponseID:             a.ResponseID,
		})
	}
	return rec
}

// submittedCalls maps submitted actions onto audit call records.
func submittedCalls(actions []plan.Action) []audit.SubmittedCall {
	if len(actions) == 0 {
		return nil
	}
	calls := make([]audit.SubmittedCall, len(actions))
	for i, a := range actions {
		calls[i] = audit.SubmittedCall{Name: a.Name, Input: a.Input}
	}
	return calls
}

// toolResultRecords maps executor results onto audit result records.
func toolResultRecords(results []executor.Result) []audit.ToolResultRecord {
	if len(results) == 0 {
		return nil
	}
	recs := make([]audit.ToolResultRecord, len(results))
	for i, res := range results {
		rec := audit.ToolResultRecord{
			Name:         res.Tool,
			OK:           res.OK,
			TouchedPaths: res.TouchedPaths,
		}
		if res.Err != nil {
			rec.Error = res.Err.Message
		} else if !res.OK {
			rec.Error = res.Note
		}
		recs[i] = rec
	}
	return recs
}
