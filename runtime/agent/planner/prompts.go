package planner

import (
	"fmt"
	"strings"

	"goa.design/foreman/runtime/agent/plan"
	"goa.design/foreman/runtime/agent/policy"
)

// System prompts for the three planning operations. Each demands a bare JSON
// document; fence stripping tolerates models that wrap output anyway, and the
// retry protocol handles the rest.

const planSystemPrompt = `You are the planning component of a coding agent.
Decompose the user's goal into an ordered task plan executed with the registered tools only.
Rules:
- Every task needs at least one machine-checkable success criterion. Never rely on prose judgment.
- A task's dependencies may only reference tasks that appear earlier in the list.
- Keep the plan minimal. Do not pad with tasks the goal does not require.
- task_type is one of: build, codegen, test, debug, verify, repair, design, materialize, other.
- Success criterion kinds: command {cmd, args, cwd, expect_exit_code}, file_exists {path}, file_contains {path, contains}, tool_result {tool_name, expected_ok}.
- Only reference tools and commands the policy allows.
Output ONLY a JSON object (no wrapper, no markdown, no prose) of the form:
{"version":"v1","goal":"...","acceptance_locked":true,"tech_stack_locked":false,"milestones":[{"id":"m1","title":"...","task_ids":["t1"]}],"tasks":[{"id":"t1","title":"...","description":"...","dependencies":[],"tool_hints":[],"success_criteria":[{"kind":"file_exists","path":"..."}],"task_type":"build"}]}`

const actionSystemPrompt = `You are the action planning component of a coding agent.
Propose the tool calls that complete exactly one task of the current plan.
Rules:
- Use only tools from the tool index, with inputs matching their schemas.
- Keep the list short and ordered. Every action must serve the task's success criteria.
- Prefer idempotent actions; set idempotency_key when a repeat submission must dedupe.
- on_fail is "stop" (default) or "continue". Use "continue" only for independent actions.
- Do not re-do work the execution state shows as already done.
Output ONLY a JSON object (no wrapper, no markdown, no prose) of the form:
{"version":"v1","task_id":"...","rationale":"...","actions":[{"name":"tool_...","input":{},"on_fail":"stop"}],"expected_artifacts":["path"]}`

const changeSystemPrompt = `You are the replanning component of a coding agent.
A task failed all its retries. Propose ONE plan change request that addresses the failure.
Rules:
- change_type is one of: reorder_tasks, add_task, remove_task, edit_task, scope_reduce, scope_expand, replace_tech, relax_acceptance.
- Cite concrete observed failures in evidence. Estimate impact honestly.
- Keep the patch minimal. Patch ops: add_task {task, after_task_id}, remove_task {task_id}, edit_task {task_id, changes}, reorder {task_id, after_task_id}, edit_acceptance {changes}, edit_tech_stack {changes}.
- The patched plan must stay valid: unique task ids, dependencies on existing tasks, at least one task.
- Only request tools the policy allows. Locked acceptance and tech stack cannot be edited.
Output ONLY a JSON object (no wrapper, no markdown, no prose) of the form:
{"version":"v2","reason":"...","change_type":"...","evidence":["..."],"impact":{"steps_delta":0,"risk":"..."},"requested_tools":[],"patch":[{"op":"edit_task","task_id":"t1","changes":{}}]}`

// renderPlanPrompt assembles the user message for the initial plan call.
func renderPlanPrompt(in PlanInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", in.Goal)
	b.WriteString("\nTool index:\n")
	b.WriteString(renderToolIndex(in.Index))
	b.WriteString("\nPolicy:\n")
	b.WriteString(renderPolicy(in.Policy))
	if in.StateSummary != "" {
		b.WriteString("\nWorkspace state:\n")
		b.WriteString(in.StateSummary)
		b.WriteString("\n")
	}
	if len(in.Constraints) > 0 {
		b.WriteString("\nConstraints:\n")
		for _, c := range in.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	b.WriteString("\nProduce the plan.")
	return b.String()
}

// renderActionPrompt assembles the user message for a task action plan call.
func renderActionPrompt(in ActionPlanInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", in.Task.ID, in.Task.Title)
	if in.Task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", in.Task.Description)
	}
	if len(in.Task.ToolHints) > 0 {
		fmt.Fprintf(&b, "Tool hints: %s\n", strings.Join(in.Task.ToolHints, ", "))
	}
	b.WriteString("Success criteria:\n")
	for _, c := range in.Task.SuccessCriteria {
		fmt.Fprintf(&b, "- %s\n", c.Describe())
	}
	b.WriteString("\nCurrent plan:\n")
	b.WriteString(renderPlanSummary(in.Plan))
	b.WriteString("\nTool index:\n")
	b.WriteString(renderToolIndex(in.Index))
	if in.StateSummary != "" {
		b.WriteString("\nExecution state:\n")
		b.WriteString(in.StateSummary)
		b.WriteString("\n")
	}
	if len(in.RecentFailures) > 0 {
		b.WriteString("\nEarlier attempts at this task failed:\n")
		for _, f := range in.RecentFailures {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("Plan actions that fix these failures.\n")
	}
	fmt.Fprintf(&b, "\nProduce the action plan for task %s.", in.Task.ID)
	return b.String()
}

// renderChangePrompt assembles the user message for a change request call.
func renderChangePrompt(in ChangeInput) string {
	var b strings.Builder
	b.WriteString("Current plan:\n")
	b.WriteString(renderPlanSummary(in.Plan))
	b.WriteString("\nPolicy:\n")
	b.WriteString(renderPolicy(in.Policy))
	b.WriteString("\nObserved failures:\n")
	for _, f := range in.FailureEvidence {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	if in.StateSummary != "" {
		b.WriteString("\nExecution state:\n")
		b.WriteString(in.StateSummary)
		b.WriteString("\n")
	}
	b.WriteString("\nProduce the change request.")
	return b.String()
}

// renderToolIndex renders index entries one per line. The entries arrive
// sorted, so the rendering is deterministic.
func renderToolIndex(entries []IndexEntry) string {
	if len(entries) == 0 {
		return "(no tools registered)\n"
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s [%s, %s, schema %s]: %s\n",
			e.Name, e.Category, e.Safety, e.InputSchemaFingerprint, e.Summary)
	}
	return b.String()
}

// renderPolicy renders the allowlists, budgets and locks the model must plan
// within.
func renderPolicy(pol *policy.Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- allowed tools: %s\n", orNone(pol.Safety.AllowedTools))
	fmt.Fprintf(&b, "- allowed commands: %s\n", orNone(pol.Safety.AllowedCommands))
	fmt.Fprintf(&b, "- budgets: max_steps=%d, max_actions_per_task=%d, max_retries_per_task=%d, max_replans=%d\n",
		pol.Budgets.MaxSteps, pol.Budgets.MaxActionsPerTask, pol.Budgets.MaxRetriesPerTask, pol.Budgets.MaxReplans)
	fmt.Fprintf(&b, "- acceptance locked: %t\n", pol.Acceptance.Locked)
	fmt.Fprintf(&b, "- tech stack locked: %t\n", pol.TechStackLocked)
	if len(pol.Acceptance.Criteria) > 0 {
		fmt.Fprintf(&b, "- acceptance criteria: %s\n", strings.Join(pol.Acceptance.Criteria, "; "))
	}
	return b.String()
}

// renderPlanSummary renders the plan as an ordered task list with enough
// structure for the model to reason about dependencies and completion.
func renderPlanSummary(p *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", p.Goal)
	for i, t := range p.Tasks {
		deps := "none"
		if len(t.Dependencies) > 0 {
			deps = strings.Join(t.Dependencies, ",")
		}
		fmt.Fprintf(&b, "%d. %s [%s] deps=%s criteria=%d: %s\n",
			i+1, t.ID, t.TaskType, deps, len(t.SuccessCriteria), t.Title)
	}
	return b.String()
}

func orNone(vals []string) string {
	if len(vals) == 0 {
		return "none"
	}
	return strings.Join(vals, ", ")
}
