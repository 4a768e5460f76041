package plan

// JSON Schemas for the documents the LM produces. The planner validates
// every parsed document against these before the typed decode runs, and
// passes them to providers that support constrained JSON output.

// criterionSchema describes one success criterion with per-kind required
// fields enforced via if/then.
func criterionSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"kind"},
		"properties": map[string]any{
			"kind": map[string]any{
				"enum": []any{"command", "file_exists", "file_contains", "tool_result"},
			},
			"cmd":              map[string]any{"type": "string"},
			"args":             map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"cwd":              map[string]any{"type": "string"},
			"expect_exit_code": map[string]any{"type": "integer"},
			"path":             map[string]any{"type": "string"},
			"contains":         map[string]any{"type": "string"},
			"tool_name":        map[string]any{"type": "string"},
			"expected_ok":      map[string]any{"type": "boolean"},
		},
		"allOf": []any{
			kindRequires("command", "cmd"),
			kindRequires("file_exists", "path"),
			kindRequires("file_contains", "path", "contains"),
			kindRequires("tool_result", "tool_name"),
		},
	}
}

func kindRequires(kind string, fields ...string) map[string]any {
	req := make([]any, len(fields))
	for i, f := range fields {
		req[i] = f
	}
	return map[string]any{
		"if": map[string]any{
			"properties": map[string]any{"kind": map[string]any{"const": kind}},
			"required":   []any{"kind"},
		},
		"then": map[string]any{"required": req},
	}
}

func taskSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"id", "title", "success_criteria", "task_type"},
		"properties": map[string]any{
			"id":           map[string]any{"type": "string", "minLength": 1},
			"title":        map[string]any{"type": "string"},
			"description":  map[string]any{"type": "string"},
			"dependencies": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"tool_hints":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"success_criteria": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items":    criterionSchema(),
			},
			"task_type": map[string]any{
				"enum": []any{"build", "codegen", "test", "debug", "verify", "repair", "design", "materialize", "other"},
			},
		},
	}
}

// Schema returns the JSON Schema for the plan document (version "v1").
func Schema() map[string]any {
	return map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": []any{"version", "goal", "tasks"},
		"properties": map[string]any{
			"version":           map[string]any{"const": "v1"},
			"goal":              map[string]any{"type": "string"},
			"acceptance_locked": map[string]any{"type": "boolean"},
			"tech_stack_locked": map[string]any{"type": "boolean"},
			"milestones": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []any{"id", "task_ids"},
					"properties": map[string]any{
						"id":       map[string]any{"type": "string", "minLength": 1},
						"title":    map[string]any{"type": "string"},
						"task_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
				},
			},
			"tasks": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items":    taskSchema(),
			},
		},
	}
}

// ActionPlanSchema returns the JSON Schema for the per-task action plan.
func ActionPlanSchema() map[string]any {
	return map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": []any{"version", "task_id", "actions"},
		"properties": map[string]any{
			"version":   map[string]any{"const": "v1"},
			"task_id":   map[string]any{"type": "string", "minLength": 1},
			"rationale": map[string]any{"type": "string"},
			"actions": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type":     "object",
					"required": []any{"name"},
					"properties": map[string]any{
						"name":            map[string]any{"type": "string", "minLength": 1},
						"input":           map[string]any{"type": "object"},
						"on_fail":         map[string]any{"enum": []any{"stop", "continue"}},
						"idempotency_key": map[string]any{"type": "string"},
					},
				},
			},
			"expected_artifacts": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	}
}

func patchOpSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"op"},
		"properties": map[string]any{
			"op": map[string]any{
				"enum": []any{"add_task", "remove_task", "edit_task", "reorder", "edit_acceptance", "edit_tech_stack"},
			},
			"task":          taskSchema(),
			"after_task_id": map[string]any{"type": "string"},
			"task_id":       map[string]any{"type": "string"},
			"changes":       map[string]any{"type": "object"},
		},
		"allOf": []any{
			opRequires("add_task", "task"),
			opRequires("remove_task", "task_id"),
			opRequires("edit_task", "task_id", "changes"),
			opRequires("reorder", "task_id"),
			opRequires("edit_acceptance", "changes"),
			opRequires("edit_tech_stack", "changes"),
		},
	}
}

func opRequires(op string, fields ...string) map[string]any {
	req := make([]any, len(fields))
	for i, f := range fields {
		req[i] = f
	}
	return map[string]any{
		"if": map[string]any{
			"properties": map[string]any{"op": map[string]any{"const": op}},
			"required":   []any{"op"},
		},
		"then": map[string]any{"required": req},
	}
}

// ChangeRequestSchema returns the JSON Schema for the plan change request
// document (version "v2").
func ChangeRequestSchema() map[string]any {
	return map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": []any{"version", "reason", "change_type", "patch"},
		"properties": map[string]any{
			"version": map[string]any{"const": "v2"},
			"reason":  map[string]any{"type": "string", "minLength": 1},
			"change_type": map[string]any{
				"enum": []any{"reorder_tasks", "add_task", "remove_task", "edit_task", "scope_reduce", "scope_expand", "replace_tech", "relax_acceptance"},
			},
			"evidence": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"impact": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"steps_delta": map[string]any{"type": "integer"},
					"risk":        map[string]any{"type": "string"},
				},
			},
			"requested_tools": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"patch":           map[string]any{"type": "array", "items": patchOpSchema()},
		},
	}
}
