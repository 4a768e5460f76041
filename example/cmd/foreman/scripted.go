package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"goa.design/foreman/runtime/agent/model"
)

// scriptedClient is an offline model.Client that plays a fixed two-task run:
// prepare the workspace, then write a greeting file. It lets the demo binary
// exercise the full loop, including criteria checks against the real
// filesystem, without provider credentials.
type scriptedClient struct {
	goal string

	mu    sync.Mutex
	calls int
}

func newScriptedClient(goal string) *scriptedClient {
	return &scriptedClient{goal: goal}
}

// Complete returns the canned document matching the requested schema.
func (c *scriptedClient) Complete(_ context.Context, req model.Request) (model.Response, error) {
	c.mu.Lock()
	c.calls++
	id := fmt.Sprintf("scripted_%d", c.calls)
	c.mu.Unlock()

	var doc map[string]any
	switch req.OutputSchemaName {
	case "plan":
		doc = c.plan()
	case "task_action_plan":
		taskID, err := taskIDFromPrompt(req.Messages)
		if err != nil {
			return model.Response{}, err
		}
		actions, ok := c.actions(taskID)
		if !ok {
			return model.Response{}, fmt.Errorf("scripted: no actions for task %q", taskID)
		}
		doc = actions
	case "change_request":
		return model.Response{}, fmt.Errorf("scripted: the canned run has no change script")
	default:
		return model.Response{}, fmt.Errorf("scripted: unknown schema %q", req.OutputSchemaName)
	}

	text, err := json.Marshal(doc)
	if err != nil {
		return model.Response{}, err
	}
	return model.Response{
		Text:       string(text),
		ResponseID: id,
		Usage:      model.TokenUsage{InputTokens: 200, OutputTokens: 90, TotalTokens: 290},
	}, nil
}

func (c *scriptedClient) plan() map[string]any {
	return map[string]any{
		"version":           "v1",
		"goal":              c.goal,
		"acceptance_locked": true,
		"tech_stack_locked": true,
		"milestones": []any{
			map[string]any{"id": "m1", "title": "Greeting", "task_ids": []any{"t1", "t2"}},
		},
		"tasks": []any{
			map[string]any{
				"id":         "t1",
				"title":      "Prepare the workspace",
				"tool_hints": []any{"tool_prepare_workspace"},
				"success_criteria": []any{
					map[string]any{"kind": "tool_result", "tool_name": "tool_prepare_workspace"},
				},
				"task_type": "materialize",
			},
			map[string]any{
				"id":           "t2",
				"title":        "Write the greeting file",
				"dependencies": []any{"t1"},
				"tool_hints":   []any{"tool_write_file"},
				"success_criteria": []any{
					map[string]any{"kind": "file_contains", "path": "hello.txt", "contains": "Hello from foreman"},
				},
				"task_type": "build",
			},
		},
	}
}

func (c *scriptedClient) actions(taskID string) (map[string]any, bool) {
	switch taskID {
	case "t1":
		return map[string]any{
			"version": "v1",
			"task_id": "t1",
			"actions": []any{
				map[string]any{"name": "tool_prepare_workspace", "input": map[string]any{"dirs": []any{"src"}}},
			},
		}, true
	case "t2":
		return map[string]any{
			"version": "v1",
			"task_id": "t2",
			"actions": []any{
				map[string]any{"name": "tool_write_file", "input": map[string]any{
					"path":    "hello.txt",
					"content": "Hello from foreman\n",
				}},
			},
			"expected_artifacts": []any{"hello.txt"},
		}, true
	}
	return nil, false
}

// taskIDFromPrompt recovers the task id from the action plan prompt, whose
// first line reads "Task <id>: <title>".
func taskIDFromPrompt(msgs []model.Message) (string, error) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != model.RoleUser {
			continue
		}
		rest, ok := strings.CutPrefix(msgs[i].Content, "Task ")
		if !ok {
			continue
		}
		if id, _, ok := strings.Cut(rest, ":"); ok {
			return strings.TrimSpace(id), nil
		}
	}
	return "", fmt.Errorf("scripted: no task prompt found")
}
