// Package policy bounds what an agent run may do. A Policy pins the tech
// stack, the acceptance contract, the tool and command allowlists, and the
// budgets the runtime enforces. The Gate evaluates plan change requests
// against a Policy with deterministic rules so identical inputs always yield
// identical decisions.
package policy

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

type (
	// Policy is the contract a run operates under. It is loaded once at run
	// start and treated as read-only afterwards.
	Policy struct {
		// TechStack pins the technology choices the plan must honor. The
		// shape is opaque to the runtime; the gate only consults the lock.
		TechStack map[string]any `json:"tech_stack,omitempty" yaml:"tech_stack,omitempty"`
		// TechStackLocked forbids plan changes that edit the tech stack.
		TechStackLocked bool `json:"tech_stack_locked" yaml:"tech_stack_locked"`
		// Acceptance is the locked definition of done.
		Acceptance Acceptance `json:"acceptance" yaml:"acceptance"`
		// Safety holds the tool and command allowlists.
		Safety Safety `json:"safety" yaml:"safety"`
		// Budgets caps plan size, per-task effort and replans.
		Budgets Budgets `json:"budgets" yaml:"budgets"`
		// UserExplicitlyAllowedRelaxAcceptance records an out-of-band user
		// grant. Without it any request to weaken acceptance is denied.
		UserExplicitlyAllowedRelaxAcceptance bool `json:"user_explicitly_allowed_relax_acceptance" yaml:"user_explicitly_allowed_relax_acceptance"`
	}

	// Acceptance captures the definition of done for the run.
	Acceptance struct {
		// Locked forbids edits to the acceptance criteria.
		Locked bool `json:"locked" yaml:"locked"`
		// Criteria optionally restates the acceptance contract for prompts.
		Criteria []string `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	}

	// Safety lists what the executor may invoke.
	Safety struct {
		// AllowedTools is the closed set of tool names the agent may call.
		AllowedTools []string `json:"allowed_tools" yaml:"allowed_tools"`
		// AllowedCommands is the closed set of binaries command tools may run.
		AllowedCommands []string `json:"allowed_commands" yaml:"allowed_commands"`
	}

	// Budgets are hard caps enforced by the runtime.
	Budgets struct {
		// MaxSteps caps the total number of plan tasks.
		MaxSteps int `json:"max_steps" yaml:"max_steps"`
		// MaxActionsPerTask caps tool calls per task attempt.
		MaxActionsPerTask int `json:"max_actions_per_task" yaml:"max_actions_per_task"`
		// MaxRetriesPerTask caps attempts per task, first try included.
		MaxRetriesPerTask int `json:"max_retries_per_task" yaml:"max_retries_per_task"`
		// MaxReplans caps approved plan changes per run.
		MaxReplans int `json:"max_replans" yaml:"max_replans"`
	}
)

// Default returns a policy with conservative budgets and empty allowlists.
// Callers are expected to fill in Safety before running an agent.
func Default() *Policy {
	return &Policy{
		Acceptance: Acceptance{Locked: true},
		Budgets: Budgets{
			MaxSteps:          12,
			MaxActionsPerTask: 8,
			MaxRetriesPerTask: 2,
			MaxReplans:        2,
		},
	}
}

// Load reads and parses a YAML policy file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- policy path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML policy document and validates it.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate rejects policies with negative budgets.
func (p *Policy) Validate() error {
	if p == nil {
		return fmt.Errorf("policy is nil")
	}
	for name, v := range map[string]int{
		"max_steps":            p.Budgets.MaxSteps,
		"max_actions_per_task": p.Budgets.MaxActionsPerTask,
		"max_retries_per_task": p.Budgets.MaxRetriesPerTask,
		"max_replans":          p.Budgets.MaxReplans,
	} {
		if v < 0 {
			return fmt.Errorf("policy budget %s must not be negative", name)
		}
	}
	return nil
}

// ToolAllowed reports whether the named tool is on the allowlist.
func (p *Policy) ToolAllowed(name string) bool {
	return slices.Contains(p.Safety.AllowedTools, name)
}

// CommandAllowed reports whether the named binary is on the allowlist.
func (p *Policy) CommandAllowed(cmd string) bool {
	return slices.Contains(p.Safety.AllowedCommands, cmd)
}
