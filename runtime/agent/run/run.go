// Package run defines identity primitives for agent run executions.
//
// A run is one full pass of the plan/execute/review/replan loop for a single
// goal. RunID identifies it across logs, audit records, and stores; Goal is
// the user intent the plan was derived from. The runtime creates one Context
// at run start and threads it by value through components so every record
// they emit can be correlated.
package run

import (
	"time"

	"github.com/google/uuid"
)

// Context carries execution metadata for the current run invocation.
type Context struct {
	// RunID uniquely identifies this run. Used to key audit events and to
	// correlate log lines across components.
	RunID string

	// Goal is the user goal the run's plan was derived from.
	Goal string

	// StartedAt records when the run began.
	StartedAt time.Time

	// Labels carries optional caller-defined metadata (environment, requester,
	// experiment tags). Components treat it as opaque.
	Labels map[string]string
}

// New constructs a Context for the given goal with a fresh RunID.
func New(goal string) Context {
	return Context{
		RunID:     uuid.NewString(),
		Goal:      goal,
		StartedAt: time.Now().UTC(),
	}
}

// WithLabels returns a copy of the context with the given labels merged over
// any existing ones.
func (c Context) WithLabels(labels map[string]string) Context {
	if len(labels) == 0 {
		return c
	}
	merged := make(map[string]string, len(c.Labels)+len(labels))
	for k, v := range c.Labels {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}
	c.Labels = merged
	return c
}
