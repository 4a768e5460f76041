// Package audit collects the structured trail of an agent run.
//
// The collector is the canonical record of what the run did: one record per
// turn capturing the LM exchange and every tool invocation, plus a final
// record flushed once on termination. Records are immutable values collected
// in memory; an optional Store mirrors them into an append-only event log for
// introspection after the run.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"goa.design/foreman/runtime/agent/faults"
)

type (
	// TurnRecord captures one turn of the outer loop.
	TurnRecord struct {
		// Turn is the loop iteration, zero for the initial plan proposal.
		Turn int `json:"turn"`
		// Note says what the turn represents, such as "initial plan",
		// "task_action_plan:<task_id>" or "plan-change:<decision>".
		Note string `json:"note,omitempty"`
		// RawText is the raw LM response text for the turn.
		RawText string `json:"raw_text,omitempty"`
		// PreviousResponseIDSent is the conversational anchor sent with the
		// final LM attempt of this turn.
		PreviousResponseIDSent string `json:"previous_response_id_sent,omitempty"`
		// ResponseID is the id of the final LM response of this turn.
		ResponseID string `json:"response_id,omitempty"`
		// Usage is the provider-reported token usage, kept opaque.
		Usage map[string]any `json:"usage,omitempty"`
		// Attempts lists every LM attempt of the turn, retries included.
		Attempts []AttemptRecord `json:"attempts,omitempty"`
		// Calls are the tool calls submitted this turn.
		Calls []SubmittedCall `json:"submitted_tool_calls,omitempty"`
		// ToolResults are the outcomes of the submitted calls, in order.
		ToolResults []ToolResultRecord `json:"tool_results,omitempty"`
	}

	// AttemptRecord traces one LM attempt within a turn.
	AttemptRecord struct {
		// PreviousResponseIDSent is the id threaded into the attempt.
		PreviousResponseIDSent string `json:"previous_response_id_sent,omitempty"`
		// ResponseID is the id the attempt returned, empty on failure.
		ResponseID string `json:"response_id,omitempty"`
	}

	// SubmittedCall is a tool call as submitted to the executor.
	SubmittedCall struct {
		// Name is the tool name.
		Name string `json:"name"`
		// Input is the raw input object.
		Input map[string]any `json:"input,omitempty"`
	}

	// ToolResultRecord is the audited outcome of one tool call.
	ToolResultRecord struct {
		// Name is the tool name.
		Name string `json:"name"`
		// OK reports whether the call succeeded.
		OK bool `json:"ok"`
		// Error holds the failure message when OK is false.
		Error string `json:"error,omitempty"`
		// TouchedPaths lists the paths the call touched.
		TouchedPaths []string `json:"touched_paths,omitempty"`
	}

	// VerifyRecord is one criteria evaluation outcome kept in the verify
	// history.
	VerifyRecord struct {
		// TaskID is the task whose criteria were evaluated.
		TaskID string `json:"task_id"`
		// Turn is the loop iteration of the evaluation.
		Turn int `json:"turn"`
		// OK reports whether every criterion passed.
		OK bool `json:"ok"`
		// Failures lists the violated criteria, empty when OK.
		Failures []string `json:"failures,omitempty"`
	}

	// BudgetsUsed counts consumed budgets at flush time.
	BudgetsUsed struct {
		// Turns is the number of loop iterations consumed.
		Turns int `json:"turns"`
		// Replans is the number of applied plan changes.
		Replans int `json:"replans"`
	}

	// FinalRecord is flushed exactly once when the run terminates.
	FinalRecord struct {
		// Status is the terminal run status, "done" or "failed".
		Status string `json:"status"`
		// Phase mirrors Status. The field survives for document
		// compatibility; Status is authoritative.
		Phase string `json:"phase"`
		// VerifyHistory is the ordered history of criteria evaluations.
		VerifyHistory []VerifyRecord `json:"verify_history,omitempty"`
		// PatchPaths are the artifact paths produced by the run.
		PatchPaths []string `json:"patch_paths,omitempty"`
		// TouchedFiles holds the most recent touched paths, capped at 200.
		TouchedFiles []string `json:"touched_files,omitempty"`
		// Budgets counts what the run consumed.
		Budgets BudgetsUsed `json:"budgets"`
		// LastError is the terminal error, nil when the run succeeded.
		LastError *faults.Fault `json:"last_error,omitempty"`
		// Policy is the policy the run operated under.
		Policy any `json:"policy,omitempty"`
		// ToolIndex is the rendered tool index given to the LM.
		ToolIndex any `json:"tool_index,omitempty"`
	}

	// Document is the complete audit output of a run.
	Document struct {
		// Goal is the user goal the run pursued.
		Goal string `json:"goal"`
		// Turns are the per-turn records in order.
		Turns []TurnRecord `json:"turns"`
		// Final is the terminal record.
		Final FinalRecord `json:"final"`
	}
)

// TouchedFilesCap bounds how many touched paths the final record retains.
const TouchedFilesCap = 200

// Collector accumulates turn records for one run and flushes them once.
// It is safe for use from multiple goroutines although the runtime drives
// it from a single one.
type Collector struct {
	mu      sync.Mutex
	runID   string
	goal    string
	turns   []TurnRecord
	flushed bool
	store   Store
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithStore mirrors every record into the given event store.
func WithStore(s Store) CollectorOption {
	return func(c *Collector) { c.store = s }
}

// NewCollector returns a collector for the given run.
func NewCollector(runID, goal string, opts ...CollectorOption) *Collector {
	c := &Collector{runID: runID, goal: goal}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record appends a turn record. The in-memory copy always succeeds; the
// returned error reports a store append failure.
func (c *Collector) Record(ctx context.Context, rec TurnRecord) error {
	c.mu.Lock()
	c.turns = append(c.turns, rec)
	c.mu.Unlock()
	return c.append(ctx, KindTurn, rec)
}

// Turns returns a copy of the records collected so far.
func (c *Collector) Turns() []TurnRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TurnRecord(nil), c.turns...)
}

// Flush seals the collector and returns the complete audit document. The
// final record's Phase is forced to Status. Flushing twice is an error so
// every run exit path flushes exactly once.
func (c *Collector) Flush(ctx context.Context, final FinalRecord) (Document, error) {
	c.mu.Lock()
	if c.flushed {
		c.mu.Unlock()
		return Document{}, fmt.Errorf("audit collector already flushed")
	}
	c.flushed = true
	final.Phase = final.Status
	if len(final.TouchedFiles) > TouchedFilesCap {
		final.TouchedFiles = final.TouchedFiles[len(final.TouchedFiles)-TouchedFilesCap:]
	}
	doc := Document{
		Goal:  c.goal,
		Turns: append([]TurnRecord(nil), c.turns...),
		Final: final,
	}
	c.mu.Unlock()

	if err := c.append(ctx, KindFinal, final); err != nil {
		return doc, err
	}
	return doc, nil
}

func (c *Collector) append(ctx context.Context, kind EventKind, payload any) error {
	if c.store == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", kind, err)
	}
	return c.store.Append(ctx, &Event{
		RunID:     c.runID,
		Kind:      kind,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	})
}
