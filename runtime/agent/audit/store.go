package audit

import (
	"context"
	"encoding/json"
	"time"
)

// EventKind classifies a stored audit event.
type EventKind string

const (
	// KindTurn marks a per-turn record.
	KindTurn EventKind = "turn"
	// KindFinal marks the terminal record.
	KindFinal EventKind = "final"
)

type (
	// Event is a single immutable audit event appended to a store.
	//
	// Store implementations assign the ID when persisting the event. IDs are
	// opaque, monotonically ordered within a run, and suitable for
	// cursor-based pagination.
	Event struct {
		// ID is the store-assigned opaque identifier for this event.
		ID string
		// RunID is the identifier of the run this event belongs to.
		RunID string
		// Kind tells turn records from the final record.
		Kind EventKind
		// Payload is the canonical JSON encoding of the record.
		Payload json.RawMessage
		// Timestamp is the event time.
		Timestamp time.Time
	}

	// Page is a forward page of audit events.
	Page struct {
		// Events are ordered oldest-first.
		Events []*Event
		// NextCursor fetches the next page; empty when exhausted.
		NextCursor string
	}

	// Store is an append-only event store for run introspection.
	//
	// Implementations must provide stable ordering within a run. Cursor
	// values are store-owned and opaque to callers.
	Store interface {
		// Append stores the event. Implementations assign the event ID and
		// persist the payload verbatim. Failures are surfaced so runs can
		// fail fast when canonical logging is unavailable.
		Append(ctx context.Context, e *Event) error

		// List returns the next forward page of events for the run. Cursor
		// is a value returned by a previous List, or empty to start from the
		// beginning. Limit must be greater than zero.
		List(ctx context.Context, runID, cursor string, limit int) (Page, error)
	}
)
