// Package pulse exposes a runtime Sink implementation that publishes run
// events to goa.design/pulse streams. It mirrors the layering used by existing
// Pulse deployments: services build a Redis client, pass it to the Pulse
// client, and hand the resulting sink to the runtime.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "goa.design/foreman/features/events/pulse/clients/pulse"
	"goa.design/foreman/runtime/agent/runtime"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `run/<RunID>`.
		StreamID func(runtime.Event) (string, error)
		// OnPublished is invoked after an envelope reaches its stream. An error
		// returned here propagates to the HandleEvent caller.
		OnPublished func(context.Context, PublishedEvent) error
	}

	// PublishedEvent describes an envelope that reached its stream.
	PublishedEvent struct {
		// Event is the run event that was published.
		Event runtime.Event
		// StreamID is the Pulse stream the envelope was added to.
		StreamID string
		// EntryID is the entry ID Redis assigned to the envelope.
		EntryID string
	}

	// Sink publishes run events into Pulse streams. It satisfies the runtime
	// Sink contract so callers can pass it directly to runtime.Options.Sink.
	// Thread-safe for concurrent HandleEvent calls.
	Sink struct {
		client clientspulse.Client
		opts   sinkOptions
	}

	// sinkOptions holds internal configuration derived from Options.
	sinkOptions struct {
		streamID    func(runtime.Event) (string, error)
		onPublished func(context.Context, PublishedEvent) error
	}

	// Envelope wraps a run event for transmission over Pulse streams. The
	// subscriber yields the same shape on the consuming side.
	Envelope struct {
		// Type identifies the event kind (e.g., "task_completed").
		Type string `json:"type"`
		// RunID links the envelope to a specific run.
		RunID string `json:"run_id"`
		// At records the event emission time in Unix milliseconds.
		At int64 `json:"at"`
		// Event carries the JSON-encoded event-specific fields, if any.
		Event json.RawMessage `json:"event,omitempty"`
	}
)

// NewSink constructs a Pulse-backed run event sink. The Client field in opts
// is required; StreamID defaults to the built-in run/<RunID> derivation.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:    defaultStreamID,
		onPublished: opts.OnPublished,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// HandleEvent publishes the event to the derived Pulse stream. It derives the
// stream ID, wraps the event in an envelope, marshals it to JSON, and adds it
// via the Pulse client. Thread-safe for concurrent calls.
func (s *Sink) HandleEvent(ctx context.Context, ev runtime.Event) error {
	streamID, err := s.opts.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type(), err)
	}
	env := Envelope{
		Type:  string(ev.Type()),
		RunID: ev.RunID(),
		At:    ev.Timestamp(),
		Event: body,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	entryID, err := handle.Add(ctx, env.Type, payload)
	if err != nil {
		return err
	}
	if s.opts.onPublished != nil {
		return s.opts.onPublished(ctx, PublishedEvent{Event: ev, StreamID: streamID, EntryID: entryID})
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the underlying
// Pulse client, which may or may not close the Redis connection depending on
// the client implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's RunID.
// Returns an error if the RunID is empty.
func defaultStreamID(ev runtime.Event) (string, error) {
	if ev.RunID() == "" {
		return "", errors.New("stream event missing run id")
	}
	return fmt.Sprintf("run/%s", ev.RunID()), nil
}
