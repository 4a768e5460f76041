package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/foreman/features/events/pulse/clients/pulse"
	"goa.design/foreman/runtime/agent/runtime"
)

// RunStreams wires a caller-provided Pulse client into the run event pipeline.
// It owns a publishing sink (used by runtime.Options.Sink) and can spawn
// subscribers that reuse the same client so services do not need to manage
// multiple Pulse connections.
type RunStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// RunStreamsOptions configures the helper returned by NewRunStreams.
type RunStreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing. It is
	// required and typically built via features/events/pulse/clients/pulse.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink (stream ID
	// derivation, publish hook). Leave zero-valued for defaults.
	Sink Options
}

// NewRunStreams constructs helpers for publishing run events to Pulse and
// subscribing to the resulting streams. Callers pass the returned sink to
// runtime.Options.Sink and keep the helper around to create subscribers
// (e.g., SSE fan-out) later on.
func NewRunStreams(opts RunStreamsOptions) (*RunStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &RunStreams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink so callers can pass it to runtime.Options.
func (r *RunStreams) Sink() runtime.Sink {
	return r.sink
}

// NewSubscriber constructs a Pulse-backed subscriber that reuses the helper's
// client. This keeps event publishing and consumption on the same Redis
// connection pool.
func (r *RunStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}

// Destroy deletes the named stream and all its entries from Redis. Call it
// once a run's consumers are done with the stream, e.g. after the terminal
// run_completed envelope has been processed.
func (r *RunStreams) Destroy(ctx context.Context, streamID string) error {
	str, err := r.client.Stream(streamID)
	if err != nil {
		return err
	}
	return str.Destroy(ctx)
}

// Close shuts down the publishing sink (and therefore the underlying Pulse
// client). Call this during service shutdown after all subscribers have been
// canceled.
func (r *RunStreams) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}
