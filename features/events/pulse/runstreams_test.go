package pulse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/foreman/features/events/pulse/clients/pulse"
)

func TestRunStreamsSinkLifecycle(t *testing.T) {
	client := &fakeClient{stream: &fakeStream{sink: &fakeSink{events: make(chan *streaming.Event)}}}
	streams, err := NewRunStreams(RunStreamsOptions{Client: client})
	require.NoError(t, err)
	require.NotNil(t, streams.Sink())
	require.NoError(t, streams.Close(context.Background()))
	require.Equal(t, 1, client.closeCount)
}

func TestRunStreamsSubscriberUsesClient(t *testing.T) {
	eventsCh := make(chan *streaming.Event)
	sink := &fakeSink{events: eventsCh}
	client := &fakeClient{stream: &fakeStream{sink: sink}}
	streams, err := NewRunStreams(RunStreamsOptions{Client: client})
	require.NoError(t, err)

	sub, err := streams.NewSubscriber(SubscriberOptions{SinkName: "front", Buffer: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	envs, errs, stop, err := sub.Subscribe(ctx, "run/test")
	if err != nil {
		cancel()
		require.FailNowf(t, "subscribe", "subscribe error: %v", err)
	}
	close(eventsCh)
	stop()
	cancel()

	select {
	case _, ok := <-envs:
		require.False(t, ok, "expected closed envelope channel")
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for envelope close")
	}
	select {
	case _, ok := <-errs:
		require.False(t, ok, "expected closed errs channel")
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for errs close")
	}
	require.True(t, sink.closed)
}

func TestRunStreamsDestroy(t *testing.T) {
	str := &fakeStream{sink: &fakeSink{events: make(chan *streaming.Event)}}
	client := &fakeClient{stream: str}
	streams, err := NewRunStreams(RunStreamsOptions{Client: client})
	require.NoError(t, err)
	require.NoError(t, streams.Destroy(context.Background(), "run/old"))
	require.Equal(t, "run/old", client.lastStream)
	require.Equal(t, 1, str.destroyCount)
}

func TestRunStreamsRequiresClient(t *testing.T) {
	_, err := NewRunStreams(RunStreamsOptions{})
	require.EqualError(t, err, "pulse client is required")
}

type fakeClient struct {
	stream     *fakeStream
	streamErr  error
	closeCount int
	lastStream string
}

func (f *fakeClient) Stream(name string, opts ...streamopts.Stream) (clientspulse.Stream, error) {
	f.lastStream = name
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

func (f *fakeClient) Close(ctx context.Context) error {
	f.closeCount++
	return nil
}

type addCall struct {
	event   string
	payload []byte
}

type fakeStream struct {
	sink         *fakeSink
	entryID      string
	addErr       error
	adds         []addCall
	lastSink     string
	destroyCount int
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.adds = append(f.adds, addCall{event: event, payload: payload})
	if f.entryID == "" {
		return "0-0", nil
	}
	return f.entryID, nil
}

func (f *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
	f.lastSink = name
	return f.sink, nil
}

func (f *fakeStream) Destroy(ctx context.Context) error {
	f.destroyCount++
	return nil
}

type fakeSink struct {
	events chan *streaming.Event
	acked  []string
	ackErr error
	closed bool
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.events }

func (f *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, evt.ID)
	return nil
}

func (f *fakeSink) Close(context.Context) { f.closed = true }
