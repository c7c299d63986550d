package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined/services/control"
	"pipelined/services/pipeline"
	"pipelined/services/stream"
)

type message struct {
	subject string
	data    string
}

type fakeBus struct {
	mu       sync.Mutex
	messages []message
	fail     error

	subject string
	durable string
	handler func(ctx context.Context, data []byte) error
}

func (f *fakeBus) Publish(_ context.Context, subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.messages = append(f.messages, message{subject: subj, data: string(data)})
	return nil
}

func (f *fakeBus) Subscribe(_ context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	f.subject = subj
	f.durable = durable
	f.handler = fn
	return io.NopCloser(nil), nil
}

func (f *fakeBus) published() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.messages...)
}

type fakeTriggerer struct {
	err  error
	last string
}

func (f *fakeTriggerer) TriggerWith(_ context.Context, raw []byte) (pipeline.Run, error) {
	f.last = string(raw)
	if f.err != nil {
		return pipeline.Run{}, f.err
	}
	return pipeline.Run{ID: "pipeline-1"}, nil
}

func TestMirrorForwardsHubEvents(t *testing.T) {
	pub := &fakeBus{}
	mirror, err := NewMirror(pub, 8, zerolog.Nop())
	require.NoError(t, err)

	hub := stream.NewHub(zerolog.Nop())
	require.NoError(t, hub.Register(mirror))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mirror.Run(ctx) }()

	require.NoError(t, hub.Broadcast(stream.KindLog, map[string]string{"message": "hello"}))
	require.NoError(t, hub.Broadcast(stream.KindPipelineUpdate, map[string]string{"id": "pipeline-1"}))

	require.Eventually(t, func() bool { return len(pub.published()) == 2 }, time.Second, 5*time.Millisecond)
	got := pub.published()
	assert.Equal(t, "pipelined.events.log", got[0].subject)
	assert.JSONEq(t, `{"message":"hello"}`, got[0].data)
	assert.Equal(t, "pipelined.events.pipeline-update", got[1].subject)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, hub.Len())
}

func TestMirrorSendNeverFails(t *testing.T) {
	mirror, err := NewMirror(&fakeBus{}, 1, zerolog.Nop())
	require.NoError(t, err)

	evt, err := stream.NewEvent(stream.KindLog, "x")
	require.NoError(t, err)
	assert.NoError(t, mirror.Send(evt))
	assert.NoError(t, mirror.Send(evt))
	assert.Len(t, mirror.events, 1)
}

func TestMirrorSurvivesPublishErrors(t *testing.T) {
	pub := &fakeBus{fail: errors.New("no responders")}
	mirror, err := NewMirror(pub, 4, zerolog.Nop())
	require.NoError(t, err)

	evt, err := stream.NewEvent(stream.KindLog, "x")
	require.NoError(t, err)
	require.NoError(t, mirror.Send(evt))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mirror.Run(ctx) }()

	require.Eventually(t, func() bool { return len(mirror.events) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestListenTriggers(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "triggered"},
		{name: "already running", err: pipeline.ErrAlreadyRunning},
		{name: "malformed", err: control.ErrMalformedConfig},
		{name: "store failure", err: errors.New("db down"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeBus{}
			runs := &fakeTriggerer{err: tt.err}
			closer, err := ListenTriggers(context.Background(), sub, runs, zerolog.Nop())
			require.NoError(t, err)
			require.NotNil(t, closer)
			assert.Equal(t, TriggerSubject, sub.subject)
			assert.Equal(t, triggerDurable, sub.durable)

			err = sub.handler(context.Background(), []byte(`{"title":"bus"}`))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, `{"title":"bus"}`, runs.last)
		})
	}
}

func TestConstructorsValidate(t *testing.T) {
	_, err := NewMirror(nil, 0, zerolog.Nop())
	assert.Error(t, err)
	_, err = ListenTriggers(context.Background(), nil, &fakeTriggerer{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = ListenTriggers(context.Background(), &fakeBus{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, []string{"pipelined.events.>", "pipelined.trigger"}, Subjects())
	assert.Equal(t, "pipelined.events.log", EventSubject(stream.KindLog))
}
