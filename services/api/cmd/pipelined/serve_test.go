package main

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
	"golang.org/x/sync/errgroup"

	"pipelined/services/pipeline"
	"pipelined/services/relay"
	"pipelined/services/stream"
)

type fakeRelayBus struct {
	mu           sync.Mutex
	subscribeErr error
	subjects     []string
	handler      func(ctx context.Context, data []byte) error
	closed       bool
}

func (f *fakeRelayBus) Publish(_ context.Context, subj string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subj)
	return nil
}

func (f *fakeRelayBus) Subscribe(_ context.Context, _, _ string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.handler = fn
	return f, nil
}

func (f *fakeRelayBus) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRelayBus) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subjects...)
}

type stubTriggerer struct{}

func (stubTriggerer) TriggerWith(context.Context, []byte) (pipeline.Run, error) {
	return pipeline.Run{ID: "pipeline-1"}, nil
}

func waitGroup(t *testing.T, g *errgroup.Group) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("errgroup did not finish")
		return nil
	}
}

func TestStartRelayLeavesNothingRunningWhenSubscribeFails(t *testing.T) {
	b := &fakeRelayBus{subscribeErr: errors.New("no responders")}
	hub := stream.NewHub(zerolog.Nop())

	// The parent context is never cancelled, so any goroutine started in g
	// would keep Wait blocked.
	g, gctx := errgroup.WithContext(context.Background())
	_, err := startRelay(gctx, g, b, hub, stubTriggerer{}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscribe triggers")

	assert.Equal(t, 0, hub.Len())
	assert.NoError(t, waitGroup(t, g))
}

func TestStartRelayMirrorsEventsUntilCancelled(t *testing.T) {
	b := &fakeRelayBus{}
	hub := stream.NewHub(zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	sub, err := startRelay(gctx, g, b, hub, stubTriggerer{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Len())
	require.NotNil(t, b.handler)
	assert.NoError(t, b.handler(context.Background(), []byte(`{}`)))

	require.NoError(t, hub.Broadcast(stream.KindLog, map[string]string{"message": "hello"}))
	assert.Eventually(t, func() bool {
		return len(b.published()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{relay.EventSubject(stream.KindLog)}, b.published())

	cancel()
	assert.NoError(t, waitGroup(t, g))
	require.NoError(t, sub.Close())
	assert.True(t, b.closed)
}
