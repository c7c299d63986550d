package stream

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSession struct {
	id   string
	fail bool

	mu     sync.Mutex
	events []Event
}

func (s *recordingSession) ID() string { return s.id }

func (s *recordingSession) Send(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("write failed")
	}
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSession) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSession) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func TestHubIsolatesFailingSession(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	one := &recordingSession{id: "one"}
	two := &recordingSession{id: "two"}
	three := &recordingSession{id: "three"}
	for _, s := range []*recordingSession{one, two, three} {
		require.NoError(t, hub.Register(s))
	}
	require.Equal(t, 3, hub.Len())

	two.setFail(true)
	require.NoError(t, hub.Broadcast(KindLog, map[string]string{"message": "first"}))

	assert.Len(t, one.received(), 1)
	assert.Len(t, two.received(), 0)
	assert.Len(t, three.received(), 1)
	assert.Equal(t, 2, hub.Len())

	// A recovered transport does not bring the dropped session back.
	two.setFail(false)
	require.NoError(t, hub.Broadcast(KindLog, map[string]string{"message": "second"}))

	assert.Len(t, one.received(), 2)
	assert.Len(t, two.received(), 0)
	assert.Len(t, three.received(), 2)
	assert.JSONEq(t, `{"message":"second"}`, string(three.received()[1].Data))
}

func TestHubRegisterReplaysSnapshot(t *testing.T) {
	tests := []struct {
		name      string
		source    SnapshotSource
		wantCount int
	}{
		{
			name:      "no source",
			source:    nil,
			wantCount: 0,
		},
		{
			name:      "idle",
			source:    func() (any, bool) { return nil, false },
			wantCount: 0,
		},
		{
			name:      "current run",
			source:    func() (any, bool) { return map[string]string{"currentStage": "building"}, true },
			wantCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(zerolog.Nop())
			hub.SetSnapshotSource(tt.source)

			s := &recordingSession{id: "joiner"}
			require.NoError(t, hub.Register(s))

			got := s.received()
			require.Len(t, got, tt.wantCount)
			if tt.wantCount == 1 {
				assert.Equal(t, KindPipelineUpdate, got[0].Kind)
				assert.JSONEq(t, `{"currentStage":"building"}`, string(got[0].Data))
			}
		})
	}
}

func TestHubRegisterRejectsFailedReplay(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.SetSnapshotSource(func() (any, bool) { return map[string]int{"progress": 10}, true })

	err := hub.Register(&recordingSession{id: "broken", fail: true})
	require.Error(t, err)
	assert.Equal(t, 0, hub.Len())
}

func TestHubRegisterValidates(t *testing.T) {
	var nilHub *Hub
	assert.Error(t, nilHub.Register(&recordingSession{}))
	assert.Error(t, NewHub(zerolog.Nop()).Register(nil))
}

func TestHubConcurrentRegisterAndBroadcast(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = hub.Register(&recordingSession{id: "s", fail: i%3 == 0})
		}(i)
		go func() {
			defer wg.Done()
			_ = hub.Broadcast(KindPipelineUpdate, map[string]int{"progress": 50})
		}()
	}
	wg.Wait()

	require.NoError(t, hub.Broadcast(KindPipelineUpdate, map[string]int{"progress": 60}))
	assert.Equal(t, 13, hub.Len())
}
