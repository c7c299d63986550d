package stream

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// SnapshotSource returns the payload replayed to a joining session, and false
// when there is nothing to replay yet.
type SnapshotSource func() (any, bool)

// Hub owns the set of live sessions and fans events out to them.
type Hub struct {
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[Session]struct{}
	source   SnapshotSource
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:   logger.With().Str("component", "hub").Logger(),
		sessions: make(map[Session]struct{}),
	}
}

// SetSnapshotSource installs the function consulted on every Register.
func (h *Hub) SetSnapshotSource(src SnapshotSource) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.source = src
}

// Register adds the session to the live set after replaying the current
// snapshot to it as a single pipeline-update. Past log lines are never
// replayed. A session that fails its replay is not added.
func (h *Hub) Register(s Session) error {
	if h == nil {
		return errors.New("nil hub")
	}
	if s == nil {
		return errors.New("session is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.source != nil {
		if snap, ok := h.source(); ok {
			evt, err := NewEvent(KindPipelineUpdate, snap)
			if err != nil {
				return err
			}
			if err := s.Send(evt); err != nil {
				deliveryFailures.Inc()
				return err
			}
		}
	}

	h.sessions[s] = struct{}{}
	sessionsGauge.Set(float64(len(h.sessions)))
	h.logger.Debug().Str("session", s.ID()).Int("sessions", len(h.sessions)).Msg("session registered")
	return nil
}

// Broadcast encodes payload once and delivers it to every live session. A
// failing session does not affect delivery to the others; it is removed once
// the pass completes.
func (h *Hub) Broadcast(kind Kind, payload any) error {
	if h == nil {
		return errors.New("nil hub")
	}
	evt, err := NewEvent(kind, payload)
	if err != nil {
		return err
	}
	h.Publish(evt)
	return nil
}

// Publish delivers an already encoded event.
func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	eventsTotal.WithLabelValues(string(evt.Kind)).Inc()

	var dead []Session
	for s := range h.sessions {
		if err := s.Send(evt); err != nil {
			dead = append(dead, s)
			h.logger.Debug().Err(err).Str("session", s.ID()).Msg("dropping session")
		}
	}
	for _, s := range dead {
		delete(h.sessions, s)
	}
	if len(dead) > 0 {
		deliveryFailures.Add(float64(len(dead)))
		sessionsGauge.Set(float64(len(h.sessions)))
	}
}

// Len reports the number of live sessions.
func (h *Hub) Len() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
