package stream

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

const defaultBufferSize = 64

var (
	// ErrSessionClosed is returned by Send once the session's transport is gone.
	ErrSessionClosed = errors.New("stream session closed")
	// ErrSlowConsumer is returned by Send when the subscriber has fallen so far
	// behind that its buffer is full. The session closes itself.
	ErrSlowConsumer = errors.New("stream session buffer full")
)

// Session is one subscriber's push-only delivery capability.
type Session interface {
	ID() string
	Send(Event) error
}

// ChanSession is a Session backed by a bounded channel. A transport goroutine
// drains Events and writes them to the wire; Send never blocks the caller.
type ChanSession struct {
	id     string
	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewChanSession creates a session with the given buffer size. A size below
// one selects the default.
func NewChanSession(buffer int) *ChanSession {
	if buffer < 1 {
		buffer = defaultBufferSize
	}
	return &ChanSession{
		id:     uuid.NewString(),
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// ID returns the diagnostic identifier of the session.
func (s *ChanSession) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Send enqueues the event for the transport.
func (s *ChanSession) Send(evt Event) error {
	if s == nil {
		return ErrSessionClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	select {
	case s.events <- evt:
		return nil
	default:
		s.closeLocked()
		return ErrSlowConsumer
	}
}

// Events is drained by the transport writer.
func (s *ChanSession) Events() <-chan Event {
	return s.events
}

// Done is closed when the session can no longer deliver.
func (s *ChanSession) Done() <-chan struct{} {
	return s.done
}

// Close marks the session dead. Subsequent Sends fail and the hub drops it on
// its next broadcast pass.
func (s *ChanSession) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *ChanSession) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
