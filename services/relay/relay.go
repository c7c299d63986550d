// Package relay mirrors hub events onto NATS and accepts triggers from it.
package relay

import (
	"context"
	"errors"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"pipelined/services/control"
	"pipelined/services/pipeline"
	"pipelined/services/stream"
)

const (
	// StreamName is the JetStream stream holding both subject families.
	StreamName = "PIPELINED"
	// EventSubjectPrefix prefixes the kind of every mirrored event.
	EventSubjectPrefix = "pipelined.events."
	// TriggerSubject accepts a JSON config body; an empty body runs the stored config.
	TriggerSubject = "pipelined.trigger"

	triggerDurable = "pipelined-trigger"
	defaultBuffer  = 256
)

var (
	published = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipelined",
		Subsystem: "relay",
		Name:      "published_total",
		Help:      "Events mirrored to NATS, by kind.",
	}, []string{"kind"})

	dropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipelined",
		Subsystem: "relay",
		Name:      "dropped_total",
		Help:      "Events dropped because the relay buffer was full or publishing failed.",
	})
)

// Subjects lists every subject the relay touches, for stream setup.
func Subjects() []string {
	return []string{EventSubjectPrefix + ">", TriggerSubject}
}

// EventSubject returns the subject an event of kind is mirrored to.
func EventSubject(kind stream.Kind) string {
	return EventSubjectPrefix + string(kind)
}

// Publisher publishes raw payloads. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, data []byte) error
}

// Subscriber creates durable subscriptions. *bus.Bus satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Triggerer starts runs from a raw config body.
type Triggerer interface {
	TriggerWith(ctx context.Context, raw []byte) (pipeline.Run, error)
}

// Mirror is a hub session that forwards every event to NATS. Send never
// fails, so the hub keeps the mirror for the life of the process; events are
// dropped instead when the buffer is full.
type Mirror struct {
	pub    Publisher
	events chan stream.Event
	logger zerolog.Logger
}

// NewMirror creates a Mirror. Register it with the hub and call Run.
func NewMirror(pub Publisher, buffer int, logger zerolog.Logger) (*Mirror, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Mirror{
		pub:    pub,
		events: make(chan stream.Event, buffer),
		logger: logger.With().Str("component", "relay").Logger(),
	}, nil
}

// ID identifies the mirror among hub sessions.
func (m *Mirror) ID() string { return "nats-relay" }

// Send queues evt for publishing.
func (m *Mirror) Send(evt stream.Event) error {
	select {
	case m.events <- evt:
	default:
		dropped.Inc()
		m.logger.Warn().Str("kind", string(evt.Kind)).Msg("relay buffer full; dropping event")
	}
	return nil
}

// Run publishes queued events until ctx is done.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-m.events:
			if err := m.pub.Publish(ctx, EventSubject(evt.Kind), evt.Data); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				dropped.Inc()
				m.logger.Warn().Err(err).Str("kind", string(evt.Kind)).Msg("publish event")
				continue
			}
			published.WithLabelValues(string(evt.Kind)).Inc()
		}
	}
}

// ListenTriggers subscribes to TriggerSubject and starts a run for every
// message. The subscription closes when ctx is done.
func ListenTriggers(ctx context.Context, sub Subscriber, runs Triggerer, logger zerolog.Logger) (io.Closer, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	if runs == nil {
		return nil, errors.New("triggerer is required")
	}
	return sub.Subscribe(ctx, TriggerSubject, triggerDurable, handleTrigger(runs, logger.With().Str("component", "relay").Logger()))
}

// handleTrigger acks rejected and malformed triggers; redelivery would not
// change their outcome.
func handleTrigger(runs Triggerer, logger zerolog.Logger) func(ctx context.Context, data []byte) error {
	return func(ctx context.Context, data []byte) error {
		run, err := runs.TriggerWith(ctx, data)
		switch {
		case errors.Is(err, pipeline.ErrAlreadyRunning):
			logger.Info().Msg("trigger ignored; run already active")
			return nil
		case errors.Is(err, control.ErrMalformedConfig):
			logger.Warn().Err(err).Msg("trigger ignored")
			return nil
		case err != nil:
			logger.Error().Err(err).Msg("trigger failed")
			return err
		}
		logger.Info().Str("run", run.ID).Msg("run triggered from bus")
		return nil
	}
}
