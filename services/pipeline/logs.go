package pipeline

import (
	"time"

	"github.com/rs/zerolog"

	"pipelined/services/stream"
)

// Severity classifies a log line for display.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// LogEntry is one narrative line delivered to subscribers. It is never stored.
type LogEntry struct {
	Type      Severity `json:"type"`
	Stage     Stage    `json:"stage"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
}

// Broadcaster delivers an event to every live subscriber.
type Broadcaster interface {
	Broadcast(kind stream.Kind, payload any) error
}

// LogEmitter stamps log lines and sends them on the log event stream.
type LogEmitter struct {
	out    Broadcaster
	now    func() time.Time
	logger zerolog.Logger
}

// NewLogEmitter returns an emitter writing to out. now defaults to time.Now.
func NewLogEmitter(out Broadcaster, now func() time.Time, logger zerolog.Logger) *LogEmitter {
	if now == nil {
		now = time.Now
	}
	return &LogEmitter{out: out, now: now, logger: logger}
}

// Emit builds a LogEntry and broadcasts it under the log kind.
func (e *LogEmitter) Emit(severity Severity, stage Stage, message string) LogEntry {
	entry := LogEntry{
		Type:      severity,
		Stage:     stage,
		Message:   message,
		Timestamp: e.now().UnixMilli(),
	}

	e.logger.Debug().
		Str("severity", string(severity)).
		Str("stage", string(stage)).
		Msg(message)

	if e.out != nil {
		if err := e.out.Broadcast(stream.KindLog, entry); err != nil {
			e.logger.Error().Err(err).Msg("broadcast log entry")
		}
	}
	return entry
}

func (e *LogEmitter) Info(stage Stage, message string) LogEntry {
	return e.Emit(SeverityInfo, stage, message)
}

func (e *LogEmitter) Success(stage Stage, message string) LogEntry {
	return e.Emit(SeveritySuccess, stage, message)
}

func (e *LogEmitter) Warning(stage Stage, message string) LogEntry {
	return e.Emit(SeverityWarning, stage, message)
}

func (e *LogEmitter) Error(stage Stage, message string) LogEntry {
	return e.Emit(SeverityError, stage, message)
}
