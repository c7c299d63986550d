package stream

import (
	"encoding/json"
	"fmt"
)

// Kind tags an event so subscribers can tell snapshots from log lines without
// inspecting the payload.
type Kind string

const (
	KindPipelineUpdate Kind = "pipeline-update"
	KindLog            Kind = "log"
)

// Event is one framed message delivered to sessions. Data holds the payload
// already encoded as JSON so a broadcast marshals once for every recipient.
type Event struct {
	Kind Kind
	Data json.RawMessage
}

// NewEvent encodes payload into an Event of the given kind.
func NewEvent(kind Kind, payload any) (Event, error) {
	if kind == "" {
		return Event{}, fmt.Errorf("event kind is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Event{Kind: kind, Data: data}, nil
}

// envelope is the framing used by transports that cannot carry the kind
// out of band.
type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON renders the event as {"type": kind, "data": payload}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{Type: e.Kind, Data: e.Data})
}

// UnmarshalJSON parses the {"type","data"} envelope.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	e.Kind = env.Type
	e.Data = env.Data
	return nil
}
