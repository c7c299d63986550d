package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultKeepAlive = 15 * time.Second

// TransportOptions tunes the per-connection writers.
type TransportOptions struct {
	Buffer       int
	KeepAlive    time.Duration
	WriteTimeout time.Duration
}

func (o TransportOptions) withDefaults() TransportOptions {
	if o.Buffer < 1 {
		o.Buffer = defaultBufferSize
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = defaultKeepAlive
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// SSEHandler serves a server-sent event stream backed by a ChanSession
// registered with hub.
func SSEHandler(hub *Hub, opts TransportOptions, logger zerolog.Logger) http.HandlerFunc {
	opts = opts.withDefaults()

	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		rc := http.NewResponseController(w)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		session := NewChanSession(opts.Buffer)
		defer session.Close()

		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		if err := hub.Register(session); err != nil {
			logger.Warn().Err(err).Msg("register sse session")
			return
		}

		log := logger.With().Str("session", session.ID()).Logger()
		log.Debug().Msg("sse stream opened")

		ticker := time.NewTicker(opts.KeepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				log.Debug().Msg("sse client went away")
				return
			case <-session.Done():
				log.Debug().Msg("sse session closed by hub")
				return
			case <-ticker.C:
				_ = rc.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case evt := <-session.Events():
				_ = rc.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
				if err := WriteSSE(w, evt); err != nil {
					log.Debug().Err(err).Msg("sse write failed")
					return
				}
				flusher.Flush()
			}
		}
	}
}

// WriteSSE frames evt as a server-sent event.
func WriteSSE(w io.Writer, evt Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, evt.Data); err != nil {
		return err
	}
	return nil
}

// ReadSSE parses a server-sent event stream and calls fn for each event.
// Comment lines and unknown fields are skipped. It returns when r is
// exhausted, fn fails, or the stream is malformed.
func ReadSSE(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		kind Kind
		data []string
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if kind == "" && len(data) == 0 {
				continue
			}
			evt := Event{Kind: kind, Data: json.RawMessage(strings.Join(data, "\n"))}
			kind, data = "", nil
			if err := fn(evt); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			kind = Kind(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}
