package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Subscribers are unauthenticated and CORS is permissive.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocketHandler serves the event stream over a WebSocket. Each event is
// one JSON text frame of the form {"type": kind, "data": payload}.
func WebSocketHandler(hub *Hub, opts TransportOptions, logger zerolog.Logger) http.HandlerFunc {
	opts = opts.withDefaults()

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug().Err(err).Msg("websocket upgrade")
			return
		}
		defer conn.Close()

		session := NewChanSession(opts.Buffer)
		defer session.Close()

		// The read side only exists to notice closes and answer pings.
		readErr := make(chan struct{})
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(2 * opts.KeepAlive))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * opts.KeepAlive))
		})
		go func() {
			defer close(readErr)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := hub.Register(session); err != nil {
			logger.Warn().Err(err).Msg("register websocket session")
			return
		}

		log := logger.With().Str("session", session.ID()).Logger()
		log.Debug().Msg("websocket stream opened")

		ticker := time.NewTicker(opts.KeepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-readErr:
				log.Debug().Msg("websocket client went away")
				return
			case <-session.Done():
				log.Debug().Msg("websocket session closed by hub")
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"),
					time.Now().Add(time.Second))
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteTimeout)); err != nil {
					return
				}
			case evt := <-session.Events():
				_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
				if err := conn.WriteJSON(evt); err != nil {
					log.Debug().Err(err).Msg("websocket write failed")
					return
				}
			}
		}
	}
}
