package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server exposes a Hub over websocket connections, grounded on the
// gorilla/websocket upgrade-then-writer-goroutine pattern used across the
// pack's trading-bot repos (e.g. sawpanic-cryptorun's live price feed).
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer constructs a Server fronting hub. Origin checking is left to
// the caller's reverse proxy / auth middleware; this is an internal
// control-plane surface, not a public API.
func NewServer(hub *Hub, log zerolog.Logger) *Server {
	return &Server{
		hub:      hub,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		log:      log.With().Str("component", "stream").Logger(),
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects or the hub drops the subscriber for falling behind.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	go s.drainReads(conn)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainReads discards inbound frames (this is a push-only stream) so the
// connection's read deadline keeps advancing via pong frames.
func (s *Server) drainReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// MarshalJSON renders an Event, emitting a {"sequence_gap": true} envelope
// for a GapMarker rather than a zero-valued position/alert payload.
func (e Event) MarshalJSON() ([]byte, error) {
	switch {
	case e.GapMarker:
		return json.Marshal(struct {
			SequenceGap bool `json:"sequence_gap"`
		}{true})
	case e.Position != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			*PositionUpdate
		}{"position_update", e.Position})
	case e.Alert != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			*AlertEvent
		}{"alert_event", e.Alert})
	default:
		return []byte("null"), nil
	}
}
