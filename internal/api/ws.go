package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/axis-is/cloud-service/internal/metrics"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// the facade sits behind the operator's own ingress
		return true
	},
}

// GET /api/v1/events/ws
//
// Streams notify-hub events (analysis.completed, alert.raised) to the
// client. Events the client cannot keep up with are dropped by the hub.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.Config.APIAuthEnabled {
		if _, ok := s.authenticate(r); !ok {
			respondError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.WSClients.Inc()
	defer metrics.WSClients.Dec()

	events := s.Hub.Subscribe()
	defer s.Hub.Unsubscribe(events)

	s.log.Info().Str("remote", r.RemoteAddr).Msg("event stream connected")

	// reader only detects the close; clients do not send anything
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug().Err(err).Msg("event stream write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
