package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/examsentry/server/internal/events"
	"github.com/examsentry/server/internal/tamper"
)

// wsEnvelope frames messages on the extension socket. Inbound kinds are
// "event" (scripted behavioral event) and "mutation" (DOM snapshot);
// outbound is "score".
type wsEnvelope struct {
	Kind     string              `json:"kind"`
	Event    *RecordEventRequest `json:"event,omitempty"`
	Mutation *tamper.Mutation    `json:"mutation,omitempty"`
	Score    *float64            `json:"score,omitempty"`
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.addClient(conn)
	defer s.removeClient(conn)

	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithError(err).Debug("websocket closed unexpectedly")
			}
			return
		}

		switch env.Kind {
		case "event":
			if env.Event == nil || env.Event.Type == "" {
				continue
			}
			if _, err := s.monitor.Record(events.Type(env.Event.Type), env.Event.Details); err != nil {
				continue // no active session; the extension will restart one
			}
			s.metrics.EventsIngested.WithLabelValues(eventLabel(env.Event.Type)).Inc()
		case "mutation":
			if env.Mutation == nil {
				continue
			}
			s.mu.Lock()
			feed := s.feed
			s.mu.Unlock()
			if feed != nil {
				feed.Publish(*env.Mutation)
			}
		}
	}
}

func (s *Server) addClient(conn *websocket.Conn) {
	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// broadcastScore pushes the updated trust score to every connected client.
// Writes happen under the server mutex so they never interleave per socket.
func (s *Server) broadcastScore(score float64) {
	env := wsEnvelope{Kind: "score", Score: &score}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteJSON(env); err != nil {
			delete(s.clients, conn)
			_ = conn.Close()
		}
	}
}
