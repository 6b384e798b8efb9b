package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/examsentry/server/internal/detector"
	"github.com/examsentry/server/internal/events"
	"github.com/examsentry/server/internal/monitor"
	"github.com/examsentry/server/internal/report"
	"github.com/examsentry/server/internal/tamper"
)

// Server is the HTTP/websocket surface the front-end widget and the browser
// extension talk to.
type Server struct {
	router  *chi.Mux
	monitor *monitor.Monitor
	store   report.Store
	logger  *logrus.Logger
	metrics *Metrics

	upgrader websocket.Upgrader

	mu      sync.Mutex
	feed    *tamper.ChannelFeed
	clients map[*websocket.Conn]bool
}

// New builds the router. metricsHandler serves /metrics; pass
// promhttp.Handler() in production.
func New(mon *monitor.Monitor, store report.Store, metrics *Metrics, allowedOrigins []string, logger *logrus.Logger) *Server {
	s := &Server{
		monitor: mon,
		store:   store,
		logger:  logger,
		metrics: metrics,
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// Origin policy is enforced by the CORS middleware; the widget
			// runs on arbitrary interview pages.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mon.SetOnScoreChange(s.onScoreChange)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.healthHandler)
	r.Post("/api/sessions", s.startSessionHandler)
	r.Delete("/api/sessions/{id}", s.stopSessionHandler)
	r.Post("/api/sessions/{id}/events", s.recordEventHandler)
	r.Get("/api/sessions/{id}", s.sessionHandler)
	r.Get("/api/sessions/{id}/score", s.scoreHandler)
	r.Get("/api/sessions/{id}/flags", s.flagsHandler)
	r.Post("/api/sessions/{id}/reset", s.resetHandler)
	r.Get("/api/violations", s.violationsHandler)
	r.Get("/ws", s.wsHandler)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler returns the root http handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StartSessionRequest begins monitoring one interview attempt.
type StartSessionRequest struct {
	URL string `json:"url"`
}

func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if r.Body != nil {
		// Body is optional; a bare POST starts monitoring without a page URL.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	feed := tamper.NewChannelFeed(64)
	snap, err := s.monitor.Start(feed, req.URL)
	if err != nil {
		s.logger.WithError(err).Error("failed to start monitoring")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start monitoring"})
		return
	}

	s.mu.Lock()
	s.feed = feed
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) stopSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !s.checkSession(w, r) {
		return
	}
	s.monitor.Stop()
	s.mu.Lock()
	s.feed = nil
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// RecordEventRequest is one scripted behavioral event from the extension.
type RecordEventRequest struct {
	Type    string         `json:"type"`
	Details map[string]any `json:"details,omitempty"`
}

// RecordEventResponse returns the updated session state and the
// authoritative trust score.
type RecordEventResponse struct {
	Session events.Snapshot `json:"session"`
	Score   float64         `json:"score"`
}

func (s *Server) recordEventHandler(w http.ResponseWriter, r *http.Request) {
	if !s.checkSession(w, r) {
		return
	}
	var req RecordEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	snap, err := s.monitor.Record(events.Type(req.Type), req.Details)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.metrics.EventsIngested.WithLabelValues(eventLabel(req.Type)).Inc()

	writeJSON(w, http.StatusOK, RecordEventResponse{Session: snap, Score: s.monitor.Score()})
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	if !s.checkSession(w, r) {
		return
	}
	snap, err := s.monitor.SessionWithEvents()
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":    snap,
		"score":      s.monitor.Score(),
		"categories": s.monitor.Categories(),
	})
}

func (s *Server) scoreHandler(w http.ResponseWriter, r *http.Request) {
	if !s.checkSession(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": s.monitor.SessionID(),
		"score":     s.monitor.Score(),
	})
}

func (s *Server) flagsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.checkSession(w, r) {
		return
	}
	snap, err := s.monitor.Session()
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, detector.Describe(snap.Flags))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	if !s.checkSession(w, r) {
		return
	}
	snap, err := s.monitor.Reset()
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) violationsHandler(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.List(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("failed to list violations")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list violations"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"violations": items, "count": len(items)})
}

// checkSession verifies the path id against the single active session.
func (s *Server) checkSession(w http.ResponseWriter, r *http.Request) bool {
	id := chi.URLParam(r, "id")
	if id == "" || id != s.monitor.SessionID() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return false
	}
	return true
}

// onScoreChange fans the new score out to the gauge and connected sockets.
func (s *Server) onScoreChange(score float64) {
	if s.metrics != nil {
		s.metrics.TrustScore.Set(score)
	}
	s.broadcastScore(score)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
