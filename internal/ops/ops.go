// Package ops serves the operational HTTP surface: health, Prometheus
// metrics, and a read-only snapshot of the live session. It is not the
// conversation API; the conversation lives on the websocket.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/inkwellhq/voiceloop/internal/metrics"
	"github.com/inkwellhq/voiceloop/pkg/session"
)

// SessionSource provides the current session snapshot. May return false
// when no session is live.
type SessionSource interface {
	Snapshot() (session.Snapshot, bool)
}

// SessionFunc adapts a function to SessionSource.
type SessionFunc func() (session.Snapshot, bool)

// Snapshot implements SessionSource.
func (f SessionFunc) Snapshot() (session.Snapshot, bool) { return f() }

// Server is the ops HTTP server.
type Server struct {
	addr   string
	logger *slog.Logger
	http   *http.Server
}

// New builds the server. reg may be nil to skip the metrics route; src
// may be nil to report no session.
func New(addr string, reg *prometheus.Registry, src SessionSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if reg != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))
	}

	r.Get("/v1/session", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if src == nil {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "no session"})
			return
		}
		snap, ok := src.Snapshot()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "no session"})
			return
		}
		json.NewEncoder(w).Encode(snap)
	})

	return &Server{
		addr:   addr,
		logger: logger,
		http: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown. It blocks; run it in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", "addr", s.addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
