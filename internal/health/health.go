// Package health provides the liveness, readiness and metrics endpoints.
//
// Docker and Kubernetes probe /healthz and /readyz. Readiness also reports
// the state of every dependency circuit; an open circuit marks the instance
// "degraded" but keeps it ready, since cycles still answer through
// fallbacks. /metrics exposes the Prometheus collectors.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nadzzz/parley/internal/breaker"
)

// CircuitSource lists breaker snapshots for the readiness report.
type CircuitSource interface {
	CircuitNames() []string
	CircuitStats(name string) breaker.Stats
}

// Server is a lightweight HTTP server for probes and metrics.
type Server struct {
	port     int
	ready    atomic.Bool
	circuits CircuitSource
	server   *http.Server
}

// New creates a new health check server. circuits may be nil.
func New(port int, circuits CircuitSource) *Server {
	return &Server{port: port, circuits: circuits}
}

// SetReady marks the daemon as ready to accept traffic.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

type readiness struct {
	Status   string            `json:"status"`
	Circuits map[string]string `json:"circuits,omitempty"`
}

// Handler returns the probe and metrics routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeStatus(w, http.StatusServiceUnavailable, readiness{Status: "not_ready"})
			return
		}
		writeStatus(w, http.StatusOK, readiness{Status: "ok"})
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeStatus(w, http.StatusServiceUnavailable, readiness{Status: "not_ready"})
			return
		}
		writeStatus(w, http.StatusOK, s.readiness())
	})

	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) readiness() readiness {
	rep := readiness{Status: "ok"}
	if s.circuits == nil {
		return rep
	}
	rep.Circuits = make(map[string]string)
	for _, name := range s.circuits.CircuitNames() {
		state := s.circuits.CircuitStats(name).State
		rep.Circuits[name] = state.String()
		if state == breaker.Open {
			rep.Status = "degraded"
		}
	}
	return rep
}

func writeStatus(w http.ResponseWriter, code int, body readiness) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ListenAndServe starts the health check HTTP server.
// It blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("health server listening", "port", s.port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
