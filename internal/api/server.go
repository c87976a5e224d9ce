// Package api implements the coaching HTTP surface: the coach
// WebSocket endpoint and a handful of diagnostic routes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/d00mkeeps/volc-sub001/internal/buildinfo"
	"github.com/d00mkeeps/volc-sub001/internal/catalogue"
	"github.com/d00mkeeps/volc-sub001/internal/coach"
	"github.com/d00mkeeps/volc-sub001/internal/connections"
	"github.com/d00mkeeps/volc-sub001/internal/connwatch"
	"github.com/d00mkeeps/volc-sub001/internal/metrics"
	"github.com/d00mkeeps/volc-sub001/internal/ratelimit"
	"github.com/d00mkeeps/volc-sub001/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// RateChecker admits or rejects an action for a subject.
type RateChecker interface {
	Check(ctx context.Context, sub ratelimit.Subject, action string) (*store.RateLimitStatus, error)
}

// MemoryScheduler starts post-session memory extraction.
type MemoryScheduler interface {
	Schedule(userID, conversationID, token string)
}

// CatalogueStats reports catalogue cache state.
type CatalogueStats interface {
	Stats() catalogue.Stats
}

// HealthReporter reports dependency health.
type HealthReporter interface {
	Report() connwatch.Report
}

// Config wires the server to its collaborators. Gate, Extractor,
// Catalogue, Health, Gatherer and Metrics are optional.
type Config struct {
	Address string
	Port    int

	Coach       coach.Deps
	CoachConfig coach.Config
	Connections *connections.Manager
	Gate        RateChecker
	Extractor   MemoryScheduler
	Catalogue   CatalogueStats
	Health      HealthReporter
	Gatherer    prometheus.Gatherer
	Metrics     *metrics.Metrics

	// FrameRate and FrameBurst bound inbound socket frames per
	// connection. Zero values take 10/s with a burst of 20.
	FrameRate  float64
	FrameBurst int

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 10
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = 20
	}
	if cfg.Coach.Logger == nil {
		cfg.Coach.Logger = cfg.Logger
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Mobile clients do not send an Origin header; auth is the
			// bearer token.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/coach", s.handleCoachSocket)

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	if s.cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// Diagnostics
	mux.HandleFunc("GET /v1/traces/{session_id}", s.handleTraceGet)
	mux.HandleFunc("DELETE /v1/traces/{session_id}", s.handleTraceDelete)
	mux.HandleFunc("GET /v1/catalogue/stats", s.handleCatalogueStats)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server. Hijacked sockets are not
// tracked by net/http; they end when the connection manager closes.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := connwatch.Report{Status: connwatch.StatusOK}
	if s.cfg.Health != nil {
		report = s.cfg.Health.Report()
	}
	body := map[string]any{
		"status":       report.Status,
		"dependencies": report.Dependencies,
	}
	if s.cfg.Connections != nil {
		body["active_connections"] = s.cfg.Connections.ActiveCount()
	}

	w.Header().Set("Content-Type", "application/json")
	if report.Status == connwatch.StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, body, s.logger)
}

func (s *Server) handleTraceGet(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Coach.Traces == nil {
		s.errorResponse(w, http.StatusNotFound, "tracing not enabled")
		return
	}
	id := r.PathValue("session_id")
	entries := s.cfg.Coach.Traces.Get(id)
	if entries == nil {
		s.errorResponse(w, http.StatusNotFound, "no trace for session")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": id,
		"entries":    entries,
	}, s.logger)
}

func (s *Server) handleTraceDelete(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Coach.Traces == nil || !s.cfg.Coach.Traces.Clear(r.PathValue("session_id")) {
		s.errorResponse(w, http.StatusNotFound, "no trace for session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCatalogueStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Catalogue == nil {
		s.errorResponse(w, http.StatusNotFound, "catalogue not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.cfg.Catalogue.Stats(), s.logger)
}

// bearerToken extracts the caller's token from the Authorization
// header, falling back to the access_token query parameter for
// clients that cannot set headers on an upgrade request.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
