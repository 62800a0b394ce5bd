// Package http provides inbound HTTP adapters for the position wrapper.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/archon-research/stl/stl-wrapper/internal/ports/inbound"
)

// HealthProbe serves the health endpoints. The API mounts it on its own router;
// the worker runs it standalone through HealthServer.
//
// Endpoints:
//   - /health/ready  - 200 only when the backing stores answer (readiness probe)
//   - /health/live   - 200 when the process is healthy (liveness probe)
//   - /health        - combined status for monitoring
//
// Once shutdown starts every endpoint returns 503 so the load balancer drains the
// task before the server stops accepting connections.
type HealthProbe struct {
	checker      inbound.HealthChecker
	shuttingDown *atomic.Bool
	logger       *slog.Logger
}

// NewHealthProbe creates a probe. A nil shuttingDown flag is treated as never set.
func NewHealthProbe(checker inbound.HealthChecker, shuttingDown *atomic.Bool, logger *slog.Logger) *HealthProbe {
	if logger == nil {
		logger = slog.Default()
	}
	if shuttingDown == nil {
		shuttingDown = &atomic.Bool{}
	}
	return &HealthProbe{
		checker:      checker,
		shuttingDown: shuttingDown,
		logger:       logger.With("component", "health"),
	}
}

// Register mounts the probe routes on r.
func (hp *HealthProbe) Register(r chi.Router) {
	r.Get("/health/ready", hp.handleReady)
	r.Get("/health/live", hp.handleLive)
	r.Get("/health", hp.handleHealth)
}

func (hp *HealthProbe) handleReady(w http.ResponseWriter, r *http.Request) {
	if hp.shuttingDown.Load() {
		hp.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	if hp.checker.IsReady() {
		hp.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	} else {
		hp.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
	}
}

func (hp *HealthProbe) handleLive(w http.ResponseWriter, r *http.Request) {
	if hp.shuttingDown.Load() {
		hp.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	if hp.checker.IsHealthy() {
		hp.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	} else {
		hp.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

func (hp *HealthProbe) handleHealth(w http.ResponseWriter, r *http.Request) {
	if hp.shuttingDown.Load() {
		hp.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":       "shutting_down",
			"ready":        false,
			"healthy":      false,
			"shuttingDown": true,
		})
		return
	}

	ready := hp.checker.IsReady()
	healthy := hp.checker.IsHealthy()
	status := "ok"
	statusCode := http.StatusOK

	if !ready || !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	hp.respondJSON(w, statusCode, map[string]any{
		"status":       status,
		"ready":        ready,
		"healthy":      healthy,
		"shuttingDown": false,
	})
}

func (hp *HealthProbe) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		hp.logger.Error("failed to encode JSON response", "error", err)
	}
}

// HealthServerConfig holds configuration for the health server.
type HealthServerConfig struct {
	// Addr is the address to listen on (e.g., ":8081")
	Addr string

	// Logger for the health server
	Logger *slog.Logger

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration
}

// HealthServerConfigDefaults returns a config with default values.
func HealthServerConfigDefaults() HealthServerConfig {
	return HealthServerConfig{
		Addr:         ":8081",
		Logger:       slog.Default(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// HealthServer serves only the health endpoints, for processes without an API.
type HealthServer struct {
	server *http.Server
	logger *slog.Logger
}

// NewHealthServer creates a new health server.
func NewHealthServer(config HealthServerConfig, checker inbound.HealthChecker, shuttingDown *atomic.Bool) *HealthServer {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 5 * time.Second
	}

	r := chi.NewRouter()
	NewHealthProbe(checker, shuttingDown, config.Logger).Register(r)

	return &HealthServer{
		server: &http.Server{
			Addr:         config.Addr,
			Handler:      r,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		},
		logger: config.Logger.With("component", "health-server"),
	}
}

// Handler returns the router, for tests.
func (hs *HealthServer) Handler() http.Handler {
	return hs.server.Handler
}

// Start begins listening for health check requests.
// This is non-blocking - it starts the server in a goroutine.
func (hs *HealthServer) Start() {
	go func() {
		hs.logger.Info("starting health server", "addr", hs.server.Addr)
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hs.logger.Error("health server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the health server.
func (hs *HealthServer) Shutdown(timeout time.Duration) error {
	return shutdown(hs.server, timeout)
}

func shutdown(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Shutdown(ctx)
}
