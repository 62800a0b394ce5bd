package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/archon-research/stl/stl-wrapper/internal/ports/inbound"
	"github.com/archon-research/stl/stl-wrapper/internal/services/command"
)

// RouterDeps holds what NewRouter needs.
type RouterDeps struct {
	Dispatcher *command.Dispatcher
	Positions  inbound.PositionService
	Access     inbound.AccessService

	// Health serves the probe endpoints. Optional.
	Health *HealthProbe

	RateLimit RateLimitConfig

	Logger *slog.Logger
}

// NewRouter returns the API router.
//
// Health probes sit outside the rate limit so an overloaded API is not restarted
// by its orchestrator.
func NewRouter(deps RouterDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := NewHandler(deps.Dispatcher, deps.Positions, deps.Access, deps.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if deps.Health != nil {
		deps.Health.Register(r)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimit(deps.RateLimit, deps.Logger))

		r.Route("/positions", func(r chi.Router) {
			r.Post("/deposit-and-borrow", h.DepositAndBorrow)
			r.Post("/payback-and-withdraw", h.PaybackAndWithdraw)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListValidUsers)
			r.Post("/add", h.AddValidUser)
			r.Post("/remove", h.RemoveValidUser)
		})

		r.Route("/balances", func(r chi.Router) {
			r.Get("/deposit/{asset}/{user}", h.DepositBalance)
			r.Get("/debt/{asset}/{user}", h.DebtBalance)
		})
	})

	return r
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// ServerConfigDefaults returns a config with default values.
func ServerConfigDefaults() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second,
		Logger:       slog.Default(),
	}
}

// Server runs the API router.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer creates an API server around handler.
func NewServer(config ServerConfig, handler http.Handler) *Server {
	defaults := ServerConfigDefaults()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Server{
		server: &http.Server{
			Addr:              config.Addr,
			Handler:           handler,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: config.ReadTimeout,
			WriteTimeout:      config.WriteTimeout,
		},
		logger: config.Logger.With("component", "api-server"),
	}
}

// Start begins listening in a goroutine. A listen failure is sent on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting api server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", "error", err)
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(timeout time.Duration) error {
	return shutdown(s.server, timeout)
}
