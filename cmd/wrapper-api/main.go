// Package main runs the position wrapper HTTP API.
//
// Environment (flags override where offered):
//
//	ADMIN_ADDRESS, DATABASE_URL, REDIS_ADDR, ETH_RPC_URL, OPERATOR_PRIVATE_KEY,
//	SNS_TOPIC_DEPOSIT_AND_BORROW, SNS_TOPIC_PAYBACK_AND_WITHDRAW
//	API_ADDR (default :8080), API_RPS, API_BURST, SIGNATURE_MAX_VALIDITY
//	OTEL_EXPORTER_OTLP_ENDPOINT, LOG_LEVEL
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	httpadapter "github.com/archon-research/stl/stl-wrapper/internal/adapters/inbound/http"
	"github.com/archon-research/stl/stl-wrapper/internal/adapters/outbound/telemetry"
	"github.com/archon-research/stl/stl-wrapper/internal/app"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/env"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/sigauth"
	"github.com/archon-research/stl/stl-wrapper/internal/services/command"
	"github.com/archon-research/stl/stl-wrapper/internal/services/readiness"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

type cliConfig struct {
	addr                 string
	rateLimit            httpadapter.RateLimitConfig
	signatureMaxValidity time.Duration
	otlpEndpoint         string
}

func parseConfig(args []string) (cliConfig, error) {
	defaults := httpadapter.RateLimitConfigDefaults()

	fs := flag.NewFlagSet("wrapper-api", flag.ContinueOnError)
	addr := fs.String("addr", env.Get("API_ADDR", ":8080"), "HTTP listen address")
	rps := fs.Float64("rps", float64(env.GetInt("API_RPS", int(defaults.RequestsPerSecond))), "Global request rate limit (0 disables)")
	burst := fs.Int("burst", env.GetInt("API_BURST", defaults.Burst), "Rate limit burst size")
	maxValidity := fs.Duration("signature-max-validity", env.GetDuration("SIGNATURE_MAX_VALIDITY", 10*time.Minute), "Furthest accepted command deadline")
	otlp := fs.String("otlp", env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", ""), "OTLP gRPC endpoint")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	if *rps < 0 {
		return cliConfig{}, fmt.Errorf("rps must not be negative")
	}
	if *maxValidity <= 0 {
		return cliConfig{}, fmt.Errorf("signature-max-validity must be positive")
	}

	return cliConfig{
		addr:                 *addr,
		rateLimit:            httpadapter.RateLimitConfig{RequestsPerSecond: *rps, Burst: *burst},
		signatureMaxValidity: *maxValidity,
		otlpEndpoint:         *otlp,
	}, nil
}

func run(ctx context.Context, args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  "wrapper-api",
		Environment:  env.Get("ENVIRONMENT", "development"),
		OTLPEndpoint: cfg.otlpEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	stackCfg, err := app.ConfigFromEnv()
	if err != nil {
		return err
	}
	stackCfg.Logger = logger

	stack, err := app.Build(ctx, stackCfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	dispatcher, err := command.NewDispatcher(stack.Positions, stack.Access, sigauth.NewVerifier(cfg.signatureMaxValidity), logger)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	monitor := readiness.NewMonitor(readiness.Config{Logger: logger}, stack.Checks)
	go monitor.Run(ctx)

	var shuttingDown atomic.Bool
	router := httpadapter.NewRouter(httpadapter.RouterDeps{
		Dispatcher: dispatcher,
		Positions:  stack.Positions,
		Access:     stack.Access,
		Health:     httpadapter.NewHealthProbe(monitor, &shuttingDown, logger),
		RateLimit:  cfg.rateLimit,
		Logger:     logger,
	})
	server := httpadapter.NewServer(httpadapter.ServerConfig{Addr: cfg.addr, Logger: logger}, router)
	serveErr := server.Start()

	logger.Info("wrapper api started", "addr", cfg.addr, "operator", stack.Operator.Hex())

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serving API: %w", err)
		}
	}

	logger.Info("shutting down...")
	shuttingDown.Store(true)

	// In-flight composite operations run to completion before the stores close.
	if err := server.Shutdown(60 * time.Second); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
