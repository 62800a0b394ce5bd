// Package main runs the SQS command worker: signed position and allowlist commands
// are read from a queue and executed against the same services as the API.
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	httpadapter "github.com/archon-research/stl/stl-wrapper/internal/adapters/inbound/http"
	sqsadapter "github.com/archon-research/stl/stl-wrapper/internal/adapters/outbound/sqs"
	"github.com/archon-research/stl/stl-wrapper/internal/adapters/outbound/telemetry"
	"github.com/archon-research/stl/stl-wrapper/internal/app"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/env"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/sigauth"
	"github.com/archon-research/stl/stl-wrapper/internal/services/command"
	"github.com/archon-research/stl/stl-wrapper/internal/services/command_worker"
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
	queueURL             string
	healthAddr           string
	maxReceives          int
	signatureMaxValidity time.Duration
	otlpEndpoint         string
}

func parseConfig(args []string) (cliConfig, error) {
	fs := flag.NewFlagSet("wrapper-worker", flag.ContinueOnError)
	queueURL := fs.String("queue", "", "SQS Queue URL")
	healthAddr := fs.String("health-addr", env.Get("HEALTH_ADDR", ":8081"), "Health endpoint listen address")
	maxReceives := fs.Int("max-receives", env.GetInt("MAX_RECEIVES", 0), "Drop messages delivered more often than this (0 defers to the redrive policy)")
	maxValidity := fs.Duration("signature-max-validity", env.GetDuration("SIGNATURE_MAX_VALIDITY", time.Hour), "Furthest accepted command deadline")
	otlp := fs.String("otlp", env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", ""), "OTLP gRPC endpoint")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg := cliConfig{
		queueURL:             *queueURL,
		healthAddr:           *healthAddr,
		maxReceives:          *maxReceives,
		signatureMaxValidity: *maxValidity,
		otlpEndpoint:         *otlp,
	}
	if cfg.queueURL == "" {
		cfg.queueURL = env.Get("AWS_SQS_QUEUE_URL", "")
	}
	if cfg.queueURL == "" {
		return cliConfig{}, fmt.Errorf("queue URL not provided (use -queue flag or AWS_SQS_QUEUE_URL env var)")
	}
	if cfg.signatureMaxValidity <= 0 {
		return cliConfig{}, fmt.Errorf("signature-max-validity must be positive")
	}
	return cfg, nil
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

	logger.Info("starting command worker", "queue", cfg.queueURL)

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  "wrapper-worker",
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

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(stackCfg.AWSRegion),
	)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	var sqsOptFns []func(*sqs.Options)
	if endpoint := env.Get("AWS_SQS_ENDPOINT", ""); endpoint != "" {
		sqsOptFns = append(sqsOptFns, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	consumer, err := sqsadapter.NewConsumerWithOptions(awsCfg, sqsadapter.Config{
		QueueURL: cfg.queueURL,
	}, logger, sqsOptFns...)
	if err != nil {
		return fmt.Errorf("creating SQS consumer: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	dispatcher, err := command.NewDispatcher(stack.Positions, stack.Access, sigauth.NewVerifier(cfg.signatureMaxValidity), logger)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	service, err := command_worker.NewService(command_worker.Config{
		MaxReceives: cfg.maxReceives,
		Logger:      logger,
	}, consumer, dispatcher)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	var shuttingDown atomic.Bool
	health := httpadapter.NewHealthServer(httpadapter.HealthServerConfig{
		Addr:   cfg.healthAddr,
		Logger: logger,
	}, service, &shuttingDown)
	health.Start()

	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}
	logger.Info("service started, waiting for messages...")

	<-ctx.Done()
	logger.Info("shutting down...")
	shuttingDown.Store(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer shutdownCancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		if err := service.Stop(); err != nil {
			logger.Error("error stopping service", "error", err)
		}
	}()

	select {
	case <-shutdownDone:
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timed out")
	}

	if err := health.Shutdown(5 * time.Second); err != nil {
		logger.Warn("health server shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}
