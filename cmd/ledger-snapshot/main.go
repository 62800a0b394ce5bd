// Package main exports the allowlist and ledger to S3 as gzip JSON. It runs once
// per invocation, typically from a scheduled task, or repeatedly with -every.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"

	"github.com/archon-research/stl/stl-wrapper/internal/adapters/outbound/postgres"
	s3adapter "github.com/archon-research/stl/stl-wrapper/internal/adapters/outbound/s3"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/env"
	"github.com/archon-research/stl/stl-wrapper/internal/services/ledger_snapshot"
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
	dbURL  string
	bucket string
	prefix string
	period time.Duration
	every  time.Duration
}

func parseConfig(args []string) (cliConfig, error) {
	fs := flag.NewFlagSet("ledger-snapshot", flag.ContinueOnError)
	dbURL := fs.String("db", "", "PostgreSQL connection URL")
	bucket := fs.String("bucket", "", "Destination S3 bucket")
	prefix := fs.String("prefix", env.Get("SNAPSHOT_PREFIX", ledger_snapshot.ConfigDefaults().Prefix), "Key prefix")
	period := fs.Duration("period", env.GetDuration("SNAPSHOT_PERIOD", time.Hour), "One snapshot object per period")
	every := fs.Duration("every", env.GetDuration("SNAPSHOT_EVERY", 0), "Repeat the export on this interval (0 runs once)")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	cfg := cliConfig{
		dbURL:  *dbURL,
		bucket: *bucket,
		prefix: *prefix,
		period: *period,
		every:  *every,
	}
	if cfg.dbURL == "" {
		cfg.dbURL = env.Get("DATABASE_URL", "")
	}
	if cfg.dbURL == "" {
		return cliConfig{}, fmt.Errorf("database URL not provided (use -db flag or DATABASE_URL env var)")
	}
	if cfg.bucket == "" {
		cfg.bucket = env.Get("SNAPSHOT_BUCKET", "")
	}
	if cfg.bucket == "" {
		return cliConfig{}, fmt.Errorf("bucket not provided (use -bucket flag or SNAPSHOT_BUCKET env var)")
	}
	if cfg.period <= 0 {
		return cliConfig{}, fmt.Errorf("period must be positive")
	}
	if cfg.every < 0 {
		return cliConfig{}, fmt.Errorf("every must not be negative")
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

	pool, err := postgres.OpenPool(ctx, postgres.DefaultDBConfig(cfg.dbURL))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	users, err := postgres.NewAllowlistRepository(pool, logger)
	if err != nil {
		return fmt.Errorf("creating allowlist repository: %w", err)
	}
	ledger, err := postgres.NewLedgerRepository(pool, logger)
	if err != nil {
		return fmt.Errorf("creating ledger repository: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(env.Get("AWS_REGION", "eu-west-1")),
	)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	var s3OptFns []func(*s3.Options)
	if endpoint := env.Get("AWS_S3_ENDPOINT", ""); endpoint != "" {
		s3OptFns = append(s3OptFns, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	writer := s3adapter.NewWriterWithOptions(awsCfg, logger, s3OptFns...)

	service, err := ledger_snapshot.NewService(ledger_snapshot.Config{
		Bucket: cfg.bucket,
		Prefix: cfg.prefix,
		Period: cfg.period,
		Logger: logger,
	}, users, ledger, writer)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	if _, err := service.Export(ctx); err != nil {
		return err
	}
	if cfg.every == 0 {
		return nil
	}

	ticker := time.NewTicker(cfg.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown complete")
			return nil
		case <-ticker.C:
			if _, err := service.Export(ctx); err != nil {
				logger.Error("snapshot export failed", "error", err)
			}
		}
	}
}
