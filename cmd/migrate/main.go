// Package main applies the SQL migrations in db/migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/archon-research/stl/stl-wrapper/db/migrator"
	"github.com/archon-research/stl/stl-wrapper/internal/adapters/outbound/postgres"
	"github.com/archon-research/stl/stl-wrapper/internal/pkg/env"
)

func main() {
	_ = godotenv.Load(".env")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbURL := fs.String("db", env.Get("DATABASE_URL", ""), "PostgreSQL connection URL")
	dir := fs.String("dir", env.Get("MIGRATIONS_DIR", "./db/migrations"), "Directory containing .sql migrations")
	list := fs.Bool("list", false, "List applied migrations and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbURL == "" {
		return fmt.Errorf("database URL not provided (use -db flag or DATABASE_URL env var)")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))

	pool, err := postgres.OpenPool(ctx, postgres.DefaultDBConfig(*dbURL))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	m := migrator.New(pool, *dir, logger)
	if *list {
		applied, err := m.ListApplied(ctx)
		if err != nil {
			return err
		}
		for _, name := range applied {
			fmt.Println(name)
		}
		return nil
	}

	if err := m.ApplyAll(ctx); err != nil {
		return err
	}
	logger.Info("all migrations up to date")
	return nil
}
