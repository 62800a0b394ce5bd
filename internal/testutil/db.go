package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/archon-research/stl/stl-wrapper/db/migrator"
)

const (
	pgImage    = "postgres:17-alpine"
	pgUser     = "wrapper"
	pgPassword = "wrapper"
	pgDatabase = "wrapper_test"
)

// StartPostgres runs an empty PostgreSQL container and returns its DSN.
func StartPostgres(t *testing.T) (dsn string, cleanup func()) {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        pgImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDatabase,
			},
			// The entrypoint restarts the server once after init.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("postgres endpoint: %v", err)
	}

	dsn = fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, endpoint, pgDatabase)
	return dsn, func() { _ = container.Terminate(ctx) }
}

// ConnectPool opens a pool on dsn, waiting up to five seconds for the server.
func ConnectPool(t *testing.T, dsn string) *pgxpool.Pool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	for {
		err := pool.Ping(ctx)
		if err == nil {
			return pool
		}
		select {
		case <-ctx.Done():
			pool.Close()
			t.Fatalf("database not reachable: %v", err)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// MigrationsDir returns the absolute path of db/migrations.
func MigrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "db", "migrations")
}

// RunMigrations applies every migration in db/migrations.
func RunMigrations(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	if err := migrator.New(pool, MigrationsDir(), DiscardLogger()).ApplyAll(context.Background()); err != nil {
		t.Fatalf("migrations: %v", err)
	}
}

// SetupPostgres returns a migrated database in a fresh container.
func SetupPostgres(t *testing.T) (pool *pgxpool.Pool, cleanup func()) {
	t.Helper()
	dsn, stop := StartPostgres(t)
	pool = ConnectPool(t, dsn)
	RunMigrations(t, pool)
	return pool, func() {
		pool.Close()
		stop()
	}
}
