// Package redis provides a Redis implementation of the Locker port.
//
// Locks are plain keys set with NX and a PX expiry. Each holder writes a random
// token as the value and releases with a Lua script that deletes the key only
// when the token still matches, so an expired holder cannot release a lock that
// has since been taken by someone else.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// Compile-time check that Locker implements outbound.Locker
var _ outbound.Locker = (*Locker)(nil)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config holds Redis locker configuration.
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is prepended to all lock keys
	KeyPrefix string
}

// ConfigDefaults returns sensible defaults for the Redis locker.
func ConfigDefaults() Config {
	return Config{
		Addr:      "localhost:6379",
		DB:        0,
		KeyPrefix: "stl-wrapper:lock",
	}
}

// Locker is a Redis implementation of outbound.Locker.
type Locker struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
}

// NewLocker creates a locker with its own Redis client.
func NewLocker(cfg Config, logger *slog.Logger) (*Locker, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewLockerWithClient(client, cfg.KeyPrefix, logger)
}

// NewLockerWithClient creates a locker on an existing client.
func NewLockerWithClient(client redis.UniversalClient, keyPrefix string, logger *slog.Logger) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = ConfigDefaults().KeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With("component", "redis-locker"),
	}, nil
}

// Ping checks the Redis connection.
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (l *Locker) Close() error {
	return l.client.Close()
}

func (l *Locker) key(name string) string {
	return l.keyPrefix + ":" + name
}

// TryLock acquires key for ttl unless it is already held.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (outbound.Unlocker, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock ttl must be positive")
	}
	token := uuid.NewString()
	fullKey := l.key(key)

	err := l.client.SetArgs(ctx, fullKey, token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	return &unlocker{locker: l, key: fullKey, token: token}, true, nil
}

type unlocker struct {
	locker *Locker
	key    string
	token  string
}

// Unlock deletes the key if this holder still owns it.
func (u *unlocker) Unlock(ctx context.Context) error {
	released, err := releaseScript.Run(ctx, u.locker.client, []string{u.key}, u.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", u.key, err)
	}
	if released == 0 {
		u.locker.logger.Warn("lock expired before release", "key", u.key)
	}
	return nil
}
