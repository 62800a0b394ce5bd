// Package retry runs idempotent calls with capped exponential backoff.
//
// It is used for reads against the chain RPC and for SNS publishes. State
// changing chain calls are never retried here: a resent transaction could
// execute twice.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Config holds configuration for retry behavior.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the wait after each retry.
	// Default: 2.0
	BackoffFactor float64

	// Jitter adds up to one extra backoff of random delay.
	Jitter bool
}

// DefaultConfig returns the configuration used for RPC reads.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

func (c Config) withDefaults() Config {
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2.0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 50 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// backoff returns the wait before retry number attempt (1-indexed).
func (c Config) backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= c.BackoffFactor
		if d >= float64(c.MaxBackoff) {
			d = float64(c.MaxBackoff)
			break
		}
	}
	wait := time.Duration(d)
	if c.Jitter && wait > 0 {
		wait += time.Duration(rand.Int63n(int64(wait)))
	}
	return wait
}

// IsRetryableFunc determines if an error should trigger a retry.
type IsRetryableFunc func(error) bool

// OnRetryFunc is called before each retry; attempt is 1-indexed.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Do calls fn until it succeeds, returns a non-retryable error, or the retries run out.
func Do[T any](ctx context.Context, cfg Config, isRetryable IsRetryableFunc, onRetry OnRetryFunc, fn func() (T, error)) (T, error) {
	var zero T
	cfg = cfg.withDefaults()
	if isRetryable == nil {
		isRetryable = IsTransient
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := cfg.backoff(attempt)
			if onRetry != nil {
				onRetry(attempt, lastErr, wait)
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("context cancelled while retrying: %w", errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return zero, err
		}
	}
	return zero, fmt.Errorf("operation failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// DoVoid is like Do but for functions that don't return a value.
func DoVoid(ctx context.Context, cfg Config, isRetryable IsRetryableFunc, onRetry OnRetryFunc, fn func() error) error {
	_, err := Do(ctx, cfg, isRetryable, onRetry, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// transientMarkers are substrings of JSON-RPC and HTTP failures that clear up on their own.
var transientMarkers = []string{
	"429",
	"too many requests",
	"rate limit",
	"502",
	"503",
	"504",
	"connection reset",
	"connection refused",
	"timeout",
	"temporarily unavailable",
	"header not found",
}

// IsTransient reports whether err looks like a network or node-side hiccup.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
