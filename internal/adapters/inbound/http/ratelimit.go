package http

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds the global request rate limit.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. Zero disables the limit.
	RequestsPerSecond float64

	// Burst is the bucket size.
	Burst int
}

// RateLimitConfigDefaults returns a config with default values.
func RateLimitConfigDefaults() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		Burst:             100,
	}
}

// RateLimit returns middleware that rejects requests above the configured rate with 429.
func RateLimit(cfg RateLimitConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(math.Ceil(cfg.RequestsPerSecond))
	}
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	retryAfter := strconv.Itoa(max(1, int(math.Ceil(1/cfg.RequestsPerSecond))))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.Warn("rate limit exceeded", "method", r.Method, "path", r.URL.Path)
				w.Header().Set("Retry-After", retryAfter)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
