// Package readiness probes the API's backing stores and reports the result to
// the health endpoints.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/archon-research/stl/stl-wrapper/internal/ports/inbound"
)

// Compile-time check that Monitor implements inbound.HealthChecker
var _ inbound.HealthChecker = (*Monitor)(nil)

// Check probes one dependency.
type Check func(ctx context.Context) error

// Config holds monitor timing.
type Config struct {
	// Interval between probe rounds.
	// Default: 10s
	Interval time.Duration

	// Timeout bounds one probe.
	// Default: 3s
	Timeout time.Duration

	// StaleAfter marks the process unhealthy when no round has fully passed for this long.
	// Default: 2 minutes
	StaleAfter time.Duration

	Logger *slog.Logger
}

// ConfigDefaults returns the default configuration.
func ConfigDefaults() Config {
	return Config{
		Interval:   10 * time.Second,
		Timeout:    3 * time.Second,
		StaleAfter: 2 * time.Minute,
		Logger:     slog.Default(),
	}
}

// Monitor runs named checks on an interval.
type Monitor struct {
	config Config
	names  []string
	checks map[string]Check

	ready   atomic.Bool
	lastOK  atomic.Int64
	started atomic.Int64

	mu      sync.Mutex
	failing map[string]bool

	now    func() time.Time
	logger *slog.Logger
}

// NewMonitor creates a monitor over checks.
func NewMonitor(config Config, checks map[string]Check) *Monitor {
	defaults := ConfigDefaults()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	m := &Monitor{
		config:  config,
		names:   names,
		checks:  checks,
		failing: make(map[string]bool),
		now:     time.Now,
		logger:  config.Logger.With("component", "readiness"),
	}
	m.started.Store(m.now().UnixNano())
	return m
}

// CheckOnce runs every check and updates readiness.
func (m *Monitor) CheckOnce(ctx context.Context) error {
	var errs []error
	for _, name := range m.names {
		checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		err := m.checks[name](checkCtx)
		cancel()
		m.record(name, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		m.ready.Store(false)
		return errors.Join(errs...)
	}
	m.ready.Store(true)
	m.lastOK.Store(m.now().UnixNano())
	return nil
}

// record logs transitions only.
func (m *Monitor) record(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.failing[name]
	switch {
	case err != nil && !was:
		m.failing[name] = true
		m.logger.Warn("dependency check failing", "check", name, "error", err)
	case err == nil && was:
		delete(m.failing, name)
		m.logger.Info("dependency check recovered", "check", name)
	}
}

// Run probes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	_ = m.CheckOnce(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.CheckOnce(ctx)
		}
	}
}

// IsReady reports whether the last round passed.
func (m *Monitor) IsReady() bool {
	return m.ready.Load()
}

// IsHealthy reports whether a round has passed within StaleAfter, counting from
// startup until the first success.
func (m *Monitor) IsHealthy() bool {
	since := m.lastOK.Load()
	if since == 0 {
		since = m.started.Load()
	}
	return m.now().Sub(time.Unix(0, since)) < m.config.StaleAfter
}
