package position_orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// step is an applied external effect and the action that reverses it.
type step struct {
	name string
	undo func(ctx context.Context) error
}

// saga runs external effects in order and, on failure, reverses the applied ones newest first.
type saga struct {
	kind    entity.OperationKind
	applied []step
	logger  *slog.Logger
	metrics outbound.MetricsRecorder
}

func newSaga(kind entity.OperationKind, logger *slog.Logger, metrics outbound.MetricsRecorder) *saga {
	return &saga{kind: kind, logger: logger, metrics: metrics}
}

// run executes do. When it succeeds and undo is non-nil, undo is registered for compensation.
func (s *saga) run(ctx context.Context, name string, do, undo func(ctx context.Context) error) error {
	if err := do(ctx); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if undo != nil {
		s.applied = append(s.applied, step{name: name, undo: undo})
	}
	s.logger.Debug("saga step applied", "step", name)
	return nil
}

// compensate reverses every applied step and returns cause, or cause joined with
// entity.ErrCompensationFailed when any reversal failed. Reversals run on a context
// detached from ctx's cancellation and bounded by timeout.
func (s *saga) compensate(ctx context.Context, timeout time.Duration, cause error) error {
	if len(s.applied) == 0 {
		return cause
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var failures []error
	for i := len(s.applied) - 1; i >= 0; i-- {
		st := s.applied[i]
		if err := st.undo(cctx); err != nil {
			s.logger.Error("compensation step failed",
				"step", st.name,
				"error", err,
				"cause", cause)
			s.metrics.RecordCompensation(cctx, s.kind, st.name, false)
			failures = append(failures, fmt.Errorf("undo %s: %w", st.name, err))
			continue
		}
		s.metrics.RecordCompensation(cctx, s.kind, st.name, true)
		s.logger.Info("compensation step applied", "step", st.name)
	}
	s.applied = nil

	if len(failures) > 0 {
		return fmt.Errorf("%w: %w; original failure: %w", entity.ErrCompensationFailed, errors.Join(failures...), cause)
	}
	return cause
}
