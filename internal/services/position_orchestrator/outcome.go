package position_orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

const (
	outcomeSuccess  = "success"
	outcomeReplayed = "replayed"
)

// outcomeOf classifies err for metrics. ErrCompensationFailed is checked first
// because it wraps the original failure.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, entity.ErrCompensationFailed):
		return "compensation_failed"
	case errors.Is(err, entity.ErrNotAValidUser):
		return "not_valid_user"
	case errors.Is(err, entity.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, entity.ErrInsufficientAllowanceOrBalance):
		return "insufficient_funds"
	case errors.Is(err, entity.ErrExternalProtocolRejected):
		return "protocol_rejected"
	case errors.Is(err, entity.ErrInsufficientLedgerBalance), errors.Is(err, entity.ErrAmountOverflow):
		return "ledger_rejected"
	case errors.Is(err, entity.ErrOperationInProgress):
		return "in_progress"
	case errors.Is(err, entity.ErrOperationConflict):
		return "conflict"
	default:
		return "error"
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordOperation(context.Context, entity.OperationKind, string, time.Duration) {}
func (noopMetrics) RecordCompensation(context.Context, entity.OperationKind, string, bool)       {}

var _ outbound.MetricsRecorder = noopMetrics{}
