// Package outbound defines the outbound port interfaces.
package outbound

import (
	"context"
	"time"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
)

// MetricsRecorder provides an interface for recording application metrics.
// This allows the application layer to record metrics without depending on
// specific telemetry implementations.
type MetricsRecorder interface {
	// RecordOperation records a finished composite operation. outcome is "success",
	// "replayed", or the name of the failure class.
	RecordOperation(ctx context.Context, kind entity.OperationKind, outcome string, duration time.Duration)

	// RecordCompensation records one compensating step, successful or not.
	RecordCompensation(ctx context.Context, kind entity.OperationKind, step string, ok bool)
}
