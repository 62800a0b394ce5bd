package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

const instrumentationName = "github.com/archon-research/stl/stl-wrapper"

// Compile-time check that Metrics implements outbound.MetricsRecorder
var _ outbound.MetricsRecorder = (*Metrics)(nil)

// Metrics implements the MetricsRecorder interface using OpenTelemetry.
type Metrics struct {
	operations    metric.Int64Counter
	compensations metric.Int64Counter
	duration      metric.Float64Histogram
}

// NewMetrics creates a recorder on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

// NewMetricsWithProvider creates a recorder on mp.
func NewMetricsWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)

	operations, err := meter.Int64Counter(
		"position.operations.total",
		metric.WithDescription("Composite position operations by kind and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create position.operations.total counter: %w", err)
	}

	compensations, err := meter.Int64Counter(
		"position.compensations.total",
		metric.WithDescription("Compensating steps run after a failed operation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create position.compensations.total counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"position.operation.duration",
		metric.WithDescription("Wall time of composite position operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create position.operation.duration histogram: %w", err)
	}

	return &Metrics{
		operations:    operations,
		compensations: compensations,
		duration:      duration,
	}, nil
}

// RecordOperation records one finished operation.
func (m *Metrics) RecordOperation(ctx context.Context, kind entity.OperationKind, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	)
	m.operations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCompensation records one compensating step.
func (m *Metrics) RecordCompensation(ctx context.Context, kind entity.OperationKind, step string, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.compensations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("step", step),
		attribute.String("status", status),
	))
}
