package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/archon-research/stl/stl-wrapper/internal/domain/entity"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestMetrics_RecordOperation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetricsWithProvider(provider)
	if err != nil {
		t.Fatalf("NewMetricsWithProvider: %v", err)
	}

	ctx := context.Background()
	m.RecordOperation(ctx, entity.OperationDepositAndBorrow, "success", 150*time.Millisecond)
	m.RecordOperation(ctx, entity.OperationDepositAndBorrow, "success", 50*time.Millisecond)
	m.RecordCompensation(ctx, entity.OperationPaybackAndWithdraw, "repay", false)

	got := collect(t, reader)

	ops, ok := got["position.operations.total"].Data.(metricdata.Sum[int64])
	if !ok || len(ops.DataPoints) != 1 {
		t.Fatalf("operations counter = %+v", got["position.operations.total"].Data)
	}
	dp := ops.DataPoints[0]
	if dp.Value != 2 {
		t.Errorf("operations = %d, want 2", dp.Value)
	}
	if v, _ := dp.Attributes.Value(attribute.Key("outcome")); v.AsString() != "success" {
		t.Errorf("outcome attribute = %q", v.AsString())
	}

	hist, ok := got["position.operation.duration"].Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 {
		t.Fatalf("duration histogram = %+v", got["position.operation.duration"].Data)
	}

	comps, ok := got["position.compensations.total"].Data.(metricdata.Sum[int64])
	if !ok || len(comps.DataPoints) != 1 {
		t.Fatalf("compensations counter = %+v", got["position.compensations.total"].Data)
	}
	if v, _ := comps.DataPoints[0].Attributes.Value(attribute.Key("status")); v.AsString() != "failed" {
		t.Errorf("status attribute = %q, want failed", v.AsString())
	}
}

func TestInit_WithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
