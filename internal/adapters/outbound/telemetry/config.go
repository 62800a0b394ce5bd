// Package telemetry wires OpenTelemetry metrics and traces for the wrapper processes.
//
// Usage:
//
//	shutdown, err := telemetry.Init(ctx, telemetry.Config{
//	    ServiceName:  "wrapper-api",
//	    OTLPEndpoint: "localhost:4317",
//	})
//	defer shutdown(ctx)
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// Config holds configuration shared by the meter and tracer providers.
type Config struct {
	// ServiceName is the name of the service (e.g., "wrapper-api").
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Environment is the deployment environment (e.g., "development", "production").
	Environment string

	// OTLPEndpoint is the OTLP gRPC collector endpoint (e.g., "localhost:4317").
	// Empty disables metric export and sends traces to stdout when StdoutTraces is set.
	OTLPEndpoint string

	// StdoutTraces pretty-prints spans when no OTLP endpoint is configured.
	StdoutTraces bool

	// SampleRate is the trace sampling rate (0.0 to 1.0).
	// Default: 1.0
	SampleRate float64
}

// ConfigDefaults returns default configuration.
func ConfigDefaults() Config {
	return Config{
		ServiceName:    "stl-wrapper",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

func (c Config) withDefaults() Config {
	d := ConfigDefaults()
	if c.ServiceName == "" {
		c.ServiceName = d.ServiceName
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = d.ServiceVersion
	}
	if c.Environment == "" {
		c.Environment = d.Environment
	}
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	return c
}

func newResource(c Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(c.ServiceName),
			semconv.ServiceVersion(c.ServiceVersion),
			semconv.DeploymentEnvironmentName(c.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// Init installs the global meter and tracer providers and returns a shutdown
// function that flushes both.
func Init(ctx context.Context, c Config) (shutdown func(context.Context) error, err error) {
	c = c.withDefaults()

	shutdownMetrics, err := InitMetrics(ctx, c)
	if err != nil {
		return nil, err
	}
	shutdownTraces, err := InitTracer(ctx, c)
	if err != nil {
		_ = shutdownMetrics(ctx)
		return nil, err
	}
	return func(ctx context.Context) error {
		return errors.Join(shutdownTraces(ctx), shutdownMetrics(ctx))
	}, nil
}
