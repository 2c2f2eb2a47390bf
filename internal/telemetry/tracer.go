// Package telemetry wires OpenTelemetry tracing for the round engine.
package telemetry

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used by the coordinator.
const InstrumentationName = "github.com/tjfontaine/polyglot-roundtable"

// Config controls tracer setup.
type Config struct {
	Enabled     bool
	ServiceName string
	// Writer receives exported spans. Defaults to stdout.
	Writer io.Writer
}

// InitTracer initializes OpenTelemetry tracing. When tracing is disabled
// the global no-op provider stays in place and the returned shutdown is a
// no-op.
func InitTracer(cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if cfg.Writer != nil {
		opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized", slog.String("service", cfg.ServiceName))

	return tp.Shutdown, nil
}

// Tracer returns the tracer for round operations from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// RoundAttributes are the span attributes shared by round operations.
func RoundAttributes(threadID string, round int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("roundtable.thread_id", threadID),
		attribute.Int("roundtable.round_number", round),
	}
}
