package main

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// initTracing wires runtime.Spawn/ExecOutput's spans to an OTLP/gRPC
// collector when BUX_OTLP_ENDPOINT is set; otherwise spans are created
// against the no-op global tracer and dropped, with no connection attempt.
// Returns a shutdown func to flush buffered spans before the process exits.
func initTracing(ctx context.Context) func(context.Context) error {
	endpoint := os.Getenv("BUX_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		slog.Warn("initTracing: otlp exporter unavailable, tracing disabled", "error", err, "endpoint", endpoint)
		return func(context.Context) error { return nil }
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("bux"),
	))
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("initTracing: exporting spans", "endpoint", endpoint)
	return tp.Shutdown
}
