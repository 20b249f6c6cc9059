// Package otel wires a minimal OpenTelemetry tracer provider for the
// "peer.server" span that transport's otelhttp handler opens around each
// request (the framing middleware annotates that span). It deliberately
// stops short of the teacher's OTLP exporter wiring (observability/otel in
// the source repo) since peernet has no collector endpoint of its own to
// ship spans to; no exporter or span processor is registered, and Init
// returns only the provider's shutdown func.
package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config captures the knobs for the tracer provider.
type Config struct {
	ServiceName string
}

// Init installs a process-wide TracerProvider and returns a shutdown func.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	provider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
