package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "snapcheck"

// Tracer wraps OpenTelemetry tracing for the triage pipeline.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("snapcheck.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for run tracing.
var (
	AttrRunID       = attribute.Key("snapcheck.run.id")
	AttrCommandHash = attribute.Key("snapcheck.command_hash")
	AttrStatus      = attribute.Key("snapcheck.status")
	AttrExitCode    = attribute.Key("snapcheck.exit_code")
	AttrVerdict     = attribute.Key("snapcheck.verdict")
	AttrRule        = attribute.Key("snapcheck.policy.rule")
	AttrDurationMS  = attribute.Key("snapcheck.duration_ms")
)
