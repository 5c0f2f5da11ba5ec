package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "cybercompile"

// Tracer wraps OpenTelemetry tracing for the run path.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// NewNoopTracer returns a Tracer that records nothing.
func NewNoopTracer() *Tracer {
	return &Tracer{
		tracer: noop.NewTracerProvider().Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("cybercompile.%s", name),
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
	AttrRunID       = attribute.Key("cybercompile.run.id")
	AttrLanguage    = attribute.Key("cybercompile.language")
	AttrBackend     = attribute.Key("cybercompile.backend.url")
	AttrHTTPStatus  = attribute.Key("cybercompile.backend.status")
	AttrRunExitCode = attribute.Key("cybercompile.run.exit_code")
	AttrCodeSize    = attribute.Key("cybercompile.code_size")
)
