package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "compile-sandbox"

// Tracer wraps OpenTelemetry tracing for the worker pipeline. Without a
// configured TracerProvider the global no-op provider is used.
type Tracer struct {
	tracer trace.Tracer
}

func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan starts a span named "compile.<name>".
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "compile."+name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var (
	AttrJobID      = attribute.Key("compile.job.id")
	AttrWorkerID   = attribute.Key("compile.worker.id")
	AttrAttempt    = attribute.Key("compile.attempt")
	AttrExitCode   = attribute.Key("compile.exit_code")
	AttrStatus     = attribute.Key("compile.status")
	AttrOutcome    = attribute.Key("compile.outcome")
	AttrDurationMS = attribute.Key("compile.duration_ms")
)
