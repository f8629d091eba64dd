package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan opens a span on the named component tracer with filtered attributes.
func StartSpan(ctx context.Context, component, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("orderledger/"+component).Start(ctx, name, trace.WithAttributes(SafeAttributes(attrs...)...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(SafeError(err))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
