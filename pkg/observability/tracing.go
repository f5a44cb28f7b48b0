package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrCommand    = attribute.Key("command.name")
	AttrAggregate  = attribute.Key("aggregate.name")
	AttrStreamID   = attribute.Key("stream.id")
	AttrEventType  = attribute.Key("event.type")
	AttrEventCount = attribute.Key("event.count")
	AttrSubscriber = attribute.Key("subscriber.name")
	AttrErrorType  = attribute.Key("error.type")
)

// EndSpan closes a span, recording the error if there is one.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID returns the current trace id, empty outside a trace. Useful
// for correlating slog lines with spans.
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// SetSpanAttributes adds attributes to the span in the context.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
