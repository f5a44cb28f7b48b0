package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/eventfold/eventfold/pkg/eventlog"
	"github.com/eventfold/eventfold/pkg/sourcing"
)

// Dispatcher wraps a registry's entry points with tracing and metrics.
// It observes whole operations from the outside, so failed dispatches
// are measured the same as successful ones regardless of where in the
// pipeline they aborted.
type Dispatcher struct {
	reg    *sourcing.Registry
	tel    *Telemetry
	tracer trace.Tracer
}

// NewDispatcher instruments the given registry.
func NewDispatcher(reg *sourcing.Registry, tel *Telemetry) *Dispatcher {
	return &Dispatcher{
		reg:    reg,
		tel:    tel,
		tracer: tel.Tracer("eventfold.dispatch"),
	}
}

// Dispatch executes a command through the registry, recording a span
// and command/append metrics.
func (d *Dispatcher) Dispatch(ctx context.Context, command string, data map[string]any) ([]eventlog.Event, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch "+command,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrCommand.String(command)),
	)

	start := time.Now()
	events, err := d.reg.Dispatch(ctx, command, data)
	duration := time.Since(start)

	if d.tel.Metrics != nil {
		d.tel.Metrics.RecordCommand(ctx, command, duration, err)
		if err == nil && len(events) > 0 {
			d.tel.Metrics.RecordAppend(ctx, command, len(events), duration)
		}
	}

	span.SetAttributes(AttrEventCount.Int(len(events)))
	EndSpan(span, err)
	return events, err
}

// GetAggregate rehydrates an aggregate through the registry, recording
// a span and the rehydration duration.
func (d *Dispatcher) GetAggregate(ctx context.Context, aggregate string, id any) (map[string]any, error) {
	ctx, span := d.tracer.Start(ctx, "rehydrate "+aggregate,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrAggregate.String(aggregate)),
	)

	start := time.Now()
	state, err := d.reg.GetAggregate(ctx, aggregate, id)
	duration := time.Since(start)

	if d.tel.Metrics != nil {
		d.tel.Metrics.RecordRehydrate(ctx, aggregate, duration)
	}

	EndSpan(span, err)
	return state, err
}

// WrapSubscription instruments a subscription handler: each delivery
// gets a consumer span and a delivery metric before the wrapped
// handler's outcome is passed back to the runner.
func WrapSubscription(tel *Telemetry, subscriber string, next sourcing.EventHandler) sourcing.EventHandler {
	tracer := tel.Tracer("eventfold.subscription")
	return func(ctx context.Context, evt eventlog.Event) error {
		ctx, span := tracer.Start(ctx, "consume "+evt.Type,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				AttrSubscriber.String(subscriber),
				AttrEventType.String(evt.Type),
			),
		)

		err := next(ctx, evt)

		if tel.Metrics != nil {
			tel.Metrics.RecordSubscriptionEvent(ctx, subscriber, evt.Type, err)
		}
		EndSpan(span, err)
		return err
	}
}
