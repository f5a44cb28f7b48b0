package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instrument set of the event-sourcing runtime.
type Metrics struct {
	// Command metrics
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	// Log metrics
	EventsAppended metric.Int64Counter
	AppendDuration metric.Float64Histogram

	// Rehydration metrics
	RehydrateDuration metric.Float64Histogram

	// Subscription metrics
	SubscriptionEvents metric.Int64Counter
	SubscriptionErrors metric.Int64Counter
}

// NewMetrics creates all instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"eventfold.command.duration",
		metric.WithDescription("Command dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"eventfold.command.total",
		metric.WithDescription("Total commands dispatched"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"eventfold.command.errors",
		metric.WithDescription("Total failed command dispatches"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"eventfold.events.appended",
		metric.WithDescription("Total events appended to the log"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.AppendDuration, err = meter.Float64Histogram(
		"eventfold.append.duration",
		metric.WithDescription("Log append duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating append.duration: %w", err)
	}

	m.RehydrateDuration, err = meter.Float64Histogram(
		"eventfold.rehydrate.duration",
		metric.WithDescription("Aggregate rehydration duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rehydrate.duration: %w", err)
	}

	m.SubscriptionEvents, err = meter.Int64Counter(
		"eventfold.subscription.events",
		metric.WithDescription("Total events delivered to subscription handlers"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating subscription.events: %w", err)
	}

	m.SubscriptionErrors, err = meter.Int64Counter(
		"eventfold.subscription.errors",
		metric.WithDescription("Total subscription handler failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating subscription.errors: %w", err)
	}

	return m, nil
}

// RecordCommand records one command dispatch.
func (m *Metrics) RecordCommand(ctx context.Context, command string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{AttrCommand.String(command)}

	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.CommandTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil {
		errAttrs := append(attrs, AttrErrorType.String(fmt.Sprintf("%T", err)))
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(errAttrs...))
	}
}

// RecordAppend records a successful append of eventCount events.
func (m *Metrics) RecordAppend(ctx context.Context, command string, eventCount int, duration time.Duration) {
	attrs := []attribute.KeyValue{AttrCommand.String(command)}
	m.AppendDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.EventsAppended.Add(ctx, int64(eventCount), metric.WithAttributes(attrs...))
}

// RecordRehydrate records one aggregate rehydration.
func (m *Metrics) RecordRehydrate(ctx context.Context, aggregate string, duration time.Duration) {
	m.RehydrateDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(AttrAggregate.String(aggregate)))
}

// RecordSubscriptionEvent records one delivery to a subscription handler.
func (m *Metrics) RecordSubscriptionEvent(ctx context.Context, subscriber, eventType string, err error) {
	attrs := []attribute.KeyValue{
		AttrSubscriber.String(subscriber),
		AttrEventType.String(eventType),
	}
	m.SubscriptionEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err != nil {
		m.SubscriptionErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
