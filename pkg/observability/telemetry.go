// Package observability provides OpenTelemetry tracing and metrics for
// eventfold applications, with pluggable exporters and graceful
// degradation: with no exporter or reader configured every call is a
// no-op.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	mnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tnoop "go.opentelemetry.io/otel/trace/noop"
)

// Config configures the observability stack.
type Config struct {
	// Service metadata attached to every span and metric.
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceExporter receives finished spans (OTLP, stdout, ...). Nil
	// disables tracing.
	TraceExporter sdktrace.SpanExporter

	// TraceSampleRate is the fraction of traces kept, 0.0 to 1.0.
	TraceSampleRate float64

	// MetricReader collects metrics (Prometheus, OTLP, stdout, ...).
	// Nil disables metrics.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry is the initialized observability stack.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	// Metrics holds the instrument set, nil when metrics are disabled.
	Metrics *Metrics

	Logger *slog.Logger

	shutdown func(context.Context) error
}

// Init initializes OpenTelemetry for the process. Disabled concerns
// degrade to no-op providers rather than failing the application.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tel := &Telemetry{Logger: cfg.Logger}
	var shutdownFuncs []func(context.Context) error

	if cfg.TraceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithSampler(sampler(cfg.TraceSampleRate)),
		)
		tel.TracerProvider = tp
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
		cfg.Logger.Info("tracing initialized", "service", cfg.ServiceName)
	} else {
		tel.TracerProvider = tnoop.NewTracerProvider()
		cfg.Logger.Info("tracing disabled (no exporter configured)")
	}

	if cfg.MetricReader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(cfg.MetricReader),
		)
		metrics, err := NewMetrics(mp.Meter("eventfold"))
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		tel.MeterProvider = mp
		tel.Metrics = metrics
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
		otel.SetMeterProvider(mp)
		cfg.Logger.Info("metrics initialized", "service", cfg.ServiceName)
	} else {
		tel.MeterProvider = mnoop.NewMeterProvider()
		cfg.Logger.Info("metrics disabled (no reader configured)")
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	tel.shutdown = func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %v", errs)
		}
		return nil
	}
	return tel, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes and stops the telemetry stack.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.shutdown != nil {
		t.Logger.Info("shutting down observability")
		return t.shutdown(ctx)
	}
	return nil
}

// Tracer returns a tracer for the given instrumentation name.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}

// Meter returns a meter for the given instrumentation name.
func (t *Telemetry) Meter(name string) metric.Meter {
	return t.MeterProvider.Meter(name)
}
