// Package runner manages the lifecycle of a set of services: sequential
// startup, reverse-order graceful shutdown, and OS signal handling.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Runner starts services in registration order and stops them in
// reverse order when the context is cancelled or a shutdown signal
// arrives.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithShutdownTimeout bounds graceful shutdown. Default 30s.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout bounds each service's Start call. Default 1m.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// New creates a Runner over the given services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.New(slog.DiscardHandler),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts all services and blocks until the context is cancelled, a
// shutdown signal arrives, or a service fails to start. It then stops
// every started service and returns.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			r.logger.InfoContext(ctx, "shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	r.logger.InfoContext(ctx, "starting services", "count", len(r.services))
	started := []Service{}

	for _, service := range r.services {
		startCtx, startCancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		startCancel()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to start service",
				"service", service.Name(),
				"error", err)
			if stopErr := r.stopServices(started); stopErr != nil {
				r.logger.ErrorContext(ctx, "rollback stop failed", "error", stopErr)
			}
			return fmt.Errorf("start service %s: %w", service.Name(), err)
		}
		started = append(started, service)
		r.logger.InfoContext(ctx, "service started", "service", service.Name())
	}

	<-ctx.Done()

	r.logger.Info("shutting down services", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

// stopServices stops services one at a time in reverse registration
// order, so a service is fully stopped before anything it depends on
// goes away. The whole sequence shares one timeout; a service that
// exceeds the remaining budget is abandoned and the rest are skipped.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		service := services[i]
		done := make(chan error, 1)
		go func() { done <- service.Stop(shutdownCtx) }()

		select {
		case err := <-done:
			if err != nil {
				r.logger.Error("error stopping service",
					"service", service.Name(),
					"error", err)
				errs = append(errs, fmt.Errorf("stop %s: %w", service.Name(), err))
				continue
			}
			r.logger.Info("service stopped", "service", service.Name())
		case <-shutdownCtx.Done():
			r.logger.Error("shutdown timeout exceeded",
				"service", service.Name(),
				"timeout", r.shutdownTimeout)
			errs = append(errs, fmt.Errorf("shutdown timeout exceeded after %s", r.shutdownTimeout))
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}

// HealthCheck checks every service that implements HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		hc, ok := service.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("service %s unhealthy: %w", service.Name(), err)
		}
	}
	return nil
}
