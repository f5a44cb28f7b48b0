package runner

import "context"

// Service is a long-running component managed by the Runner. Services
// should implement graceful startup and shutdown semantics.
type Service interface {
	// Name identifies the service in logs and error messages.
	Name() string

	// Start initializes the service. It should return once the service
	// is ready, and must respect context cancellation.
	Start(ctx context.Context) error

	// Stop shuts the service down. It should complete within the
	// context deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is an optional interface services can implement to
// report health.
type HealthChecker interface {
	Service

	// HealthCheck returns an error if the service is unhealthy.
	HealthCheck(ctx context.Context) error
}

// ServiceFunc builds a Service from start and stop funcs. Either func
// may be nil.
func ServiceFunc(name string, start, stop func(ctx context.Context) error) Service {
	return &funcService{name: name, start: start, stop: stop}
}

type funcService struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func (s *funcService) Name() string { return s.name }

func (s *funcService) Start(ctx context.Context) error {
	if s.start == nil {
		return nil
	}
	return s.start(ctx)
}

func (s *funcService) Stop(ctx context.Context) error {
	if s.stop == nil {
		return nil
	}
	return s.stop(ctx)
}
