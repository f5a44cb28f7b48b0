package sourcing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eventfold/eventfold/pkg/credentials"
	"github.com/eventfold/eventfold/pkg/eventlog"
	"github.com/eventfold/eventfold/pkg/memory"
	natslog "github.com/eventfold/eventfold/pkg/nats"
	"github.com/eventfold/eventfold/pkg/redisstream"
	"github.com/eventfold/eventfold/pkg/sqlite"
)

// EventStoreOptions select and configure the storage backend of an
// application.
type EventStoreOptions struct {
	// Type names the backend: "redis", "sqlite", "nats" or "memory".
	Type string

	// Spec is the backend connection string: a redis:// or nats:// URL,
	// or a SQLite DSN. Empty uses the backend's default.
	Spec string

	// Pool bounds backend concurrency (connection pool for Redis,
	// open connections for SQLite, subscription workers for NATS).
	// Zero keeps the backend default.
	Pool int

	// Credentials resolves authentication material at connect time.
	Credentials credentials.Provider
}

// Options configure StartApplication.
type Options struct {
	// EventStore selects the storage backend. Ignored when Log is set.
	EventStore EventStoreOptions

	// Log injects an already-open event log instead of opening one
	// from EventStore. The application takes ownership and closes it
	// on Stop.
	Log eventlog.Log

	// Logger receives runtime diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// App is a started application: a name, an open event log, and the
// attached subscription workers. At most one application runs per
// registry at a time.
type App struct {
	name   string
	reg    *Registry
	log    eventlog.Log
	logger *slog.Logger
}

// StartApplication opens the event log, claims the registry's
// application slot, and starts the registered subscriptions and
// snapshot workers. The returned App must be stopped to release the
// slot and close the log.
func (r *Registry) StartApplication(ctx context.Context, name string, opts Options) (*App, error) {
	if name == "" {
		return nil, fmt.Errorf("application name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	log := opts.Log
	if log == nil {
		var err error
		log, err = openLog(opts.EventStore, logger)
		if err != nil {
			return nil, err
		}
	}

	app := &App{name: name, reg: r, log: log, logger: logger}

	// Claim the slot before attaching: subscription handlers may
	// dispatch commands as soon as the first event is delivered.
	if err := r.setApp(app); err != nil {
		log.Close()
		return nil, err
	}
	if err := app.attachSubscriptions(ctx); err != nil {
		r.clearApp(app)
		log.Close()
		return nil, err
	}

	logger.InfoContext(ctx, "application started",
		"application", name,
		"event_store", opts.EventStore.Type)
	return app, nil
}

// openLog opens the storage backend named by the options.
func openLog(opts EventStoreOptions, logger *slog.Logger) (eventlog.Log, error) {
	switch opts.Type {
	case "redis":
		ro := []redisstream.Option{redisstream.WithLogger(logger)}
		if opts.Spec != "" {
			ro = append(ro, redisstream.WithURL(opts.Spec))
		}
		if opts.Pool > 0 {
			ro = append(ro, redisstream.WithPoolSize(opts.Pool))
		}
		if opts.Credentials != nil {
			ro = append(ro, redisstream.WithCredentials(opts.Credentials))
		}
		return redisstream.New(ro...)
	case "sqlite":
		so := []sqlite.Option{sqlite.WithLogger(logger)}
		if opts.Spec != "" {
			so = append(so, sqlite.WithDSN(opts.Spec))
		}
		if opts.Pool > 0 {
			so = append(so, sqlite.WithMaxOpenConns(opts.Pool))
		}
		return sqlite.New(so...)
	case "nats":
		no := []natslog.Option{natslog.WithLogger(logger)}
		if opts.Spec != "" {
			no = append(no, natslog.WithURL(opts.Spec))
		}
		if opts.Pool > 0 {
			no = append(no, natslog.WithPoolSize(opts.Pool))
		}
		if opts.Credentials != nil {
			no = append(no, natslog.WithCredentials(opts.Credentials))
		}
		return natslog.New(no...)
	case "memory":
		return memory.New(memory.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown event store type: %q", opts.Type)
	}
}

// Name returns the application name, the first segment of every
// stream id it writes.
func (a *App) Name() string {
	return a.name
}

// Log exposes the application's event log for direct reads.
func (a *App) Log() eventlog.Log {
	return a.log
}

// Stop releases the registry's application slot and closes the event
// log, stopping all subscription workers. Durable cursors survive for
// the next start.
func (a *App) Stop() error {
	a.reg.clearApp(a)
	err := a.log.Close()
	a.logger.Info("application stopped", "application", a.name)
	return err
}

// GetAggregate rehydrates one aggregate instance and returns its
// current state, nil when the stream does not exist yet.
func (r *Registry) GetAggregate(ctx context.Context, aggregate string, id any) (map[string]any, error) {
	app := r.runningApp()
	if app == nil {
		return nil, ErrApplicationNotStarted
	}
	snap, err := Rehydrate(ctx, app.log, r, app.name, aggregate, id)
	if err != nil {
		return nil, err
	}
	return snap.Data, nil
}

// StartApplication starts an application on the default registry.
func StartApplication(ctx context.Context, name string, opts Options) (*App, error) {
	return DefaultRegistry.StartApplication(ctx, name, opts)
}

// StopApplication stops a started application.
func StopApplication(app *App) error {
	return app.Stop()
}

// GetAggregate reads aggregate state from the default registry.
func GetAggregate(ctx context.Context, aggregate string, id any) (map[string]any, error) {
	return DefaultRegistry.GetAggregate(ctx, aggregate, id)
}
