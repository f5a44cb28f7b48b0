package sourcing

import (
	"context"

	"github.com/eventfold/eventfold/pkg/eventlog"
	"github.com/eventfold/eventfold/pkg/schema"
)

// Dispatch executes a command against the running application and
// returns the recorded events with their assigned meta. A command
// whose handler emits nothing returns an empty slice and leaves the
// log untouched.
//
// The gates run in a fixed order: no running application, unknown
// command, command data validation, then the interceptor pipeline.
func (r *Registry) Dispatch(ctx context.Context, command string, data map[string]any) ([]eventlog.Event, error) {
	app := r.runningApp()
	if app == nil {
		return nil, ErrApplicationNotStarted
	}

	cmd, ok := r.Command(command)
	if !ok {
		return nil, &CommandUnknownError{Command: command}
	}

	if data == nil {
		data = map[string]any{}
	}
	if res := schema.Check(cmd.Schema, data); !res.Valid {
		return nil, &CommandInvalidError{Command: command, Explain: res.Explain()}
	}

	ec := &ExecContext{
		Command:  cmd,
		Data:     data,
		State:    map[string]any{},
		Meta:     map[string]eventlog.Meta{},
		Values:   map[string]any{},
		Log:      app.log,
		Registry: r,
		App:      app.name,
		Logger:   app.logger,
	}
	return runPipeline(ctx, ec)
}

// Dispatch executes a command on the default registry.
func Dispatch(ctx context.Context, command string, data map[string]any) ([]eventlog.Event, error) {
	return DefaultRegistry.Dispatch(ctx, command, data)
}
