package sourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/eventfold/eventfold/pkg/eventlog"
	"github.com/eventfold/eventfold/pkg/schema"
)

// ExecContext threads one command execution through the interceptor
// chain. Built-in interceptors fill State, Meta and Events; user
// interceptors may enrich State or stash values for their leave phase
// in Values.
type ExecContext struct {
	// Command is the resolved command being executed.
	Command ResolvedCommand

	// Data is the dispatch input, already past the command schema.
	Data map[string]any

	// State holds rehydrated aggregate data keyed by aggregate name.
	State map[string]any

	// Meta holds the rehydration end meta keyed by aggregate name; its
	// version is the expected version of the closing append.
	Meta map[string]eventlog.Meta

	// Events is the handler's normalized output; after the closing
	// append it carries the recorded events with assigned meta.
	Events []eventlog.Event

	// StreamID is the target aggregate instance's stream.
	StreamID string

	// Values is scratch space for user interceptors.
	Values map[string]any

	// Log is the running application's event log.
	Log eventlog.Log

	// Registry resolves events and reducers during the run.
	Registry *Registry

	// App is the running application's name, the stream id prefix.
	App string

	// Logger reports handler panics and pipeline diagnostics.
	Logger *slog.Logger
}

// runPipeline executes the interceptor chain: the context interceptor,
// the command's interceptors, then the handler interceptor. Enter
// phases run in that order, leave phases in reverse, so the context
// interceptor's leave performs the closing append. The first error
// aborts the run; later phases do not execute.
func runPipeline(ctx context.Context, ec *ExecContext) ([]eventlog.Event, error) {
	chain := make([]Interceptor, 0, len(ec.Command.Interceptors)+2)
	chain = append(chain, contextInterceptor)
	chain = append(chain, ec.Command.Interceptors...)
	chain = append(chain, handlerInterceptor)

	for _, ic := range chain {
		if ic.Enter == nil {
			continue
		}
		if err := ic.Enter(ctx, ec); err != nil {
			return nil, err
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Leave == nil {
			continue
		}
		if err := chain[i].Leave(ctx, ec); err != nil {
			return nil, err
		}
	}
	return ec.Events, nil
}

// contextInterceptor loads the aggregate on enter and appends the
// handler's events on leave.
var contextInterceptor = Interceptor{
	Name: "context",
	Enter: func(ctx context.Context, ec *ExecContext) error {
		cmd := ec.Command
		id, ok := ec.Data[cmd.IDField]
		if !ok || id == nil || id == "" {
			return &CommandInvalidError{
				Command: cmd.Name,
				Explain: map[string]any{
					"errors": []any{map[string]any{
						"field":       cmd.IDField,
						"description": "aggregate id is required",
					}},
				},
			}
		}
		ec.StreamID = StreamID(ec.App, cmd.Aggregate.Name, id)

		snap, err := Rehydrate(ctx, ec.Log, ec.Registry, ec.App, cmd.Aggregate.Name, id)
		if err != nil {
			return err
		}
		ec.State[cmd.Aggregate.Name] = snap.Data
		ec.Meta[cmd.Aggregate.Name] = snap.Meta
		return nil
	},
	Leave: func(ctx context.Context, ec *ExecContext) error {
		if len(ec.Events) == 0 {
			// A no-op command: nothing touches the log.
			ec.Events = []eventlog.Event{}
			return nil
		}

		agg := ec.Command.Aggregate
		prior, _ := ec.State[agg.Name].(map[string]any)
		folded := ec.Registry.Fold(prior, ec.Events)
		if res := schema.Check(agg.Schema, folded); !res.Valid {
			return &AggregateInvalidError{
				Aggregate: agg.Name,
				StreamID:  ec.StreamID,
				Explain:   res.Explain(),
			}
		}

		// A fresh txn id per attempt: user-level retries are distinct
		// transactions, only transport replays of this attempt dedupe.
		txnID := uuid.NewString()
		appended, err := ec.Log.Append(ctx, ec.StreamID, txnID, ec.Meta[agg.Name].Version, ec.Events)
		if err != nil {
			return err
		}
		ec.Events = appended
		return nil
	},
}

// handlerInterceptor runs the user handler and normalizes its output.
var handlerInterceptor = Interceptor{
	Name: "handler",
	Enter: func(ctx context.Context, ec *ExecContext) error {
		emits, err := runHandler(ctx, ec)
		if err != nil {
			var rule *RuleError
			if errors.As(err, &rule) {
				return err
			}
			return fmt.Errorf("command handler failed: %w", err)
		}
		events, err := normalizeEmits(ec.Registry, ec.Command, emits)
		if err != nil {
			return err
		}
		ec.Events = events
		return nil
	},
}

// runHandler invokes the user handler, converting panics into errors
// so a buggy handler cannot take down the dispatcher.
func runHandler(ctx context.Context, ec *ExecContext) (emits []Emit, err error) {
	defer func() {
		if r := recover(); r != nil {
			ec.Logger.ErrorContext(ctx, "command handler panicked",
				"command", ec.Command.Name,
				"panic", r,
				"stack", string(debug.Stack()))
			emits = nil
			err = fmt.Errorf("command handler panicked: %v", r)
		}
	}()
	return ec.Command.Handler(ctx, ec.State, ec.Data)
}
