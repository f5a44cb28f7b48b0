package sourcing

import (
	"context"

	"github.com/eventfold/eventfold/pkg/eventlog"
	"github.com/eventfold/eventfold/pkg/schema"
)

// CommandHandler produces the events of one command execution. state is
// keyed by aggregate name; the target aggregate's current data sits
// under state[<aggregate>], nil for a fresh instance. Handlers must be
// deterministic: side-effectful enrichment belongs in interceptors,
// which stage their outputs into the execution context before the
// handler runs.
type CommandHandler func(ctx context.Context, state map[string]any, data map[string]any) ([]Emit, error)

// EventHandler consumes events delivered to a subscription.
type EventHandler func(ctx context.Context, event eventlog.Event) error

// Reducer folds one event's data into aggregate state and returns the
// next state. Implementations must not mutate either argument; the
// rehydrator relies on folds being repeatable.
type Reducer func(state, data map[string]any) map[string]any

// Interceptor wraps command execution with an enter and a leave phase.
// Enters run in declared order before the handler, leaves in reverse
// order after it. Either func may be nil.
type Interceptor struct {
	Name  string
	Enter func(ctx context.Context, ec *ExecContext) error
	Leave func(ctx context.Context, ec *ExecContext) error
}

// AggregateConf declares an aggregate type.
type AggregateConf struct {
	// Name is the aggregate type name, e.g. "bank-account".
	Name string

	// IDField is the data attribute holding the aggregate id, both in
	// command data and in aggregate state.
	IDField string

	// Schema validates the folded aggregate state after every command.
	// Nil accepts any state.
	Schema schema.Validator

	// Snapshot enables background snapshotting for this aggregate.
	Snapshot bool

	// SnapshotEvery is how many delivered events pass between snapshots
	// of one stream. Zero means the default of 100.
	SnapshotEvery int

	// Doc describes the aggregate.
	Doc string
}

// CommandConf declares a command.
type CommandConf struct {
	// Name is the command name, e.g. "open-account".
	Name string

	// Aggregate is the target aggregate; it must be defined before the
	// command.
	Aggregate string

	// IDField overrides the aggregate's id field for extracting the id
	// from command data. Empty inherits the aggregate's.
	IDField string

	// Schema validates dispatch input. Nil accepts any data.
	Schema schema.Validator

	// Interceptors run around the handler in declared order.
	Interceptors []Interceptor

	// Events declares every event the handler may emit. Emitting an
	// undeclared event is a handler bug.
	Events []EventConf

	// Handler produces events from state and command data.
	Handler CommandHandler

	// Doc describes the command.
	Doc string
}

// EventConf declares an event a command may emit.
type EventConf struct {
	// Name is the event type name, e.g. "deposit-made".
	Name string

	// Schema validates emitted event data. Nil accepts any data.
	Schema schema.Validator

	// Command is the declaring command name, filled in by the registry.
	Command string

	// Doc describes the event.
	Doc string
}

// SubscriptionConf attaches a durable subscriber to an event type.
type SubscriptionConf struct {
	// Event is the event type the subscriber consumes.
	Event string

	// Subscriber is the durable cursor name. Unique across the
	// registry: two subscriptions may not share a cursor.
	Subscriber string

	// StartFrom picks the first delivery for a cursor seen for the
	// first time. Zero value means origin.
	StartFrom eventlog.StartPosition

	// Stream overrides the source stream. Empty means the all-events
	// fan-out.
	Stream string

	// Handler consumes the delivered events.
	Handler EventHandler
}
