// Package sourcing is the core event-sourcing runtime: a registry of
// aggregate, command, event and subscription configurations; command
// dispatch through an interceptor pipeline ending in an optimistic
// append; aggregate rehydration by folding event streams through
// reducers; and background subscription delivery. Storage sits behind
// eventlog.Log, so applications pick a backend (redis, sqlite, nats,
// memory) when they start.
//
// Registration happens during process initialization and entries are
// immutable afterwards; misregistration (duplicate names, references
// to undefined aggregates or events) panics, since it is a programming
// error no caller can handle at runtime.
package sourcing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/eventfold/eventfold/pkg/eventlog"
)

// Registry is the catalogue of one application's aggregates, commands,
// events, subscriptions and reducers, plus the pointer to the running
// application. Reads are frequent and contention-free after
// registration; writes happen only while registering and on
// application start/stop.
type Registry struct {
	mu            sync.RWMutex
	aggregates    map[string]AggregateConf
	commands      map[string]CommandConf
	events        map[string]EventConf
	subscriptions map[string]map[string]SubscriptionConf // event -> subscriber -> conf
	subscribers   map[string]string                      // subscriber -> event, for duplicate rejection
	reducers      map[string]Reducer
	app           *App
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		aggregates:    make(map[string]AggregateConf),
		commands:      make(map[string]CommandConf),
		events:        make(map[string]EventConf),
		subscriptions: make(map[string]map[string]SubscriptionConf),
		subscribers:   make(map[string]string),
		reducers:      make(map[string]Reducer),
	}
}

// DefineAggregate registers an aggregate type.
func (r *Registry) DefineAggregate(conf AggregateConf) {
	if conf.Name == "" {
		panic("sourcing: aggregate name is required")
	}
	if conf.IDField == "" {
		panic(fmt.Sprintf("sourcing: aggregate %q needs an id field", conf.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.aggregates[conf.Name]; exists {
		panic(fmt.Sprintf("sourcing: aggregate %q is already registered", conf.Name))
	}
	r.aggregates[conf.Name] = conf
}

// DefineCommand registers a command and the events it declares. The
// target aggregate must already be defined; the command's id field
// defaults to the aggregate's.
func (r *Registry) DefineCommand(conf CommandConf) {
	if conf.Name == "" {
		panic("sourcing: command name is required")
	}
	if conf.Handler == nil {
		panic(fmt.Sprintf("sourcing: command %q needs a handler", conf.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	agg, ok := r.aggregates[conf.Aggregate]
	if !ok {
		panic(fmt.Sprintf("sourcing: command %q targets undefined aggregate %q", conf.Name, conf.Aggregate))
	}
	if _, exists := r.commands[conf.Name]; exists {
		panic(fmt.Sprintf("sourcing: command %q is already registered", conf.Name))
	}
	if conf.IDField == "" {
		conf.IDField = agg.IDField
	}

	for _, evt := range conf.Events {
		if evt.Name == "" {
			panic(fmt.Sprintf("sourcing: command %q declares an event without a name", conf.Name))
		}
		if owner, exists := r.events[evt.Name]; exists {
			panic(fmt.Sprintf("sourcing: event %q is already declared by command %q", evt.Name, owner.Command))
		}
		evt.Command = conf.Name
		r.events[evt.Name] = evt
	}
	r.commands[conf.Name] = conf
}

// DefineSubscription attaches a durable subscriber to a declared
// event. Subscriber names are cursor ids in the event log, so they
// must be unique across the whole registry; a duplicate is rejected
// here rather than silently collapsing two consumers onto one cursor.
func (r *Registry) DefineSubscription(conf SubscriptionConf) {
	if conf.Event == "" || conf.Subscriber == "" {
		panic("sourcing: subscription needs an event and a subscriber name")
	}
	if conf.Handler == nil {
		panic(fmt.Sprintf("sourcing: subscription %q needs a handler", conf.Subscriber))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[conf.Event]; !ok {
		panic(fmt.Sprintf("sourcing: subscription %q targets undeclared event %q", conf.Subscriber, conf.Event))
	}
	if event, exists := r.subscribers[conf.Subscriber]; exists {
		panic(fmt.Sprintf("sourcing: subscriber %q is already attached to event %q", conf.Subscriber, event))
	}
	if r.subscriptions[conf.Event] == nil {
		r.subscriptions[conf.Event] = make(map[string]SubscriptionConf)
	}
	r.subscriptions[conf.Event][conf.Subscriber] = conf
	r.subscribers[conf.Subscriber] = conf.Event
}

// RegisterReducer overrides the default deep-merge reducer for one
// event type.
func (r *Registry) RegisterReducer(event string, reducer Reducer) {
	if reducer == nil {
		panic(fmt.Sprintf("sourcing: reducer for %q is nil", event))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[event]; !ok {
		panic(fmt.Sprintf("sourcing: reducer targets undeclared event %q", event))
	}
	if _, exists := r.reducers[event]; exists {
		panic(fmt.Sprintf("sourcing: event %q already has a reducer", event))
	}
	r.reducers[event] = reducer
}

// ResolvedCommand is a command configuration with its aggregate
// configuration inlined: the single record the pipeline works from.
// The embedded CommandConf.Aggregate name is shadowed by the resolved
// aggregate.
type ResolvedCommand struct {
	CommandConf
	Aggregate AggregateConf
}

// ResolvedEvent is an event configuration with its declaring command
// (and that command's aggregate) inlined.
type ResolvedEvent struct {
	EventConf
	Command ResolvedCommand
}

// Aggregate returns an aggregate configuration.
func (r *Registry) Aggregate(name string) (AggregateConf, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conf, ok := r.aggregates[name]
	return conf, ok
}

// Command returns a command joined with its aggregate.
func (r *Registry) Command(name string) (ResolvedCommand, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveCommand(name)
}

// Event returns an event joined with its declaring command.
func (r *Registry) Event(name string) (ResolvedEvent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conf, ok := r.events[name]
	if !ok {
		return ResolvedEvent{}, false
	}
	cmd, _ := r.resolveCommand(conf.Command)
	return ResolvedEvent{EventConf: conf, Command: cmd}, true
}

// resolveCommand joins a command with its aggregate. Caller holds the
// lock.
func (r *Registry) resolveCommand(name string) (ResolvedCommand, bool) {
	conf, ok := r.commands[name]
	if !ok {
		return ResolvedCommand{}, false
	}
	return ResolvedCommand{
		CommandConf: conf,
		Aggregate:   r.aggregates[conf.Aggregate],
	}, true
}

// ReducerFor returns the reducer for an event type, falling back to
// the deep-merge default.
func (r *Registry) ReducerFor(event string) Reducer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reducer, ok := r.reducers[event]; ok {
		return reducer
	}
	return DeepMerge
}

// Fold applies the registered reducers over a batch of events in
// order, returning the resulting state.
func (r *Registry) Fold(state map[string]any, events []eventlog.Event) map[string]any {
	for _, evt := range events {
		state = r.ReducerFor(evt.Type)(state, evt.Data)
	}
	return state
}

// subscriptionList flattens the subscription tables in a deterministic
// order for the runner.
func (r *Registry) subscriptionList() []SubscriptionConf {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []SubscriptionConf
	for _, byName := range r.subscriptions {
		for _, conf := range byName {
			out = append(out, conf)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Event != out[j].Event {
			return out[i].Event < out[j].Event
		}
		return out[i].Subscriber < out[j].Subscriber
	})
	return out
}

// snapshotAggregateList returns the snapshot-enabled aggregates in
// name order.
func (r *Registry) snapshotAggregateList() []AggregateConf {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AggregateConf
	for _, conf := range r.aggregates {
		if conf.Snapshot {
			out = append(out, conf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) runningApp() *App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.app
}

func (r *Registry) setApp(app *App) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.app != nil {
		return ErrApplicationRunning
	}
	r.app = app
	return nil
}

// clearApp detaches the app if it is still the running one.
func (r *Registry) clearApp(app *App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.app == app {
		r.app = nil
	}
}

// DefaultRegistry backs the package-level registration and runtime
// functions. Libraries embedding the runtime can create their own
// registries instead.
var DefaultRegistry = NewRegistry()

// DefineAggregate registers an aggregate type on the default registry.
func DefineAggregate(conf AggregateConf) { DefaultRegistry.DefineAggregate(conf) }

// DefineCommand registers a command on the default registry.
func DefineCommand(conf CommandConf) { DefaultRegistry.DefineCommand(conf) }

// DefineSubscription registers a subscription on the default registry.
func DefineSubscription(conf SubscriptionConf) { DefaultRegistry.DefineSubscription(conf) }

// RegisterReducer overrides an event's reducer on the default registry.
func RegisterReducer(event string, reducer Reducer) { DefaultRegistry.RegisterReducer(event, reducer) }
