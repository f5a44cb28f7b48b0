package sourcing

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/eventfold/eventfold/pkg/eventlog"
)

// defaultSnapshotEvery is the snapshot cadence for aggregates that
// enable snapshots without choosing one.
const defaultSnapshotEvery = 100

// attachSubscriptions starts the registered subscriptions and the
// snapshot workers on the application's event log.
func (a *App) attachSubscriptions(ctx context.Context) error {
	for _, conf := range a.reg.subscriptionList() {
		err := a.log.Subscribe(ctx, conf.Subscriber, a.subscriptionHandler(conf), eventlog.SubscribeOptions{
			StartFrom: conf.StartFrom,
			StreamID:  conf.Stream,
		})
		if err != nil {
			return fmt.Errorf("failed to attach subscription %s: %w", conf.Subscriber, err)
		}
	}
	for _, agg := range a.reg.snapshotAggregateList() {
		if err := a.attachSnapshotter(ctx, agg); err != nil {
			return err
		}
	}
	return nil
}

// subscriptionHandler adapts one subscription to the log's handler
// contract. Subscriptions are declared per event type but the log
// delivers whole sources, so foreign types are dropped here. Panics
// become errors so one bad handler cannot stop the worker; the event
// is still acknowledged and processing moves on.
func (a *App) subscriptionHandler(conf SubscriptionConf) eventlog.Handler {
	return func(ctx context.Context, evt eventlog.Event) (err error) {
		if evt.Type != conf.Event {
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				a.logger.ErrorContext(ctx, "subscription handler panicked",
					"subscriber", conf.Subscriber,
					"event_type", evt.Type,
					"panic", r,
					"stack", string(debug.Stack()))
				err = fmt.Errorf("subscription handler panicked: %v", r)
			}
		}()
		return conf.Handler(ctx, evt)
	}
}

// attachSnapshotter starts the internal subscription that persists
// aggregate snapshots. It tails new events only: cadence counters
// start at zero on every boot, which at worst delays the next
// snapshot by one interval.
func (a *App) attachSnapshotter(ctx context.Context, agg AggregateConf) error {
	subscriber := fmt.Sprintf("%s.%s.snapshots", a.name, agg.Name)
	every := agg.SnapshotEvery
	if every <= 0 {
		every = defaultSnapshotEvery
	}

	// Owned by the single worker goroutine of this subscriber.
	counts := map[string]int{}

	handler := func(ctx context.Context, evt eventlog.Event) error {
		resolved, ok := a.reg.Event(evt.Type)
		if !ok || resolved.Command.Aggregate.Name != agg.Name {
			return nil
		}
		id, ok := evt.Data[agg.IDField]
		if !ok || id == nil {
			// Cannot locate the stream without the id.
			return nil
		}
		streamID := StreamID(a.name, agg.Name, id)

		counts[streamID]++
		if counts[streamID]%every != 0 {
			return nil
		}

		snap, err := Rehydrate(ctx, a.log, a.reg, a.name, agg.Name, id)
		if err != nil {
			return fmt.Errorf("failed to rehydrate %s for snapshot: %w", streamID, err)
		}
		if err := a.log.SaveSnapshot(ctx, streamID, snap); err != nil {
			return fmt.Errorf("failed to save snapshot for %s: %w", streamID, err)
		}
		a.logger.DebugContext(ctx, "snapshot saved",
			"stream_id", streamID,
			"version", string(snap.Meta.Version))
		return nil
	}

	err := a.log.Subscribe(ctx, subscriber, handler, eventlog.SubscribeOptions{
		StartFrom: eventlog.StartLatest,
	})
	if err != nil {
		return fmt.Errorf("failed to attach snapshotter for %s: %w", agg.Name, err)
	}
	return nil
}
