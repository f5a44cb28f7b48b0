package sourcing

import (
	"context"
	"fmt"

	"github.com/eventfold/eventfold/pkg/eventlog"
)

// Rehydrate derives the current state of one aggregate instance: start
// from the latest snapshot when the aggregate has snapshotting enabled
// (zero state otherwise), then fold every later event through the
// registered reducers, tracking the meta of the last event applied.
//
// Rehydration is pure with respect to the stream: the same events
// always produce the same snapshot, so it is safe to repeat after a
// concurrency conflict.
func Rehydrate(ctx context.Context, log eventlog.Log, reg *Registry, app, aggregate string, id any) (eventlog.Snapshot, error) {
	agg, ok := reg.Aggregate(aggregate)
	if !ok {
		return eventlog.Snapshot{}, fmt.Errorf("aggregate %q is not registered", aggregate)
	}
	streamID := StreamID(app, aggregate, id)

	state := eventlog.Snapshot{Meta: eventlog.Meta{Version: log.InitialVersion()}}
	if agg.Snapshot {
		snap, ok, err := log.Snapshot(ctx, streamID)
		if err != nil {
			return eventlog.Snapshot{}, fmt.Errorf("failed to load snapshot for %s: %w", streamID, err)
		}
		if ok {
			state = snap
		}
	}

	events, err := log.Read(ctx, streamID, state.Meta.Version, 0)
	if err != nil {
		return eventlog.Snapshot{}, fmt.Errorf("failed to read stream %s: %w", streamID, err)
	}
	for _, evt := range events {
		state.Data = reg.ReducerFor(evt.Type)(state.Data, evt.Data)
		state.Meta = evt.Meta
	}
	return state, nil
}
