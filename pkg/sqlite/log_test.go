package sqlite_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/eventfold/eventfold/pkg/eventlog"
	"github.com/eventfold/eventfold/pkg/sqlite"
)

func newTestLog(t *testing.T, opts ...sqlite.Option) *sqlite.Log {
	t.Helper()

	base := []sqlite.Option{
		sqlite.WithMemoryDatabase(),
		sqlite.WithWALMode(false),
		sqlite.WithInitialDelay(5 * time.Millisecond),
		sqlite.WithTickInterval(5 * time.Millisecond),
		sqlite.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	log, err := sqlite.New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("failed to create log: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestNew(t *testing.T) {
	t.Run("AutoMigrateCreatesSchema", func(t *testing.T) {
		log := newTestLog(t)

		var count int
		err := log.DB().QueryRow(`
			SELECT COUNT(*) FROM sqlite_master
			WHERE type = 'table' AND name IN ('events', 'stream_meta', 'snapshots', 'cursors')
		`).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query schema: %v", err)
		}
		if count != 4 {
			t.Fatalf("expected 4 tables, got %d", count)
		}
	})

	t.Run("WithoutAutoMigrate", func(t *testing.T) {
		log := newTestLog(t, sqlite.WithAutoMigrate(false))

		_, err := log.Append(context.Background(), "bank:account:m", "txn-1", eventlog.ZeroVersion, []eventlog.Event{
			{Type: "account-opened", Data: map[string]any{"account-id": "m"}},
		})
		if !errors.Is(err, eventlog.ErrBackend) {
			t.Fatalf("expected backend error without schema, got %v", err)
		}
	})
}

func TestAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("AssignsIncreasingVersions", func(t *testing.T) {
		log := newTestLog(t)

		first, err := log.Append(ctx, "bank:account:1", "txn-1", eventlog.ZeroVersion, []eventlog.Event{
			{Type: "account-opened", Data: map[string]any{"account-id": "1"}},
		})
		if err != nil {
			t.Fatalf("first append failed: %v", err)
		}
		if got := first[0].Meta.Version; got != "1-0" {
			t.Errorf("expected version 1-0, got %s", got)
		}

		second, err := log.Append(ctx, "bank:account:1", "txn-2", "1-0", []eventlog.Event{
			{Type: "deposit-made", Data: map[string]any{"amount": 25.17}},
			{Type: "deposit-made", Data: map[string]any{"amount": 10.0}},
		})
		if err != nil {
			t.Fatalf("second append failed: %v", err)
		}
		if second[0].Meta.Version != "2-0" || second[1].Meta.Version != "2-1" {
			t.Errorf("expected versions 2-0 and 2-1, got %s and %s",
				second[0].Meta.Version, second[1].Meta.Version)
		}
		if second[0].Meta.TS != second[1].Meta.TS {
			t.Error("events of one batch should share a timestamp")
		}

		meta, err := log.StreamMeta(ctx, "bank:account:1")
		if err != nil {
			t.Fatalf("failed to read stream meta: %v", err)
		}
		if meta.CurrentVersion != "2-1" {
			t.Errorf("expected current version 2-1, got %s", meta.CurrentVersion)
		}
		if meta.LastTxnID != "txn-2" {
			t.Errorf("expected last txn id txn-2, got %s", meta.LastTxnID)
		}
	})

	t.Run("PersistsSpecifiedColumns", func(t *testing.T) {
		log := newTestLog(t)

		_, err := log.Append(ctx, "bank:account:2", "txn-1", eventlog.ZeroVersion, []eventlog.Event{
			{Type: "deposit-made", Data: map[string]any{"amount": 25.17}},
		})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}

		var (
			eventType string
			data      string
		)
		err = log.DB().QueryRow(`
			SELECT event_type, data FROM events
			WHERE stream_id = 'bank:account:2' AND base = 1 AND batch = 0
		`).Scan(&eventType, &data)
		if err != nil {
			t.Fatalf("event row not found: %v", err)
		}
		if eventType != "deposit-made" {
			t.Errorf("expected event_type deposit-made, got %q", eventType)
		}
		if data != `{"amount":25.17}` {
			t.Errorf("unexpected data column: %s", data)
		}
	})

	t.Run("RejectsStaleExpectedVersion", func(t *testing.T) {
		log := newTestLog(t)

		_, err := log.Append(ctx, "bank:account:3", "txn-1", eventlog.ZeroVersion, []eventlog.Event{
			{Type: "account-opened", Data: map[string]any{"account-id": "3"}},
		})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}

		_, err = log.Append(ctx, "bank:account:3", "txn-2", eventlog.ZeroVersion, []eventlog.Event{
			{Type: "deposit-made", Data: map[string]any{"amount": 1.0}},
		})
		if !errors.Is(err, eventlog.ErrConcurrencyConflict) {
			t.Fatalf("expected concurrency conflict, got %v", err)
		}
		var conflict *eventlog.ConcurrencyError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected *ConcurrencyError, got %T", err)
		}
		if conflict.StreamID != "bank:account:3" || conflict.Expected != "0-0" || conflict.Actual != "1-0" {
			t.Errorf("unexpected conflict details: %+v", conflict)
		}

		events, err := log.Read(ctx, "bank:account:3", eventlog.ZeroVersion, 0)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if len(events) != 1 {
			t.Errorf("conflicting append must write nothing, stream has %d events", len(events))
		}
	})

	t.Run("ReplaysSameTransaction", func(t *testing.T) {
		log := newTestLog(t)

		first, err := log.Append(ctx, "bank:account:4", "txn-1", eventlog.ZeroVersion, []eventlog.Event{
			{Type: "account-opened", Data: map[string]any{"account-id": "4"}},
			{Type: "deposit-made", Data: map[string]any{"amount": 5.0}},
		})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}

		// Same transaction id again, even with a stale expected version.
		replay, err := log.Append(ctx, "bank:account:4", "txn-1", eventlog.ZeroVersion, []eventlog.Event{
			{Type: "account-opened", Data: map[string]any{"account-id": "4"}},
			{Type: "deposit-made", Data: map[string]any{"amount": 5.0}},
		})
		if err != nil {
			t.Fatalf("replay failed: %v", err)
		}
		if len(replay) != len(first) {
			t.Fatalf("expected %d replayed events, got %d", len(first), len(replay))
		}
		for i := range replay {
			if replay[i].Meta.Version != first[i].Meta.Version {
				t.Errorf("replayed version %s differs from recorded %s",
					replay[i].Meta.Version, first[i].Meta.Version)
			}
		}

		var count int
		if err := log.DB().QueryRow(`SELECT COUNT(*) FROM events WHERE stream_id = 'bank:account:4'`).Scan(&count); err != nil {
			t.Fatalf("failed to count events: %v", err)
		}
		if count != 2 {
			t.Errorf("replay must not write, stream has %d rows", count)
		}
	})

	t.Run("RejectsEmptyBatch", func(t *testing.T) {
		log := newTestLog(t)

		_, err := log.Append(ctx, "bank:account:5", "txn-1", eventlog.ZeroVersion, nil)
		if !errors.Is(err, eventlog.ErrEmptyAppend) {
			t.Fatalf("expected empty append error, got %v", err)
		}
	})
}

func TestRead(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	// Interleave two streams so the fan-out order differs from any
	// single stream's order.
	mustAppend(t, log, "bank:account:ra", "txn-a1", eventlog.ZeroVersion,
		eventlog.Event{Type: "account-opened", Data: map[string]any{"account-id": "ra"}})
	mustAppend(t, log, "bank:account:rb", "txn-b1", eventlog.ZeroVersion,
		eventlog.Event{Type: "account-opened", Data: map[string]any{"account-id": "rb"}})
	mustAppend(t, log, "bank:account:ra", "txn-a2", "1-0",
		eventlog.Event{Type: "deposit-made", Data: map[string]any{"amount": 1.0}},
		eventlog.Event{Type: "deposit-made", Data: map[string]any{"amount": 2.0}})
	mustAppend(t, log, "bank:account:ra", "txn-a3", "2-1",
		eventlog.Event{Type: "account-closed", Data: map[string]any{"account-id": "ra"}})

	t.Run("AfterIsExclusive", func(t *testing.T) {
		events, err := log.Read(ctx, "bank:account:ra", "2-1", 0)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if len(events) != 1 || events[0].Meta.Version != "3-0" {
			t.Fatalf("expected exactly the 3-0 event, got %+v", events)
		}
	})

	t.Run("MidBatchBoundary", func(t *testing.T) {
		events, err := log.Read(ctx, "bank:account:ra", "2-0", 0)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if len(events) != 2 || events[0].Meta.Version != "2-1" || events[1].Meta.Version != "3-0" {
			t.Fatalf("expected 2-1 and 3-0, got %+v", events)
		}
	})

	t.Run("LimitCapsResult", func(t *testing.T) {
		events, err := log.Read(ctx, "bank:account:ra", eventlog.ZeroVersion, 2)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if len(events) != 2 || events[0].Meta.Version != "1-0" || events[1].Meta.Version != "2-0" {
			t.Fatalf("expected the first two events, got %+v", events)
		}
	})

	t.Run("EmptyStream", func(t *testing.T) {
		events, err := log.Read(ctx, "bank:account:nobody", eventlog.ZeroVersion, 0)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if len(events) != 0 {
			t.Fatalf("expected no events, got %d", len(events))
		}
	})

	t.Run("AllStreamArrivalOrder", func(t *testing.T) {
		events, err := log.Read(ctx, eventlog.AllStream, eventlog.ZeroVersion, 0)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		want := []string{"account-opened", "account-opened", "deposit-made", "deposit-made", "account-closed"}
		if len(events) != len(want) {
			t.Fatalf("expected %d events on the fan-out stream, got %d", len(want), len(events))
		}
		for i, evt := range events {
			if evt.Type != want[i] {
				t.Errorf("event %d: expected type %s, got %s", i, want[i], evt.Type)
			}
		}
	})
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	t.Run("MissingSnapshot", func(t *testing.T) {
		_, ok, err := log.Snapshot(ctx, "bank:account:s")
		if err != nil {
			t.Fatalf("snapshot read failed: %v", err)
		}
		if ok {
			t.Fatal("expected no snapshot for a fresh stream")
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		saved := eventlog.Snapshot{
			Meta: eventlog.Meta{TS: 1234, Version: "4-0"},
			Data: map[string]any{"balance": 10.5},
		}
		if err := log.SaveSnapshot(ctx, "bank:account:s", saved); err != nil {
			t.Fatalf("save snapshot failed: %v", err)
		}

		got, ok, err := log.Snapshot(ctx, "bank:account:s")
		if err != nil {
			t.Fatalf("snapshot read failed: %v", err)
		}
		if !ok {
			t.Fatal("expected a snapshot")
		}
		if got.Meta != saved.Meta {
			t.Errorf("expected meta %+v, got %+v", saved.Meta, got.Meta)
		}
		if got.Data["balance"] != 10.5 {
			t.Errorf("unexpected snapshot data: %+v", got.Data)
		}
	})

	t.Run("LatestWins", func(t *testing.T) {
		newer := eventlog.Snapshot{
			Meta: eventlog.Meta{TS: 5678, Version: "6-0"},
			Data: map[string]any{"balance": 99.0},
		}
		if err := log.SaveSnapshot(ctx, "bank:account:s", newer); err != nil {
			t.Fatalf("save snapshot failed: %v", err)
		}

		got, ok, err := log.Snapshot(ctx, "bank:account:s")
		if err != nil || !ok {
			t.Fatalf("snapshot read failed: ok=%v err=%v", ok, err)
		}
		if got.Meta.Version != "6-0" {
			t.Errorf("expected the newer snapshot, got version %s", got.Meta.Version)
		}

		var count int
		if err := log.DB().QueryRow(`SELECT COUNT(*) FROM snapshots WHERE stream_id = 'bank:account:s'`).Scan(&count); err != nil {
			t.Fatalf("failed to count snapshots: %v", err)
		}
		if count != 1 {
			t.Errorf("expected one snapshot row per stream, got %d", count)
		}
	})
}

func TestStreamMeta(t *testing.T) {
	log := newTestLog(t)

	meta, err := log.StreamMeta(context.Background(), "bank:account:none")
	if err != nil {
		t.Fatalf("stream meta failed: %v", err)
	}
	if meta.CurrentVersion != eventlog.ZeroVersion {
		t.Errorf("expected the initial version, got %s", meta.CurrentVersion)
	}
	if meta.LastTxnID != "" {
		t.Errorf("expected no last txn id, got %q", meta.LastTxnID)
	}
}

func TestClosedLog(t *testing.T) {
	log := newTestLog(t)
	if err := log.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	ctx := context.Background()
	if _, err := log.Append(ctx, "s", "t", eventlog.ZeroVersion, []eventlog.Event{{Type: "x"}}); !errors.Is(err, eventlog.ErrClosed) {
		t.Errorf("expected ErrClosed from Append, got %v", err)
	}
	if _, err := log.Read(ctx, "s", eventlog.ZeroVersion, 0); !errors.Is(err, eventlog.ErrClosed) {
		t.Errorf("expected ErrClosed from Read, got %v", err)
	}
	if err := log.Subscribe(ctx, "sub", func(context.Context, eventlog.Event) error { return nil }, eventlog.SubscribeOptions{}); !errors.Is(err, eventlog.ErrClosed) {
		t.Errorf("expected ErrClosed from Subscribe, got %v", err)
	}
	if _, _, err := log.Snapshot(ctx, "s"); !errors.Is(err, eventlog.ErrClosed) {
		t.Errorf("expected ErrClosed from Snapshot, got %v", err)
	}
}

func mustAppend(t *testing.T, log *sqlite.Log, streamID, txnID string, expected eventlog.Version, events ...eventlog.Event) []eventlog.Event {
	t.Helper()
	appended, err := log.Append(context.Background(), streamID, txnID, expected, events)
	if err != nil {
		t.Fatalf("append to %s failed: %v", streamID, err)
	}
	return appended
}
