package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eventfold/eventfold/pkg/eventlog"
	"github.com/eventfold/eventfold/pkg/memory"
)

func TestAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("AssignsIncreasingVersions", func(t *testing.T) {
		log := memory.New()
		defer log.Close()

		first, err := log.Append(ctx, "app:acct:1", "txn-1", log.InitialVersion(), []eventlog.Event{
			{Type: "account-opened", Data: map[string]any{"account-id": "1"}},
		})
		if err != nil {
			t.Fatalf("failed to append: %v", err)
		}
		if first[0].Meta.Version != "1-0" {
			t.Errorf("expected version 1-0, got %s", first[0].Meta.Version)
		}

		second, err := log.Append(ctx, "app:acct:1", "txn-2", "1-0", []eventlog.Event{
			{Type: "deposit-made", Data: map[string]any{"amount": 10}},
			{Type: "deposit-made", Data: map[string]any{"amount": 20}},
		})
		if err != nil {
			t.Fatalf("failed to append second batch: %v", err)
		}
		if second[0].Meta.Version != "2-0" || second[1].Meta.Version != "2-1" {
			t.Errorf("expected versions 2-0 and 2-1, got %s and %s",
				second[0].Meta.Version, second[1].Meta.Version)
		}

		meta, err := log.StreamMeta(ctx, "app:acct:1")
		if err != nil {
			t.Fatalf("failed to read stream meta: %v", err)
		}
		if meta.CurrentVersion != "2-1" {
			t.Errorf("expected current version 2-1, got %s", meta.CurrentVersion)
		}
		if meta.LastTxnID != "txn-2" {
			t.Errorf("expected last txn txn-2, got %s", meta.LastTxnID)
		}
	})

	t.Run("RejectsStaleExpectedVersion", func(t *testing.T) {
		log := memory.New()
		defer log.Close()

		if _, err := log.Append(ctx, "app:acct:2", "txn-1", eventlog.ZeroVersion, []eventlog.Event{
			{Type: "account-opened", Data: map[string]any{}},
		}); err != nil {
			t.Fatalf("failed to append: %v", err)
		}

		_, err := log.Append(ctx, "app:acct:2", "txn-2", eventlog.ZeroVersion, []eventlog.Event{
			{Type: "deposit-made", Data: map[string]any{}},
		})
		if !errors.Is(err, eventlog.ErrConcurrencyConflict) {
			t.Fatalf("expected concurrency conflict, got %v", err)
		}

		var ce *eventlog.ConcurrencyError
		if !errors.As(err, &ce) {
			t.Fatal("expected ConcurrencyError")
		}
		if ce.Expected != "0-0" || ce.Actual != "1-0" {
			t.Errorf("unexpected versions in conflict: expected=%s actual=%s", ce.Expected, ce.Actual)
		}

		// Nothing was written by the failed attempt.
		events, err := log.Read(ctx, "app:acct:2", eventlog.ZeroVersion, 0)
		if err != nil {
			t.Fatalf("failed to read: %v", err)
		}
		if len(events) != 1 {
			t.Errorf("expected 1 event after failed append, got %d", len(events))
		}
	})

	t.Run("ReplaysSameTransaction", func(t *testing.T) {
		log := memory.New()
		defer log.Close()

		first, err := log.Append(ctx, "app:acct:3", "txn-dup", eventlog.ZeroVersion, []eventlog.Event{
			{Type: "account-opened", Data: map[string]any{"owner": "sam"}},
		})
		if err != nil {
			t.Fatalf("failed to append: %v", err)
		}

		// Same txn id, same (now stale) expected version: a retry of a
		// committed append. Must be a no-op returning the recorded batch.
		replay, err := log.Append(ctx, "app:acct:3", "txn-dup", eventlog.ZeroVersion, []eventlog.Event{
			{Type: "account-opened", Data: map[string]any{"owner": "sam"}},
		})
		if err != nil {
			t.Fatalf("expected idempotent replay, got %v", err)
		}
		if len(replay) != 1 || replay[0].Meta.Version != first[0].Meta.Version {
			t.Errorf("replay returned different batch: %+v", replay)
		}

		events, err := log.Read(ctx, "app:acct:3", eventlog.ZeroVersion, 0)
		if err != nil {
			t.Fatalf("failed to read: %v", err)
		}
		if len(events) != 1 {
			t.Errorf("expected 1 event after replay, got %d", len(events))
		}
	})

	t.Run("RejectsEmptyBatch", func(t *testing.T) {
		log := memory.New()
		defer log.Close()

		if _, err := log.Append(ctx, "app:acct:4", "txn-1", eventlog.ZeroVersion, nil); !errors.Is(err, eventlog.ErrEmptyAppend) {
			t.Errorf("expected ErrEmptyAppend, got %v", err)
		}
	})
}

func TestRead(t *testing.T) {
	ctx := context.Background()
	log := memory.New()
	defer log.Close()

	versions := []eventlog.Version{eventlog.ZeroVersion, "1-0", "2-0", "3-0"}
	for i, expected := range versions {
		if _, err := log.Append(ctx, "app:item:1", "", expected, []eventlog.Event{
			{Type: "item-renamed", Data: map[string]any{"n": i}},
		}); err != nil {
			t.Fatalf("failed to append batch %d: %v", i, err)
		}
	}

	t.Run("AfterIsExclusive", func(t *testing.T) {
		events, err := log.Read(ctx, "app:item:1", "2-0", 0)
		if err != nil {
			t.Fatalf("failed to read: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events after 2-0, got %d", len(events))
		}
		if events[0].Meta.Version != "3-0" || events[1].Meta.Version != "4-0" {
			t.Errorf("unexpected versions: %s, %s", events[0].Meta.Version, events[1].Meta.Version)
		}
	})

	t.Run("LimitCapsResult", func(t *testing.T) {
		events, err := log.Read(ctx, "app:item:1", eventlog.ZeroVersion, 2)
		if err != nil {
			t.Fatalf("failed to read: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events with limit, got %d", len(events))
		}
	})

	t.Run("AllStreamSeesEveryAppend", func(t *testing.T) {
		if _, err := log.Append(ctx, "app:item:2", "", eventlog.ZeroVersion, []eventlog.Event{
			{Type: "item-added", Data: map[string]any{}},
		}); err != nil {
			t.Fatalf("failed to append: %v", err)
		}

		events, err := log.Read(ctx, eventlog.AllStream, eventlog.ZeroVersion, 0)
		if err != nil {
			t.Fatalf("failed to read all stream: %v", err)
		}
		if len(events) != 5 {
			t.Errorf("expected 5 events in all stream, got %d", len(events))
		}
	})
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	log := memory.New()
	defer log.Close()

	t.Run("MissingSnapshot", func(t *testing.T) {
		_, ok, err := log.Snapshot(ctx, "app:acct:9")
		if err != nil {
			t.Fatalf("failed to get snapshot: %v", err)
		}
		if ok {
			t.Error("expected no snapshot for fresh stream")
		}
	})

	t.Run("SaveThenGet", func(t *testing.T) {
		want := eventlog.Snapshot{
			Meta: eventlog.Meta{TS: 123, Version: "5-0"},
			Data: map[string]any{"balance": 99.5},
		}
		if err := log.SaveSnapshot(ctx, "app:acct:9", want); err != nil {
			t.Fatalf("failed to save snapshot: %v", err)
		}

		got, ok, err := log.Snapshot(ctx, "app:acct:9")
		if err != nil {
			t.Fatalf("failed to get snapshot: %v", err)
		}
		if !ok {
			t.Fatal("expected snapshot to exist")
		}
		if got.Meta.Version != "5-0" || got.Data["balance"] != 99.5 {
			t.Errorf("unexpected snapshot: %+v", got)
		}
	})
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("DeliversInOrder", func(t *testing.T) {
		log := memory.New(memory.WithPollInterval(5 * time.Millisecond))
		defer log.Close()

		var mu sync.Mutex
		var seen []eventlog.Version
		handler := func(ctx context.Context, evt eventlog.Event) error {
			mu.Lock()
			seen = append(seen, evt.Meta.Version)
			mu.Unlock()
			return nil
		}

		if err := log.Subscribe(ctx, "audit", handler, eventlog.SubscribeOptions{}); err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}

		expected := eventlog.ZeroVersion
		for i := 0; i < 3; i++ {
			batch, err := log.Append(ctx, "app:acct:1", "", expected, []eventlog.Event{
				{Type: "deposit-made", Data: map[string]any{"n": i}},
			})
			if err != nil {
				t.Fatalf("failed to append: %v", err)
			}
			expected = batch[0].Meta.Version
		}

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 3
		})

		mu.Lock()
		defer mu.Unlock()
		want := []eventlog.Version{"1-0", "2-0", "3-0"}
		for i, v := range want {
			if seen[i] != v {
				t.Errorf("expected seen[%d] = %s, got %s", i, v, seen[i])
			}
		}
	})

	t.Run("LatestSkipsHistory", func(t *testing.T) {
		log := memory.New(memory.WithPollInterval(5 * time.Millisecond))
		defer log.Close()

		if _, err := log.Append(ctx, "app:acct:2", "", eventlog.ZeroVersion, []eventlog.Event{
			{Type: "account-opened", Data: map[string]any{}},
		}); err != nil {
			t.Fatalf("failed to append: %v", err)
		}

		var mu sync.Mutex
		var seen []string
		handler := func(ctx context.Context, evt eventlog.Event) error {
			mu.Lock()
			seen = append(seen, evt.Type)
			mu.Unlock()
			return nil
		}

		if err := log.Subscribe(ctx, "tail", handler, eventlog.SubscribeOptions{
			StartFrom: eventlog.StartLatest,
		}); err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}

		if _, err := log.Append(ctx, "app:acct:2", "", "1-0", []eventlog.Event{
			{Type: "deposit-made", Data: map[string]any{}},
		}); err != nil {
			t.Fatalf("failed to append: %v", err)
		}

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 1
		})

		mu.Lock()
		defer mu.Unlock()
		if seen[0] != "deposit-made" {
			t.Errorf("expected only the new event, got %v", seen)
		}
	})

	t.Run("HandlerErrorDoesNotStall", func(t *testing.T) {
		log := memory.New(memory.WithPollInterval(5 * time.Millisecond))
		defer log.Close()

		var mu sync.Mutex
		var calls int
		handler := func(ctx context.Context, evt eventlog.Event) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return errors.New("handler exploded")
		}

		if err := log.Subscribe(ctx, "flaky", handler, eventlog.SubscribeOptions{}); err != nil {
			t.Fatalf("failed to subscribe: %v", err)
		}

		if _, err := log.Append(ctx, "app:acct:3", "", eventlog.ZeroVersion, []eventlog.Event{
			{Type: "account-opened", Data: map[string]any{}},
			{Type: "deposit-made", Data: map[string]any{}},
		}); err != nil {
			t.Fatalf("failed to append: %v", err)
		}

		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return calls == 2
		})
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
