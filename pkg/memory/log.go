// Package memory provides an in-memory event log for tests and
// prototypes. It honors the full eventlog contract including
// transaction idempotency, optimistic concurrency and durable (for the
// process lifetime) subscription cursors.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eventfold/eventfold/pkg/eventlog"
)

// Option configures the in-memory log.
type Option func(*Log)

// WithLogger sets the logger used by subscription workers.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// WithPollInterval sets how often subscription workers check for new
// events. Defaults to 20ms, which keeps tests fast without busy-looping.
func WithPollInterval(d time.Duration) Option {
	return func(l *Log) {
		l.poll = d
	}
}

// Log is an in-memory eventlog.Log implementation.
type Log struct {
	mu         sync.RWMutex
	streams    map[string][]eventlog.Event
	all        []eventlog.Event
	metas      map[string]eventlog.StreamMeta
	lastAppend map[string][]eventlog.Event
	snapshots  map[string]eventlog.Snapshot
	cursors    map[string]int
	subs       map[string]bool
	closed     bool

	logger *slog.Logger
	poll   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ eventlog.Log = (*Log)(nil)

// New creates an empty in-memory log.
func New(opts ...Option) *Log {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Log{
		streams:    make(map[string][]eventlog.Event),
		metas:      make(map[string]eventlog.StreamMeta),
		lastAppend: make(map[string][]eventlog.Event),
		snapshots:  make(map[string]eventlog.Snapshot),
		cursors:    make(map[string]int),
		subs:       make(map[string]bool),
		logger:     slog.Default(),
		poll:       20 * time.Millisecond,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// InitialVersion returns the version of an empty stream.
func (l *Log) InitialVersion() eventlog.Version {
	return eventlog.ZeroVersion
}

// Append atomically appends events to a stream.
func (l *Log) Append(ctx context.Context, streamID, txnID string, expected eventlog.Version, events []eventlog.Event) ([]eventlog.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, eventlog.ErrEmptyAppend
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, eventlog.ErrClosed
	}

	meta, ok := l.metas[streamID]
	if !ok {
		meta = eventlog.StreamMeta{CurrentVersion: eventlog.ZeroVersion}
	}

	// Transaction replay: return the batch recorded by the first attempt.
	if txnID != "" && meta.LastTxnID == txnID {
		return copyEvents(l.lastAppend[streamID]), nil
	}

	if meta.CurrentVersion != expected {
		return nil, eventlog.NewConcurrencyError(streamID, expected, meta.CurrentVersion)
	}

	base := expected.Base() + 1
	ts := eventlog.NowUnixMilli()
	batch := make([]eventlog.Event, len(events))
	for i, evt := range events {
		evt.Meta = eventlog.Meta{TS: ts, Version: eventlog.JoinVersion(base, uint64(i))}
		batch[i] = evt
	}

	l.streams[streamID] = append(l.streams[streamID], batch...)
	l.all = append(l.all, batch...)
	l.metas[streamID] = eventlog.StreamMeta{
		CurrentVersion: batch[len(batch)-1].Meta.Version,
		LastTxnID:      txnID,
	}
	l.lastAppend[streamID] = batch

	return copyEvents(batch), nil
}

// Read returns events with version strictly greater than after. For
// AllStream the events come back in arrival order and only a zero
// after is meaningful.
func (l *Log) Read(ctx context.Context, streamID string, after eventlog.Version, limit int) ([]eventlog.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, eventlog.ErrClosed
	}

	source := l.streams[streamID]
	if streamID == eventlog.AllStream {
		source = l.all
	}

	var out []eventlog.Event
	for _, evt := range source {
		if streamID != eventlog.AllStream && !after.Less(evt.Meta.Version) {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Subscribe attaches a polling worker delivering events to the handler.
func (l *Log) Subscribe(ctx context.Context, subscriber string, handler eventlog.Handler, opts eventlog.SubscribeOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	streamID := opts.StreamID
	if streamID == "" {
		streamID = eventlog.AllStream
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return eventlog.ErrClosed
	}
	if l.subs[subscriber] {
		l.mu.Unlock()
		return nil // already running; durable cursor keeps advancing
	}
	l.subs[subscriber] = true
	if _, ok := l.cursors[subscriber]; !ok {
		pos := 0
		if opts.StartFrom == eventlog.StartLatest {
			pos = l.sourceLen(streamID)
		}
		l.cursors[subscriber] = pos
	}
	l.mu.Unlock()

	l.wg.Add(1)
	go l.consume(subscriber, streamID, handler)
	return nil
}

func (l *Log) sourceLen(streamID string) int {
	if streamID == eventlog.AllStream {
		return len(l.all)
	}
	return len(l.streams[streamID])
}

func (l *Log) consume(subscriber, streamID string, handler eventlog.Handler) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			l.mu.RLock()
			pos := l.cursors[subscriber]
			source := l.streams[streamID]
			if streamID == eventlog.AllStream {
				source = l.all
			}
			if pos >= len(source) {
				l.mu.RUnlock()
				break
			}
			evt := source[pos]
			l.mu.RUnlock()

			if err := handler(l.ctx, evt); err != nil {
				l.logger.Error("subscription handler failed",
					"subscriber", subscriber,
					"event_type", evt.Type,
					"version", evt.Meta.Version,
					"error", err)
			}

			// Advance even on handler error: delivery is acknowledged.
			l.mu.Lock()
			l.cursors[subscriber] = pos + 1
			l.mu.Unlock()
		}
	}
}

// SaveSnapshot stores the snapshot for a stream.
func (l *Log) SaveSnapshot(ctx context.Context, streamID string, snapshot eventlog.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return eventlog.ErrClosed
	}
	l.snapshots[streamID] = snapshot
	return nil
}

// Snapshot returns the latest snapshot for a stream.
func (l *Log) Snapshot(ctx context.Context, streamID string) (eventlog.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return eventlog.Snapshot{}, false, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return eventlog.Snapshot{}, false, eventlog.ErrClosed
	}
	snap, ok := l.snapshots[streamID]
	return snap, ok, nil
}

// StreamMeta returns the bookkeeping record of a stream.
func (l *Log) StreamMeta(ctx context.Context, streamID string) (eventlog.StreamMeta, error) {
	if err := ctx.Err(); err != nil {
		return eventlog.StreamMeta{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return eventlog.StreamMeta{}, eventlog.ErrClosed
	}
	meta, ok := l.metas[streamID]
	if !ok {
		return eventlog.StreamMeta{CurrentVersion: eventlog.ZeroVersion}, nil
	}
	return meta, nil
}

// Close stops all subscription workers.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	return nil
}

func copyEvents(events []eventlog.Event) []eventlog.Event {
	out := make([]eventlog.Event, len(events))
	copy(out, events)
	return out
}
