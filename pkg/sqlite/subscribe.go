package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eventfold/eventfold/pkg/eventlog"
)

type task struct {
	subscriber string
	streamID   string
	handler    eventlog.Handler
}

// record is one delivered row: the event plus the global position the
// cursor advances to once it is acknowledged.
type record struct {
	position int64
	event    eventlog.Event
}

// Subscribe attaches a durable subscription backed by a cursor row.
// The row is created on first use (MAX(position) for latest, 0 for
// origin); an existing row keeps its cursor, making re-subscription a
// resume.
func (l *Log) Subscribe(ctx context.Context, subscriber string, handler eventlog.Handler, opts eventlog.SubscribeOptions) error {
	if err := l.live(); err != nil {
		return err
	}

	streamID := opts.StreamID
	if streamID == "" {
		streamID = eventlog.AllStream
	}

	var start int64
	if opts.StartFrom == eventlog.StartLatest {
		pos, err := l.latestPosition(ctx, streamID)
		if err != nil {
			return eventlog.NewBackendError("subscribe", err)
		}
		start = pos
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO cursors (subscriber, stream_id, position)
		VALUES (?, ?, ?)
		ON CONFLICT (subscriber, stream_id) DO NOTHING
	`, subscriber, streamID, start)
	if err != nil {
		return eventlog.NewBackendError("subscribe", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return eventlog.ErrClosed
	}
	if l.tasks[subscriber] {
		l.mu.Unlock()
		return nil // worker already polling for this subscriber
	}
	l.tasks[subscriber] = true
	l.mu.Unlock()

	t := &task{
		subscriber: subscriber,
		streamID:   streamID,
		handler:    handler,
	}
	l.group.Go(func() error {
		l.runTask(t)
		return nil
	})
	return nil
}

// runTask polls one subscription: an initial delay, then one drain per
// tick, with exponential backoff after read failures. The shared
// semaphore bounds how many subscriptions drain at once.
func (l *Log) runTask(t *task) {
	timer := time.NewTimer(l.initialDelay)
	defer timer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.tickInterval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-timer.C:
		}

		select {
		case l.sem <- struct{}{}:
		case <-l.ctx.Done():
			return
		}
		err := l.drainOnce(l.ctx, t)
		<-l.sem

		switch {
		case err == nil:
			bo.Reset()
			timer.Reset(l.tickInterval)
		case errors.Is(err, context.Canceled):
			return
		default:
			l.logger.Error("subscription read failed",
				"subscriber", t.subscriber,
				"stream", t.streamID,
				"error", err)
			timer.Reset(bo.NextBackOff())
		}
	}
}

// drainOnce reads everything past the subscription's cursor, one page
// at a time. Pages are materialized before delivery so that cursor
// updates never contend with an open result set on single-connection
// databases.
func (l *Log) drainOnce(ctx context.Context, t *task) error {
	for {
		cursor, err := l.cursor(ctx, t)
		if err != nil {
			return err
		}
		page, err := l.pageAfter(ctx, t.streamID, cursor)
		if err != nil {
			return err
		}
		for _, rec := range page {
			l.deliver(ctx, t, rec)
		}
		if len(page) < l.readCount {
			return nil
		}
	}
}

// deliver hands one event to the handler and advances the durable
// cursor. Handler failures are logged but still acknowledged:
// at-least-once delivery redelivers only events whose cursor update
// never happened (crash between read and ack), not ones a handler
// rejected.
func (l *Log) deliver(ctx context.Context, t *task, rec record) {
	if err := t.handler(ctx, rec.event); err != nil {
		l.logger.Error("subscription handler failed",
			"subscriber", t.subscriber,
			"event_type", rec.event.Type,
			"version", rec.event.Meta.Version,
			"position", rec.position,
			"error", err)
	}

	_, err := l.db.ExecContext(ctx, `
		UPDATE cursors SET position = ? WHERE subscriber = ? AND stream_id = ?
	`, rec.position, t.subscriber, t.streamID)
	if err != nil {
		l.logger.Error("failed to advance subscription cursor",
			"subscriber", t.subscriber,
			"stream", t.streamID,
			"position", rec.position,
			"error", err)
	}
}

func (l *Log) cursor(ctx context.Context, t *task) (int64, error) {
	var pos int64
	err := l.db.QueryRowContext(ctx, `
		SELECT position FROM cursors WHERE subscriber = ? AND stream_id = ?
	`, t.subscriber, t.streamID).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return pos, err
}

// latestPosition returns the position of the newest event visible to
// the stream, 0 when the stream is empty.
func (l *Log) latestPosition(ctx context.Context, streamID string) (int64, error) {
	var (
		pos int64
		err error
	)
	if streamID == eventlog.AllStream {
		err = l.db.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position), 0) FROM events
		`).Scan(&pos)
	} else {
		err = l.db.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position), 0) FROM events WHERE stream_id = ?
		`, streamID).Scan(&pos)
	}
	return pos, err
}

// pageAfter returns up to readCount events past the given position, in
// position order, fully materialized.
func (l *Log) pageAfter(ctx context.Context, streamID string, after int64) ([]record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if streamID == eventlog.AllStream {
		rows, err = l.db.QueryContext(ctx, `
			SELECT position, base, batch, event_type, data, ts FROM events
			WHERE position > ?
			ORDER BY position
			LIMIT ?
		`, after, l.readCount)
	} else {
		rows, err = l.db.QueryContext(ctx, `
			SELECT position, base, batch, event_type, data, ts FROM events
			WHERE stream_id = ? AND position > ?
			ORDER BY position
			LIMIT ?
		`, streamID, after, l.readCount)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []record
	for rows.Next() {
		var (
			position  int64
			base      uint64
			batch     uint64
			eventType string
			raw       string
			ts        int64
		)
		if err := rows.Scan(&position, &base, &batch, &eventType, &raw, &ts); err != nil {
			return nil, err
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		page = append(page, record{
			position: position,
			event: eventlog.Event{
				Type: eventType,
				Data: data,
				Meta: eventlog.Meta{TS: ts, Version: eventlog.JoinVersion(base, batch)},
			},
		})
	}
	return page, rows.Err()
}
