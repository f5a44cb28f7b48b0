package redisstream

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/eventfold/eventfold/pkg/eventlog"
)

type task struct {
	group    string // consumer group == subscriber name
	consumer string
	key      string // full stream key
	handler  eventlog.Handler
}

// Subscribe attaches a durable consumer-group subscription. The group
// is created on first use ($ for latest, 0 for origin); an existing
// group keeps its cursor, making re-subscription a resume.
func (l *Log) Subscribe(ctx context.Context, subscriber string, handler eventlog.Handler, opts eventlog.SubscribeOptions) error {
	if err := l.live(); err != nil {
		return err
	}

	streamID := opts.StreamID
	if streamID == "" {
		streamID = eventlog.AllStream
	}
	key := streamKeyPrefix + streamID

	start := "0"
	if opts.StartFrom == eventlog.StartLatest {
		start = "$"
	}
	if err := l.client.XGroupCreateMkStream(ctx, key, subscriber, start).Err(); err != nil && !isBusyGroup(err) {
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
		group:    subscriber,
		consumer: subscriber + "-0",
		key:      key,
		handler:  handler,
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
				"subscriber", t.group,
				"stream", t.key,
				"error", err)
			timer.Reset(bo.NextBackOff())
		}
	}
}

// drainOnce reads everything currently available for the subscription:
// first the consumer's pending entries (deliveries that were read but
// not acknowledged before a crash), then new entries.
func (l *Log) drainOnce(ctx context.Context, t *task) error {
	for _, cursor := range []string{"0", ">"} {
		for {
			streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    t.group,
				Consumer: t.consumer,
				Streams:  []string{t.key, cursor},
				Count:    int64(l.readCount),
				Block:    -1, // never block; the tick drives polling
			}).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return err
			}

			delivered := 0
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					delivered++
					l.deliver(ctx, t, msg)
				}
			}
			if delivered == 0 {
				break
			}
		}
	}
	return nil
}

// deliver hands one entry to the handler and acknowledges it. Handler
// failures are logged but still acknowledged: at-least-once delivery
// redelivers only entries that were never acknowledged (crash between
// read and ack), not ones a handler rejected.
func (l *Log) deliver(ctx context.Context, t *task, msg redis.XMessage) {
	evt, err := decodeEntry(msg.Values)
	if err != nil {
		l.logger.Error("skipping undecodable stream entry",
			"subscriber", t.group,
			"stream", t.key,
			"entry", msg.ID,
			"error", err)
	} else if err := t.handler(ctx, evt); err != nil {
		l.logger.Error("subscription handler failed",
			"subscriber", t.group,
			"event_type", evt.Type,
			"version", evt.Meta.Version,
			"entry", msg.ID,
			"error", err)
	}

	if err := l.client.XAck(ctx, t.key, t.group, msg.ID).Err(); err != nil {
		l.logger.Error("failed to acknowledge stream entry",
			"subscriber", t.group,
			"stream", t.key,
			"entry", msg.ID,
			"error", err)
	}
}
