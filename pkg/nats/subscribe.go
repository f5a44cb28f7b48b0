package nats

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/eventfold/eventfold/pkg/eventlog"
)

// fetchWait bounds one pull request. Short enough that the shared
// semaphore is never held long by an idle subscription.
const fetchWait = 250 * time.Millisecond

type task struct {
	subscriber string
	sub        *nats.Subscription
	handler    eventlog.Handler
}

// Subscribe attaches a durable pull consumer. The consumer is created
// on first use (DeliverNew for latest, DeliverAll for origin); an
// existing consumer keeps its cursor, making re-subscription a resume.
// Consumers survive Close, so a restarted process resumes where the
// previous one acknowledged.
func (l *Log) Subscribe(ctx context.Context, subscriber string, handler eventlog.Handler, opts eventlog.SubscribeOptions) error {
	if err := l.live(); err != nil {
		return err
	}

	streamID := opts.StreamID
	if streamID == "" {
		streamID = eventlog.AllStream
	}
	subject := subjectPrefix + ">"
	if streamID != eventlog.AllStream {
		subject = streamSubject(streamID)
	}
	durable := subjectToken(subscriber)

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

	sub, err := l.attachConsumer(ctx, subject, durable, opts.StartFrom)
	if err != nil {
		l.mu.Lock()
		delete(l.tasks, subscriber)
		l.mu.Unlock()
		return eventlog.NewBackendError("subscribe", err)
	}

	t := &task{
		subscriber: subscriber,
		sub:        sub,
		handler:    handler,
	}
	l.group.Go(func() error {
		l.runTask(t)
		return nil
	})
	return nil
}

// attachConsumer binds to an existing durable consumer or creates one
// with the requested start position.
func (l *Log) attachConsumer(ctx context.Context, subject, durable string, start eventlog.StartPosition) (*nats.Subscription, error) {
	_, err := l.js.ConsumerInfo(l.cfg.Stream, durable, nats.Context(ctx))
	if err == nil {
		return l.js.PullSubscribe("", durable, nats.Bind(l.cfg.Stream, durable))
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return nil, err
	}

	subOpts := []nats.SubOpt{
		nats.Durable(durable),
		nats.BindStream(l.cfg.Stream),
		nats.ManualAck(),
		nats.AckExplicit(),
	}
	if start == eventlog.StartLatest {
		subOpts = append(subOpts, nats.DeliverNew())
	} else {
		subOpts = append(subOpts, nats.DeliverAll())
	}
	return l.js.PullSubscribe(subject, durable, subOpts...)
}

// runTask polls one subscription: an initial delay, then one drain per
// tick, with exponential backoff after fetch failures. The shared
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
			l.logger.Error("subscription fetch failed",
				"subscriber", t.subscriber,
				"error", err)
			timer.Reset(bo.NextBackOff())
		}
	}
}

// drainOnce fetches everything currently available for the
// subscription, one batch message at a time.
func (l *Log) drainOnce(ctx context.Context, t *task) error {
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchWait)
		msgs, err := t.sub.Fetch(l.readCount, nats.Context(fetchCtx))
		cancel()
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil // drained
		}
		if err != nil {
			return err
		}

		for _, msg := range msgs {
			l.deliver(ctx, t, msg)
		}
		if len(msgs) < l.readCount {
			return nil
		}
	}
}

// deliver expands one batch message and hands its events to the
// handler in order, then acknowledges the message. Handler failures
// are logged but still acknowledged: at-least-once delivery redelivers
// only messages that were never acknowledged (crash between fetch and
// ack), not ones a handler rejected.
func (l *Log) deliver(ctx context.Context, t *task, msg *nats.Msg) {
	md, err := msg.Metadata()
	if err != nil {
		l.logger.Error("skipping message without metadata",
			"subscriber", t.subscriber,
			"error", err)
		msg.Ack()
		return
	}

	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		l.logger.Error("skipping undecodable envelope",
			"subscriber", t.subscriber,
			"sequence", md.Sequence.Stream,
			"error", err)
		msg.Ack()
		return
	}

	for _, evt := range env.toEvents(md.Sequence.Stream) {
		if err := t.handler(ctx, evt); err != nil {
			l.logger.Error("subscription handler failed",
				"subscriber", t.subscriber,
				"event_type", evt.Type,
				"version", evt.Meta.Version,
				"error", err)
		}
	}

	if err := msg.Ack(); err != nil {
		l.logger.Error("failed to acknowledge message",
			"subscriber", t.subscriber,
			"sequence", md.Sequence.Stream,
			"error", err)
	}
}
