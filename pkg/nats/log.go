// Package nats implements the event log contract on NATS JetStream.
//
// One JetStream stream holds every event stream of the application,
// one subject per stream id under "es.stream.". Each append batch is a
// single message whose body is a JSON envelope of the batch events;
// the message's stream sequence becomes the version base of the batch,
// so versions are "<sequence>-<index>". Optimistic concurrency runs on
// the server: publishes carry ExpectLastSequencePerSubject with the
// base of the expected version, and a lost race surfaces as a wrong-
// last-sequence error. Transaction replays are detected by comparing
// the transaction-id header of the subject's last message.
//
// Durable subscriptions are pull consumers fetched by the same bounded
// tick scheduler the other adapters use. Snapshots live in a JetStream
// key-value bucket.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/eventfold/eventfold/pkg/credentials"
	"github.com/eventfold/eventfold/pkg/eventlog"
)

const (
	subjectPrefix = "es.stream."

	headerTxnID    = "Eventfold-Txn-Id"
	headerStreamID = "Eventfold-Stream-Id"
)

// Config holds configuration for the NATS log.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// Stream is the JetStream stream name holding all events.
	Stream string

	// SnapshotBucket is the key-value bucket name for snapshots.
	SnapshotBucket string

	// MaxAge is how long to retain events; 0 keeps them forever.
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store; 0 means no
	// limit.
	MaxBytes int64
}

// DefaultConfig returns sensible defaults for the NATS log.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Stream:         "EVENTFOLD",
		SnapshotBucket: "EVENTFOLD_SNAPSHOTS",
	}
}

// Option configures the log.
type Option func(*Log)

// WithConfig sets the NATS connection and stream settings.
func WithConfig(cfg Config) Option {
	return func(l *Log) {
		l.cfg = cfg
	}
}

// WithURL sets the NATS server URL.
func WithURL(url string) Option {
	return func(l *Log) {
		l.cfg.URL = url
	}
}

// WithConn injects an existing connection. The log will not close an
// injected connection.
func WithConn(nc *nats.Conn) Option {
	return func(l *Log) {
		l.nc = nc
		l.ownsConn = false
	}
}

// WithCredentials resolves the connection user and password through a
// provider at construction time.
func WithCredentials(p credentials.Provider) Option {
	return func(l *Log) {
		l.creds = p
	}
}

// WithPoolSize bounds how many subscriptions may poll concurrently.
// Defaults to 10.
func WithPoolSize(n int) Option {
	return func(l *Log) {
		l.poolSize = n
	}
}

// WithInitialDelay sets how long a subscription waits before its first
// poll. Defaults to 5s.
func WithInitialDelay(d time.Duration) Option {
	return func(l *Log) {
		l.initialDelay = d
	}
}

// WithTickInterval sets the delay between polls of one subscription.
// Defaults to 1s.
func WithTickInterval(d time.Duration) Option {
	return func(l *Log) {
		l.tickInterval = d
	}
}

// WithReadCount sets how many messages one fetch requests at most.
// Defaults to 128.
func WithReadCount(n int) Option {
	return func(l *Log) {
		l.readCount = n
	}
}

// WithLogger sets the logger for subscription workers.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// Log is a NATS JetStream implementation of eventlog.Log.
type Log struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	kv       nats.KeyValue
	ownsConn bool
	cfg      Config
	creds    credentials.Provider
	logger   *slog.Logger

	poolSize     int
	initialDelay time.Duration
	tickInterval time.Duration
	readCount    int

	mu     sync.Mutex
	tasks  map[string]bool
	closed bool

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
}

var _ eventlog.Log = (*Log)(nil)

// New connects to NATS, ensures the stream and snapshot bucket exist
// and returns a ready log.
func New(opts ...Option) (*Log, error) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Log{
		ownsConn:     true,
		cfg:          DefaultConfig(),
		logger:       slog.Default(),
		poolSize:     10,
		initialDelay: 5 * time.Second,
		tickInterval: time.Second,
		readCount:    128,
		tasks:        make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.sem = make(chan struct{}, l.poolSize)

	if l.nc == nil {
		connOpts, err := l.connectOptions()
		if err != nil {
			cancel()
			return nil, err
		}
		nc, err := nats.Connect(l.cfg.URL, connOpts...)
		if err != nil {
			cancel()
			return nil, eventlog.NewBackendError("connect", err)
		}
		l.nc = nc
	}

	js, err := l.nc.JetStream()
	if err != nil {
		l.shutdown()
		return nil, eventlog.NewBackendError("connect", err)
	}
	l.js = js

	if err := l.ensureStream(); err != nil {
		l.shutdown()
		return nil, err
	}
	if err := l.ensureSnapshotBucket(); err != nil {
		l.shutdown()
		return nil, err
	}
	return l, nil
}

func (l *Log) connectOptions() ([]nats.Option, error) {
	opts := []nats.Option{nats.Name("eventfold")}
	if l.creds != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		creds, err := l.creds.GetCredentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve nats credentials: %w", err)
		}
		if creds.Username != "" {
			opts = append(opts, nats.UserInfo(creds.Username, creds.Password))
		} else {
			opts = append(opts, nats.Token(creds.Password))
		}
	}
	return opts, nil
}

// ensureStream creates the event stream or updates its limits. The
// stream uses limits-based retention: it is the system of record, so
// events must outlive consumer interest.
func (l *Log) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      l.cfg.Stream,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: nats.LimitsPolicy,
		MaxAge:    l.cfg.MaxAge,
		MaxBytes:  l.cfg.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	stream, err := l.js.StreamInfo(l.cfg.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := l.js.AddStream(streamConfig); err != nil {
			return eventlog.NewBackendError("connect", fmt.Errorf("failed to create stream: %w", err))
		}
		return nil
	}
	if err != nil {
		return eventlog.NewBackendError("connect", err)
	}

	if stream.Config.MaxAge != l.cfg.MaxAge || stream.Config.MaxBytes != l.cfg.MaxBytes {
		if _, err := l.js.UpdateStream(streamConfig); err != nil {
			return eventlog.NewBackendError("connect", fmt.Errorf("failed to update stream: %w", err))
		}
	}
	return nil
}

func (l *Log) ensureSnapshotBucket() error {
	kv, err := l.js.KeyValue(l.cfg.SnapshotBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = l.js.CreateKeyValue(&nats.KeyValueConfig{Bucket: l.cfg.SnapshotBucket})
	}
	if err != nil {
		return eventlog.NewBackendError("connect", fmt.Errorf("failed to open snapshot bucket: %w", err))
	}
	l.kv = kv
	return nil
}

// InitialVersion returns the version of an empty stream.
func (l *Log) InitialVersion() eventlog.Version {
	return eventlog.ZeroVersion
}

// Append atomically appends events to a stream. The whole batch is one
// JetStream message; its stream sequence becomes the version base.
func (l *Log) Append(ctx context.Context, streamID, txnID string, expected eventlog.Version, events []eventlog.Event) ([]eventlog.Event, error) {
	if err := l.live(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, eventlog.ErrEmptyAppend
	}

	subject := streamSubject(streamID)

	lastSeq, lastEnv, found, err := l.lastEnvelope(subject)
	if err != nil {
		return nil, eventlog.NewBackendError("append", err)
	}

	// A retry of a committed append: leave everything untouched.
	if found && txnID != "" && lastEnv.TxnID == txnID {
		return lastEnv.toEvents(lastSeq), nil
	}

	current := eventlog.ZeroVersion
	if found {
		current = lastEnv.currentVersion(lastSeq)
	}
	if current != expected {
		return nil, eventlog.NewConcurrencyError(streamID, expected, current)
	}

	env := envelope{
		StreamID: streamID,
		TxnID:    txnID,
		TS:       eventlog.NowUnixMilli(),
	}
	for _, evt := range events {
		env.Events = append(env.Events, envelopeEvent{Type: evt.Type, Data: evt.Data})
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal append envelope: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Header.Set(headerStreamID, streamID)
	if txnID != "" {
		msg.Header.Set(headerTxnID, txnID)
	}
	msg.Data = body

	ack, err := l.js.PublishMsg(msg, nats.ExpectLastSequencePerSubject(lastSeq))
	if isWrongLastSequence(err) {
		// A concurrent append moved the subject between our read and
		// the publish. Re-read for the actual version.
		actual := eventlog.ZeroVersion
		if seq, env, ok, metaErr := l.lastEnvelope(subject); metaErr == nil && ok {
			actual = env.currentVersion(seq)
		}
		return nil, eventlog.NewConcurrencyError(streamID, expected, actual)
	}
	if err != nil {
		return nil, eventlog.NewBackendError("append", err)
	}
	return env.toEvents(ack.Sequence), nil
}

// Read returns events with version strictly greater than after. For
// the fan-out stream events come back in arrival (sequence) order and
// only a zero after is meaningful.
func (l *Log) Read(ctx context.Context, streamID string, after eventlog.Version, limit int) ([]eventlog.Event, error) {
	if err := l.live(); err != nil {
		return nil, err
	}

	subject := subjectPrefix + ">"
	endSeq := uint64(0)
	if streamID == eventlog.AllStream {
		info, err := l.js.StreamInfo(l.cfg.Stream)
		if err != nil {
			return nil, eventlog.NewBackendError("read", err)
		}
		endSeq = info.State.LastSeq
	} else {
		subject = streamSubject(streamID)
		last, err := l.js.GetLastMsg(l.cfg.Stream, subject)
		if errors.Is(err, nats.ErrMsgNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, eventlog.NewBackendError("read", err)
		}
		endSeq = last.Sequence
	}
	if endSeq == 0 {
		return nil, nil
	}

	// An ephemeral pull consumer scans the subject; it is deleted on
	// Unsubscribe, so deliveries are never acknowledged. The scan
	// starts at the base of after so a mid-batch boundary can drop the
	// already seen head of that batch.
	subOpts := []nats.SubOpt{nats.BindStream(l.cfg.Stream)}
	if base := after.Base(); base > 0 {
		subOpts = append(subOpts, nats.StartSequence(base))
	} else {
		subOpts = append(subOpts, nats.DeliverAll())
	}
	sub, err := l.js.PullSubscribe(subject, "", subOpts...)
	if err != nil {
		return nil, eventlog.NewBackendError("read", err)
	}
	defer sub.Unsubscribe()

	var out []eventlog.Event
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msgs, err := sub.Fetch(l.readCount, nats.Context(fetchCtx))
		cancel()
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return out, nil
		}
		if err != nil {
			return nil, eventlog.NewBackendError("read", err)
		}

		for _, msg := range msgs {
			md, err := msg.Metadata()
			if err != nil {
				return nil, eventlog.NewBackendError("read", err)
			}
			var env envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				return nil, eventlog.NewBackendError("read", fmt.Errorf("failed to unmarshal envelope: %w", err))
			}
			for _, evt := range env.toEvents(md.Sequence.Stream) {
				if !after.Less(evt.Meta.Version) {
					continue
				}
				out = append(out, evt)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
			if md.Sequence.Stream >= endSeq {
				return out, nil
			}
		}
	}
}

// SaveSnapshot stores the snapshot for a stream.
func (l *Log) SaveSnapshot(ctx context.Context, streamID string, snapshot eventlog.Snapshot) error {
	if err := l.live(); err != nil {
		return err
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if _, err := l.kv.Put(subjectToken(streamID), raw); err != nil {
		return eventlog.NewBackendError("save-snapshot", err)
	}
	return nil
}

// Snapshot returns the latest snapshot for a stream.
func (l *Log) Snapshot(ctx context.Context, streamID string) (eventlog.Snapshot, bool, error) {
	if err := l.live(); err != nil {
		return eventlog.Snapshot{}, false, err
	}
	entry, err := l.kv.Get(subjectToken(streamID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return eventlog.Snapshot{}, false, nil
	}
	if err != nil {
		return eventlog.Snapshot{}, false, eventlog.NewBackendError("snapshot", err)
	}
	var snap eventlog.Snapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return eventlog.Snapshot{}, false, eventlog.NewBackendError("snapshot", err)
	}
	return snap, true, nil
}

// StreamMeta returns the bookkeeping record of a stream, derived from
// the last message on the stream's subject.
func (l *Log) StreamMeta(ctx context.Context, streamID string) (eventlog.StreamMeta, error) {
	if err := l.live(); err != nil {
		return eventlog.StreamMeta{}, err
	}
	seq, env, found, err := l.lastEnvelope(streamSubject(streamID))
	if err != nil {
		return eventlog.StreamMeta{}, eventlog.NewBackendError("stream-meta", err)
	}
	if !found {
		return eventlog.StreamMeta{CurrentVersion: eventlog.ZeroVersion}, nil
	}
	return eventlog.StreamMeta{
		CurrentVersion: env.currentVersion(seq),
		LastTxnID:      env.TxnID,
	}, nil
}

// Close stops subscription workers and closes an owned connection.
// Durable consumers stay on the server so subscribers resume from
// their cursors after a restart.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.group.Wait()

	if l.ownsConn {
		l.nc.Close()
	}
	return nil
}

// shutdown tears down a partially constructed log.
func (l *Log) shutdown() {
	l.cancel()
	if l.ownsConn && l.nc != nil {
		l.nc.Close()
	}
}

func (l *Log) live() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return eventlog.ErrClosed
	}
	return nil
}

// lastEnvelope reads the newest message on a subject. found is false
// for a subject that has never been published to.
func (l *Log) lastEnvelope(subject string) (uint64, envelope, bool, error) {
	last, err := l.js.GetLastMsg(l.cfg.Stream, subject)
	if errors.Is(err, nats.ErrMsgNotFound) {
		return 0, envelope{}, false, nil
	}
	if err != nil {
		return 0, envelope{}, false, err
	}
	var env envelope
	if err := json.Unmarshal(last.Data, &env); err != nil {
		return 0, envelope{}, false, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return last.Sequence, env, true, nil
}

// envelope is the JetStream message body: one append batch.
type envelope struct {
	StreamID string          `json:"stream-id"`
	TxnID    string          `json:"txn-id"`
	TS       int64           `json:"ts"`
	Events   []envelopeEvent `json:"events"`
}

type envelopeEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// toEvents expands the envelope into events versioned off the
// message's stream sequence.
func (e envelope) toEvents(seq uint64) []eventlog.Event {
	out := make([]eventlog.Event, len(e.Events))
	for i, evt := range e.Events {
		out[i] = eventlog.Event{
			Type: evt.Type,
			Data: evt.Data,
			Meta: eventlog.Meta{TS: e.TS, Version: eventlog.JoinVersion(seq, uint64(i))},
		}
	}
	return out
}

// currentVersion is the version of the envelope's last event.
func (e envelope) currentVersion(seq uint64) eventlog.Version {
	if len(e.Events) == 0 {
		return eventlog.JoinVersion(seq, 0)
	}
	return eventlog.JoinVersion(seq, uint64(len(e.Events)-1))
}

// streamSubject maps a stream id onto its subject.
func streamSubject(streamID string) string {
	return subjectPrefix + subjectToken(streamID)
}

// subjectToken makes a stream id usable as a single subject token and
// key-value key: alphanumerics and dashes pass through, every other
// byte becomes "_xx" (hex) with '_' escaping itself. The encoding is
// injective, so distinct stream ids never share a subject.
func subjectToken(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		case c == '_':
			b.WriteString("__")
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}

func isWrongLastSequence(err error) bool {
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
