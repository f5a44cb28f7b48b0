// Package redisstream implements the event log contract on Redis
// Streams.
//
// Layout, for a stream id of the form "<app>:<aggregate>:<entity>":
//
//	es:stream/<stream-id>   XADD entries, entry id = event version
//	es:stream/all-events    copy of every event, server-assigned ids
//	es:meta/<stream-id>     JSON {"current-version", "last-txn-id"}
//	es:snapshot/<stream-id> JSON {"meta", "data"}
//
// Each stream entry has two fields: "meta" holding the JSON-encoded
// {"ts", "version"} pair and "event" holding {"type", "data"}.
//
// Appends are serialized through WATCH on the meta key: the
// transaction reads the meta record, decides replay or conflict, then
// runs MULTI/EXEC writing the new meta, one XADD per event on the
// aggregate stream (explicit ids) and one per event on the fan-out
// stream. An EXEC aborted by a concurrent writer surfaces as a
// concurrency conflict.
//
// Subscriptions are Redis consumer groups, one group per subscriber
// with a single consumer "<subscriber>-0". A bounded worker pool polls
// each subscription on a fixed tick, draining pending entries before
// new ones, acknowledging every delivery.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/eventfold/eventfold/pkg/credentials"
	"github.com/eventfold/eventfold/pkg/eventlog"
)

const (
	streamKeyPrefix   = "es:stream/"
	metaKeyPrefix     = "es:meta/"
	snapshotKeyPrefix = "es:snapshot/"

	fieldMeta  = "meta"
	fieldEvent = "event"

	rangePageSize = 256
)

// Config holds Redis connection settings.
type Config struct {
	// Addr is the host:port of the Redis server. Defaults to
	// "localhost:6379".
	Addr string

	// Username and Password authenticate the connection. Prefer
	// WithCredentials over inlining the password here.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// PoolSize caps the connection pool. Zero keeps the client default.
	PoolSize int
}

// Option configures the log.
type Option func(*Log)

// WithConfig sets the Redis connection settings.
func WithConfig(cfg Config) Option {
	return func(l *Log) {
		l.cfg = cfg
	}
}

// WithURL configures the connection from a redis:// URL.
func WithURL(raw string) Option {
	return func(l *Log) {
		l.url = raw
	}
}

// WithClient injects an existing client. The log will not close an
// injected client.
func WithClient(client redis.UniversalClient) Option {
	return func(l *Log) {
		l.client = client
		l.ownsClient = false
	}
}

// WithCredentials resolves the connection password through a provider
// at construction time.
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
// poll. Defaults to 5s, giving the application time to finish starting
// before history replays begin.
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

// WithReadCount sets the COUNT used on XREADGROUP. Defaults to 128.
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

// Log is a Redis Streams implementation of eventlog.Log.
type Log struct {
	client     redis.UniversalClient
	ownsClient bool
	cfg        Config
	url        string
	creds      credentials.Provider
	logger     *slog.Logger

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

// New connects to Redis and returns a ready log.
func New(opts ...Option) (*Log, error) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Log{
		ownsClient:   true,
		cfg:          Config{Addr: "localhost:6379"},
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

	if l.client == nil {
		options, err := l.clientOptions()
		if err != nil {
			cancel()
			return nil, err
		}
		l.client = redis.NewClient(options)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()
	if err := l.client.Ping(pingCtx).Err(); err != nil {
		cancel()
		if l.ownsClient {
			l.client.Close()
		}
		return nil, eventlog.NewBackendError("connect", err)
	}
	return l, nil
}

func (l *Log) clientOptions() (*redis.Options, error) {
	var options *redis.Options
	if l.url != "" {
		parsed, err := redis.ParseURL(l.url)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		options = parsed
	} else {
		options = &redis.Options{
			Addr:     l.cfg.Addr,
			Username: l.cfg.Username,
			Password: l.cfg.Password,
			DB:       l.cfg.DB,
			PoolSize: l.cfg.PoolSize,
		}
	}

	if l.creds != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		creds, err := l.creds.GetCredentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve redis credentials: %w", err)
		}
		options.Username = creds.Username
		options.Password = creds.Password
	}
	return options, nil
}

// InitialVersion returns the version of an empty stream.
func (l *Log) InitialVersion() eventlog.Version {
	return eventlog.ZeroVersion
}

// Append atomically appends events to a stream.
func (l *Log) Append(ctx context.Context, streamID, txnID string, expected eventlog.Version, events []eventlog.Event) ([]eventlog.Event, error) {
	if err := l.live(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, eventlog.ErrEmptyAppend
	}

	metaKey := metaKeyPrefix + streamID
	streamKey := streamKeyPrefix + streamID
	allKey := streamKeyPrefix + eventlog.AllStream

	var (
		batch    []eventlog.Event
		replayed bool
		recorded eventlog.StreamMeta
	)

	err := l.client.Watch(ctx, func(tx *redis.Tx) error {
		meta, err := decodeStreamMeta(tx.Get(ctx, metaKey))
		if err != nil {
			return err
		}

		// A retry of a committed append: leave everything untouched.
		if txnID != "" && meta.LastTxnID == txnID {
			replayed = true
			recorded = meta
			return nil
		}

		if meta.CurrentVersion != expected {
			return eventlog.NewConcurrencyError(streamID, expected, meta.CurrentVersion)
		}

		base := expected.Base() + 1
		ts := eventlog.NowUnixMilli()
		batch = make([]eventlog.Event, len(events))
		for i, evt := range events {
			evt.Meta = eventlog.Meta{TS: ts, Version: eventlog.JoinVersion(base, uint64(i))}
			batch[i] = evt
		}

		newMeta, err := json.Marshal(eventlog.StreamMeta{
			CurrentVersion: batch[len(batch)-1].Meta.Version,
			LastTxnID:      txnID,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal stream meta: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, metaKey, newMeta, 0)
			for _, evt := range batch {
				values, err := encodeEntry(evt)
				if err != nil {
					return err
				}
				pipe.XAdd(ctx, &redis.XAddArgs{
					Stream: streamKey,
					ID:     string(evt.Meta.Version),
					Values: values,
				})
			}
			for _, evt := range batch {
				values, err := encodeEntry(evt)
				if err != nil {
					return err
				}
				pipe.XAdd(ctx, &redis.XAddArgs{
					Stream: allKey,
					ID:     "*",
					Values: values,
				})
			}
			return nil
		})
		return err
	}, metaKey)

	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		// A concurrent append invalidated the WATCH between our read
		// and EXEC. Re-read the meta record for the actual version.
		meta, metaErr := l.StreamMeta(ctx, streamID)
		if metaErr != nil {
			meta.CurrentVersion = eventlog.ZeroVersion
		}
		return nil, eventlog.NewConcurrencyError(streamID, expected, meta.CurrentVersion)
	case errors.Is(err, eventlog.ErrConcurrencyConflict), errors.Is(err, eventlog.ErrBackend):
		return nil, err
	default:
		return nil, eventlog.NewBackendError("append", err)
	}

	if replayed {
		return l.recordedBatch(ctx, streamKey, recorded.CurrentVersion)
	}
	return batch, nil
}

// recordedBatch reads back the batch a previous attempt appended.
// Entries are immutable, so this needs no coordination with writers.
func (l *Log) recordedBatch(ctx context.Context, streamKey string, current eventlog.Version) ([]eventlog.Event, error) {
	start := eventlog.JoinVersion(current.Base(), 0)
	msgs, err := l.client.XRange(ctx, streamKey, string(start), string(current)).Result()
	if err != nil {
		return nil, eventlog.NewBackendError("append", err)
	}
	events := make([]eventlog.Event, 0, len(msgs))
	for _, msg := range msgs {
		evt, err := decodeEntry(msg.Values)
		if err != nil {
			return nil, eventlog.NewBackendError("append", err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// Read returns events with version strictly greater than after. For
// the fan-out stream only a zero after is meaningful, since its
// entries carry server-assigned ids.
func (l *Log) Read(ctx context.Context, streamID string, after eventlog.Version, limit int) ([]eventlog.Event, error) {
	if err := l.live(); err != nil {
		return nil, err
	}

	key := streamKeyPrefix + streamID
	start := "-"
	if after != "" && after != eventlog.ZeroVersion {
		start = string(after.NextRangeStart())
	}

	var out []eventlog.Event
	for {
		count := rangePageSize
		if limit > 0 && limit-len(out) < count {
			count = limit - len(out)
		}
		msgs, err := l.client.XRangeN(ctx, key, start, "+", int64(count)).Result()
		if err != nil {
			return nil, eventlog.NewBackendError("read", err)
		}
		for _, msg := range msgs {
			evt, err := decodeEntry(msg.Values)
			if err != nil {
				return nil, eventlog.NewBackendError("read", err)
			}
			out = append(out, evt)
		}
		if len(msgs) < count || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
		start = string(eventlog.Version(msgs[len(msgs)-1].ID).NextRangeStart())
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
	if err := l.client.Set(ctx, snapshotKeyPrefix+streamID, raw, 0).Err(); err != nil {
		return eventlog.NewBackendError("save-snapshot", err)
	}
	return nil
}

// Snapshot returns the latest snapshot for a stream.
func (l *Log) Snapshot(ctx context.Context, streamID string) (eventlog.Snapshot, bool, error) {
	if err := l.live(); err != nil {
		return eventlog.Snapshot{}, false, err
	}
	raw, err := l.client.Get(ctx, snapshotKeyPrefix+streamID).Result()
	if errors.Is(err, redis.Nil) {
		return eventlog.Snapshot{}, false, nil
	}
	if err != nil {
		return eventlog.Snapshot{}, false, eventlog.NewBackendError("snapshot", err)
	}
	var snap eventlog.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return eventlog.Snapshot{}, false, eventlog.NewBackendError("snapshot", err)
	}
	return snap, true, nil
}

// StreamMeta returns the bookkeeping record of a stream.
func (l *Log) StreamMeta(ctx context.Context, streamID string) (eventlog.StreamMeta, error) {
	if err := l.live(); err != nil {
		return eventlog.StreamMeta{}, err
	}
	return decodeStreamMeta(l.client.Get(ctx, metaKeyPrefix+streamID))
}

// Close stops subscription workers and closes an owned client.
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

	if l.ownsClient {
		return l.client.Close()
	}
	return nil
}

func (l *Log) live() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return eventlog.ErrClosed
	}
	return nil
}

func decodeStreamMeta(cmd *redis.StringCmd) (eventlog.StreamMeta, error) {
	raw, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return eventlog.StreamMeta{CurrentVersion: eventlog.ZeroVersion}, nil
	}
	if err != nil {
		return eventlog.StreamMeta{}, eventlog.NewBackendError("stream-meta", err)
	}
	var meta eventlog.StreamMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return eventlog.StreamMeta{}, eventlog.NewBackendError("stream-meta", err)
	}
	return meta, nil
}

type entryBody struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func encodeEntry(evt eventlog.Event) (map[string]any, error) {
	metaJSON, err := json.Marshal(evt.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event meta: %w", err)
	}
	eventJSON, err := json.Marshal(entryBody{Type: evt.Type, Data: evt.Data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event body: %w", err)
	}
	return map[string]any{
		fieldMeta:  string(metaJSON),
		fieldEvent: string(eventJSON),
	}, nil
}

func decodeEntry(values map[string]any) (eventlog.Event, error) {
	rawMeta, ok := values[fieldMeta].(string)
	if !ok {
		return eventlog.Event{}, fmt.Errorf("stream entry is missing the %q field", fieldMeta)
	}
	rawEvent, ok := values[fieldEvent].(string)
	if !ok {
		return eventlog.Event{}, fmt.Errorf("stream entry is missing the %q field", fieldEvent)
	}

	var meta eventlog.Meta
	if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
		return eventlog.Event{}, fmt.Errorf("failed to unmarshal entry meta: %w", err)
	}
	var body entryBody
	if err := json.Unmarshal([]byte(rawEvent), &body); err != nil {
		return eventlog.Event{}, fmt.Errorf("failed to unmarshal entry body: %w", err)
	}
	return eventlog.Event{Type: body.Type, Data: body.Data, Meta: meta}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
