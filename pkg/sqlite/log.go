// Package sqlite implements the event log contract on SQLite via the
// pure Go modernc.org/sqlite driver, giving ACID event persistence
// with no CGo and no external process.
//
// Events live in a single table keyed by a global autoincrement
// position, which doubles as the fan-out order: reading the all-events
// stream is a position-ordered scan, and durable subscription cursors
// are persisted positions. Appends are serialized through a writer
// mutex and run in one transaction that checks the stream's meta row
// (transaction-id replay, then expected version), inserts the batch
// and upserts the meta row.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/eventfold/eventfold/pkg/eventlog"
	"github.com/eventfold/eventfold/pkg/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// config holds internal configuration for the SQLite log.
type config struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	// maxOpenConns sets the maximum number of open connections
	maxOpenConns int

	// maxIdleConns sets the maximum number of idle connections
	maxIdleConns int

	// walMode enables write-ahead logging for better concurrency
	walMode bool

	// autoMigrate automatically runs pending migrations on startup
	autoMigrate bool

	// subscription scheduler settings, shared with the other adapters
	poolSize     int
	initialDelay time.Duration
	tickInterval time.Duration
	readCount    int

	logger *slog.Logger
}

// defaultConfig returns sensible defaults.
func defaultConfig() config {
	return config{
		dsn:          "eventfold.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		poolSize:     10,
		initialDelay: 5 * time.Second,
		tickInterval: time.Second,
		readCount:    128,
		logger:       slog.Default(),
	}
}

// Option is a function that configures the log.
type Option func(*config)

// WithDSN sets the data source name (file path or ":memory:" for
// in-memory).
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase sets the database to an in-memory database.
func WithMemoryDatabase() Option {
	return func(c *config) {
		c.dsn = ":memory:"
	}
}

// WithFilename sets the filename for the database.
func WithFilename(filename string) Option {
	return func(c *config) {
		c.dsn = filename
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the
// database.
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the
// pool.
func WithMaxIdleConns(n int) Option {
	return func(c *config) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging for better concurrency.
// This is recommended for production use but not available for
// :memory: databases.
func WithWALMode(enabled bool) Option {
	return func(c *config) {
		c.walMode = enabled
	}
}

// WithAutoMigrate enables automatic migration on startup.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) {
		c.autoMigrate = enabled
	}
}

// WithPoolSize bounds how many subscriptions may poll concurrently.
// Defaults to 10.
func WithPoolSize(n int) Option {
	return func(c *config) {
		c.poolSize = n
	}
}

// WithInitialDelay sets how long a subscription waits before its
// first poll. Defaults to 5s.
func WithInitialDelay(d time.Duration) Option {
	return func(c *config) {
		c.initialDelay = d
	}
}

// WithTickInterval sets the delay between polls of one subscription.
// Defaults to 1s.
func WithTickInterval(d time.Duration) Option {
	return func(c *config) {
		c.tickInterval = d
	}
}

// WithReadCount sets how many rows one poll fetches at most.
// Defaults to 128.
func WithReadCount(n int) Option {
	return func(c *config) {
		c.readCount = n
	}
}

// WithLogger sets the logger for subscription workers.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Log is a SQLite implementation of eventlog.Log.
type Log struct {
	db     *sql.DB
	logger *slog.Logger

	poolSize     int
	initialDelay time.Duration
	tickInterval time.Duration
	readCount    int

	// writeMu serializes appends. SQLite allows one writer at a time;
	// taking the lock in process avoids SQLITE_BUSY churn under
	// concurrent appends.
	writeMu sync.Mutex

	mu     sync.Mutex
	tasks  map[string]bool
	closed bool

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
}

var _ eventlog.Log = (*Log)(nil)

// New opens (or creates) the database and returns a ready log.
//
// Example usage:
//
//	// Use defaults (eventfold.db, WAL mode, auto-migrate)
//	log, err := sqlite.New()
//
//	// In-memory database for testing
//	log, err := sqlite.New(
//	    sqlite.WithMemoryDatabase(),
//	    sqlite.WithWALMode(false),
//	)
func New(opts ...Option) (*Log, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// For :memory: databases, we need to ensure we use a single
	// connection. Otherwise each connection gets its own isolated
	// in-memory database.
	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if cfg.walMode {
		if err := setWALMode(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	if cfg.autoMigrate {
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Log{
		db:           db,
		logger:       cfg.logger,
		poolSize:     cfg.poolSize,
		initialDelay: cfg.initialDelay,
		tickInterval: cfg.tickInterval,
		readCount:    cfg.readCount,
		tasks:        make(map[string]bool),
		sem:          make(chan struct{}, cfg.poolSize),
		ctx:          ctx,
		cancel:       cancel,
	}
	return l, nil
}

// setWALMode configures the database for WAL mode.
func setWALMode(db *sql.DB) error {
	_, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA foreign_keys = ON;
	`)
	return err
}

// runMigrations runs all pending schema migrations.
func runMigrations(db *sql.DB) error {
	m := migrate.New(db, "schema_migrations")

	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	if err := m.Up(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// DB returns the underlying database connection, for sharing the
// database with read models or for inspection in tests.
func (l *Log) DB() *sql.DB {
	return l.db
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

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eventlog.NewBackendError("append", err)
	}
	defer tx.Rollback()

	meta, err := readMeta(ctx, tx, streamID)
	if err != nil {
		return nil, eventlog.NewBackendError("append", err)
	}

	// A retry of a committed append: leave everything untouched.
	if txnID != "" && meta.LastTxnID == txnID {
		batch, err := selectBatch(ctx, tx, streamID, meta.CurrentVersion.Base())
		if err != nil {
			return nil, eventlog.NewBackendError("append", err)
		}
		return batch, nil
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

		data, err := json.Marshal(evt.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event data: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (stream_id, base, batch, event_type, data, ts)
			VALUES (?, ?, ?, ?, ?, ?)
		`, streamID, base, i, evt.Type, string(data), ts)
		if err != nil {
			return nil, eventlog.NewBackendError("append", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stream_meta (stream_id, current_version, last_txn_id)
		VALUES (?, ?, ?)
		ON CONFLICT (stream_id) DO UPDATE SET
			current_version = excluded.current_version,
			last_txn_id     = excluded.last_txn_id
	`, streamID, string(batch[len(batch)-1].Meta.Version), txnID)
	if err != nil {
		return nil, eventlog.NewBackendError("append", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, eventlog.NewBackendError("append", err)
	}
	return batch, nil
}

// Read returns events with version strictly greater than after. For
// the fan-out stream events come back in arrival (position) order and
// only a zero after is meaningful.
func (l *Log) Read(ctx context.Context, streamID string, after eventlog.Version, limit int) ([]eventlog.Event, error) {
	if err := l.live(); err != nil {
		return nil, err
	}

	// SQLite treats a negative LIMIT as unbounded.
	n := limit
	if n <= 0 {
		n = -1
	}

	var (
		rows *sql.Rows
		err  error
	)
	if streamID == eventlog.AllStream {
		rows, err = l.db.QueryContext(ctx, `
			SELECT base, batch, event_type, data, ts FROM events
			ORDER BY position
			LIMIT ?
		`, n)
	} else {
		base, batch := after.Parts()
		rows, err = l.db.QueryContext(ctx, `
			SELECT base, batch, event_type, data, ts FROM events
			WHERE stream_id = ? AND (base > ? OR (base = ? AND batch > ?))
			ORDER BY base, batch
			LIMIT ?
		`, streamID, base, base, batch, n)
	}
	if err != nil {
		return nil, eventlog.NewBackendError("read", err)
	}
	defer rows.Close()

	var out []eventlog.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, eventlog.NewBackendError("read", err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, eventlog.NewBackendError("read", err)
	}
	return out, nil
}

// SaveSnapshot stores the snapshot for a stream.
func (l *Log) SaveSnapshot(ctx context.Context, streamID string, snapshot eventlog.Snapshot) error {
	if err := l.live(); err != nil {
		return err
	}
	data, err := json.Marshal(snapshot.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO snapshots (stream_id, version, ts, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stream_id) DO UPDATE SET
			version = excluded.version,
			ts      = excluded.ts,
			data    = excluded.data
	`, streamID, string(snapshot.Meta.Version), snapshot.Meta.TS, string(data))
	if err != nil {
		return eventlog.NewBackendError("save-snapshot", err)
	}
	return nil
}

// Snapshot returns the latest snapshot for a stream.
func (l *Log) Snapshot(ctx context.Context, streamID string) (eventlog.Snapshot, bool, error) {
	if err := l.live(); err != nil {
		return eventlog.Snapshot{}, false, err
	}

	var (
		version string
		ts      int64
		raw     string
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT version, ts, data FROM snapshots WHERE stream_id = ?
	`, streamID).Scan(&version, &ts, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return eventlog.Snapshot{}, false, nil
	}
	if err != nil {
		return eventlog.Snapshot{}, false, eventlog.NewBackendError("snapshot", err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return eventlog.Snapshot{}, false, eventlog.NewBackendError("snapshot", err)
	}
	return eventlog.Snapshot{
		Meta: eventlog.Meta{TS: ts, Version: eventlog.Version(version)},
		Data: data,
	}, true, nil
}

// StreamMeta returns the bookkeeping record of a stream.
func (l *Log) StreamMeta(ctx context.Context, streamID string) (eventlog.StreamMeta, error) {
	if err := l.live(); err != nil {
		return eventlog.StreamMeta{}, err
	}
	meta, err := readMeta(ctx, l.db, streamID)
	if err != nil {
		return eventlog.StreamMeta{}, eventlog.NewBackendError("stream-meta", err)
	}
	return meta, nil
}

// Close stops subscription workers and closes the database.
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

	return l.db.Close()
}

func (l *Log) live() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return eventlog.ErrClosed
	}
	return nil
}

// querier is the subset of *sql.DB and *sql.Tx the readers need.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readMeta(ctx context.Context, q querier, streamID string) (eventlog.StreamMeta, error) {
	var meta eventlog.StreamMeta
	err := q.QueryRowContext(ctx, `
		SELECT current_version, last_txn_id FROM stream_meta WHERE stream_id = ?
	`, streamID).Scan(&meta.CurrentVersion, &meta.LastTxnID)
	if errors.Is(err, sql.ErrNoRows) {
		return eventlog.StreamMeta{CurrentVersion: eventlog.ZeroVersion}, nil
	}
	if err != nil {
		return eventlog.StreamMeta{}, err
	}
	return meta, nil
}

// selectBatch reads back the batch a previous attempt appended: every
// event of the stream with the given version base.
func selectBatch(ctx context.Context, q querier, streamID string, base uint64) ([]eventlog.Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT base, batch, event_type, data, ts FROM events
		WHERE stream_id = ? AND base = ?
		ORDER BY batch
	`, streamID, base)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventlog.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// scanEvent builds an event from a (base, batch, event_type, data, ts)
// row.
func scanEvent(rows *sql.Rows) (eventlog.Event, error) {
	var (
		base      uint64
		batch     uint64
		eventType string
		raw       string
		ts        int64
	)
	if err := rows.Scan(&base, &batch, &eventType, &raw, &ts); err != nil {
		return eventlog.Event{}, err
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return eventlog.Event{}, fmt.Errorf("failed to unmarshal event data: %w", err)
	}
	return eventlog.Event{
		Type: eventType,
		Data: data,
		Meta: eventlog.Meta{TS: ts, Version: eventlog.JoinVersion(base, batch)},
	}, nil
}
