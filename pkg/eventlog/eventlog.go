// Package eventlog defines the abstract contract between the sourcing
// runtime and its storage backends. A Log is an ordered, append-only
// collection of event streams with optimistic concurrency control,
// transaction-scoped idempotency, durable subscriptions and snapshot
// storage. Adapters (redisstream, sqlite, nats, memory) implement this
// contract; the runtime in pkg/sourcing is written against it.
package eventlog

import "context"

// AllStream is the reserved stream identifier for the global fan-out
// stream that receives a copy of every appended event in append order.
const AllStream = "all-events"

// StartPosition selects where a new subscription begins reading.
type StartPosition string

const (
	// StartOrigin delivers every event retained in the stream, from the
	// beginning. This is the default for new subscribers.
	StartOrigin StartPosition = "origin"

	// StartLatest delivers only events appended after the subscription
	// was first attached.
	StartLatest StartPosition = "latest"
)

// Handler processes a single event delivered by a subscription.
// Returning an error marks the delivery as failed; the event is still
// acknowledged (at-least-once delivery does not redeliver on handler
// failure, only on crashes before acknowledgement).
type Handler func(ctx context.Context, event Event) error

// SubscribeOptions configures a durable subscription.
type SubscribeOptions struct {
	// StartFrom selects the initial cursor position for a subscriber
	// name seen for the first time. Resuming subscribers always continue
	// from their durable cursor. Zero value means StartOrigin.
	StartFrom StartPosition

	// StreamID is the stream to consume. Empty means AllStream.
	StreamID string
}

// Log is the storage contract for an event-sourced application.
//
// Streams are identified by opaque string ids; the runtime derives them
// from application, aggregate and entity identifiers. Every mutating or
// blocking operation takes a context and honors its cancellation.
type Log interface {
	// InitialVersion returns the version of a stream that has no events.
	// Appends to a fresh stream must pass this as the expected version.
	InitialVersion() Version

	// Append atomically appends a batch of events to a stream.
	//
	// txnID identifies the attempt: if the stream's last recorded
	// transaction id equals txnID the call is a replay and returns the
	// previously appended events (with their recorded metadata) without
	// writing anything. Otherwise expected must equal the stream's
	// current version or Append fails with a ConcurrencyError and writes
	// nothing. On success every event is assigned an increasing version
	// and a timestamp, written to the stream and to AllStream, and
	// returned with metadata filled in.
	//
	// An empty batch is rejected; emptiness is decided by the caller
	// before reaching the log.
	Append(ctx context.Context, streamID, txnID string, expected Version, events []Event) ([]Event, error)

	// Read returns events of a stream with version strictly greater than
	// after, in version order. limit caps the result when positive;
	// limit <= 0 reads to the end of the stream.
	Read(ctx context.Context, streamID string, after Version, limit int) ([]Event, error)

	// Subscribe attaches a named durable subscription. Delivery is
	// asynchronous, at-least-once and in stream order. A subscriber name
	// seen before resumes from its durable cursor regardless of opts;
	// only first-time subscribers honor opts.StartFrom. Subscribe
	// returns after the subscription is registered, not after delivery
	// begins.
	Subscribe(ctx context.Context, subscriber string, handler Handler, opts SubscribeOptions) error

	// SaveSnapshot stores the snapshot for a stream, replacing any
	// previous one.
	SaveSnapshot(ctx context.Context, streamID string, snapshot Snapshot) error

	// Snapshot returns the latest snapshot for a stream. The boolean
	// reports whether one exists.
	Snapshot(ctx context.Context, streamID string) (Snapshot, bool, error)

	// StreamMeta returns the current version and last transaction id of
	// a stream. A stream with no events reports the initial version and
	// an empty transaction id.
	StreamMeta(ctx context.Context, streamID string) (StreamMeta, error)

	// Close stops subscription workers and releases connections. The log
	// must not be used after Close.
	Close() error
}
