package eventlog

// Meta is the log-assigned metadata of a recorded event.
type Meta struct {
	// TS is the append timestamp in unix milliseconds.
	TS int64 `json:"ts"`

	// Version is the event's position in its stream.
	Version Version `json:"version"`
}

// Event is a single immutable fact. Before appending, only Type and
// Data are set; the log assigns Meta during Append and events read back
// always carry it.
type Event struct {
	// Type is the registered event type name (e.g. "deposit-made").
	Type string `json:"type"`

	// Data is the schemaless event payload.
	Data map[string]any `json:"data"`

	// Meta is assigned by the log on append.
	Meta Meta `json:"meta"`
}

// StreamMeta is the per-stream bookkeeping record the log maintains to
// decide concurrency conflicts and transaction replays.
type StreamMeta struct {
	// CurrentVersion is the version of the last appended event, or the
	// initial version for an empty stream.
	CurrentVersion Version `json:"current-version"`

	// LastTxnID is the transaction id of the most recent append, empty
	// for an empty stream.
	LastTxnID string `json:"last-txn-id"`
}

// Snapshot is a point-in-time copy of folded aggregate state, stored so
// rehydration can skip events at or before Meta.Version.
type Snapshot struct {
	// Meta carries the timestamp and version of the last event folded
	// into Data.
	Meta Meta `json:"meta"`

	// Data is the folded aggregate state.
	Data map[string]any `json:"data"`
}
