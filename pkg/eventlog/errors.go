package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned when an append's expected
	// version doesn't match the stream's current version.
	ErrConcurrencyConflict = errors.New("concurrency conflict: stream version mismatch")

	// ErrBackend is returned when the storage backend fails for reasons
	// unrelated to the caller's request (connectivity, corruption).
	ErrBackend = errors.New("event log backend failure")

	// ErrClosed is returned when an operation is attempted on a closed log.
	ErrClosed = errors.New("event log is closed")

	// ErrEmptyAppend is returned when Append is called with no events.
	ErrEmptyAppend = errors.New("append requires at least one event")
)

// ConcurrencyError reports an optimistic concurrency failure with the
// versions involved, so callers can rehydrate and retry.
type ConcurrencyError struct {
	StreamID string
	Expected Version
	Actual   Version
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s: expected version %s, stream is at %s",
		e.StreamID, e.Expected, e.Actual)
}

func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// NewConcurrencyError creates a new concurrency error.
func NewConcurrencyError(streamID string, expected, actual Version) error {
	return &ConcurrencyError{
		StreamID: streamID,
		Expected: expected,
		Actual:   actual,
	}
}

// BackendError wraps a backend failure with the operation that hit it.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("event log backend failure in %s: %v", e.Op, e.Err)
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackend
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError creates a new backend error.
func NewBackendError(op string, err error) error {
	return &BackendError{Op: op, Err: err}
}
