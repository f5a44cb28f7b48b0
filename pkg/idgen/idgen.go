// Package idgen generates sortable unique identifiers for aggregates
// and subscriber names.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a ULID: unique, lexicographically sortable by creation
// time. Safe for concurrent use.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		panic(err) // entropy source failure, not recoverable
	}
	return id.String()
}
