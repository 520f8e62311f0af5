// Package ledger provides the append-only primitives shared by the drift,
// transition and escalation ledgers.
package ledger

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrImmutable is returned when a storage backend refuses to update or
	// delete a ledger row.
	ErrImmutable = errors.New("ledger rows are immutable")
	// ErrWrite marks a failed durable append. Callers must fail closed.
	ErrWrite = errors.New("ledger write failure")
)

// Entry is one committed ledger row.
type Entry[T any] struct {
	Sequence   uint64    `json:"sequence"`
	RecordedAt time.Time `json:"recorded_at"`
	Value      T         `json:"value"`
}
