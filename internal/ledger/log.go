package ledger

import (
	"sync"
	"time"
)

// Log is an in-process append-only log. It has no update or delete path:
// the only mutation is Append, and reads return copies.
type Log[T any] struct {
	mu      sync.RWMutex
	seq     uint64
	entries []Entry[T]
	now     func() time.Time
}

// NewLog creates an empty log.
func NewLog[T any]() *Log[T] {
	return &Log[T]{now: func() time.Time { return time.Now().UTC() }}
}

// Append commits v and returns the committed entry.
func (l *Log[T]) Append(v T) Entry[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e := Entry[T]{Sequence: l.seq, RecordedAt: l.now(), Value: v}
	l.entries = append(l.entries, e)
	return e
}

// Len reports the number of committed entries.
func (l *Log[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Scan calls fn for every entry in sequence order until fn returns false.
// The log is read-locked for the duration; fn must not append.
func (l *Log[T]) Scan(fn func(Entry[T]) bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if !fn(e) {
			return
		}
	}
}

// Filter returns the values matching keep, in sequence order.
func (l *Log[T]) Filter(keep func(T) bool) []T {
	var out []T
	l.Scan(func(e Entry[T]) bool {
		if keep(e.Value) {
			out = append(out, e.Value)
		}
		return true
	})
	return out
}
