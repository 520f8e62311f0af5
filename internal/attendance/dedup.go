package attendance

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// IdempotencyKey derives the dedup key for a submission.
func IdempotencyKey(recordKey, sourceSystem, fingerprint string) string {
	h := sha256.New()
	for _, part := range []string{recordKey, sourceSystem, fingerprint} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func defaultFingerprint(parts ...string) string {
	return strings.Join(parts, "|")
}

type dedupEntry struct {
	result  Result
	version int64
	expires time.Time
}

type dedupKey struct {
	key     string
	expires time.Time
}

// dedupIndex remembers accepted submissions for a bounded window. Entries
// expire in insertion order, so pruning pops from the front of the queue.
type dedupIndex struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]dedupEntry
	order   []dedupKey
}

func newDedupIndex(window time.Duration, max int) *dedupIndex {
	if max <= 0 {
		max = 100_000
	}
	return &dedupIndex{
		window:  window,
		max:     max,
		entries: make(map[string]dedupEntry),
	}
}

// get returns the remembered verdict for key while the record is still at
// the version that verdict produced. A record that has moved on since makes
// the submission new again.
func (d *dedupIndex) get(key string, version int64, now time.Time) (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune(now)
	e, ok := d.entries[key]
	if !ok || !now.Before(e.expires) || e.version != version {
		return Result{}, false
	}
	return e.result, true
}

func (d *dedupIndex) put(key string, res Result, version int64, now time.Time) {
	if d.window <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune(now)
	exp := now.Add(d.window)
	d.entries[key] = dedupEntry{result: res, version: version, expires: exp}
	d.order = append(d.order, dedupKey{key: key, expires: exp})
	for len(d.order) > d.max {
		d.evict(d.order[0])
		d.order = d.order[1:]
	}
}

func (d *dedupIndex) prune(now time.Time) {
	i := 0
	for ; i < len(d.order) && !now.Before(d.order[i].expires); i++ {
		d.evict(d.order[i])
	}
	if i > 0 {
		d.order = append(d.order[:0:0], d.order[i:]...)
	}
}

// evict drops k unless the key was re-inserted with a later expiry.
func (d *dedupIndex) evict(k dedupKey) {
	if e, ok := d.entries[k.key]; ok && !e.expires.After(k.expires) {
		delete(d.entries, k.key)
	}
}

func (d *dedupIndex) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// recordLocks serializes work per record without blocking: a second caller
// for a held record is refused immediately.
type recordLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newRecordLocks() *recordLocks {
	return &recordLocks{held: make(map[string]struct{})}
}

func (l *recordLocks) tryLock(id string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return nil, false
	}
	l.held[id] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, id)
		l.mu.Unlock()
	}, true
}
