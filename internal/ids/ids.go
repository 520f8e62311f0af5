package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier for ledger rows.
// Identifiers issued by one process sort in issue order.
func New() string {
	return NewAt(time.Now())
}

// NewAt is New with an explicit timestamp component.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NewCorrelationID returns a random correlation id used to tie a request
// to every ledger row it produces.
func NewCorrelationID() string {
	return uuid.NewString()
}
