package attendance

import (
	"context"
	"sort"
	"sync"

	"smartattend.org/internal/ledger"
)

// Store persists records and the transition ledger. Create and Commit must
// apply the record change and the attempt row atomically.
type Store interface {
	GetRecord(ctx context.Context, id string) (Record, error)
	FindRecord(ctx context.Context, tenantID, subjectID, sessionID string) (Record, error)
	// Create inserts a new record and its ACCEPTED creation attempt.
	Create(ctx context.Context, rec Record, a Attempt) error
	// Commit replaces the record if its stored version equals
	// expectedVersion and appends a. It returns ErrVersionConflict otherwise.
	Commit(ctx context.Context, rec Record, expectedVersion int64, a Attempt) error
	// AppendAttempt records a rejected attempt.
	AppendAttempt(ctx context.Context, a Attempt) error
	// Attempts returns all attempts for a record in ledger order.
	Attempts(ctx context.Context, recordID string) ([]Attempt, error)
}

// MemoryStore implements Store in process.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]Record
	sessions map[string]string
	attempts *ledger.Log[Attempt]
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]Record),
		sessions: make(map[string]string),
		attempts: ledger.NewLog[Attempt](),
	}
}

func sessionKey(tenantID, subjectID, sessionID string) string {
	return tenantID + "\x00" + subjectID + "\x00" + sessionID
}

func (s *MemoryStore) GetRecord(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) FindRecord(ctx context.Context, tenantID, subjectID, sessionID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[sessionKey(tenantID, subjectID, sessionID)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.records[id], nil
}

func (s *MemoryStore) Create(ctx context.Context, rec Record, a Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(rec.TenantID, rec.SubjectID, rec.SessionID)
	if _, ok := s.sessions[key]; ok {
		return ErrAlreadyMarked
	}
	if _, ok := s.records[rec.ID]; ok {
		return ErrVersionConflict
	}
	s.attempts.Append(a)
	s.records[rec.ID] = rec
	s.sessions[key] = rec.ID
	return nil
}

func (s *MemoryStore) Commit(ctx context.Context, rec Record, expectedVersion int64, a Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.attempts.Append(a)
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) AppendAttempt(ctx context.Context, a Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.attempts.Append(a)
	return nil
}

func (s *MemoryStore) Attempts(ctx context.Context, recordID string) ([]Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Attempt
	s.attempts.Scan(func(e ledger.Entry[Attempt]) bool {
		if e.Value.RecordID == recordID {
			a := e.Value
			a.Sequence = e.Sequence
			out = append(out, a)
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// AttemptCount reports the total number of ledger rows.
func (s *MemoryStore) AttemptCount() int { return s.attempts.Len() }
