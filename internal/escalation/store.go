package escalation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"smartattend.org/internal/ledger"
)

// Batch is written atomically: the scored row, and the event it raised if
// any, together with the revalidation hold for the event's subject.
type Batch struct {
	Assignment *RoleAssignment
	Action     *Action
	Event      *Event
}

// Advance is one forward step of an investigation.
type Advance struct {
	EventID string
	To      Status
	Note    Note
	// Release lifts the event's revalidation hold.
	Release bool
	At      time.Time
}

// Store persists the role-assignment, action and escalation ledgers and the
// narrow mutable investigation state.
type Store interface {
	// Append returns ErrDuplicate if the batch's assignment or action id is
	// already recorded, and writes nothing.
	Append(ctx context.Context, b Batch) error
	// Assignment and Action return one recorded row or ErrNotFound.
	Assignment(ctx context.Context, id string) (RoleAssignment, error)
	Action(ctx context.Context, id string) (Action, error)
	// Recent returns assignments and actions at or after since. An empty
	// tenantID spans all tenants.
	Recent(ctx context.Context, tenantID string, since time.Time) (History, error)
	Event(ctx context.Context, id string) (Event, error)
	Events(ctx context.Context, f Filter) ([]Event, error)
	// Advance re-checks the status under the row lock and returns
	// ErrInvalidStatus if the step is not forward.
	Advance(ctx context.Context, adv Advance) (Event, error)
	Holds(ctx context.Context, tenantID, userID string) ([]Hold, error)
}

type investigation struct {
	status     Status
	resolvedAt *time.Time
	reinstated bool
}

// MemoryStore implements Store in process.
type MemoryStore struct {
	assignments *ledger.Log[RoleAssignment]
	actions     *ledger.Log[Action]
	events      *ledger.Log[Event]
	notes       *ledger.Log[Note]

	mu      sync.Mutex
	state   map[string]investigation
	holds   map[string]Hold
	evList  []string
	written map[string]bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assignments: ledger.NewLog[RoleAssignment](),
		actions:     ledger.NewLog[Action](),
		events:      ledger.NewLog[Event](),
		notes:       ledger.NewLog[Note](),
		state:       make(map[string]investigation),
		holds:       make(map[string]Hold),
		written:     make(map[string]bool),
	}
}

func (s *MemoryStore) Append(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Assignment != nil && s.written["a:"+b.Assignment.ID] {
		return fmt.Errorf("%w: role assignment %s", ErrDuplicate, b.Assignment.ID)
	}
	if b.Action != nil && s.written["x:"+b.Action.ID] {
		return fmt.Errorf("%w: action %s", ErrDuplicate, b.Action.ID)
	}
	if b.Assignment != nil {
		s.assignments.Append(*b.Assignment)
		s.written["a:"+b.Assignment.ID] = true
	}
	if b.Action != nil {
		s.actions.Append(*b.Action)
		s.written["x:"+b.Action.ID] = true
	}
	if b.Event != nil {
		ev := *b.Event
		ev.Notes = nil
		s.events.Append(ev)
		s.evList = append(s.evList, ev.ID)
		s.state[ev.ID] = investigation{status: StatusOpen}
		s.holds[ev.ID] = Hold{EventID: ev.ID, TenantID: ev.TenantID, UserID: ev.SubjectID, CreatedAt: ev.DetectedAt}
	}
	return nil
}

func (s *MemoryStore) Recent(ctx context.Context, tenantID string, since time.Time) (History, error) {
	if err := ctx.Err(); err != nil {
		return History{}, err
	}
	h := History{
		Assignments: s.assignments.Filter(func(a RoleAssignment) bool {
			return (tenantID == "" || a.TenantID == tenantID) && !a.OccurredAt.Before(since)
		}),
		Actions: s.actions.Filter(func(x Action) bool {
			return (tenantID == "" || x.TenantID == tenantID) && !x.OccurredAt.Before(since)
		}),
	}
	h.sort()
	return h, nil
}

func (s *MemoryStore) Assignment(ctx context.Context, id string) (RoleAssignment, error) {
	if err := ctx.Err(); err != nil {
		return RoleAssignment{}, err
	}
	rows := s.assignments.Filter(func(a RoleAssignment) bool { return a.ID == id })
	if len(rows) == 0 {
		return RoleAssignment{}, ErrNotFound
	}
	return rows[0], nil
}

func (s *MemoryStore) Action(ctx context.Context, id string) (Action, error) {
	if err := ctx.Err(); err != nil {
		return Action{}, err
	}
	rows := s.actions.Filter(func(x Action) bool { return x.ID == id })
	if len(rows) == 0 {
		return Action{}, ErrNotFound
	}
	return rows[0], nil
}

func (s *MemoryStore) Event(ctx context.Context, id string) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventLocked(id)
}

func (s *MemoryStore) eventLocked(id string) (Event, error) {
	st, ok := s.state[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	var ev Event
	s.events.Scan(func(e ledger.Entry[Event]) bool {
		if e.Value.ID == id {
			ev = e.Value
			return false
		}
		return true
	})
	ev.Status = st.status
	ev.ResolvedAt = st.resolvedAt
	ev.Reinstated = st.reinstated
	ev.Notes = s.notes.Filter(func(n Note) bool { return n.EventID == id })
	if ev.Notes == nil {
		ev.Notes = []Note{}
	}
	return ev, nil
}

func (s *MemoryStore) Events(ctx context.Context, f Filter) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Event{}
	for _, id := range s.evList {
		ev, err := s.eventLocked(id)
		if err != nil {
			return nil, err
		}
		if f.Match(ev) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Advance(ctx context.Context, adv Advance) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[adv.EventID]
	if !ok {
		return Event{}, ErrNotFound
	}
	if !st.status.CanAdvance(adv.To) {
		return Event{}, ErrInvalidStatus
	}
	st.status = adv.To
	if adv.To == StatusResolved {
		at := adv.At
		st.resolvedAt = &at
		st.reinstated = adv.Release
	}
	s.notes.Append(adv.Note)
	s.state[adv.EventID] = st
	if adv.Release {
		if h, ok := s.holds[adv.EventID]; ok && h.Active() {
			at := adv.At
			h.ReleasedAt = &at
			h.ReleasedBy = adv.Note.AuthorID
			s.holds[adv.EventID] = h
		}
	}
	return s.eventLocked(adv.EventID)
}

func (s *MemoryStore) Holds(ctx context.Context, tenantID, userID string) ([]Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Hold{}
	for _, id := range s.evList {
		h, ok := s.holds[id]
		if ok && h.UserID == userID && (tenantID == "" || h.TenantID == tenantID) {
			out = append(out, h)
		}
	}
	return out, nil
}
