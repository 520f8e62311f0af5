package clock

import (
	"context"
	"sort"
	"time"

	"smartattend.org/internal/ledger"
)

// Ledger is the append-only drift store. There is no update or delete.
type Ledger interface {
	Append(ctx context.Context, o Observation) error
	Query(ctx context.Context, f Filter) ([]Observation, error)
}

// Filter selects observations. Zero fields match everything.
type Filter struct {
	TenantID      string
	ActorID       string
	DeviceID      string
	CorrelationID string
	MinSeverity   Severity
	BlockedOnly   bool
	Since         time.Time
	Until         time.Time
	Limit         int
}

// Match reports whether o passes the filter.
func (f Filter) Match(o Observation) bool {
	switch {
	case f.TenantID != "" && o.TenantID != f.TenantID:
		return false
	case f.ActorID != "" && o.ActorID != f.ActorID:
		return false
	case f.DeviceID != "" && o.DeviceID != f.DeviceID:
		return false
	case f.CorrelationID != "" && o.CorrelationID != f.CorrelationID:
		return false
	case f.MinSeverity != "" && !o.Severity.AtLeast(f.MinSeverity):
		return false
	case f.BlockedOnly && !o.Blocked:
		return false
	case !f.Since.IsZero() && o.ServerTime.Before(f.Since):
		return false
	case !f.Until.IsZero() && !o.ServerTime.Before(f.Until):
		return false
	}
	return true
}

// MemoryLedger keeps observations in an in-process append-only log.
type MemoryLedger struct {
	log *ledger.Log[Observation]
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty in-memory drift ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{log: ledger.NewLog[Observation]()}
}

func (m *MemoryLedger) Append(ctx context.Context, o Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.log.Append(o)
	return nil
}

func (m *MemoryLedger) Query(ctx context.Context, f Filter) ([]Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := m.log.Filter(f.Match)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ServerTime.Before(out[j].ServerTime) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Len reports how many observations have been recorded.
func (m *MemoryLedger) Len() int { return m.log.Len() }
