// Package escalation scores role changes and privileged actions for
// privilege-escalation patterns and keeps the escalation ledger with its
// investigation workflow.
package escalation

import (
	"errors"
	"fmt"
	"time"

	"smartattend.org/internal/clock"
	"smartattend.org/internal/ledger"
)

// Pattern names one of the behavioral detectors.
type Pattern string

const (
	PatternTemporalCluster      Pattern = "TEMPORAL_CLUSTER"
	PatternRecursiveEscalation  Pattern = "RECURSIVE_ESCALATION"
	PatternBypass               Pattern = "BYPASS"
	PatternCoordinatedElevation Pattern = "COORDINATED_ELEVATION"
	PatternUnusualActorForRole  Pattern = "UNUSUAL_ACTOR_FOR_ROLE"
)

// Severity of an escalation event, derived from its score.
type Severity string

const (
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)


// Status of an investigation. It only moves forward.
type Status string

const (
	StatusOpen          Status = "OPEN"
	StatusInvestigating Status = "INVESTIGATING"
	StatusResolved      Status = "RESOLVED"
)

func (s Status) rank() int {
	switch s {
	case StatusOpen:
		return 1
	case StatusInvestigating:
		return 2
	case StatusResolved:
		return 3
	}
	return 0
}

// CanAdvance reports whether an event in s may move to next. Staying in
// INVESTIGATING is allowed so further notes can be added.
func (s Status) CanAdvance(next Status) bool {
	if s == StatusResolved || next.rank() == 0 {
		return false
	}
	if s == next {
		return s == StatusInvestigating
	}
	return next.rank() > s.rank()
}

var (
	ErrNotFound      = fmt.Errorf("escalation event %w", ledger.ErrNotFound)
	ErrInvalidStatus = errors.New("escalation status can only move forward")
	ErrLedgerWrite   = fmt.Errorf("LEDGER_WRITE_FAILURE: %w", ledger.ErrWrite)
	// ErrDuplicate is returned by Store.Append for an id already recorded.
	ErrDuplicate = errors.New("escalation ledger row already recorded")
)

// RoleAssignment is one immutable role change. Score and Patterns are
// computed by the detector before the row is written.
type RoleAssignment struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	SubjectID string `json:"subject_id"`
	OldRole   string `json:"old_role"`
	NewRole   string `json:"new_role"`
	ChangedBy string `json:"changed_by"`
	// ChangedByRole is the granter's role at the time of the change, if known.
	ChangedByRole string `json:"changed_by_role,omitempty"`
	// OccurredAt is the time the change is scored at. When the detector
	// has a clock authority it is the server time of receipt.
	OccurredAt time.Time `json:"occurred_at"`
	// ClaimedAt is the caller's own timestamp, kept for audit.
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	DriftSeconds  int64      `json:"drift_seconds"`
	ObservationID string     `json:"observation_id,omitempty"`
	Score         int        `json:"score"`
	Patterns      []Pattern  `json:"patterns"`
}

// Action is a privileged or notable operation performed by an actor.
type Action struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	ActorID       string     `json:"actor_id"`
	ActorRole     string     `json:"actor_role"`
	Kind          string     `json:"kind"`
	Privileged    bool       `json:"privileged"`
	TargetID      string     `json:"target_id,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	DriftSeconds  int64      `json:"drift_seconds"`
	ObservationID string     `json:"observation_id,omitempty"`
	Score         int        `json:"score"`
	Patterns      []Pattern  `json:"patterns"`
}

// Contribution is one detector's share of a score.
type Contribution struct {
	Pattern Pattern `json:"pattern"`
	Score   int     `json:"score"`
	// SubjectID is the account the detector holds responsible.
	SubjectID   string   `json:"subject_id"`
	Detail      string   `json:"detail"`
	EvidenceIDs []string `json:"evidence_ids"`
	// Transparency marks allowed actions that must be surfaced for review.
	Transparency bool `json:"transparency,omitempty"`
}

// Event is one escalation. The detection fields are written once; Status,
// ResolvedAt, Reinstated and Notes live in the mutable investigation table.
type Event struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	SubjectID     string         `json:"subject_id"`
	Pattern       Pattern        `json:"pattern"`
	Patterns      []Pattern      `json:"patterns"`
	Severity      Severity       `json:"severity"`
	Score         int            `json:"score"`
	Contributions []Contribution `json:"contributions"`
	AssignmentIDs []string       `json:"assignment_ids"`
	ActionIDs     []string       `json:"action_ids,omitempty"`
	Transparency  bool           `json:"transparency,omitempty"`
	DetectedAt    time.Time      `json:"detected_at"`
	Status        Status         `json:"status"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
	Reinstated    bool           `json:"reinstated,omitempty"`
	Notes         []Note         `json:"notes"`
}

// Note is one append-only investigator note.
type Note struct {
	ID         string    `json:"id"`
	EventID    string    `json:"event_id"`
	AuthorID   string    `json:"author_id"`
	AuthorRole string    `json:"author_role"`
	Status     Status    `json:"status"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// Hold marks an account as requiring revalidation because of one event.
type Hold struct {
	EventID    string     `json:"event_id"`
	TenantID   string     `json:"tenant_id"`
	UserID     string     `json:"user_id"`
	CreatedAt  time.Time  `json:"created_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	ReleasedBy string     `json:"released_by,omitempty"`
}

// Active reports whether the hold still applies.
func (h Hold) Active() bool { return h.ReleasedAt == nil }

// Outcome is returned for every scored role change or action.
type Outcome struct {
	Detected      bool           `json:"detected"`
	Patterns      []Pattern      `json:"patterns_matched"`
	Score         int            `json:"score"`
	Contributions []Contribution `json:"contributions"`
	EscalationID  string         `json:"escalation_event_id,omitempty"`
	// Existing is set when the match was folded into an unresolved event
	// for the same subject and pattern instead of raising a new one.
	Existing     bool   `json:"existing,omitempty"`
	Transparency bool   `json:"transparency,omitempty"`
	RecordedID   string `json:"recorded_id"`
	// Duplicate is set when the id was already recorded; the stored score
	// is returned and nothing is written.
	Duplicate bool `json:"duplicate,omitempty"`
	// Blocked is set when the claimed time drifted past the block
	// threshold. Nothing is scored or recorded.
	Blocked       bool           `json:"blocked,omitempty"`
	DriftSeconds  int64          `json:"drift_seconds"`
	DriftSeverity clock.Severity `json:"drift_severity,omitempty"`
}

// Filter selects escalation events. Zero fields match everything.
type Filter struct {
	TenantID   string
	SubjectID  string
	Pattern    Pattern
	Status     Status
	Unresolved bool
	// EvidenceID matches events citing that assignment or action id.
	EvidenceID string
	Since      time.Time
	Limit      int
}

// Match reports whether ev passes f, ignoring Limit.
func (f Filter) Match(ev Event) bool {
	if f.TenantID != "" && ev.TenantID != f.TenantID {
		return false
	}
	if f.SubjectID != "" && ev.SubjectID != f.SubjectID {
		return false
	}
	if f.Pattern != "" && ev.Pattern != f.Pattern {
		return false
	}
	if f.Status != "" && ev.Status != f.Status {
		return false
	}
	if f.Unresolved && ev.Status == StatusResolved {
		return false
	}
	if !f.Since.IsZero() && ev.DetectedAt.Before(f.Since) {
		return false
	}
	if f.EvidenceID != "" && !contains(ev.AssignmentIDs, f.EvidenceID) && !contains(ev.ActionIDs, f.EvidenceID) {
		return false
	}
	return true
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
