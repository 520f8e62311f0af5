// Package attendance enforces the attendance record state machine and keeps
// the transition ledger: every attempt, accepted or rejected, is recorded.
package attendance

import (
	"errors"
	"fmt"
	"time"

	"smartattend.org/internal/auth"
	"smartattend.org/internal/clock"
	"smartattend.org/internal/ledger"
)

// Outcome of a transition attempt.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
)

// Code is a stable rejection reason.
type Code string

const (
	CodeClockDriftExceeded     Code = "CLOCK_DRIFT_EXCEEDED"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeJustificationRequired  Code = "JUSTIFICATION_REQUIRED"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeDuplicateSubmission    Code = "DUPLICATE_SUBMISSION"
	CodeLedgerWriteFailure     Code = "LEDGER_WRITE_FAILURE"
	CodeUnknownReasonCode      Code = "UNKNOWN_REASON_CODE"
	CodeReasonNotPermitted     Code = "REASON_NOT_PERMITTED"
	CodeRecordNotFound         Code = "RECORD_NOT_FOUND"
)

var (
	ErrNotFound        = fmt.Errorf("attendance record %w", ledger.ErrNotFound)
	ErrVersionConflict = errors.New("attendance record changed concurrently")
	ErrAlreadyMarked   = errors.New("attendance already marked for subject and session")
	ErrLedgerWrite     = fmt.Errorf("LEDGER_WRITE_FAILURE: %w", ledger.ErrWrite)
	ErrBrokenChain     = errors.New("transition chain is broken")
)

// Record is the current truth of one attendance mark.
type Record struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	SubjectID string `json:"subject_id"`
	SessionID string `json:"session_id"`
	State     State  `json:"state"`
	// ReasonCode is the code of the last accepted transition.
	ReasonCode string `json:"reason_code"`
	// MarkedAt is always the clock authority's server time.
	MarkedAt time.Time `json:"marked_at"`
	// ClientClaimedAt is kept for audit and never used as truth.
	ClientClaimedAt *time.Time     `json:"client_claimed_at,omitempty"`
	DriftSeconds    int64          `json:"drift_seconds"`
	DriftSeverity   clock.Severity `json:"drift_severity,omitempty"`
	ReviewRequired  bool           `json:"review_required"`
	ReviewReason    string         `json:"review_reason,omitempty"`
	MarkedBy        string         `json:"marked_by"`
	Version         int64          `json:"version"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Attempt is one immutable transition ledger row.
type Attempt struct {
	ID             string         `json:"id"`
	Sequence       uint64         `json:"sequence"`
	RecordID       string         `json:"record_id"`
	TenantID       string         `json:"tenant_id"`
	FromState      State          `json:"from_state"`
	ToState        State          `json:"to_state"`
	ReasonCode     string         `json:"reason_code"`
	Justification  string         `json:"justification,omitempty"`
	Outcome        Outcome        `json:"outcome"`
	Code           Code           `json:"code,omitempty"`
	Detail         string         `json:"detail,omitempty"`
	ActorID        string         `json:"actor_id"`
	ActorRole      string         `json:"actor_role"`
	ClientIP       string         `json:"client_ip,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	SourceSystem   string         `json:"source_system,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	DuplicateOf    string         `json:"duplicate_of,omitempty"`
	ClientTime     *time.Time     `json:"client_time,omitempty"`
	DriftSeconds   int64          `json:"drift_seconds"`
	DriftSeverity  clock.Severity `json:"drift_severity,omitempty"`
	ObservationID  string         `json:"observation_id,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	AttemptedAt    time.Time      `json:"attempted_at"`
}

// TransitionRequest asks to move an existing record to ToState.
type TransitionRequest struct {
	RecordID      string
	ToState       State
	ReasonCode    string
	Justification string
	Actor         auth.Actor
	ClientTime    *time.Time
	// Fingerprint identifies the submission for duplicate detection. When
	// empty it is derived from actor, target state and reason code.
	Fingerprint string
}

// MarkRequest creates a record in PENDING.
type MarkRequest struct {
	SubjectID     string
	SessionID     string
	ReasonCode    string
	Justification string
	Actor         auth.Actor
	ClientTime    *time.Time
	Fingerprint   string
}

// Result is the verdict returned to collaborators.
type Result struct {
	Accepted          bool           `json:"accepted"`
	RecordID          string         `json:"record_id"`
	NewState          State          `json:"new_state,omitempty"`
	Code              Code           `json:"code,omitempty"`
	Detail            string         `json:"detail,omitempty"`
	AttemptID         string         `json:"attempt_id"`
	DriftSeconds      int64          `json:"drift_seconds,omitempty"`
	DriftSeverity     clock.Severity `json:"drift_severity,omitempty"`
	ReviewRequired    bool           `json:"review_required,omitempty"`
	Duplicate         bool           `json:"duplicate,omitempty"`
	OriginalAttemptID string         `json:"original_attempt_id,omitempty"`
}

// History is what an investigator reads for one record.
type History struct {
	Record     Record    `json:"record"`
	Timeline   []Attempt `json:"timeline"`
	Rejections []Attempt `json:"rejections"`
}
