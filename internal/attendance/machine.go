package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"smartattend.org/internal/auth"
	"smartattend.org/internal/clock"
	"smartattend.org/internal/ids"
	"smartattend.org/internal/obs"
)

// ClockAuthority is the part of clock.Authority the machine consults.
type ClockAuthority interface {
	Now() time.Time
	Evaluate(ctx context.Context, actor auth.Actor, action clock.Action, clientTime time.Time) (clock.Result, error)
}

// Machine validates and records attendance transitions.
type Machine struct {
	store   Store
	clock   ClockAuthority
	reasons *Registry
	dedup   *dedupIndex
	locks   *recordLocks
	timeout time.Duration
	log     *zap.Logger
}

// Option configures Machine.
type Option func(*Machine)

// WithRegistry replaces the default reason-code vocabulary.
func WithRegistry(r *Registry) Option {
	return func(m *Machine) {
		if r != nil {
			m.reasons = r
		}
	}
}

// WithDedupWindow sets how long accepted submissions are remembered.
func WithDedupWindow(d time.Duration) Option {
	return func(m *Machine) { m.dedup = newDedupIndex(d, m.dedup.max) }
}

// WithTimeout bounds a whole request, including every ledger write.
func WithTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

// NewMachine builds a state machine over store, consulting authority for
// every request that carries a client timestamp.
func NewMachine(store Store, authority ClockAuthority, opts ...Option) *Machine {
	m := &Machine{
		store:   store,
		clock:   authority,
		reasons: DefaultRegistry(),
		dedup:   newDedupIndex(2*time.Minute, 0),
		locks:   newRecordLocks(),
		timeout: 3 * time.Second,
		log:     obs.Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry exposes the reason-code vocabulary.
func (m *Machine) Registry() *Registry { return m.reasons }

// Mark creates a record for subject and session through the creation
// transition NONE → PENDING.
func (m *Machine) Mark(ctx context.Context, req MarkRequest) (Result, error) {
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SubjectID == "" || req.SessionID == "" {
		return Result{}, fmt.Errorf("%w: subject_id and session_id are required", auth.ErrInvalidInput)
	}
	if err := req.Actor.Validate(); err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	att := m.newAttempt(req.Actor, ids.New(), StatePending, req.ReasonCode, req.Justification, req.ClientTime)
	att.FromState = StateNone

	lockKey := "mark:" + sessionKey(req.Actor.TenantID, req.SubjectID, req.SessionID)
	unlock, ok := m.locks.tryLock(lockKey)
	if !ok {
		return m.reject(ctx, att, CodeConcurrentModification, "another mark for this subject and session is in progress")
	}
	defer unlock()

	fp := req.Fingerprint
	if fp == "" {
		fp = defaultFingerprint(req.Actor.ID, req.SubjectID, req.SessionID, att.ReasonCode)
	}
	att.IdempotencyKey = IdempotencyKey(lockKey, req.Actor.SourceSystem, fp)

	existing, err := m.store.FindRecord(ctx, req.Actor.TenantID, req.SubjectID, req.SessionID)
	switch {
	case err == nil:
		att.RecordID = existing.ID
		att.FromState = existing.State
		if prior, ok := m.dedup.get(att.IdempotencyKey, existing.Version, att.AttemptedAt); ok {
			return m.duplicate(ctx, att, prior)
		}
		return m.reject(ctx, att, CodeInvalidTransition, "attendance is already marked for this subject and session")
	case !errors.Is(err, ErrNotFound):
		return m.fail(ctx, att, err)
	}

	markedAt := att.AttemptedAt
	var drift *clock.Result
	if req.ClientTime != nil {
		res, err := m.clock.Evaluate(ctx, req.Actor, clock.ActionAttendanceMark, *req.ClientTime)
		att.applyDrift(res)
		if err != nil {
			return m.fail(ctx, att, err)
		}
		if res.Blocked {
			return m.reject(ctx, att, CodeClockDriftExceeded, m.driftDetail(res, clock.ActionAttendanceMark))
		}
		markedAt = res.ServerTime
		drift = &res
	}

	if code, detail := m.validate(StateNone, StatePending, att.ReasonCode, req.Justification, req.Actor); code != "" {
		return m.reject(ctx, att, code, detail)
	}

	rec := Record{
		ID:         att.RecordID,
		TenantID:   req.Actor.TenantID,
		SubjectID:  req.SubjectID,
		SessionID:  req.SessionID,
		State:      StatePending,
		ReasonCode: att.ReasonCode,
		MarkedAt:   markedAt,
		MarkedBy:   req.Actor.ID,
		Version:    1,
		UpdatedAt:  att.AttemptedAt,
	}
	if req.ClientTime != nil {
		ct := req.ClientTime.UTC()
		rec.ClientClaimedAt = &ct
	}
	if drift != nil {
		rec.DriftSeconds = drift.DriftSeconds
		rec.DriftSeverity = drift.Severity
		flagForReview(&rec, *drift)
	}

	att.Outcome = OutcomeAccepted
	if err := m.store.Create(ctx, rec, att); err != nil {
		if errors.Is(err, ErrAlreadyMarked) || errors.Is(err, ErrVersionConflict) {
			return m.reject(ctx, att, CodeConcurrentModification, "attendance was marked concurrently")
		}
		return m.fail(ctx, att, err)
	}
	return m.accept(att, rec), nil
}

// RequestTransition moves a record to req.ToState if every check passes.
// Accepted or not, exactly one attempt row is written before it returns.
func (m *Machine) RequestTransition(ctx context.Context, req TransitionRequest) (Result, error) {
	req.RecordID = strings.TrimSpace(req.RecordID)
	if req.RecordID == "" {
		return Result{}, fmt.Errorf("%w: record_id is required", auth.ErrInvalidInput)
	}
	if err := req.Actor.Validate(); err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	att := m.newAttempt(req.Actor, req.RecordID, req.ToState, req.ReasonCode, req.Justification, req.ClientTime)

	unlock, ok := m.locks.tryLock(req.RecordID)
	if !ok {
		return m.reject(ctx, att, CodeConcurrentModification, "another transition for this record is in progress")
	}
	defer unlock()

	fp := req.Fingerprint
	if fp == "" {
		fp = defaultFingerprint(req.Actor.ID, string(req.ToState), att.ReasonCode)
	}
	att.IdempotencyKey = IdempotencyKey(req.RecordID, req.Actor.SourceSystem, fp)

	rec, err := m.store.GetRecord(ctx, req.RecordID)
	if errors.Is(err, ErrNotFound) {
		return m.reject(ctx, att, CodeRecordNotFound, "no attendance record with this id")
	}
	if err != nil {
		return m.fail(ctx, att, err)
	}
	// Another tenant's record is reported exactly like a missing one.
	if req.Actor.TenantID != "" && rec.TenantID != req.Actor.TenantID {
		return m.reject(ctx, att, CodeRecordNotFound, "no attendance record with this id")
	}
	att.TenantID = rec.TenantID
	att.FromState = rec.State
	if prior, ok := m.dedup.get(att.IdempotencyKey, rec.Version, att.AttemptedAt); ok {
		return m.duplicate(ctx, att, prior)
	}

	var drift *clock.Result
	if req.ClientTime != nil {
		res, err := m.clock.Evaluate(ctx, req.Actor, clock.ActionAttendanceTransition, *req.ClientTime)
		att.applyDrift(res)
		if err != nil {
			return m.fail(ctx, att, err)
		}
		if res.Blocked {
			return m.reject(ctx, att, CodeClockDriftExceeded, m.driftDetail(res, clock.ActionAttendanceTransition))
		}
		drift = &res
	}

	if code, detail := m.validate(rec.State, req.ToState, att.ReasonCode, req.Justification, req.Actor); code != "" {
		return m.reject(ctx, att, code, detail)
	}

	next := rec
	next.State = req.ToState
	next.ReasonCode = att.ReasonCode
	next.Version = rec.Version + 1
	next.UpdatedAt = att.AttemptedAt
	if rc, _ := m.reasons.Lookup(att.ReasonCode); clearsReview(rc, req.Actor) {
		next.ReviewRequired = false
		next.ReviewReason = ""
	}
	if drift != nil {
		next.DriftSeconds = drift.DriftSeconds
		next.DriftSeverity = drift.Severity
		flagForReview(&next, *drift)
	}

	att.Outcome = OutcomeAccepted
	if err := m.store.Commit(ctx, next, rec.Version, att); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return m.reject(ctx, att, CodeConcurrentModification, "record changed while the request was evaluated")
		}
		return m.fail(ctx, att, err)
	}
	return m.accept(att, next), nil
}

// History returns the accepted timeline and every rejected attempt.
func (m *Machine) History(ctx context.Context, recordID string) (History, error) {
	rec, err := m.store.GetRecord(ctx, recordID)
	if err != nil {
		return History{}, err
	}
	attempts, err := m.store.Attempts(ctx, recordID)
	if err != nil {
		return History{}, err
	}
	h := History{Record: rec, Timeline: []Attempt{}, Rejections: []Attempt{}}
	for _, a := range attempts {
		if a.Outcome == OutcomeAccepted {
			h.Timeline = append(h.Timeline, a)
		} else {
			h.Rejections = append(h.Rejections, a)
		}
	}
	return h, nil
}

// Verification compares a record with the state replayed from its ledger.
type Verification struct {
	RecordID      string `json:"record_id"`
	StoredState   State  `json:"stored_state"`
	ReplayedState State  `json:"replayed_state"`
	Accepted      int    `json:"accepted"`
	Rejected      int    `json:"rejected"`
	Consistent    bool   `json:"consistent"`
	Problem       string `json:"problem,omitempty"`
}

// Verify replays the transition ledger for recordID.
func (m *Machine) Verify(ctx context.Context, recordID string) (Verification, error) {
	h, err := m.History(ctx, recordID)
	if err != nil {
		return Verification{}, err
	}
	v := Verification{
		RecordID:    recordID,
		StoredState: h.Record.State,
		Accepted:    len(h.Timeline),
		Rejected:    len(h.Rejections),
	}
	state, err := Replay(h.Timeline)
	v.ReplayedState = state
	if err != nil {
		v.Problem = err.Error()
		return v, nil
	}
	v.Consistent = state == h.Record.State
	if !v.Consistent {
		v.Problem = fmt.Sprintf("stored state %s differs from replayed state %s", h.Record.State, state)
	}
	return v, nil
}

func (m *Machine) validate(from, to State, code, justification string, actor auth.Actor) (Code, string) {
	rule, ok := edge(from, to)
	if !ok {
		if from.Terminal() {
			return CodeInvalidTransition, fmt.Sprintf("%s is terminal", from)
		}
		return CodeInvalidTransition, fmt.Sprintf("%s -> %s is not a permitted transition", from, to)
	}
	rc, ok := m.reasons.Lookup(code)
	if !ok {
		return CodeUnknownReasonCode, fmt.Sprintf("reason code %q is not in the vocabulary", code)
	}
	if rc.Deprecated {
		return CodeReasonNotPermitted, fmt.Sprintf("reason code %s is deprecated", rc.Code)
	}
	if !rc.Permits(to) {
		return CodeReasonNotPermitted, fmt.Sprintf("reason code %s does not permit target %s", rc.Code, to)
	}
	if rc.HumanOnly && actor.System {
		return CodeReasonNotPermitted, fmt.Sprintf("reason code %s requires a human actor", rc.Code)
	}
	if rule.humanOnly && (!rc.HumanOnly || actor.System) {
		return CodeInvalidTransition, fmt.Sprintf("%s -> %s requires a human reason code", from, to)
	}
	if rc.RequiresJustification && strings.TrimSpace(justification) == "" {
		return CodeJustificationRequired, fmt.Sprintf("reason code %s requires a justification", rc.Code)
	}
	return "", ""
}

func (m *Machine) newAttempt(actor auth.Actor, recordID string, to State, code, justification string, clientTime *time.Time) Attempt {
	now := m.clock.Now()
	a := Attempt{
		ID:            ids.NewAt(now),
		RecordID:      recordID,
		TenantID:      actor.TenantID,
		ToState:       to,
		ReasonCode:    normalizeCode(code),
		Justification: strings.TrimSpace(justification),
		ActorID:       actor.ID,
		ActorRole:     auth.NormalizeRole(actor.Role),
		ClientIP:      actor.ClientIP,
		UserAgent:     actor.UserAgent,
		SourceSystem:  actor.SourceSystem,
		CorrelationID: actor.CorrelationID,
		AttemptedAt:   now,
	}
	if clientTime != nil {
		ct := clientTime.UTC()
		a.ClientTime = &ct
	}
	return a
}

func (a *Attempt) applyDrift(res clock.Result) {
	a.DriftSeconds = res.DriftSeconds
	a.DriftSeverity = res.Severity
	a.ObservationID = res.ObservationID
}

func (m *Machine) accept(att Attempt, rec Record) Result {
	res := Result{
		Accepted:       true,
		RecordID:       rec.ID,
		NewState:       rec.State,
		AttemptID:      att.ID,
		DriftSeconds:   att.DriftSeconds,
		DriftSeverity:  att.DriftSeverity,
		ReviewRequired: rec.ReviewRequired,
	}
	m.dedup.put(att.IdempotencyKey, res, rec.Version, att.AttemptedAt)
	obs.TransitionAttempts.WithLabelValues(string(OutcomeAccepted), "").Inc()
	m.log.Info("attendance transition accepted",
		zap.String("record_id", rec.ID),
		zap.String("from", string(att.FromState)),
		zap.String("to", string(att.ToState)),
		zap.String("reason_code", att.ReasonCode),
		zap.String("actor_id", att.ActorID),
		zap.Bool("review_required", rec.ReviewRequired))
	return res
}

func (m *Machine) reject(ctx context.Context, att Attempt, code Code, detail string) (Result, error) {
	att.Outcome = OutcomeRejected
	att.Code = code
	att.Detail = detail
	if err := m.store.AppendAttempt(ctx, att); err != nil {
		return m.writeFailure(att, err)
	}
	obs.TransitionAttempts.WithLabelValues(string(OutcomeRejected), string(code)).Inc()
	m.log.Warn("attendance transition rejected",
		zap.String("record_id", att.RecordID),
		zap.String("from", string(att.FromState)),
		zap.String("to", string(att.ToState)),
		zap.String("code", string(code)),
		zap.String("detail", detail),
		zap.String("actor_id", att.ActorID))
	return Result{
		RecordID:      att.RecordID,
		NewState:      att.FromState,
		Code:          code,
		Detail:        detail,
		AttemptID:     att.ID,
		DriftSeconds:  att.DriftSeconds,
		DriftSeverity: att.DriftSeverity,
	}, nil
}

// duplicate logs the repeated submission and hands back the original verdict.
// att carries the state just read from the store.
func (m *Machine) duplicate(ctx context.Context, att Attempt, prior Result) (Result, error) {
	att.DuplicateOf = prior.AttemptID
	if _, err := m.reject(ctx, att, CodeDuplicateSubmission, "identical submission already accepted as "+prior.AttemptID); err != nil {
		return Result{RecordID: prior.RecordID, Code: CodeLedgerWriteFailure, AttemptID: att.ID}, err
	}
	res := prior
	res.Duplicate = true
	res.Code = CodeDuplicateSubmission
	res.OriginalAttemptID = prior.AttemptID
	res.AttemptID = att.ID
	return res, nil
}

// fail records a fail-closed rejection after a storage or clock failure.
func (m *Machine) fail(ctx context.Context, att Attempt, cause error) (Result, error) {
	att.Outcome = OutcomeRejected
	att.Code = CodeLedgerWriteFailure
	att.Detail = cause.Error()
	if err := m.store.AppendAttempt(ctx, att); err != nil {
		cause = errors.Join(cause, err)
	}
	return m.writeFailure(att, cause)
}

func (m *Machine) writeFailure(att Attempt, cause error) (Result, error) {
	obs.LedgerWriteFailures.WithLabelValues("transition").Inc()
	m.log.Error("attendance transition failed closed",
		zap.String("record_id", att.RecordID),
		zap.String("to", string(att.ToState)),
		zap.String("actor_id", att.ActorID),
		zap.Error(cause))
	return Result{
		RecordID:  att.RecordID,
		NewState:  att.FromState,
		Code:      CodeLedgerWriteFailure,
		Detail:    "the request could not be durably recorded",
		AttemptID: att.ID,
	}, fmt.Errorf("%w: %v", ErrLedgerWrite, cause)
}

// clearsReview reports whether an accepted transition with rc settles an
// outstanding review. Only a human resolution or appeal does.
func clearsReview(rc ReasonCode, actor auth.Actor) bool {
	if actor.System {
		return false
	}
	return rc.Category == CategoryResolution || rc.Category == CategoryAppeal
}

func flagForReview(rec *Record, drift clock.Result) {
	if !drift.Severity.AtLeast(clock.SeverityWarning) {
		return
	}
	rec.ReviewRequired = true
	rec.ReviewReason = fmt.Sprintf("clock drift %ds (%s)", drift.DriftSeconds, drift.Severity)
}

func (m *Machine) driftDetail(res clock.Result, action clock.Action) string {
	if a, ok := m.clock.(interface{ Thresholds() clock.Thresholds }); ok {
		if limit, ok := a.Thresholds().BlockSeconds[action]; ok {
			return fmt.Sprintf("clock drift %ds exceeds the %ds limit for %s", res.DriftSeconds, limit, action)
		}
	}
	return fmt.Sprintf("clock drift %ds exceeds the block threshold for %s", res.DriftSeconds, action)
}
