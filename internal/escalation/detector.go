package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartattend.org/internal/auth"
	"smartattend.org/internal/clock"
	"smartattend.org/internal/ids"
	"smartattend.org/internal/obs"
)

// ClockAuthority measures a claimed time against the server clock and
// records the drift observation.
type ClockAuthority interface {
	Now() time.Time
	Evaluate(ctx context.Context, actor auth.Actor, action clock.Action, clientTime time.Time) (clock.Result, error)
}

// TenantLocker is implemented by stores that can serialize scoring for one
// tenant across processes. unlock must be called exactly once.
type TenantLocker interface {
	LockTenant(ctx context.Context, tenantID string) (unlock func(), err error)
}

// Detector scores role changes and actions and runs the investigation
// workflow over the escalation ledger.
type Detector struct {
	store      Store
	cfg        Config
	scorers    []Scorer
	privileged map[string]bool
	clock      ClockAuthority
	now        func() time.Time
	timeout    time.Duration
	log        *zap.Logger

	// Scoring and the write it leads to are one step per tenant, so two
	// concurrent triggers never score against the same stale window.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures Detector.
type Option func(*Detector)

// WithConfig replaces the default tuning.
func WithConfig(c Config) Option {
	return func(d *Detector) { d.cfg = c.withDefaults() }
}

// WithScorers replaces the stock detectors.
func WithScorers(s ...Scorer) Option {
	return func(d *Detector) { d.scorers = s }
}

// WithNow sets the clock used for defaulted timestamps.
func WithNow(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// WithClock routes claimed times through the clock authority. Scoring then
// uses the server time and the claim is kept for audit.
func WithClock(c ClockAuthority) Option {
	return func(d *Detector) {
		if c != nil {
			d.clock = c
			d.now = c.Now
		}
	}
}

// WithTimeout bounds each store round trip.
func WithTimeout(t time.Duration) Option {
	return func(d *Detector) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDetector builds a detector over store.
func NewDetector(store Store, opts ...Option) *Detector {
	d := &Detector{
		store:   store,
		cfg:     DefaultConfig().withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
		timeout: 3 * time.Second,
		log:     obs.Logger(),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.scorers == nil {
		d.scorers = DefaultScorers(d.cfg)
	}
	d.privileged = make(map[string]bool, len(d.cfg.PrivilegedActions))
	for _, k := range d.cfg.PrivilegedActions {
		d.privileged[k] = true
	}
	return d
}

// Config returns the effective tuning.
func (d *Detector) Config() Config { return d.cfg }

// OnRoleAssignment scores a role change and records it with its score.
// The change also counts as a privileged role.assign action by the granter.
// A retried id returns the stored outcome without writing.
func (d *Detector) OnRoleAssignment(ctx context.Context, a RoleAssignment) (Outcome, error) {
	a.SubjectID = strings.TrimSpace(a.SubjectID)
	a.ChangedBy = strings.TrimSpace(a.ChangedBy)
	a.OldRole = auth.NormalizeRole(a.OldRole)
	a.NewRole = auth.NormalizeRole(a.NewRole)
	a.ChangedByRole = auth.NormalizeRole(a.ChangedByRole)
	if a.SubjectID == "" || a.ChangedBy == "" || a.NewRole == "" {
		return Outcome{}, fmt.Errorf("%w: subject_id, changed_by and new_role are required", auth.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	unlock, err := d.lock(ctx, a.TenantID)
	if err != nil {
		return Outcome{RecordedID: a.ID}, d.writeFailure("lock tenant", a.ID, err)
	}
	defer unlock()

	if a.ID != "" {
		if prior, ok, err := d.priorAssignment(ctx, a.ID); err != nil || ok {
			return prior, err
		}
	}
	actor := auth.Actor{TenantID: a.TenantID, ID: a.ChangedBy, Role: a.ChangedByRole}
	st, err := d.stamp(ctx, actor, clock.ActionRoleChange, a.OccurredAt, a.ClaimedAt)
	if err != nil {
		return Outcome{RecordedID: a.ID}, d.writeFailure("clock evaluation", a.ID, err)
	}
	a.OccurredAt, a.ClaimedAt, a.DriftSeconds, a.ObservationID = st.at, st.claimed, st.drift, st.observation
	if a.ID == "" {
		a.ID = ids.NewAt(a.OccurredAt)
	}
	if st.blocked {
		return d.blocked(a.ID, st), nil
	}

	h, err := d.store.Recent(ctx, a.TenantID, a.OccurredAt.Add(-d.cfg.Lookback))
	if err != nil {
		return Outcome{RecordedID: a.ID}, d.writeFailure("read history", a.ID, err)
	}
	if a.ChangedByRole == "" {
		a.ChangedByRole = roleOf(h, a.TenantID, a.ChangedBy, a.OccurredAt)
	}
	act := Action{
		ID:         a.ID,
		TenantID:   a.TenantID,
		ActorID:    a.ChangedBy,
		ActorRole:  a.ChangedByRole,
		Kind:       ActionRoleAssign,
		Privileged: true,
		TargetID:   a.SubjectID,
		OccurredAt: a.OccurredAt,
	}
	t := Trigger{Assignment: &a, Action: &act}

	out, ev, err := d.score(ctx, t, h)
	if err != nil {
		return out, d.writeFailure("check open events", a.ID, err)
	}
	out.DriftSeconds, out.DriftSeverity = st.drift, st.severity
	a.Score = out.Score
	a.Patterns = out.Patterns
	if err := d.store.Append(ctx, Batch{Assignment: &a, Event: ev}); err != nil {
		if errors.Is(err, ErrDuplicate) {
			if prior, ok, perr := d.priorAssignment(ctx, a.ID); perr == nil && ok {
				return prior, nil
			}
		}
		return Outcome{RecordedID: a.ID}, d.writeFailure("append role assignment", a.ID, err)
	}
	d.raised(ev)
	return out, nil
}

// OnAction scores an action reported by a collaborator and records it.
// Detection never blocks the action; the caller only learns whether it
// was flagged. A claimed time past the block threshold is refused before
// scoring.
func (d *Detector) OnAction(ctx context.Context, x Action) (Outcome, error) {
	x.ActorID = strings.TrimSpace(x.ActorID)
	x.Kind = strings.TrimSpace(strings.ToLower(x.Kind))
	x.ActorRole = auth.NormalizeRole(x.ActorRole)
	if x.ActorID == "" || x.Kind == "" {
		return Outcome{}, fmt.Errorf("%w: actor_id and kind are required", auth.ErrInvalidInput)
	}
	x.Privileged = x.Privileged || d.privileged[x.Kind]

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	unlock, err := d.lock(ctx, x.TenantID)
	if err != nil {
		return Outcome{RecordedID: x.ID}, d.writeFailure("lock tenant", x.ID, err)
	}
	defer unlock()

	if x.ID != "" {
		if prior, ok, err := d.priorAction(ctx, x.ID); err != nil || ok {
			return prior, err
		}
	}
	actor := auth.Actor{TenantID: x.TenantID, ID: x.ActorID, Role: x.ActorRole}
	st, err := d.stamp(ctx, actor, clock.ActionReported, x.OccurredAt, x.ClaimedAt)
	if err != nil {
		return Outcome{RecordedID: x.ID}, d.writeFailure("clock evaluation", x.ID, err)
	}
	x.OccurredAt, x.ClaimedAt, x.DriftSeconds, x.ObservationID = st.at, st.claimed, st.drift, st.observation
	if x.ID == "" {
		x.ID = ids.NewAt(x.OccurredAt)
	}
	if st.blocked {
		return d.blocked(x.ID, st), nil
	}

	h, err := d.store.Recent(ctx, x.TenantID, x.OccurredAt.Add(-d.cfg.Lookback))
	if err != nil {
		return Outcome{RecordedID: x.ID}, d.writeFailure("read history", x.ID, err)
	}
	if x.ActorRole == "" {
		x.ActorRole = roleOf(h, x.TenantID, x.ActorID, x.OccurredAt)
	}

	out, ev, err := d.score(ctx, Trigger{Action: &x}, h)
	if err != nil {
		return out, d.writeFailure("check open events", x.ID, err)
	}
	out.DriftSeconds, out.DriftSeverity = st.drift, st.severity
	x.Score = out.Score
	x.Patterns = out.Patterns
	if err := d.store.Append(ctx, Batch{Action: &x, Event: ev}); err != nil {
		if errors.Is(err, ErrDuplicate) {
			if prior, ok, perr := d.priorAction(ctx, x.ID); perr == nil && ok {
				return prior, nil
			}
		}
		return Outcome{RecordedID: x.ID}, d.writeFailure("append action", x.ID, err)
	}
	d.raised(ev)
	return out, nil
}

// lock serializes scoring for tenantID in process and, when the store
// supports it, across processes.
func (d *Detector) lock(ctx context.Context, tenantID string) (func(), error) {
	d.locksMu.Lock()
	mu, ok := d.locks[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		d.locks[tenantID] = mu
	}
	d.locksMu.Unlock()

	mu.Lock()
	l, ok := d.store.(TenantLocker)
	if !ok {
		return mu.Unlock, nil
	}
	release, err := l.LockTenant(ctx, tenantID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	return func() {
		release()
		mu.Unlock()
	}, nil
}

// stamped is the time a trigger is scored at and what the clock authority
// made of the claim.
type stamped struct {
	at          time.Time
	claimed     *time.Time
	drift       int64
	severity    clock.Severity
	observation string
	blocked     bool
}

// stamp resolves the scoring time. Without a clock authority the caller's
// time is trusted. With one, the server time is used and any claim, from
// claimed or else a non-zero occurred, is evaluated and recorded.
func (d *Detector) stamp(ctx context.Context, actor auth.Actor, action clock.Action, occurred time.Time, claimed *time.Time) (stamped, error) {
	if claimed == nil && !occurred.IsZero() {
		c := occurred
		claimed = &c
	}
	if d.clock == nil {
		at := d.now()
		if claimed != nil {
			at = *claimed
		}
		return stamped{at: at.UTC()}, nil
	}
	if claimed == nil {
		return stamped{at: d.clock.Now().UTC()}, nil
	}
	c := claimed.UTC()
	res, err := d.clock.Evaluate(ctx, actor, action, c)
	if err != nil {
		return stamped{}, err
	}
	return stamped{
		at:          res.ServerTime.UTC(),
		claimed:     &c,
		drift:       res.DriftSeconds,
		severity:    res.Severity,
		observation: res.ObservationID,
		blocked:     res.Blocked,
	}, nil
}

func (d *Detector) blocked(id string, st stamped) Outcome {
	d.log.Warn("role change or action refused on clock drift",
		zap.String("id", id),
		zap.Int64("drift_seconds", st.drift),
		zap.String("observation_id", st.observation))
	return Outcome{
		Patterns:      []Pattern{},
		Contributions: []Contribution{},
		RecordedID:    id,
		Blocked:       true,
		DriftSeconds:  st.drift,
		DriftSeverity: st.severity,
	}
}

// priorAssignment returns the outcome stored for an already recorded role
// change.
func (d *Detector) priorAssignment(ctx context.Context, id string) (Outcome, bool, error) {
	a, err := d.store.Assignment(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{RecordedID: id}, false, d.writeFailure("read assignment", id, err)
	}
	out, err := d.prior(ctx, a.TenantID, id, a.Score, a.Patterns, a.DriftSeconds)
	return out, err == nil, err
}

func (d *Detector) priorAction(ctx context.Context, id string) (Outcome, bool, error) {
	x, err := d.store.Action(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{RecordedID: id}, false, d.writeFailure("read action", id, err)
	}
	out, err := d.prior(ctx, x.TenantID, id, x.Score, x.Patterns, x.DriftSeconds)
	return out, err == nil, err
}

func (d *Detector) prior(ctx context.Context, tenantID, id string, score int, patterns []Pattern, drift int64) (Outcome, error) {
	if patterns == nil {
		patterns = []Pattern{}
	}
	out := Outcome{
		Detected:      score > d.cfg.Threshold,
		Patterns:      patterns,
		Score:         score,
		Contributions: []Contribution{},
		RecordedID:    id,
		Duplicate:     true,
		DriftSeconds:  drift,
	}
	if !out.Detected {
		return out, nil
	}
	evs, err := d.store.Events(ctx, Filter{TenantID: tenantID, EvidenceID: id, Limit: 1})
	if err != nil {
		return Outcome{RecordedID: id}, d.writeFailure("read events", id, err)
	}
	if len(evs) > 0 {
		out.EscalationID = evs[0].ID
		out.Transparency = evs[0].Transparency
	}
	return out, nil
}

// Score evaluates t against h without recording anything. Given the same
// inputs it always returns the same result.
func (d *Detector) Score(t Trigger, h History) (int, []Contribution) {
	h.sort()
	return Evaluate(d.scorers, d.cfg.MaxScore, t, h)
}

// score computes the outcome and, if the threshold is exceeded and no
// unresolved event already covers the subject and pattern, the new event.
func (d *Detector) score(ctx context.Context, t Trigger, h History) (Outcome, *Event, error) {
	total, matched := d.Score(t, h)
	out := d.outcome(t, total, matched)
	if total <= d.cfg.Threshold {
		return out, nil, nil
	}
	ev, existing, err := d.newEvent(ctx, t, h, total, matched)
	if err != nil {
		return out, nil, err
	}
	out.Detected = true
	if existing != "" {
		out.EscalationID = existing
		out.Existing = true
		return out, nil, nil
	}
	out.EscalationID = ev.ID
	return out, ev, nil
}

func (d *Detector) outcome(t Trigger, total int, matched []Contribution) Outcome {
	out := Outcome{
		Score:         total,
		Patterns:      patternsOf(matched),
		Contributions: matched,
	}
	if out.Contributions == nil {
		out.Contributions = []Contribution{}
	}
	if t.Assignment != nil {
		out.RecordedID = t.Assignment.ID
	} else if t.Action != nil {
		out.RecordedID = t.Action.ID
	}
	for _, c := range matched {
		out.Transparency = out.Transparency || c.Transparency
	}
	return out
}

func (d *Detector) newEvent(ctx context.Context, t Trigger, h History, total int, matched []Contribution) (*Event, string, error) {
	top := matched[0]
	tenantID := ""
	if t.Assignment != nil {
		tenantID = t.Assignment.TenantID
	} else if t.Action != nil {
		tenantID = t.Action.TenantID
	}
	open, err := d.store.Events(ctx, Filter{TenantID: tenantID, SubjectID: top.SubjectID, Pattern: top.Pattern, Unresolved: true, Limit: 1})
	if err != nil {
		return nil, "", err
	}
	if len(open) > 0 {
		return nil, open[0].ID, nil
	}

	assignments := make(map[string]bool, len(h.Assignments)+1)
	for _, a := range h.Assignments {
		assignments[a.ID] = true
	}
	if t.Assignment != nil {
		assignments[t.Assignment.ID] = true
	}
	at := t.At()
	ev := &Event{
		ID:            ids.NewAt(at),
		TenantID:      tenantID,
		SubjectID:     top.SubjectID,
		Pattern:       top.Pattern,
		Patterns:      patternsOf(matched),
		Severity:      d.cfg.Severity(total),
		Score:         total,
		Contributions: matched,
		AssignmentIDs: []string{},
		DetectedAt:    at,
		Status:        StatusOpen,
		Notes:         []Note{},
	}
	seen := map[string]bool{}
	for _, c := range matched {
		ev.Transparency = ev.Transparency || c.Transparency
		for _, id := range c.EvidenceIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			if assignments[id] {
				ev.AssignmentIDs = append(ev.AssignmentIDs, id)
			} else {
				ev.ActionIDs = append(ev.ActionIDs, id)
			}
		}
	}
	if t.Assignment != nil && !seen[t.Assignment.ID] {
		ev.AssignmentIDs = append(ev.AssignmentIDs, t.Assignment.ID)
	}
	if t.Assignment == nil && t.Action != nil && !seen[t.Action.ID] {
		ev.ActionIDs = append(ev.ActionIDs, t.Action.ID)
	}
	return ev, "", nil
}

func (d *Detector) raised(ev *Event) {
	if ev == nil {
		return
	}
	obs.Escalations.WithLabelValues(string(ev.Pattern), string(ev.Severity)).Inc()
	d.log.Warn("escalation raised",
		zap.String("event_id", ev.ID),
		zap.String("tenant_id", ev.TenantID),
		zap.String("subject_id", ev.SubjectID),
		zap.String("pattern", string(ev.Pattern)),
		zap.Int("score", ev.Score),
		zap.String("severity", string(ev.Severity)),
		zap.Bool("transparency", ev.Transparency))
}

func (d *Detector) writeFailure(op, id string, err error) error {
	obs.LedgerWriteFailures.WithLabelValues("escalation").Inc()
	d.log.Error("escalation ledger failure",
		zap.String("op", op),
		zap.String("id", id),
		zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrLedgerWrite, op, err)
}

// roleOf returns the role user held at at according to h, or "".
func roleOf(h History, tenantID, user string, at time.Time) string {
	for i := len(h.Assignments) - 1; i >= 0; i-- {
		a := h.Assignments[i]
		if a.TenantID == tenantID && a.SubjectID == user && !a.OccurredAt.After(at) {
			return a.NewRole
		}
	}
	return ""
}

// ListEvents returns events matching f, newest first.
func (d *Detector) ListEvents(ctx context.Context, f Filter) ([]Event, error) {
	return d.store.Events(ctx, f)
}

// Event returns one event with its notes.
func (d *Detector) Event(ctx context.Context, id string) (Event, error) {
	return d.store.Event(ctx, id)
}

// RequiresRevalidation reports whether userID has any active hold.
func (d *Detector) RequiresRevalidation(ctx context.Context, tenantID, userID string) (bool, error) {
	holds, err := d.store.Holds(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	for _, h := range holds {
		if h.Active() {
			return true, nil
		}
	}
	return false, nil
}

// Holds lists every revalidation hold, active or released, for userID.
func (d *Detector) Holds(ctx context.Context, tenantID, userID string) ([]Hold, error) {
	return d.store.Holds(ctx, tenantID, userID)
}

// MarkInvestigating moves an event to INVESTIGATING and appends notes.
func (d *Detector) MarkInvestigating(ctx context.Context, eventID string, actor auth.Actor, notes string) (Event, error) {
	return d.advance(ctx, eventID, actor, StatusInvestigating, notes, false)
}

// Resolve closes an event. Only when reinstate is set is the event's
// revalidation hold lifted; the subject stays flagged while other holds
// remain.
func (d *Detector) Resolve(ctx context.Context, eventID string, actor auth.Actor, notes string, reinstate bool) (Event, error) {
	return d.advance(ctx, eventID, actor, StatusResolved, notes, reinstate)
}

func (d *Detector) advance(ctx context.Context, eventID string, actor auth.Actor, to Status, notes string, release bool) (Event, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ev, err := d.store.Event(ctx, eventID)
	if err != nil {
		return Event{}, err
	}
	if actor.TenantID != "" && ev.TenantID != actor.TenantID {
		return Event{}, ErrNotFound
	}
	if err := d.authorize(ctx, ev, actor); err != nil {
		return Event{}, err
	}
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return Event{}, fmt.Errorf("%w: notes are required", auth.ErrInvalidInput)
	}
	if !ev.Status.CanAdvance(to) {
		return Event{}, fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, ev.Status, to)
	}

	now := d.now()
	updated, err := d.store.Advance(ctx, Advance{
		EventID: eventID,
		To:      to,
		Note: Note{
			ID:         ids.NewAt(now),
			EventID:    eventID,
			AuthorID:   actor.ID,
			AuthorRole: auth.NormalizeRole(actor.Role),
			Status:     to,
			Body:       notes,
			CreatedAt:  now,
		},
		Release: release,
		At:      now,
	})
	if err != nil {
		return Event{}, err
	}
	d.log.Info("escalation advanced",
		zap.String("event_id", eventID),
		zap.String("status", string(to)),
		zap.String("investigator_id", actor.ID),
		zap.Bool("reinstated", release))
	return updated, nil
}

// authorize admits investigators who are neither the flagged subject nor
// under a revalidation hold themselves.
func (d *Detector) authorize(ctx context.Context, ev Event, actor auth.Actor) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if !actor.IsInvestigator() {
		return fmt.Errorf("%w: investigator role required", auth.ErrForbidden)
	}
	if actor.ID == ev.SubjectID {
		return fmt.Errorf("%w: the flagged account cannot act on its own escalation", auth.ErrForbidden)
	}
	held, err := d.RequiresRevalidation(ctx, ev.TenantID, actor.ID)
	if err != nil {
		return err
	}
	if held {
		return fmt.Errorf("%w: investigator requires revalidation", auth.ErrForbidden)
	}
	return nil
}
