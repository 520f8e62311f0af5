package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"smartattend.org/internal/auth"
	"smartattend.org/internal/clock"
)

var investigator = auth.Actor{TenantID: "t1", ID: "inv-1", Role: auth.RoleInvestigator}

func newTestDetector(store Store) *Detector {
	return NewDetector(store, WithNow(func() time.Time { return t0.Add(time.Hour) }))
}

func assign(t *testing.T, d *Detector, subject, by string, at time.Time) Outcome {
	t.Helper()
	out, err := d.OnRoleAssignment(context.Background(), RoleAssignment{
		TenantID:      "t1",
		SubjectID:     subject,
		OldRole:       "student",
		NewRole:       "faculty",
		ChangedBy:     by,
		ChangedByRole: "admin",
		OccurredAt:    at,
	})
	if err != nil {
		t.Fatalf("OnRoleAssignment: %v", err)
	}
	return out
}

func TestSixGrantsInThirtySecondsRaiseOneEvent(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDetector(store)

	var outs []Outcome
	for i := 0; i < 6; i++ {
		outs = append(outs, assign(t, d, fmt.Sprintf("u%d", i), "adm-1", t0.Add(time.Duration(i)*5*time.Second)))
	}
	for i := 0; i < 4; i++ {
		if outs[i].Detected || outs[i].Score != 0 {
			t.Fatalf("grant %d flagged early: %+v", i, outs[i])
		}
	}
	fifth := outs[4]
	if !fifth.Detected || fifth.Score != 55 || fifth.EscalationID == "" || fifth.Patterns[0] != PatternTemporalCluster {
		t.Fatalf("expected temporal cluster escalation, got %+v", fifth)
	}
	if !outs[5].Detected || !outs[5].Existing || outs[5].EscalationID != fifth.EscalationID {
		t.Fatalf("sixth grant must fold into the open event, got %+v", outs[5])
	}

	events, err := d.ListEvents(context.Background(), Filter{TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Status != StatusOpen || ev.SubjectID != "adm-1" || ev.Severity != SeverityMedium || len(ev.AssignmentIDs) != 5 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	held, _ := d.RequiresRevalidation(context.Background(), "t1", "adm-1")
	if !held {
		t.Fatal("granter must require revalidation")
	}

	h, _ := store.Recent(context.Background(), "t1", t0.Add(-time.Hour))
	if len(h.Assignments) != 6 {
		t.Fatalf("every assignment must be recorded, got %d", len(h.Assignments))
	}
	if h.Assignments[4].Score != 55 || len(h.Assignments[4].Patterns) != 1 {
		t.Fatalf("assignment row must carry its score and flags: %+v", h.Assignments[4])
	}
}

func TestScoreIsReproducible(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDetector(store)
	for i := 0; i < 5; i++ {
		assign(t, d, fmt.Sprintf("u%d", i), "adm-1", t0.Add(time.Duration(i)*time.Second))
	}
	h, _ := store.Recent(context.Background(), "t1", t0.Add(-time.Hour))
	trig := h.Assignments[4]
	rest := h.withoutAssignment(trig.ID)

	first, c1 := d.Score(Trigger{Assignment: &trig}, rest)
	second, c2 := d.Score(Trigger{Assignment: &trig}, rest)
	if first != second || len(c1) != len(c2) || first != trig.Score {
		t.Fatalf("score not reproducible: %d/%d vs stored %d", first, second, trig.Score)
	}
	sum := 0
	for _, c := range c1 {
		sum += c.Score
	}
	if sum != first {
		t.Fatalf("score %d is not the sum of contributions %d", first, sum)
	}
}

func TestResolveMissingEventHasNoSideEffects(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDetector(store)
	_, err := d.Resolve(context.Background(), "does-not-exist", investigator, "closing", true)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := store.notes.Len(); n != 0 {
		t.Fatalf("no note may be written, got %d", n)
	}
	events, _ := d.ListEvents(context.Background(), Filter{})
	if len(events) != 0 {
		t.Fatal("no event may be created")
	}
}

func raiseUnusual(t *testing.T, d *Detector, at time.Time) Outcome {
	t.Helper()
	out, err := d.OnAction(context.Background(), Action{
		TenantID: "t1", ActorID: "root", ActorRole: auth.RoleSuperAdmin, Kind: "attendance.mark", OccurredAt: at,
	})
	if err != nil {
		t.Fatalf("OnAction: %v", err)
	}
	if !out.Detected || !out.Transparency {
		t.Fatalf("expected a transparency escalation, got %+v", out)
	}
	return out
}

func TestInvestigationMovesForwardOnly(t *testing.T) {
	d := newTestDetector(NewMemoryStore())
	id := raiseUnusual(t, d, t0).EscalationID
	ctx := context.Background()

	ev, err := d.MarkInvestigating(ctx, id, investigator, "pulling access logs")
	if err != nil || ev.Status != StatusInvestigating {
		t.Fatalf("MarkInvestigating: %+v %v", ev, err)
	}
	if ev, err = d.MarkInvestigating(ctx, id, investigator, "logs confirm direct marking"); err != nil || len(ev.Notes) != 2 {
		t.Fatalf("follow-up note: %+v %v", ev, err)
	}
	ev, err = d.Resolve(ctx, id, investigator, "authorized exception", true)
	if err != nil || ev.Status != StatusResolved || ev.ResolvedAt == nil || !ev.Reinstated {
		t.Fatalf("Resolve: %+v %v", ev, err)
	}
	if len(ev.Notes) != 3 || ev.Notes[0].Body != "pulling access logs" {
		t.Fatalf("notes must be appended in order: %+v", ev.Notes)
	}

	if _, err := d.MarkInvestigating(ctx, id, investigator, "reopen"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := d.Resolve(ctx, id, investigator, "again", true); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := d.Resolve(ctx, id, investigator, "  ", true); err == nil {
		t.Fatal("empty notes must be refused")
	}
}

func TestOnlyDistinctInvestigatorsMayAct(t *testing.T) {
	d := newTestDetector(NewMemoryStore())
	id := raiseUnusual(t, d, t0).EscalationID
	ctx := context.Background()

	cases := []struct {
		name  string
		actor auth.Actor
	}{
		{"flagged subject", auth.Actor{TenantID: "t1", ID: "root", Role: auth.RoleInvestigator}},
		{"admin", auth.Actor{TenantID: "t1", ID: "adm-2", Role: auth.RoleAdmin}},
		{"system", auth.Actor{TenantID: "t1", ID: "bot", Role: auth.RoleInvestigator, System: true}},
	}
	for _, tc := range cases {
		if _, err := d.Resolve(ctx, id, tc.actor, "closing", true); !errors.Is(err, auth.ErrForbidden) {
			t.Fatalf("%s: expected ErrForbidden, got %v", tc.name, err)
		}
	}
	if _, err := d.Resolve(ctx, id, auth.Actor{TenantID: "t2", ID: "inv-9", Role: auth.RoleInvestigator}, "x", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other tenants must not see the event, got %v", err)
	}
	ev, _ := d.Event(ctx, id)
	if ev.Status != StatusOpen || len(ev.Notes) != 0 {
		t.Fatalf("refused calls must not change the event: %+v", ev)
	}
}

func TestReinstateLiftsOnlyThatEventsHold(t *testing.T) {
	d := newTestDetector(NewMemoryStore())
	ctx := context.Background()

	first := raiseUnusual(t, d, t0).EscalationID
	if _, err := d.Resolve(ctx, first, investigator, "confirmed misuse", false); err != nil {
		t.Fatal(err)
	}
	if held, _ := d.RequiresRevalidation(ctx, "t1", "root"); !held {
		t.Fatal("resolving without reinstatement must keep the hold")
	}

	second := raiseUnusual(t, d, t0.Add(time.Minute)).EscalationID
	if second == first {
		t.Fatal("a resolved event must not absorb new matches")
	}
	if _, err := d.Resolve(ctx, second, investigator, "one-off", true); err != nil {
		t.Fatal(err)
	}
	if held, _ := d.RequiresRevalidation(ctx, "t1", "root"); !held {
		t.Fatal("the first event's hold must remain")
	}
	holds, _ := d.Holds(ctx, "t1", "root")
	if len(holds) != 2 || holds[1].Active() || holds[1].ReleasedBy != "inv-1" {
		t.Fatalf("unexpected holds: %+v", holds)
	}
}

func TestHeldInvestigatorCannotAct(t *testing.T) {
	d := newTestDetector(NewMemoryStore())
	ctx := context.Background()
	id := raiseUnusual(t, d, t0).EscalationID
	if _, err := d.OnAction(ctx, Action{TenantID: "t1", ActorID: "inv-1", ActorRole: auth.RoleSuperAdmin, Kind: "attendance.verify", OccurredAt: t0}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Resolve(ctx, id, investigator, "closing", true); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("an investigator under a hold must be refused, got %v", err)
	}
}

func TestCoordinatedElevationThroughDetector(t *testing.T) {
	d := newTestDetector(NewMemoryStore())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := d.OnRoleAssignment(ctx, RoleAssignment{
			TenantID:      "t1",
			SubjectID:     fmt.Sprintf("u%d", i),
			OldRole:       "student",
			NewRole:       "department_admin",
			ChangedBy:     "boss",
			ChangedByRole: "admin",
			OccurredAt:    t0.Add(time.Duration(i) * 20 * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	var last Outcome
	for i := 0; i < 5; i++ {
		out, err := d.OnAction(ctx, Action{TenantID: "t1", ActorID: fmt.Sprintf("u%d", i), Kind: "attendance.override", OccurredAt: t0.Add(5*time.Minute + time.Duration(i)*10*time.Second)})
		if err != nil {
			t.Fatal(err)
		}
		if i < 4 && out.Detected {
			t.Fatalf("action %d flagged early: %+v", i, out)
		}
		last = out
	}
	if !last.Detected || last.Score != 95 {
		t.Fatalf("expected coordinated elevation, got %+v", last)
	}
	ev, _ := d.Event(ctx, last.EscalationID)
	if ev.Pattern != PatternCoordinatedElevation || ev.Severity != SeverityCritical || ev.SubjectID != "boss" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(ev.AssignmentIDs) != 5 || len(ev.ActionIDs) != 5 {
		t.Fatalf("evidence not split: %d assignments, %d actions", len(ev.AssignmentIDs), len(ev.ActionIDs))
	}
}

func TestBypassThroughRoleAssignment(t *testing.T) {
	d := newTestDetector(NewMemoryStore())
	ctx := context.Background()
	if _, err := d.OnRoleAssignment(ctx, RoleAssignment{TenantID: "t1", SubjectID: "fac-1", OldRole: "faculty", NewRole: "admin", ChangedBy: "root", ChangedByRole: "super_admin", OccurredAt: t0}); err != nil {
		t.Fatal(err)
	}
	out, err := d.OnRoleAssignment(ctx, RoleAssignment{TenantID: "t1", SubjectID: "stu-1", OldRole: "student", NewRole: "faculty", ChangedBy: "fac-1", OccurredAt: t0.Add(2 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Detected || out.Patterns[0] != PatternBypass {
		t.Fatalf("granting a role seconds after elevation must match bypass, got %+v", out)
	}
}

type brokenStore struct{ *MemoryStore }

func (brokenStore) Append(context.Context, Batch) error { return errors.New("disk full") }

func TestStoreFailureSurfacesLedgerWriteError(t *testing.T) {
	d := newTestDetector(brokenStore{NewMemoryStore()})
	_, err := d.OnRoleAssignment(context.Background(), RoleAssignment{TenantID: "t1", SubjectID: "u", NewRole: "faculty", ChangedBy: "adm"})
	if !errors.Is(err, ErrLedgerWrite) {
		t.Fatalf("expected ErrLedgerWrite, got %v", err)
	}
}

func TestOnRoleAssignmentValidates(t *testing.T) {
	d := newTestDetector(NewMemoryStore())
	if _, err := d.OnRoleAssignment(context.Background(), RoleAssignment{SubjectID: "u"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := d.OnAction(context.Background(), Action{ActorID: "u"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRetriedIDsReturnStoredOutcome(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDetector(store)
	ctx := context.Background()

	var first []Outcome
	for i := 0; i < 3; i++ {
		a := grant(fmt.Sprintf("g%d", i), fmt.Sprintf("u%d", i), "student", "faculty", "adm-1", t0.Add(time.Duration(i)*time.Second))
		out, err := d.OnRoleAssignment(ctx, a)
		if err != nil {
			t.Fatal(err)
		}
		first = append(first, out)
		again, err := d.OnRoleAssignment(ctx, a)
		if err != nil {
			t.Fatal(err)
		}
		if !again.Duplicate || again.RecordedID != a.ID || again.Score != out.Score || again.Detected != out.Detected {
			t.Fatalf("retry of %s must return the stored outcome, got %+v", a.ID, again)
		}
	}
	h, _ := store.Recent(ctx, "t1", t0.Add(-time.Hour))
	if len(h.Assignments) != 3 {
		t.Fatalf("retries must not be recorded, got %d rows", len(h.Assignments))
	}
	for _, out := range first {
		if out.Detected {
			t.Fatalf("three grants must not cluster: %+v", out)
		}
	}

	x := Action{ID: "x1", TenantID: "t1", ActorID: "adm-1", Kind: "attendance.verify", OccurredAt: t0}
	if _, err := d.OnAction(ctx, x); err != nil {
		t.Fatal(err)
	}
	dup, err := d.OnAction(ctx, x)
	if err != nil || !dup.Duplicate {
		t.Fatalf("retried action: %+v %v", dup, err)
	}
	if err := store.Append(ctx, Batch{Action: &x}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestRetryOfDetectedGrantReturnsItsEvent(t *testing.T) {
	d := newTestDetector(NewMemoryStore())
	ctx := context.Background()
	var last RoleAssignment
	var out Outcome
	for i := 0; i < 5; i++ {
		last = grant(fmt.Sprintf("g%d", i), fmt.Sprintf("u%d", i), "student", "faculty", "adm-1", t0.Add(time.Duration(i)*time.Second))
		var err error
		if out, err = d.OnRoleAssignment(ctx, last); err != nil {
			t.Fatal(err)
		}
	}
	if !out.Detected || out.EscalationID == "" {
		t.Fatalf("fifth grant must raise an event, got %+v", out)
	}
	again, err := d.OnRoleAssignment(ctx, last)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Duplicate || !again.Detected || again.EscalationID != out.EscalationID {
		t.Fatalf("retry must point at the raised event, got %+v", again)
	}
}

func newClockedDetector(store Store, drift clock.Ledger, serverTime time.Time, blockSeconds int64) *Detector {
	th := clock.DefaultThresholds()
	if blockSeconds > 0 {
		th.BlockSeconds[clock.ActionRoleChange] = blockSeconds
	}
	authority := clock.NewAuthority(drift,
		clock.WithNow(func() time.Time { return serverTime }),
		clock.WithThresholds(th))
	return NewDetector(store, WithClock(authority))
}

func TestClaimedTimesAreScoredOnServerTime(t *testing.T) {
	store := NewMemoryStore()
	drift := clock.NewMemoryLedger()
	server := t0.Add(10 * time.Minute)
	d := newClockedDetector(store, drift, server, 0)
	ctx := context.Background()

	var outs []Outcome
	for i := 0; i < 6; i++ {
		claimed := server.Add(-time.Duration(i) * 2 * time.Minute)
		out, err := d.OnRoleAssignment(ctx, RoleAssignment{
			TenantID:      "t1",
			SubjectID:     fmt.Sprintf("u%d", i),
			OldRole:       "student",
			NewRole:       "faculty",
			ChangedBy:     "adm-1",
			ChangedByRole: "admin",
			ClaimedAt:     &claimed,
		})
		if err != nil {
			t.Fatal(err)
		}
		outs = append(outs, out)
	}
	if !outs[4].Detected || outs[4].Patterns[0] != PatternTemporalCluster {
		t.Fatalf("grants received together must cluster whatever they claim, got %+v", outs[4])
	}
	if drift.Len() != 6 {
		t.Fatalf("expected a drift observation per grant, got %d", drift.Len())
	}

	h, _ := store.Recent(ctx, "t1", server.Add(-time.Hour))
	for _, a := range h.Assignments {
		if !a.OccurredAt.Equal(server) || a.ClaimedAt == nil || a.ObservationID == "" {
			t.Fatalf("row must be scored on server time and keep its claim: %+v", a)
		}
	}
	if got := h.Assignments[5].DriftSeconds; got != 600 {
		t.Fatalf("unexpected drift on last grant: %d", got)
	}
}

func TestClaimPastBlockThresholdIsRefused(t *testing.T) {
	store := NewMemoryStore()
	drift := clock.NewMemoryLedger()
	server := t0.Add(time.Hour)
	d := newClockedDetector(store, drift, server, 300)

	claimed := server.Add(-400 * time.Second)
	out, err := d.OnRoleAssignment(context.Background(), RoleAssignment{
		TenantID:  "t1",
		SubjectID: "u1",
		NewRole:   "admin",
		ChangedBy: "adm-1",
		ClaimedAt: &claimed,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Blocked || out.DriftSeconds != 400 || out.DriftSeverity != clock.SeverityCritical {
		t.Fatalf("expected a blocked outcome, got %+v", out)
	}
	h, _ := store.Recent(context.Background(), "", server.Add(-24*time.Hour))
	if len(h.Assignments) != 0 {
		t.Fatalf("blocked change must not be recorded: %+v", h.Assignments)
	}
	if drift.Len() != 1 {
		t.Fatalf("drift observation must still be written, got %d", drift.Len())
	}
}

type gatedStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s gatedStore) Recent(ctx context.Context, tenantID string, since time.Time) (History, error) {
	if tenantID == "t1" {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.MemoryStore.Recent(ctx, tenantID, since)
}

func TestTenantsScoreIndependently(t *testing.T) {
	store := gatedStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	d := NewDetector(store, WithNow(func() time.Time { return t0 }), WithTimeout(5*time.Second))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := d.OnRoleAssignment(ctx, RoleAssignment{TenantID: "t1", SubjectID: "u1", NewRole: "faculty", ChangedBy: "adm-1"})
		done <- err
	}()
	<-store.entered

	other := make(chan error, 1)
	go func() {
		_, err := d.OnRoleAssignment(ctx, RoleAssignment{TenantID: "t2", SubjectID: "u2", NewRole: "faculty", ChangedBy: "adm-2"})
		other <- err
	}()
	select {
	case err := <-other:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("t2 waited on t1's scoring lock")
	}
	close(store.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

type lockingStore struct {
	*MemoryStore
	mu     sync.Mutex
	locked []string
	held   int
}

func (s *lockingStore) LockTenant(_ context.Context, tenantID string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = append(s.locked, tenantID)
	s.held++
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.held--
	}, nil
}

func TestStoreTenantLockWrapsScoring(t *testing.T) {
	store := &lockingStore{MemoryStore: NewMemoryStore()}
	d := newTestDetector(store)
	if _, err := d.OnRoleAssignment(context.Background(), RoleAssignment{TenantID: "t1", SubjectID: "u1", NewRole: "faculty", ChangedBy: "adm-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.OnAction(context.Background(), Action{TenantID: "t2", ActorID: "adm-2", Kind: "attendance.verify"}); err != nil {
		t.Fatal(err)
	}
	if len(store.locked) != 2 || store.locked[0] != "t1" || store.locked[1] != "t2" || store.held != 0 {
		t.Fatalf("unexpected lock calls: %v held=%d", store.locked, store.held)
	}
}

func TestSeverityFollowsWeights(t *testing.T) {
	cfg := Config{Weights: Weights{Medium: 30, High: 60, Critical: 80}}.withDefaults()
	cases := []struct {
		score int
		want  Severity
	}{
		{35, SeverityMedium},
		{60, SeverityHigh},
		{79, SeverityHigh},
		{80, SeverityCritical},
	}
	for _, c := range cases {
		if got := cfg.Severity(c.score); got != c.want {
			t.Fatalf("Severity(%d) = %s, want %s", c.score, got, c.want)
		}
	}
	if got := DefaultConfig().Severity(55); got != SeverityMedium {
		t.Fatalf("default medium band: %s", got)
	}
}
