package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"smartattend.org/internal/attendance"
	"smartattend.org/internal/clock"
	"smartattend.org/internal/escalation"
	"smartattend.org/internal/ledger"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func checkMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

var driftCols = []string{"id", "tenant_id", "actor_id", "device_id", "action", "client_time", "server_time",
	"drift_seconds", "skew_seconds", "severity", "blocked", "correlation_id", "recorded_at"}

func TestDriftAppend(t *testing.T) {
	s, mock := newMock(t)
	o := clock.Observation{
		ID:           "obs-1",
		TenantID:     "t1",
		ActorID:      "u1",
		Action:       clock.ActionAttendanceMark,
		ClientTime:   t0.Add(-45 * time.Second),
		ServerTime:   t0,
		DriftSeconds: 45,
		SkewSeconds:  -45,
		Severity:     clock.SeverityWarning,
		RecordedAt:   t0,
	}
	mock.ExpectExec("insert into drift_observations").
		WithArgs("obs-1", "t1", "u1", nil, string(clock.ActionAttendanceMark), o.ClientTime, t0,
			int64(45), int64(-45), "WARNING", false, nil, t0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.Drift().Append(context.Background(), o); err != nil {
		t.Fatalf("append: %v", err)
	}
	checkMock(t, mock)
}

func TestDriftAppendImmutable(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into drift_observations").
		WillReturnError(&pgconn.PgError{Code: pgErrRaiseException, Message: "drift_observations is immutable: UPDATE rejected"})

	err := s.Drift().Append(context.Background(), clock.Observation{ID: "obs-1"})
	if !errors.Is(err, ledger.ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
	checkMock(t, mock)
}

func TestDriftQueryFilters(t *testing.T) {
	s, mock := newMock(t)
	rows := sqlmock.NewRows(driftCols).
		AddRow("obs-3", "t1", "u1", "", "attendance.mark", t0, t0.Add(2*time.Minute), int64(400), int64(-400), "CRITICAL", true, "", t0).
		AddRow("obs-2", "t1", "u1", "dev", "attendance.mark", t0, t0.Add(time.Minute), int64(45), int64(-45), "WARNING", false, "c1", t0)
	mock.ExpectQuery(regexp.QuoteMeta(`where tenant_id = $1 and severity in ($2,$3)`) + `(?s).*` + regexp.QuoteMeta(`limit $4`)).
		WithArgs("t1", "WARNING", "CRITICAL", 2).
		WillReturnRows(rows)

	out, err := s.Drift().Query(context.Background(), clock.Filter{TenantID: "t1", MinSeverity: clock.SeverityWarning, Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 2 || out[0].ID != "obs-2" || out[1].ID != "obs-3" {
		t.Fatalf("expected ascending order, got %+v", out)
	}
	if !out[1].Blocked || out[1].Severity != clock.SeverityCritical {
		t.Fatalf("unexpected row: %+v", out[1])
	}
	checkMock(t, mock)
}

func TestAttendanceCreateDuplicate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into attendance_records").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	rec := attendance.Record{ID: "r1", TenantID: "t1", SubjectID: "s1", SessionID: "c1", State: attendance.StatePending, MarkedAt: t0, UpdatedAt: t0, Version: 1}
	err := s.Attendance().Create(context.Background(), rec, attendance.Attempt{ID: "a1", RecordID: "r1"})
	if !errors.Is(err, attendance.ErrAlreadyMarked) {
		t.Fatalf("expected ErrAlreadyMarked, got %v", err)
	}
	checkMock(t, mock)
}

func TestAttendanceCommit(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`select version from attendance_records where id = $1 for update`)).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))
	mock.ExpectExec("update attendance_records").
		WithArgs("r1", "VERIFIED", "PRESENCE_CONFIRMED", int64(12), "INFO", false, nil, int64(2), t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into transition_attempts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rec := attendance.Record{ID: "r1", State: attendance.StateVerified, ReasonCode: "PRESENCE_CONFIRMED",
		DriftSeconds: 12, DriftSeverity: clock.SeverityInfo, Version: 2, UpdatedAt: t0}
	a := attendance.Attempt{ID: "a2", RecordID: "r1", FromState: attendance.StatePending, ToState: attendance.StateVerified,
		Outcome: attendance.OutcomeAccepted, AttemptedAt: t0}
	if err := s.Attendance().Commit(context.Background(), rec, 1, a); err != nil {
		t.Fatalf("commit: %v", err)
	}
	checkMock(t, mock)
}

func TestAttendanceCommitConflicts(t *testing.T) {
	cases := []struct {
		name string
		rows *sqlmock.Rows
		want error
	}{
		{"stale version", sqlmock.NewRows([]string{"version"}).AddRow(int64(3)), attendance.ErrVersionConflict},
		{"missing record", sqlmock.NewRows([]string{"version"}), attendance.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectBegin()
			mock.ExpectQuery("select version from attendance_records").WillReturnRows(tc.rows)
			mock.ExpectRollback()

			err := s.Attendance().Commit(context.Background(), attendance.Record{ID: "r1"}, 2, attendance.Attempt{ID: "a"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			checkMock(t, mock)
		})
	}
}

func TestAttendanceAttempts(t *testing.T) {
	s, mock := newMock(t)
	cols := []string{"sequence", "id", "record_id", "tenant_id", "from_state", "to_state", "reason_code", "justification",
		"outcome", "code", "detail", "actor_id", "actor_role", "client_ip", "user_agent", "source_system",
		"idempotency_key", "duplicate_of", "client_time", "drift_seconds", "drift_severity", "observation_id", "correlation_id", "attempted_at"}
	mock.ExpectQuery("from transition_attempts").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), "a1", "r1", "t1", "NONE", "PENDING", "QR_SCAN", "", "ACCEPTED", "", "", "u1", "faculty",
				"", "", "", "", "", nil, int64(0), "INFO", "obs-1", "", t0).
			AddRow(int64(2), "a2", "r1", "t1", "PENDING", "REVOKED", "FRAUD_CONFIRMED", "proxy", "REJECTED", "CLOCK_DRIFT_EXCEEDED", "", "u1", "faculty",
				"10.0.0.1", "", "", "", "", t0, int64(400), "CRITICAL", "obs-2", "", t0))

	out, err := s.Attendance().Attempts(context.Background(), "r1")
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(out))
	}
	if out[0].ClientTime != nil || out[1].ClientTime == nil {
		t.Fatalf("client time not mapped: %+v", out)
	}
	if out[1].Code != attendance.CodeClockDriftExceeded || out[1].Outcome != attendance.OutcomeRejected {
		t.Fatalf("unexpected second attempt: %+v", out[1])
	}
	checkMock(t, mock)
}

func TestEscalationAdvanceRejects(t *testing.T) {
	cases := []struct {
		name string
		rows *sqlmock.Rows
		to   escalation.Status
		want error
	}{
		{"missing", sqlmock.NewRows([]string{"status"}), escalation.StatusInvestigating, escalation.ErrNotFound},
		{"backwards", sqlmock.NewRows([]string{"status"}).AddRow("RESOLVED"), escalation.StatusInvestigating, escalation.ErrInvalidStatus},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta(`select status from escalation_status where event_id = $1 for update`)).
				WithArgs("ev1").
				WillReturnRows(tc.rows)
			mock.ExpectRollback()

			_, err := s.Escalation().Advance(context.Background(), escalation.Advance{EventID: "ev1", To: tc.to, At: t0})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			checkMock(t, mock)
		})
	}
}

func TestEscalationAppendEvent(t *testing.T) {
	s, mock := newMock(t)
	ev := escalation.Event{
		ID:            "ev1",
		TenantID:      "t1",
		SubjectID:     "u9",
		Pattern:       escalation.PatternTemporalCluster,
		Patterns:      []escalation.Pattern{escalation.PatternTemporalCluster},
		Severity:      escalation.SeverityMedium,
		Score:         55,
		AssignmentIDs: []string{"g1", "g2"},
		DetectedAt:    t0,
	}
	mock.ExpectBegin()
	mock.ExpectExec("insert into escalation_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into escalation_status").
		WithArgs("ev1", "OPEN", t0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into revalidation_holds").
		WithArgs("ev1", "t1", "u9", t0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.Escalation().Append(context.Background(), escalation.Batch{Event: &ev}); err != nil {
		t.Fatalf("append: %v", err)
	}
	checkMock(t, mock)
}

var (
	assignmentCols = []string{"id", "tenant_id", "subject_id", "old_role", "new_role", "changed_by", "changed_by_role",
		"occurred_at", "claimed_at", "drift_seconds", "observation_id", "score", "patterns"}
	actionCols = []string{"id", "tenant_id", "actor_id", "actor_role", "kind", "privileged", "target_id",
		"occurred_at", "claimed_at", "drift_seconds", "observation_id", "score", "patterns"}
)

func TestEscalationAppendAssignment(t *testing.T) {
	s, mock := newMock(t)
	claimed := t0.Add(-90 * time.Second)
	a := escalation.RoleAssignment{
		ID:            "g1",
		TenantID:      "t1",
		SubjectID:     "u2",
		OldRole:       "faculty",
		NewRole:       "admin",
		ChangedBy:     "u1",
		OccurredAt:    t0,
		ClaimedAt:     &claimed,
		DriftSeconds:  90,
		ObservationID: "obs-1",
	}
	mock.ExpectBegin()
	mock.ExpectExec("insert into role_assignment_events").
		WithArgs("g1", "t1", "u2", "faculty", "admin", "u1", nil, t0, claimed, int64(90), "obs-1", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.Escalation().Append(context.Background(), escalation.Batch{Assignment: &a}); err != nil {
		t.Fatalf("append: %v", err)
	}
	checkMock(t, mock)
}

func TestEscalationAppendDuplicateID(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into role_assignment_events").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	a := escalation.RoleAssignment{ID: "g1", TenantID: "t1", SubjectID: "u2", NewRole: "admin", ChangedBy: "u1", OccurredAt: t0}
	err := s.Escalation().Append(context.Background(), escalation.Batch{Assignment: &a})
	if !errors.Is(err, escalation.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	checkMock(t, mock)
}

func TestEscalationAssignmentLookup(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from role_assignment_events where id").
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows(assignmentCols).
			AddRow("g1", "t1", "u2", "faculty", "admin", "u1", "admin", t0, nil, int64(0), "", 55, []byte(`["TEMPORAL_CLUSTER"]`)))
	mock.ExpectQuery("from escalation_actions where id").
		WithArgs("x9").
		WillReturnRows(sqlmock.NewRows(actionCols))

	a, err := s.Escalation().Assignment(context.Background(), "g1")
	if err != nil || a.Score != 55 || len(a.Patterns) != 1 {
		t.Fatalf("unexpected assignment: %+v %v", a, err)
	}
	if _, err := s.Escalation().Action(context.Background(), "x9"); !errors.Is(err, escalation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkMock(t, mock)
}

func TestEscalationLockTenant(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`select pg_advisory_lock(hashtext($1))`)).
		WithArgs("escalation:t1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`select pg_advisory_unlock(hashtext($1))`)).
		WithArgs("escalation:t1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	unlock, err := s.Escalation().LockTenant(context.Background(), "t1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()
	checkMock(t, mock)
}

func TestEscalationEventsByEvidence(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`(e.assignment_ids ? $2 or e.action_ids ? $2)`)).
		WithArgs("t1", "g4", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	evs, err := s.Escalation().Events(context.Background(), escalation.Filter{TenantID: "t1", EvidenceID: "g4", Limit: 1})
	if err != nil || len(evs) != 0 {
		t.Fatalf("unexpected events: %+v %v", evs, err)
	}
	checkMock(t, mock)
}

func TestEscalationRecent(t *testing.T) {
	s, mock := newMock(t)
	since := t0.Add(-15 * time.Minute)
	claimed := t0.Add(-2 * time.Minute)
	mock.ExpectQuery("from role_assignment_events").
		WithArgs("t1", since).
		WillReturnRows(sqlmock.NewRows(assignmentCols).
			AddRow("g1", "t1", "u2", "faculty", "admin", "u1", "admin", t0, nil, int64(0), "", 0, []byte(`[]`)).
			AddRow("g2", "t1", "u3", "student", "faculty", "u1", "", t0, claimed, int64(120), "obs-9", 55, []byte(`["TEMPORAL_CLUSTER"]`)))
	mock.ExpectQuery("from escalation_actions").
		WithArgs("t1", since).
		WillReturnRows(sqlmock.NewRows(actionCols).
			AddRow("x1", "t1", "u2", "admin", "attendance.revoke", true, "r1", t0, nil, int64(0), "", 0, nil))

	h, err := s.Escalation().Recent(context.Background(), "t1", since)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(h.Assignments) != 2 || len(h.Actions) != 1 {
		t.Fatalf("unexpected history: %+v", h)
	}
	if len(h.Assignments[1].Patterns) != 1 || h.Assignments[1].Patterns[0] != escalation.PatternTemporalCluster {
		t.Fatalf("patterns not decoded: %+v", h.Assignments[1])
	}
	if g := h.Assignments[1]; g.ClaimedAt == nil || !g.ClaimedAt.Equal(claimed) || g.DriftSeconds != 120 || g.ObservationID != "obs-9" {
		t.Fatalf("claim not decoded: %+v", g)
	}
	if h.Assignments[0].ClaimedAt != nil {
		t.Fatalf("unexpected claim: %+v", h.Assignments[0])
	}
	if !h.Actions[0].Privileged || h.Actions[0].TargetID != "r1" {
		t.Fatalf("unexpected action: %+v", h.Actions[0])
	}
	checkMock(t, mock)
}

func TestEscalationHolds(t *testing.T) {
	s, mock := newMock(t)
	released := t0.Add(time.Hour)
	mock.ExpectQuery("from revalidation_holds").
		WithArgs("t1", "u9").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "tenant_id", "user_id", "created_at", "released_at", "released_by"}).
			AddRow("ev1", "t1", "u9", t0, released, "inv1").
			AddRow("ev2", "t1", "u9", t0, nil, ""))

	holds, err := s.Escalation().Holds(context.Background(), "t1", "u9")
	if err != nil {
		t.Fatalf("holds: %v", err)
	}
	if len(holds) != 2 || holds[0].Active() || !holds[1].Active() {
		t.Fatalf("unexpected holds: %+v", holds)
	}
	checkMock(t, mock)
}
