package pg

import (
	"context"
	"database/sql"
	"errors"

	"smartattend.org/internal/attendance"
	"smartattend.org/internal/clock"
)

var _ attendance.Store = (*AttendanceStore)(nil)

const recordColumns = `id, tenant_id, subject_id, session_id, state, reason_code, marked_at, client_claimed_at,
	drift_seconds, coalesce(drift_severity,''), review_required, coalesce(review_reason,''), marked_by, version, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (attendance.Record, error) {
	var (
		rec          attendance.Record
		state, dsev  string
		clientClaims sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.SubjectID, &rec.SessionID, &state, &rec.ReasonCode, &rec.MarkedAt, &clientClaims,
		&rec.DriftSeconds, &dsev, &rec.ReviewRequired, &rec.ReviewReason, &rec.MarkedBy, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Record{}, attendance.ErrNotFound
	}
	if err != nil {
		return attendance.Record{}, err
	}
	rec.State = attendance.State(state)
	rec.DriftSeverity = clock.Severity(dsev)
	rec.ClientClaimedAt = timePtr(clientClaims)
	return rec, nil
}

func (s *AttendanceStore) GetRecord(ctx context.Context, id string) (attendance.Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, `select `+recordColumns+` from attendance_records where id = $1`, id))
}

func (s *AttendanceStore) FindRecord(ctx context.Context, tenantID, subjectID, sessionID string) (attendance.Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, `
		select `+recordColumns+`
		from attendance_records
		where tenant_id = $1 and subject_id = $2 and session_id = $3
	`, tenantID, subjectID, sessionID))
}

func (s *AttendanceStore) Create(ctx context.Context, rec attendance.Record, a attendance.Attempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into attendance_records
			(id, tenant_id, subject_id, session_id, state, reason_code, marked_at, client_claimed_at,
			 drift_seconds, drift_severity, review_required, review_reason, marked_by, version, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, rec.ID, rec.TenantID, rec.SubjectID, rec.SessionID, string(rec.State), rec.ReasonCode, rec.MarkedAt, nullTime(rec.ClientClaimedAt),
		rec.DriftSeconds, nullIfEmpty(string(rec.DriftSeverity)), rec.ReviewRequired, nullIfEmpty(rec.ReviewReason), rec.MarkedBy, rec.Version, rec.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return attendance.ErrAlreadyMarked
		}
		return err
	}
	if err := insertAttempt(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *AttendanceStore) Commit(ctx context.Context, rec attendance.Record, expectedVersion int64, a attendance.Attempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `select version from attendance_records where id = $1 for update`, rec.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.ErrNotFound
	}
	if err != nil {
		return err
	}
	if current != expectedVersion {
		return attendance.ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `
		update attendance_records
		set state = $2, reason_code = $3, drift_seconds = $4, drift_severity = $5,
		    review_required = $6, review_reason = $7, version = $8, updated_at = $9
		where id = $1
	`, rec.ID, string(rec.State), rec.ReasonCode, rec.DriftSeconds, nullIfEmpty(string(rec.DriftSeverity)),
		rec.ReviewRequired, nullIfEmpty(rec.ReviewReason), rec.Version, rec.UpdatedAt); err != nil {
		return err
	}
	if err := insertAttempt(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *AttendanceStore) AppendAttempt(ctx context.Context, a attendance.Attempt) error {
	return insertAttempt(ctx, s.db, a)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAttempt(ctx context.Context, db execer, a attendance.Attempt) error {
	_, err := db.ExecContext(ctx, `
		insert into transition_attempts
			(id, record_id, tenant_id, from_state, to_state, reason_code, justification, outcome, code, detail,
			 actor_id, actor_role, client_ip, user_agent, source_system, idempotency_key, duplicate_of,
			 client_time, drift_seconds, drift_severity, observation_id, correlation_id, attempted_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`, a.ID, a.RecordID, a.TenantID, string(a.FromState), string(a.ToState), a.ReasonCode, nullIfEmpty(a.Justification),
		string(a.Outcome), nullIfEmpty(string(a.Code)), nullIfEmpty(a.Detail),
		a.ActorID, a.ActorRole, nullIfEmpty(a.ClientIP), nullIfEmpty(a.UserAgent), nullIfEmpty(a.SourceSystem),
		nullIfEmpty(a.IdempotencyKey), nullIfEmpty(a.DuplicateOf),
		nullTime(a.ClientTime), a.DriftSeconds, nullIfEmpty(string(a.DriftSeverity)), nullIfEmpty(a.ObservationID),
		nullIfEmpty(a.CorrelationID), a.AttemptedAt)
	return classify(err)
}

func (s *AttendanceStore) Attempts(ctx context.Context, recordID string) ([]attendance.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		select sequence, id, record_id, tenant_id, from_state, to_state, reason_code, coalesce(justification,''),
		       outcome, coalesce(code,''), coalesce(detail,''), actor_id, actor_role,
		       coalesce(client_ip,''), coalesce(user_agent,''), coalesce(source_system,''),
		       coalesce(idempotency_key,''), coalesce(duplicate_of,''), client_time, drift_seconds,
		       coalesce(drift_severity,''), coalesce(observation_id,''), coalesce(correlation_id,''), attempted_at
		from transition_attempts
		where record_id = $1
		order by sequence asc
	`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []attendance.Attempt
	for rows.Next() {
		var (
			a                             attendance.Attempt
			from, to, outcome, code, dsev string
			clientTime                    sql.NullTime
		)
		if err := rows.Scan(&a.Sequence, &a.ID, &a.RecordID, &a.TenantID, &from, &to, &a.ReasonCode, &a.Justification,
			&outcome, &code, &a.Detail, &a.ActorID, &a.ActorRole,
			&a.ClientIP, &a.UserAgent, &a.SourceSystem,
			&a.IdempotencyKey, &a.DuplicateOf, &clientTime, &a.DriftSeconds,
			&dsev, &a.ObservationID, &a.CorrelationID, &a.AttemptedAt); err != nil {
			return nil, err
		}
		a.FromState = attendance.State(from)
		a.ToState = attendance.State(to)
		a.Outcome = attendance.Outcome(outcome)
		a.Code = attendance.Code(code)
		a.DriftSeverity = clock.Severity(dsev)
		a.ClientTime = timePtr(clientTime)
		out = append(out, a)
	}
	return out, rows.Err()
}
