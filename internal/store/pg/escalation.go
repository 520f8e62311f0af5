package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smartattend.org/internal/escalation"
)

var _ escalation.Store = (*EscalationStore)(nil)

func marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return b, nil
}

func (s *EscalationStore) Append(ctx context.Context, b escalation.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if a := b.Assignment; a != nil {
		patterns, err := marshal(a.Patterns)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_assignment_events
				(id, tenant_id, subject_id, old_role, new_role, changed_by, changed_by_role, occurred_at,
				 claimed_at, drift_seconds, observation_id, score, patterns)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, a.ID, a.TenantID, a.SubjectID, a.OldRole, a.NewRole, a.ChangedBy, nullIfEmpty(a.ChangedByRole), a.OccurredAt,
			nullTime(a.ClaimedAt), a.DriftSeconds, nullIfEmpty(a.ObservationID), a.Score, patterns); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: role assignment %s", escalation.ErrDuplicate, a.ID)
			}
			return classify(err)
		}
	}
	if x := b.Action; x != nil {
		patterns, err := marshal(x.Patterns)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into escalation_actions
				(id, tenant_id, actor_id, actor_role, kind, privileged, target_id, occurred_at,
				 claimed_at, drift_seconds, observation_id, score, patterns)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, x.ID, x.TenantID, x.ActorID, x.ActorRole, x.Kind, x.Privileged, nullIfEmpty(x.TargetID), x.OccurredAt,
			nullTime(x.ClaimedAt), x.DriftSeconds, nullIfEmpty(x.ObservationID), x.Score, patterns); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: action %s", escalation.ErrDuplicate, x.ID)
			}
			return classify(err)
		}
	}
	if ev := b.Event; ev != nil {
		if err := insertEvent(ctx, tx, *ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev escalation.Event) error {
	patterns, err := marshal(ev.Patterns)
	if err != nil {
		return err
	}
	contributions, err := marshal(ev.Contributions)
	if err != nil {
		return err
	}
	assignments, err := marshal(ev.AssignmentIDs)
	if err != nil {
		return err
	}
	actions, err := marshal(ev.ActionIDs)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into escalation_events
			(id, tenant_id, subject_id, pattern, patterns, severity, score, contributions,
			 assignment_ids, action_ids, transparency, detected_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, ev.ID, ev.TenantID, ev.SubjectID, string(ev.Pattern), patterns, string(ev.Severity), ev.Score, contributions,
		assignments, actions, ev.Transparency, ev.DetectedAt); err != nil {
		return classify(err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into escalation_status (event_id, status, updated_at) values ($1, $2, $3)
	`, ev.ID, string(escalation.StatusOpen), ev.DetectedAt); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into revalidation_holds (event_id, tenant_id, user_id, created_at) values ($1, $2, $3, $4)
	`, ev.ID, ev.TenantID, ev.SubjectID, ev.DetectedAt)
	return err
}

const assignmentColumns = `id, tenant_id, subject_id, old_role, new_role, changed_by, coalesce(changed_by_role,''),
	occurred_at, claimed_at, drift_seconds, coalesce(observation_id,''), score, patterns`

const actionColumns = `id, tenant_id, actor_id, actor_role, kind, privileged, coalesce(target_id,''),
	occurred_at, claimed_at, drift_seconds, coalesce(observation_id,''), score, patterns`

func scanAssignment(row rowScanner) (escalation.RoleAssignment, error) {
	var (
		a       escalation.RoleAssignment
		claimed sql.NullTime
		raw     []byte
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.SubjectID, &a.OldRole, &a.NewRole, &a.ChangedBy, &a.ChangedByRole,
		&a.OccurredAt, &claimed, &a.DriftSeconds, &a.ObservationID, &a.Score, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return a, escalation.ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ClaimedAt = timePtr(claimed)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a.Patterns); err != nil {
			return a, fmt.Errorf("decode patterns: %w", err)
		}
	}
	return a, nil
}

func scanAction(row rowScanner) (escalation.Action, error) {
	var (
		x       escalation.Action
		claimed sql.NullTime
		raw     []byte
	)
	err := row.Scan(&x.ID, &x.TenantID, &x.ActorID, &x.ActorRole, &x.Kind, &x.Privileged, &x.TargetID,
		&x.OccurredAt, &claimed, &x.DriftSeconds, &x.ObservationID, &x.Score, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return x, escalation.ErrNotFound
	}
	if err != nil {
		return x, err
	}
	x.ClaimedAt = timePtr(claimed)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &x.Patterns); err != nil {
			return x, fmt.Errorf("decode patterns: %w", err)
		}
	}
	return x, nil
}

func (s *EscalationStore) Assignment(ctx context.Context, id string) (escalation.RoleAssignment, error) {
	return scanAssignment(s.db.QueryRowContext(ctx, `select `+assignmentColumns+` from role_assignment_events where id = $1`, id))
}

func (s *EscalationStore) Action(ctx context.Context, id string) (escalation.Action, error) {
	return scanAction(s.db.QueryRowContext(ctx, `select `+actionColumns+` from escalation_actions where id = $1`, id))
}

func (s *EscalationStore) Recent(ctx context.Context, tenantID string, since time.Time) (escalation.History, error) {
	var h escalation.History
	rows, err := s.db.QueryContext(ctx, `
		select `+assignmentColumns+`
		from role_assignment_events
		where ($1 = '' or tenant_id = $1) and occurred_at >= $2
		order by occurred_at asc, sequence asc
	`, tenantID, since)
	if err != nil {
		return h, err
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return h, err
		}
		h.Assignments = append(h.Assignments, a)
	}
	if err := rows.Err(); err != nil {
		return h, err
	}

	actRows, err := s.db.QueryContext(ctx, `
		select `+actionColumns+`
		from escalation_actions
		where ($1 = '' or tenant_id = $1) and occurred_at >= $2
		order by occurred_at asc, sequence asc
	`, tenantID, since)
	if err != nil {
		return h, err
	}
	defer actRows.Close()
	for actRows.Next() {
		x, err := scanAction(actRows)
		if err != nil {
			return h, err
		}
		h.Actions = append(h.Actions, x)
	}
	return h, actRows.Err()
}

// LockTenant takes a session advisory lock keyed on the tenant, so scoring
// for one tenant is serialized across every process on the database.
func (s *EscalationStore) LockTenant(ctx context.Context, tenantID string) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	key := "escalation:" + tenantID
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock(hashtext($1))`, key); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return func() {
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(uctx, `select pg_advisory_unlock(hashtext($1))`, key); err != nil {
			// A session still holding the lock must not go back to the pool.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}, nil
}

const eventColumns = `e.id, e.tenant_id, e.subject_id, e.pattern, e.patterns, e.severity, e.score, e.contributions,
	e.assignment_ids, e.action_ids, e.transparency, e.detected_at, s.status, s.resolved_at, s.reinstated`

func scanEvent(row rowScanner) (escalation.Event, error) {
	var (
		ev                                         escalation.Event
		pattern, severity, status                  string
		patterns, contribs, assignments, actionIDs []byte
		resolvedAt                                 sql.NullTime
	)
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.SubjectID, &pattern, &patterns, &severity, &ev.Score, &contribs,
		&assignments, &actionIDs, &ev.Transparency, &ev.DetectedAt, &status, &resolvedAt, &ev.Reinstated)
	if errors.Is(err, sql.ErrNoRows) {
		return escalation.Event{}, escalation.ErrNotFound
	}
	if err != nil {
		return escalation.Event{}, err
	}
	ev.Pattern = escalation.Pattern(pattern)
	ev.Severity = escalation.Severity(severity)
	ev.Status = escalation.Status(status)
	ev.ResolvedAt = timePtr(resolvedAt)
	for _, col := range []struct {
		raw []byte
		dst any
	}{{patterns, &ev.Patterns}, {contribs, &ev.Contributions}, {assignments, &ev.AssignmentIDs}, {actionIDs, &ev.ActionIDs}} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return escalation.Event{}, fmt.Errorf("decode event %s: %w", ev.ID, err)
		}
	}
	return ev, nil
}

func (s *EscalationStore) Event(ctx context.Context, id string) (escalation.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `
		select `+eventColumns+`
		from escalation_events e
		join escalation_status s on s.event_id = e.id
		where e.id = $1
	`, id))
	if err != nil {
		return escalation.Event{}, err
	}
	if ev.Notes, err = s.notes(ctx, id); err != nil {
		return escalation.Event{}, err
	}
	return ev, nil
}

func (s *EscalationStore) Events(ctx context.Context, f escalation.Filter) ([]escalation.Event, error) {
	var w where
	if f.TenantID != "" {
		w.add("e.tenant_id = $%d", f.TenantID)
	}
	if f.SubjectID != "" {
		w.add("e.subject_id = $%d", f.SubjectID)
	}
	if f.Pattern != "" {
		w.add("e.pattern = $%d", string(f.Pattern))
	}
	if f.Status != "" {
		w.add("s.status = $%d", string(f.Status))
	}
	if f.Unresolved {
		w.add("s.status <> $%d", string(escalation.StatusResolved))
	}
	if f.EvidenceID != "" {
		w.add("(e.assignment_ids ? $%[1]d or e.action_ids ? $%[1]d)", f.EvidenceID)
	}
	if !f.Since.IsZero() {
		w.add("e.detected_at >= $%d", f.Since)
	}
	q := `
		select ` + eventColumns + `
		from escalation_events e
		join escalation_status s on s.event_id = e.id` + w.String() + `
		order by e.detected_at desc, e.id desc`
	if f.Limit > 0 {
		q += w.limit(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []escalation.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Notes, err = s.notes(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *EscalationStore) notes(ctx context.Context, eventID string) ([]escalation.Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, event_id, author_id, author_role, status, body, created_at
		from escalation_notes
		where event_id = $1
		order by sequence asc
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []escalation.Note{}
	for rows.Next() {
		var (
			n      escalation.Note
			status string
		)
		if err := rows.Scan(&n.ID, &n.EventID, &n.AuthorID, &n.AuthorRole, &status, &n.Body, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Status = escalation.Status(status)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *EscalationStore) Advance(ctx context.Context, adv escalation.Advance) (escalation.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return escalation.Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `select status from escalation_status where event_id = $1 for update`, adv.EventID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return escalation.Event{}, escalation.ErrNotFound
	}
	if err != nil {
		return escalation.Event{}, err
	}
	if !escalation.Status(current).CanAdvance(adv.To) {
		return escalation.Event{}, escalation.ErrInvalidStatus
	}

	var resolvedAt sql.NullTime
	if adv.To == escalation.StatusResolved {
		resolvedAt = sql.NullTime{Time: adv.At, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		update escalation_status
		set status = $2, resolved_at = coalesce($3, resolved_at), reinstated = reinstated or $4, updated_at = $5
		where event_id = $1
	`, adv.EventID, string(adv.To), resolvedAt, adv.Release && adv.To == escalation.StatusResolved, adv.At); err != nil {
		return escalation.Event{}, err
	}
	n := adv.Note
	if _, err := tx.ExecContext(ctx, `
		insert into escalation_notes (id, event_id, author_id, author_role, status, body, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, n.ID, n.EventID, n.AuthorID, n.AuthorRole, string(n.Status), n.Body, n.CreatedAt); err != nil {
		return escalation.Event{}, classify(err)
	}
	if adv.Release {
		if _, err := tx.ExecContext(ctx, `
			update revalidation_holds set released_at = $2, released_by = $3
			where event_id = $1 and released_at is null
		`, adv.EventID, adv.At, n.AuthorID); err != nil {
			return escalation.Event{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return escalation.Event{}, err
	}
	return s.Event(ctx, adv.EventID)
}

func (s *EscalationStore) Holds(ctx context.Context, tenantID, userID string) ([]escalation.Hold, error) {
	rows, err := s.db.QueryContext(ctx, `
		select event_id, tenant_id, user_id, created_at, released_at, coalesce(released_by,'')
		from revalidation_holds
		where ($1 = '' or tenant_id = $1) and user_id = $2
		order by created_at asc, event_id asc
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []escalation.Hold{}
	for rows.Next() {
		var (
			h        escalation.Hold
			released sql.NullTime
		)
		if err := rows.Scan(&h.EventID, &h.TenantID, &h.UserID, &h.CreatedAt, &released, &h.ReleasedBy); err != nil {
			return nil, err
		}
		h.ReleasedAt = timePtr(released)
		out = append(out, h)
	}
	return out, rows.Err()
}
