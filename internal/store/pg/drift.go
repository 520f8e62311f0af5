package pg

import (
	"context"
	"slices"

	"smartattend.org/internal/clock"
)

var _ clock.Ledger = (*DriftLedger)(nil)

func (s *DriftLedger) Append(ctx context.Context, o clock.Observation) error {
	_, err := s.db.ExecContext(ctx, `
		insert into drift_observations
			(id, tenant_id, actor_id, device_id, action, client_time, server_time,
			 drift_seconds, skew_seconds, severity, blocked, correlation_id, recorded_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, o.ID, o.TenantID, o.ActorID, nullIfEmpty(o.DeviceID), string(o.Action), o.ClientTime, o.ServerTime,
		o.DriftSeconds, o.SkewSeconds, string(o.Severity), o.Blocked, nullIfEmpty(o.CorrelationID), o.RecordedAt)
	return classify(err)
}

func (s *DriftLedger) Query(ctx context.Context, f clock.Filter) ([]clock.Observation, error) {
	var w where
	if f.TenantID != "" {
		w.add("tenant_id = $%d", f.TenantID)
	}
	if f.ActorID != "" {
		w.add("actor_id = $%d", f.ActorID)
	}
	if f.DeviceID != "" {
		w.add("device_id = $%d", f.DeviceID)
	}
	if f.CorrelationID != "" {
		w.add("correlation_id = $%d", f.CorrelationID)
	}
	if f.MinSeverity != "" {
		var sev []string
		for _, sv := range []clock.Severity{clock.SeverityInfo, clock.SeverityWarning, clock.SeverityCritical} {
			if sv.AtLeast(f.MinSeverity) {
				sev = append(sev, string(sv))
			}
		}
		w.in("severity", sev)
	}
	if f.BlockedOnly {
		w.clauses = append(w.clauses, "blocked")
	}
	if !f.Since.IsZero() {
		w.add("server_time >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		w.add("server_time < $%d", f.Until)
	}
	q := `
		select id, tenant_id, actor_id, coalesce(device_id,''), action, client_time, server_time,
		       drift_seconds, skew_seconds, severity, blocked, coalesce(correlation_id,''), recorded_at
		from drift_observations` + w.String() + `
		order by server_time desc, id desc`
	if f.Limit > 0 {
		q += w.limit(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clock.Observation
	for rows.Next() {
		var (
			o           clock.Observation
			action, sev string
		)
		if err := rows.Scan(&o.ID, &o.TenantID, &o.ActorID, &o.DeviceID, &action, &o.ClientTime, &o.ServerTime,
			&o.DriftSeconds, &o.SkewSeconds, &sev, &o.Blocked, &o.CorrelationID, &o.RecordedAt); err != nil {
			return nil, err
		}
		o.Action = clock.Action(action)
		o.Severity = clock.Severity(sev)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}
