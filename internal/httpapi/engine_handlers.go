package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"smartattend.org/internal/attendance"
	"smartattend.org/internal/audit"
	"smartattend.org/internal/auth"
	"smartattend.org/internal/clock"
	"smartattend.org/internal/escalation"
	"smartattend.org/internal/integrity"
)

const maxListLimit = 1000

type evaluateClockRequest struct {
	Action     string    `json:"action"`
	ClientTime time.Time `json:"client_time"`
}

func (a *API) evaluateClock(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	var req evaluateClockRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Action) == "" || req.ClientTime.IsZero() {
		a.respondEngineError(w, r, fmt.Errorf("%w: action and client_time are required", auth.ErrInvalidInput))
		return
	}
	res, err := a.engine.EvaluateClock(r.Context(), actor, clock.Action(req.Action), req.ClientTime)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) reasonCodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"reason_codes": a.engine.ReasonCodes()})
}

type markRequest struct {
	SubjectID     string     `json:"subject_id"`
	SessionID     string     `json:"session_id"`
	ReasonCode    string     `json:"reason_code"`
	Justification string     `json:"justification,omitempty"`
	ClientTime    *time.Time `json:"client_time,omitempty"`
	Fingerprint   string     `json:"fingerprint,omitempty"`
}

func (a *API) markAttendance(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	var req markRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	res, err := a.engine.MarkAttendance(r.Context(), attendance.MarkRequest{
		SubjectID:     req.SubjectID,
		SessionID:     req.SessionID,
		ReasonCode:    req.ReasonCode,
		Justification: req.Justification,
		Actor:         actor,
		ClientTime:    req.ClientTime,
		Fingerprint:   firstNonEmpty(req.Fingerprint, r.Header.Get("Idempotency-Key")),
	})
	a.respondTransition(w, r, "attendance.mark", res, err, http.StatusCreated)
}

type transitionRequest struct {
	ToState       string     `json:"to_state"`
	ReasonCode    string     `json:"reason_code"`
	Justification string     `json:"justification,omitempty"`
	ClientTime    *time.Time `json:"client_time,omitempty"`
	Fingerprint   string     `json:"fingerprint,omitempty"`
}

func (a *API) requestTransition(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	recordID := chi.URLParam(r, "id")
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	res, err := a.engine.RequestAttendanceTransition(r.Context(), attendance.TransitionRequest{
		RecordID:      recordID,
		ToState:       attendance.State(strings.ToUpper(strings.TrimSpace(req.ToState))),
		ReasonCode:    req.ReasonCode,
		Justification: req.Justification,
		Actor:         actor,
		ClientTime:    req.ClientTime,
		Fingerprint:   firstNonEmpty(req.Fingerprint, r.Header.Get("Idempotency-Key")),
	})
	a.respondTransition(w, r, "attendance.transition", res, err, http.StatusOK)
}

// respondTransition writes a verdict. Rejections are 422 with the full
// result; a ledger failure is 503 and still carries the denial.
func (a *API) respondTransition(w http.ResponseWriter, r *http.Request, event string, res integrity.TransitionResult, err error, okStatus int) {
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"record_id":  res.RecordID,
		"attempt_id": res.AttemptID,
		"accepted":   res.Accepted,
		"code":       string(res.Code),
		"duplicate":  res.Duplicate,
	})
	switch {
	case err != nil && res.AttemptID == "":
		a.respondEngineError(w, r, err)
	case err != nil:
		code, _ := statusFor(err)
		writeJSON(w, code, res)
	case res.Duplicate:
		writeJSON(w, http.StatusOK, res)
	case !res.Accepted:
		writeJSON(w, http.StatusUnprocessableEntity, res)
	default:
		writeJSON(w, okStatus, res)
	}
}

// ownedRecord loads a record and hides it from other tenants.
func (a *API) ownedRecord(r *http.Request, actor auth.Actor, recordID string) (attendance.History, error) {
	h, err := a.engine.GetAttendanceHistory(r.Context(), recordID)
	if err != nil {
		return attendance.History{}, err
	}
	if actor.TenantID != "" && h.Record.TenantID != actor.TenantID {
		return attendance.History{}, attendance.ErrNotFound
	}
	return h, nil
}

func (a *API) attendanceHistory(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	h, err := a.ownedRecord(r, actor, chi.URLParam(r, "id"))
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *API) verifyRecord(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.ownedRecord(r, actor, id); err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	v, err := a.engine.VerifyRecord(r.Context(), id)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func driftFilter(actor auth.Actor, q url.Values) (clock.Filter, error) {
	f := clock.Filter{
		TenantID:      actor.TenantID,
		ActorID:       q.Get("actor_id"),
		DeviceID:      q.Get("device_id"),
		CorrelationID: q.Get("correlation_id"),
	}
	if v := q.Get("min_severity"); v != "" {
		sev := clock.Severity(strings.ToUpper(v))
		switch sev {
		case clock.SeverityInfo, clock.SeverityWarning, clock.SeverityCritical:
			f.MinSeverity = sev
		default:
			return f, fmt.Errorf("%w: unknown severity %q", auth.ErrInvalidInput, v)
		}
	}
	if v := q.Get("blocked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("%w: blocked must be a boolean", auth.ErrInvalidInput)
		}
		f.BlockedOnly = b
	}
	var err error
	if f.Since, err = parseTime(q, "since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q, "until"); err != nil {
		return f, err
	}
	if f.Limit, err = parseLimit(q); err != nil {
		return f, err
	}
	return f, nil
}

func (a *API) driftObservations(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	f, err := driftFilter(actor, r.URL.Query())
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	rows, err := a.engine.DriftObservations(r.Context(), f)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	if rows == nil {
		rows = []clock.Observation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"observations": rows})
}

func (a *API) driftTrend(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	f, err := driftFilter(actor, r.URL.Query())
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	trend, err := a.engine.DriftTrend(r.Context(), f)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

type roleAssignmentRequest struct {
	ID            string     `json:"id,omitempty"`
	SubjectID     string     `json:"subject_id"`
	OldRole       string     `json:"old_role"`
	NewRole       string     `json:"new_role"`
	ChangedBy     string     `json:"changed_by,omitempty"`
	ChangedByRole string     `json:"changed_by_role,omitempty"`
	OccurredAt    *time.Time `json:"occurred_at,omitempty"`
}

// roleAssignment is called by the role store after a change is durable.
func (a *API) roleAssignment(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	var req roleAssignmentRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	ra := escalation.RoleAssignment{
		ID:            req.ID,
		TenantID:      actor.TenantID,
		SubjectID:     req.SubjectID,
		OldRole:       req.OldRole,
		NewRole:       req.NewRole,
		ChangedBy:     req.ChangedBy,
		ChangedByRole: req.ChangedByRole,
	}
	if ra.ChangedBy == "" {
		ra.ChangedBy, ra.ChangedByRole = actor.ID, actor.Role
	}
	if req.OccurredAt != nil {
		claimed := req.OccurredAt.UTC()
		ra.ClaimedAt = &claimed
	}
	out, err := a.engine.OnRoleAssignment(r.Context(), ra)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "escalation.role_assignment", map[string]any{
		"subject_id":    ra.SubjectID,
		"new_role":      ra.NewRole,
		"changed_by":    ra.ChangedBy,
		"score":         out.Score,
		"escalation_id": out.EscalationID,
		"blocked":       out.Blocked,
	})
	respondOutcome(w, out)
}

type blockedOutcome struct {
	escalation.Outcome
	Code string `json:"code"`
}

// respondOutcome writes 422 when the claimed time was refused.
func respondOutcome(w http.ResponseWriter, out escalation.Outcome) {
	if out.Blocked {
		writeJSON(w, http.StatusUnprocessableEntity, blockedOutcome{Outcome: out, Code: "CLOCK_DRIFT_EXCEEDED"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type actionRequest struct {
	ID         string     `json:"id,omitempty"`
	ActorID    string     `json:"actor_id,omitempty"`
	ActorRole  string     `json:"actor_role,omitempty"`
	Kind       string     `json:"kind"`
	Privileged bool       `json:"privileged,omitempty"`
	TargetID   string     `json:"target_id,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

func (a *API) action(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	var req actionRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	x := escalation.Action{
		ID:         req.ID,
		TenantID:   actor.TenantID,
		ActorID:    req.ActorID,
		ActorRole:  req.ActorRole,
		Kind:       req.Kind,
		Privileged: req.Privileged,
		TargetID:   req.TargetID,
	}
	if x.ActorID == "" {
		x.ActorID, x.ActorRole = actor.ID, actor.Role
	}
	if req.OccurredAt != nil {
		claimed := req.OccurredAt.UTC()
		x.ClaimedAt = &claimed
	}
	out, err := a.engine.OnAction(r.Context(), x)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	respondOutcome(w, out)
}

func (a *API) listEscalations(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := escalation.Filter{
		TenantID:  actor.TenantID,
		SubjectID: q.Get("subject_id"),
		Pattern:   escalation.Pattern(strings.ToUpper(q.Get("pattern"))),
		Status:    escalation.Status(strings.ToUpper(q.Get("status"))),
	}
	if v := q.Get("unresolved"); v != "" {
		if f.Unresolved, err = strconv.ParseBool(v); err != nil {
			a.respondEngineError(w, r, fmt.Errorf("%w: unresolved must be a boolean", auth.ErrInvalidInput))
			return
		}
	}
	if f.Since, err = parseTime(q, "since"); err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	if f.Limit, err = parseLimit(q); err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	events, err := a.engine.ListEscalationEvents(r.Context(), f)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	if events == nil {
		events = []escalation.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) getEscalation(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	ev, err := a.engine.EscalationEvent(r.Context(), chi.URLParam(r, "id"))
	if err == nil && actor.TenantID != "" && ev.TenantID != actor.TenantID {
		err = escalation.ErrNotFound
	}
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type investigationRequest struct {
	Notes     string `json:"notes"`
	Reinstate bool   `json:"reinstate,omitempty"`
}

func (a *API) investigate(w http.ResponseWriter, r *http.Request) {
	a.advance(w, r, false)
}

func (a *API) resolve(w http.ResponseWriter, r *http.Request) {
	a.advance(w, r, true)
}

func (a *API) advance(w http.ResponseWriter, r *http.Request, resolve bool) {
	actor, err := actorFrom(r)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	var req investigationRequest
	if err := decodeJSON(r, &req); err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	var (
		ev    escalation.Event
		event = "escalation.investigate"
	)
	if resolve {
		event = "escalation.resolve"
		ev, err = a.engine.Resolve(r.Context(), id, actor, req.Notes, req.Reinstate)
	} else {
		ev, err = a.engine.MarkInvestigating(r.Context(), id, actor, req.Notes)
	}
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"escalation_id": id,
		"status":        string(ev.Status),
		"reinstate":     req.Reinstate && resolve,
	})
	writeJSON(w, http.StatusOK, ev)
}

func (a *API) revalidation(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	userID := chi.URLParam(r, "id")
	if userID != actor.ID && !actor.System && auth.Rank(actor.Role) < auth.Rank(auth.RoleDepartmentAdmin) {
		a.respondEngineError(w, r, auth.ErrForbidden)
		return
	}
	holds, err := a.engine.Holds(r.Context(), actor.TenantID, userID)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	required := false
	for _, h := range holds {
		if h.Active() {
			required = true
			break
		}
	}
	if holds == nil {
		holds = []escalation.Hold{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":               userID,
		"requires_revalidation": required,
		"holds":                 holds,
	})
}

func (a *API) sweep(w http.ResponseWriter, r *http.Request) {
	rep, err := a.engine.Sweep(r.Context())
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "escalation.sweep", map[string]any{"raised": len(rep.Raised)})
	writeJSON(w, http.StatusOK, rep)
}

func parseTime(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC3339", auth.ErrInvalidInput, key)
	}
	return t.UTC(), nil
}

func parseLimit(q url.Values) (int, error) {
	v := q.Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: limit must be an integer", auth.ErrInvalidInput)
	}
	if n < 1 || n > maxListLimit {
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", auth.ErrInvalidInput, maxListLimit)
	}
	return n, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
