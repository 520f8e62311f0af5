package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"smartattend.org/internal/attendance"
	"smartattend.org/internal/auth"
	"smartattend.org/internal/clock"
	"smartattend.org/internal/escalation"
	"smartattend.org/internal/integrity"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	tokens  *auth.Tokens
	t       *testing.T
}

var (
	root         = auth.Actor{TenantID: "t1", ID: "root", Role: auth.RoleSuperAdmin}
	admin        = auth.Actor{TenantID: "t1", ID: "adm-1", Role: auth.RoleAdmin}
	faculty      = auth.Actor{TenantID: "t1", ID: "fac-1", Role: auth.RoleFaculty}
	student      = auth.Actor{TenantID: "t1", ID: "stu-1", Role: auth.RoleStudent}
	investigator = auth.Actor{TenantID: "t1", ID: "inv-1", Role: auth.RoleInvestigator}
	outsider     = auth.Actor{TenantID: "t2", ID: "fac-9", Role: auth.RoleFaculty}
)

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()
	return newTestAPIWith(t, integrity.NewMemory(integrity.Options{}), opts...)
}

func newTestAPIWith(t *testing.T, engine *integrity.Engine, opts ...Option) *apiClient {
	t.Helper()

	tokens, err := auth.NewTokens("test-secret")
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	opts = append([]Option{WithRateLimit(1000, 1000)}, opts...)
	api := New(engine, tokens, opts...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		tokens:  tokens,
		t:       t,
	}
}

func (c *apiClient) bearer(actor auth.Actor) map[string]string {
	c.t.Helper()
	tok, err := c.tokens.Generate(actor, time.Hour)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response, want int) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if resp.StatusCode != want {
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		t.Fatalf("expected status %d, got %d: %v", want, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

type transitionBody struct {
	Accepted   bool   `json:"accepted"`
	RecordID   string `json:"record_id"`
	NewState   string `json:"new_state"`
	Code       string `json:"code"`
	AttemptID  string `json:"attempt_id"`
	Duplicate  bool   `json:"duplicate"`
	Escalation *struct {
		Detected     bool   `json:"detected"`
		EscalationID string `json:"escalation_event_id"`
	} `json:"escalation"`
}

type eventBody struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
	Pattern   string `json:"pattern"`
	Status    string `json:"status"`
}

func TestHealthAndReadiness(t *testing.T) {
	c := newTestAPI(t)
	health := decode[map[string]any](t, c.get("/healthz", nil, nil), http.StatusOK)
	if health["status"] != "ok" {
		t.Fatalf("unexpected health: %v", health)
	}
	decode[map[string]any](t, c.get("/readyz", nil, nil), http.StatusOK)

	failing := newTestAPI(t, WithReadiness(failingReadiness{}))
	body := decode[map[string]any](t, failing.get("/readyz", nil, nil), http.StatusServiceUnavailable)
	if body["status"] != "not_ready" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestRequiresBearerToken(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/v1/attendance/reason-codes", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}

	bad := c.get("/v1/attendance/reason-codes", nil, map[string]string{"Authorization": "Bearer nope"})
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", bad.StatusCode)
	}
}

func TestMarkTransitionAndHistory(t *testing.T) {
	c := newTestAPI(t)
	now := time.Now().UTC()

	mark := decode[transitionBody](t, c.post("/v1/attendance/records", map[string]any{
		"subject_id": "stu-1", "session_id": "sess-1", "reason_code": "QR_SCAN", "client_time": now,
	}, c.bearer(student)), http.StatusCreated)
	if !mark.Accepted || mark.NewState != "PENDING" || mark.RecordID == "" {
		t.Fatalf("unexpected mark: %+v", mark)
	}

	verify := decode[transitionBody](t, c.post("/v1/attendance/records/"+mark.RecordID+"/transitions", map[string]any{
		"to_state": "verified", "reason_code": "PRESENCE_CONFIRMED",
	}, c.bearer(faculty)), http.StatusOK)
	if !verify.Accepted || verify.NewState != "VERIFIED" {
		t.Fatalf("unexpected verify: %+v", verify)
	}

	rejected := decode[transitionBody](t, c.post("/v1/attendance/records/"+mark.RecordID+"/transitions", map[string]any{
		"to_state": "REVOKED", "reason_code": "NOT_A_CODE",
	}, c.bearer(faculty)), http.StatusUnprocessableEntity)
	if rejected.Accepted || rejected.Code != "UNKNOWN_REASON_CODE" {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}

	history := decode[struct {
		Record struct {
			State string `json:"state"`
		} `json:"record"`
		Timeline   []map[string]any `json:"timeline"`
		Rejections []map[string]any `json:"rejections"`
	}](t, c.get("/v1/attendance/records/"+mark.RecordID+"/history", nil, c.bearer(faculty)), http.StatusOK)
	if history.Record.State != "VERIFIED" || len(history.Timeline) != 2 || len(history.Rejections) != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}

	hidden := c.get("/v1/attendance/records/"+mark.RecordID, nil, c.bearer(outsider))
	defer hidden.Body.Close()
	if hidden.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for another tenant, got %d", hidden.StatusCode)
	}
}

func TestDriftBeyondLimitIsRejected(t *testing.T) {
	c := newTestAPI(t)
	skewed := time.Now().UTC().Add(-400 * time.Second)
	res := decode[transitionBody](t, c.post("/v1/attendance/records", map[string]any{
		"subject_id": "stu-1", "session_id": "sess-1", "reason_code": "QR_SCAN", "client_time": skewed,
	}, c.bearer(student)), http.StatusUnprocessableEntity)
	if res.Accepted || res.Code != "CLOCK_DRIFT_EXCEEDED" {
		t.Fatalf("unexpected result: %+v", res)
	}

	obs := decode[struct {
		Observations []map[string]any `json:"observations"`
	}](t, c.get("/v1/clock/drift", url.Values{"min_severity": {"critical"}}, c.bearer(admin)), http.StatusOK)
	if len(obs.Observations) != 1 || obs.Observations[0]["blocked"] != true {
		t.Fatalf("unexpected observations: %+v", obs)
	}
}

func TestStaffRoutesRequireRank(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/v1/escalations", nil, c.bearer(faculty))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	assign := c.post("/v1/role-assignments", map[string]any{"subject_id": "fac-2", "old_role": "faculty", "new_role": "admin"}, c.bearer(investigator))
	defer assign.Body.Close()
	if assign.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for role assignment by investigator, got %d", assign.StatusCode)
	}

	bad := c.get("/v1/clock/drift", url.Values{"limit": {"0"}}, c.bearer(admin))
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad limit, got %d", bad.StatusCode)
	}
}

func TestEscalationInvestigationFlow(t *testing.T) {
	c := newTestAPI(t)

	mark := decode[transitionBody](t, c.post("/v1/attendance/records", map[string]any{
		"subject_id": "stu-1", "session_id": "sess-1", "reason_code": "MANUAL_ENTRY", "justification": "badge reader down",
	}, c.bearer(root)), http.StatusCreated)
	if mark.Escalation == nil || !mark.Escalation.Detected || mark.Escalation.EscalationID == "" {
		t.Fatalf("expected an escalation: %+v", mark)
	}
	id := mark.Escalation.EscalationID

	list := decode[struct {
		Events []eventBody `json:"events"`
	}](t, c.get("/v1/escalations", url.Values{"unresolved": {"true"}}, c.bearer(investigator)), http.StatusOK)
	if len(list.Events) != 1 || list.Events[0].ID != id || list.Events[0].SubjectID != "root" {
		t.Fatalf("unexpected events: %+v", list.Events)
	}

	held := decode[map[string]any](t, c.get("/v1/accounts/root/revalidation", nil, c.bearer(root)), http.StatusOK)
	if held["requires_revalidation"] != true {
		t.Fatalf("expected a hold: %v", held)
	}

	noNotes := c.post("/v1/escalations/"+id+"/investigate", map[string]any{"notes": ""}, c.bearer(investigator))
	defer noNotes.Body.Close()
	if noNotes.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without notes, got %d", noNotes.StatusCode)
	}

	ev := decode[eventBody](t, c.post("/v1/escalations/"+id+"/investigate", map[string]any{"notes": "checking badge logs"}, c.bearer(investigator)), http.StatusOK)
	if ev.Status != "INVESTIGATING" {
		t.Fatalf("unexpected status: %+v", ev)
	}
	ev = decode[eventBody](t, c.post("/v1/escalations/"+id+"/resolve", map[string]any{"notes": "reader outage confirmed", "reinstate": true}, c.bearer(investigator)), http.StatusOK)
	if ev.Status != "RESOLVED" {
		t.Fatalf("unexpected status: %+v", ev)
	}

	back := c.post("/v1/escalations/"+id+"/investigate", map[string]any{"notes": "reopen"}, c.bearer(investigator))
	defer back.Body.Close()
	if back.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 moving backwards, got %d", back.StatusCode)
	}

	cleared := decode[map[string]any](t, c.get("/v1/accounts/root/revalidation", nil, c.bearer(root)), http.StatusOK)
	if cleared["requires_revalidation"] != false {
		t.Fatalf("hold should be released: %v", cleared)
	}

	missing := c.get("/v1/escalations/nope", nil, c.bearer(investigator))
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestRevalidationOfOthersRequiresStaff(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/v1/accounts/root/revalidation", nil, c.bearer(student))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestRoleAssignmentAndSweep(t *testing.T) {
	c := newTestAPI(t)
	out := decode[map[string]any](t, c.post("/v1/role-assignments", map[string]any{
		"subject_id": "fac-2", "old_role": "faculty", "new_role": "department_admin",
	}, c.bearer(admin)), http.StatusOK)
	if out["recorded_id"] == "" || out["detected"] != false {
		t.Fatalf("unexpected outcome: %v", out)
	}

	bad := c.post("/v1/role-assignments", map[string]any{"subject_id": "fac-2"}, c.bearer(admin))
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without new_role, got %d", bad.StatusCode)
	}

	rep := decode[map[string]any](t, c.post("/v1/admin/sweeps", nil, c.bearer(admin)), http.StatusOK)
	if _, ok := rep["assignments"]; !ok {
		t.Fatalf("unexpected sweep report: %v", rep)
	}
}

func TestRoleAssignmentClaimPastBlockIsRefused(t *testing.T) {
	th := clock.DefaultThresholds()
	th.BlockSeconds[clock.ActionRoleChange] = 300
	c := newTestAPIWith(t, integrity.NewMemory(integrity.Options{Clock: []clock.Option{clock.WithThresholds(th)}}))

	claimed := time.Now().UTC().Add(-time.Hour)
	out := decode[map[string]any](t, c.post("/v1/role-assignments", map[string]any{
		"subject_id": "fac-2", "old_role": "faculty", "new_role": "admin", "occurred_at": claimed,
	}, c.bearer(admin)), http.StatusUnprocessableEntity)
	if out["code"] != "CLOCK_DRIFT_EXCEEDED" || out["blocked"] != true {
		t.Fatalf("unexpected outcome: %v", out)
	}

	drift := decode[struct {
		Observations []clock.Observation `json:"observations"`
	}](t, c.get("/v1/clock/drift", url.Values{"actor_id": {"adm-1"}}, c.bearer(admin)), http.StatusOK)
	if len(drift.Observations) != 1 || drift.Observations[0].Action != clock.ActionRoleChange || !drift.Observations[0].Blocked {
		t.Fatalf("expected one blocked role.change observation, got %+v", drift.Observations)
	}
}

func TestStatusForLedgerErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: drift ledger: timeout", clock.ErrLedgerWrite), http.StatusServiceUnavailable},
		{attendance.ErrLedgerWrite, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: append action: disk full", escalation.ErrLedgerWrite), http.StatusServiceUnavailable},
		{attendance.ErrNotFound, http.StatusNotFound},
		{escalation.ErrNotFound, http.StatusNotFound},
	}
	for _, c := range cases {
		if got, _ := statusFor(c.err); got != c.code {
			t.Fatalf("statusFor(%v) = %d, want %d", c.err, got, c.code)
		}
	}
}
