// Package httpapi exposes the integrity engine to collaborators as JSON over
// HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"smartattend.org/internal/attendance"
	"smartattend.org/internal/auth"
	"smartattend.org/internal/escalation"
	"smartattend.org/internal/integrity"
	"smartattend.org/internal/ledger"
	"smartattend.org/internal/obs"
)

const serviceName = "smartattend-integrity"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over integrity.Engine.
type API struct {
	engine     *integrity.Engine
	tokens     *auth.Tokens
	ready      readinessChecker
	version    string
	log        *zap.Logger
	rateBurst  int
	ratePerSec float64
	maxBody    int64
}

// Option configures API.
type Option func(*API)

// WithReadiness sets the /readyz probe.
func WithReadiness(r readinessChecker) Option {
	return func(a *API) {
		if r != nil {
			a.ready = r
		}
	}
}

// WithVersion sets the reported build version.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

func New(engine *integrity.Engine, tokens *auth.Tokens, opts ...Option) *API {
	a := &API{
		engine:     engine,
		tokens:     tokens,
		ready:      ReadyProbe{},
		version:    "dev",
		log:        obs.Logger(),
		rateBurst:  100,
		ratePerSec: 50,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler builds the router wrapped in request metrics.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, middleware.Recoverer, SecurityHeaders, LoggingJSON(a.log), MaxBodyBytes(a.maxBody))
	r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Group(func(p chi.Router) {
		p.Use(a.authenticate)

		p.Post("/v1/clock/evaluate", a.evaluateClock)
		p.Get("/v1/attendance/reason-codes", a.reasonCodes)
		p.Post("/v1/attendance/records", a.markAttendance)
		p.Get("/v1/attendance/records/{id}", a.attendanceHistory)
		p.Get("/v1/attendance/records/{id}/history", a.attendanceHistory)
		p.Post("/v1/attendance/records/{id}/transitions", a.requestTransition)
		p.Get("/v1/accounts/{id}/revalidation", a.revalidation)

		p.Group(func(staff chi.Router) {
			staff.Use(RequireRole(auth.RoleDepartmentAdmin))
			staff.Get("/v1/attendance/records/{id}/verify", a.verifyRecord)
			staff.Get("/v1/clock/drift", a.driftObservations)
			staff.Get("/v1/clock/drift/trend", a.driftTrend)
			staff.Get("/v1/escalations", a.listEscalations)
			staff.Get("/v1/escalations/{id}", a.getEscalation)
			staff.Post("/v1/escalations/{id}/investigate", a.investigate)
			staff.Post("/v1/escalations/{id}/resolve", a.resolve)
		})

		p.Group(func(admin chi.Router) {
			admin.Use(RequireRole(auth.RoleAdmin))
			admin.Post("/v1/role-assignments", a.roleAssignment)
			admin.Post("/v1/actions", a.action)
			admin.Post("/v1/admin/sweeps", a.sweep)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "not found")
	})
	return obs.Instrument(r)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.engine.Clock().Now().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrWrite):
		return http.StatusServiceUnavailable, "LEDGER_WRITE_FAILURE"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, escalation.ErrInvalidStatus),
		errors.Is(err, attendance.ErrAlreadyMarked),
		errors.Is(err, attendance.ErrVersionConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (a *API) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code, label := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.log.Error("engine call failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, code, errorBody{Error: msg, Code: label, RequestID: middleware.GetReqID(r.Context())})
}

// decodeJSON reads exactly one JSON object into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", auth.ErrInvalidInput)
		}
		return fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: unexpected data after JSON body", auth.ErrInvalidInput)
	}
	return nil
}
