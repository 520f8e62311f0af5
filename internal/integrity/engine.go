// Package integrity wires the clock authority, the attendance state machine
// and the escalation detector into the surface collaborators call.
package integrity

import (
	"context"
	"time"

	"go.uber.org/zap"

	"smartattend.org/internal/attendance"
	"smartattend.org/internal/auth"
	"smartattend.org/internal/clock"
	"smartattend.org/internal/escalation"
	"smartattend.org/internal/obs"
)

// Options carries per-component options.
type Options struct {
	Clock      []clock.Option
	Attendance []attendance.Option
	Escalation []escalation.Option
	Logger     *zap.Logger
}

// Engine is the integrity engine facade.
type Engine struct {
	drift    clock.Ledger
	clock    *clock.Authority
	machine  *attendance.Machine
	detector *escalation.Detector
	log      *zap.Logger
}

// New builds an engine over the three ledgers.
func New(drift clock.Ledger, records attendance.Store, escalations escalation.Store, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = obs.Logger()
	}
	authority := clock.NewAuthority(drift, append([]clock.Option{clock.WithLogger(log)}, opts.Clock...)...)
	machine := attendance.NewMachine(records, authority, append([]attendance.Option{attendance.WithLogger(log)}, opts.Attendance...)...)
	detector := escalation.NewDetector(escalations, append([]escalation.Option{escalation.WithLogger(log), escalation.WithClock(authority)}, opts.Escalation...)...)
	return &Engine{
		drift:    drift,
		clock:    authority,
		machine:  machine,
		detector: detector,
		log:      log,
	}
}

// NewMemory builds an engine over in-process ledgers.
func NewMemory(opts Options) *Engine {
	return New(clock.NewMemoryLedger(), attendance.NewMemoryStore(), escalation.NewMemoryStore(), opts)
}

// Clock returns the clock authority.
func (e *Engine) Clock() *clock.Authority { return e.clock }

// Machine returns the attendance state machine.
func (e *Engine) Machine() *attendance.Machine { return e.machine }

// Detector returns the escalation detector.
func (e *Engine) Detector() *escalation.Detector { return e.detector }

// ReasonCodes lists the reason-code vocabulary, deprecated entries included.
func (e *Engine) ReasonCodes() []attendance.ReasonCode { return e.machine.Registry().All() }

// TransitionResult is an attendance verdict plus what the detector made of
// the action, when it was accepted.
type TransitionResult struct {
	attendance.Result
	Escalation *escalation.Outcome `json:"escalation,omitempty"`
}

// EvaluateClock measures and records drift for a time-bearing action.
func (e *Engine) EvaluateClock(ctx context.Context, actor auth.Actor, action clock.Action, clientTime time.Time) (clock.Result, error) {
	if err := actor.Validate(); err != nil {
		return clock.Result{}, err
	}
	return e.clock.Evaluate(ctx, actor, action, clientTime)
}

// MarkAttendance creates a PENDING record.
func (e *Engine) MarkAttendance(ctx context.Context, req attendance.MarkRequest) (TransitionResult, error) {
	res, err := e.machine.Mark(ctx, req)
	out := TransitionResult{Result: res}
	if err != nil || !res.Accepted || res.Duplicate {
		return out, err
	}
	out.Escalation = e.report(ctx, req.Actor, "attendance.mark", res)
	return out, nil
}

// RequestAttendanceTransition moves an existing record.
func (e *Engine) RequestAttendanceTransition(ctx context.Context, req attendance.TransitionRequest) (TransitionResult, error) {
	res, err := e.machine.RequestTransition(ctx, req)
	out := TransitionResult{Result: res}
	if err != nil || !res.Accepted || res.Duplicate {
		return out, err
	}
	out.Escalation = e.report(ctx, req.Actor, ActionKind(req.ToState), res)
	return out, nil
}

// ActionKind names the action an accepted transition to s represents.
func ActionKind(s attendance.State) string {
	switch s {
	case attendance.StatePending:
		return "attendance.mark"
	case attendance.StateVerified:
		return "attendance.verify"
	case attendance.StateFlagged:
		return "attendance.flag"
	case attendance.StateRevoked:
		return "attendance.revoke"
	case attendance.StateManualOverride:
		return "attendance.override"
	}
	return "attendance.transition"
}

// report feeds an accepted attendance action to the detector. The action is
// already committed, so a detector failure is logged and not returned.
func (e *Engine) report(ctx context.Context, actor auth.Actor, kind string, res attendance.Result) *escalation.Outcome {
	out, err := e.detector.OnAction(ctx, escalation.Action{
		ID:        res.AttemptID,
		TenantID:  actor.TenantID,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Kind:      kind,
		TargetID:  res.RecordID,
	})
	if err != nil {
		e.log.Error("attendance action not scored",
			zap.String("attempt_id", res.AttemptID),
			zap.String("kind", kind),
			zap.Error(err))
		return nil
	}
	return &out
}

// GetAttendanceHistory returns the accepted timeline and the rejections.
func (e *Engine) GetAttendanceHistory(ctx context.Context, recordID string) (attendance.History, error) {
	return e.machine.History(ctx, recordID)
}

// VerifyRecord replays a record's transition ledger.
func (e *Engine) VerifyRecord(ctx context.Context, recordID string) (attendance.Verification, error) {
	return e.machine.Verify(ctx, recordID)
}

// DriftObservations queries the drift ledger.
func (e *Engine) DriftObservations(ctx context.Context, f clock.Filter) ([]clock.Observation, error) {
	return e.drift.Query(ctx, f)
}

// DriftTrend summarizes the observations matching f.
func (e *Engine) DriftTrend(ctx context.Context, f clock.Filter) (clock.Trend, error) {
	rows, err := e.drift.Query(ctx, f)
	if err != nil {
		return clock.Trend{}, err
	}
	return clock.Summarize(rows), nil
}

// OnRoleAssignment scores a durably recorded role change. A claimed time is
// measured by the clock authority and the change is scored on server time.
func (e *Engine) OnRoleAssignment(ctx context.Context, a escalation.RoleAssignment) (escalation.Outcome, error) {
	return e.detector.OnRoleAssignment(ctx, a)
}

// OnAction scores an action reported by a collaborator.
func (e *Engine) OnAction(ctx context.Context, x escalation.Action) (escalation.Outcome, error) {
	return e.detector.OnAction(ctx, x)
}

func (e *Engine) ListEscalationEvents(ctx context.Context, f escalation.Filter) ([]escalation.Event, error) {
	return e.detector.ListEvents(ctx, f)
}

func (e *Engine) EscalationEvent(ctx context.Context, id string) (escalation.Event, error) {
	return e.detector.Event(ctx, id)
}

func (e *Engine) MarkInvestigating(ctx context.Context, eventID string, actor auth.Actor, notes string) (escalation.Event, error) {
	return e.detector.MarkInvestigating(ctx, eventID, actor, notes)
}

func (e *Engine) Resolve(ctx context.Context, eventID string, actor auth.Actor, notes string, reinstate bool) (escalation.Event, error) {
	return e.detector.Resolve(ctx, eventID, actor, notes, reinstate)
}

// RequiresRevalidation is read by session management before privileged
// actions.
func (e *Engine) RequiresRevalidation(ctx context.Context, tenantID, userID string) (bool, error) {
	return e.detector.RequiresRevalidation(ctx, tenantID, userID)
}

func (e *Engine) Holds(ctx context.Context, tenantID, userID string) ([]escalation.Hold, error) {
	return e.detector.Holds(ctx, tenantID, userID)
}

// Sweep runs the cross-event detectors once.
func (e *Engine) Sweep(ctx context.Context) (escalation.SweepReport, error) {
	return e.detector.Sweep(ctx)
}
