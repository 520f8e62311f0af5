package clock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"smartattend.org/internal/auth"
	"smartattend.org/internal/ids"
	"smartattend.org/internal/obs"
)

// Authority evaluates client-claimed timestamps against the service clock.
type Authority struct {
	ledger     Ledger
	thresholds Thresholds
	now        func() time.Time
	timeout    time.Duration
	log        *zap.Logger
}

// Option configures Authority.
type Option func(*Authority)

// WithThresholds overrides the default thresholds.
func WithThresholds(t Thresholds) Option {
	return func(a *Authority) { a.thresholds = t }
}

// WithNow overrides the server clock. It is called on every evaluation.
func WithNow(now func() time.Time) Option {
	return func(a *Authority) {
		if now != nil {
			a.now = now
		}
	}
}

// WithTimeout bounds the ledger write.
func WithTimeout(d time.Duration) Option {
	return func(a *Authority) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Authority) {
		if l != nil {
			a.log = l
		}
	}
}

// NewAuthority builds an Authority recording into ledger.
func NewAuthority(ledger Ledger, opts ...Option) *Authority {
	a := &Authority{
		ledger:     ledger,
		thresholds: DefaultThresholds(),
		now:        func() time.Time { return time.Now().UTC() },
		timeout:    2 * time.Second,
		log:        obs.Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Now reads the server clock.
func (a *Authority) Now() time.Time { return a.now().UTC() }

// Thresholds returns the active thresholds.
func (a *Authority) Thresholds() Thresholds { return a.thresholds }

// Evaluate measures drift for a time-bearing action and records it.
//
// The observation is durably appended before Evaluate returns. If the
// append fails or times out, Evaluate returns ErrLedgerWrite together with
// a blocked result.
func (a *Authority) Evaluate(ctx context.Context, actor auth.Actor, action Action, clientTime time.Time) (Result, error) {
	server := a.Now()
	drift, skew := Drift(clientTime, server)
	sev := a.thresholds.Classify(drift)
	blocked := a.thresholds.Blocks(action, drift)

	obsv := Observation{
		ID:            ids.NewAt(server),
		TenantID:      actor.TenantID,
		ActorID:       actor.ID,
		DeviceID:      actor.DeviceID,
		Action:        action,
		ClientTime:    clientTime.UTC(),
		ServerTime:    server,
		DriftSeconds:  drift,
		SkewSeconds:   skew,
		Severity:      sev,
		Blocked:       blocked,
		CorrelationID: actor.CorrelationID,
		RecordedAt:    server,
	}

	wctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.ledger.Append(wctx, obsv); err != nil {
		obs.LedgerWriteFailures.WithLabelValues("drift").Inc()
		a.log.Error("drift observation not recorded; denying action",
			zap.String("actor_id", actor.ID),
			zap.String("action", string(action)),
			zap.Error(err))
		return Result{ServerTime: server, DriftSeconds: drift, Severity: sev, Blocked: true},
			fmt.Errorf("%w: drift ledger: %v", ErrLedgerWrite, err)
	}

	obs.DriftObservations.WithLabelValues(string(sev), strconv.FormatBool(blocked)).Inc()
	if sev != SeverityInfo {
		a.log.Warn("clock drift",
			zap.String("actor_id", actor.ID),
			zap.String("device_id", actor.DeviceID),
			zap.String("action", string(action)),
			zap.Int64("drift_seconds", drift),
			zap.String("severity", string(sev)),
			zap.Bool("blocked", blocked))
	}

	return Result{
		ObservationID: obsv.ID,
		ServerTime:    server,
		DriftSeconds:  drift,
		Severity:      sev,
		Blocked:       blocked,
	}, nil
}
