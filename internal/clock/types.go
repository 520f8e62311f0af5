// Package clock is the server-side time authority. It measures how far a
// caller's claimed timestamp is from the service clock, classifies the
// skew and records every measurement in the drift ledger before answering.
package clock

import (
	"fmt"
	"time"

	"smartattend.org/internal/ledger"
)

// Severity classifies a drift measurement.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool { return s.rank() >= other.rank() }

// Action names a time-bearing operation subject to a block threshold.
type Action string

const (
	ActionAttendanceMark       Action = "attendance.mark"
	ActionAttendanceTransition Action = "attendance.transition"
	ActionRoleChange           Action = "role.change"
	// ActionReported covers actions collaborators report to the detector.
	ActionReported Action = "action.reported"
)

// ErrLedgerWrite is returned when the observation could not be recorded.
// The dependent action must be denied.
var ErrLedgerWrite = fmt.Errorf("LEDGER_WRITE_FAILURE: %w", ledger.ErrWrite)

// Observation is one write-once drift measurement.
type Observation struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	ActorID       string    `json:"actor_id"`
	DeviceID      string    `json:"device_id,omitempty"`
	Action        Action    `json:"action"`
	ClientTime    time.Time `json:"client_time"`
	ServerTime    time.Time `json:"server_time"`
	DriftSeconds  int64     `json:"drift_seconds"`
	SkewSeconds   int64     `json:"skew_seconds"`
	Severity      Severity  `json:"severity"`
	Blocked       bool      `json:"blocked"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Result is what the caller learns from an evaluation.
type Result struct {
	ObservationID string    `json:"observation_id"`
	ServerTime    time.Time `json:"server_time"`
	DriftSeconds  int64     `json:"drift_seconds"`
	Severity      Severity  `json:"severity"`
	Blocked       bool      `json:"blocked"`
}

// Thresholds drives classification and blocking. Values are whole seconds.
type Thresholds struct {
	InfoMaxSeconds    int64
	WarningMaxSeconds int64
	// BlockSeconds maps an action to the drift above which it is refused.
	// Actions without an entry are never blocked.
	BlockSeconds map[Action]int64
}

// DefaultThresholds returns the stock deployment thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		InfoMaxSeconds:    5,
		WarningMaxSeconds: 60,
		BlockSeconds: map[Action]int64{
			ActionAttendanceMark:       300,
			ActionAttendanceTransition: 300,
		},
	}
}

// Classify maps an absolute drift to a severity. It is a pure function of
// drift and the thresholds.
func (t Thresholds) Classify(driftSeconds int64) Severity {
	switch {
	case driftSeconds <= t.InfoMaxSeconds:
		return SeverityInfo
	case driftSeconds <= t.WarningMaxSeconds:
		return SeverityWarning
	default:
		return SeverityCritical
	}
}

// Blocks reports whether drift refuses action.
func (t Thresholds) Blocks(action Action, driftSeconds int64) bool {
	limit, ok := t.BlockSeconds[action]
	if !ok {
		return false
	}
	return driftSeconds > limit
}

// Drift returns |client - server| in whole seconds and the signed skew
// (client - server), both truncated toward zero.
func Drift(client, server time.Time) (abs int64, signed int64) {
	d := client.Sub(server)
	signed = int64(d / time.Second)
	abs = signed
	if abs < 0 {
		abs = -abs
	}
	return abs, signed
}
