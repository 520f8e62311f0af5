package escalation

import (
	"time"

	"smartattend.org/internal/auth"
)

// Weights are the contributions of the three score bands.
type Weights struct {
	Medium   int `koanf:"medium"`
	High     int `koanf:"high"`
	Critical int `koanf:"critical"`
}

// Config tunes the detectors. Zero values are replaced by defaults.
type Config struct {
	// Threshold is exceeded when the total score is strictly greater.
	Threshold int     `koanf:"threshold"`
	MaxScore  int     `koanf:"max_score"`
	Weights   Weights `koanf:"weights"`

	TemporalWindow   time.Duration `koanf:"temporal_window"`
	TemporalMinCount int           `koanf:"temporal_min_count"`

	RecursiveHops int           `koanf:"recursive_hops"`
	RecursiveSpan time.Duration `koanf:"recursive_span"`

	BypassWindow time.Duration `koanf:"bypass_window"`

	CoordinatedWindow   time.Duration `koanf:"coordinated_window"`
	CoordinatedMinCount int           `koanf:"coordinated_min_count"`

	// PrivilegedActions are action kinds treated as privileged even when
	// the caller did not say so.
	PrivilegedActions []string `koanf:"privileged_actions"`
	// OutOfRole lists, per role, action kinds outside its job function.
	OutOfRole map[string][]string `koanf:"out_of_role"`

	// Lookback bounds how much history is read per evaluation.
	Lookback time.Duration `koanf:"lookback"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Threshold:           50,
		MaxScore:            100,
		Weights:             Weights{Medium: 55, High: 75, Critical: 95},
		TemporalWindow:      60 * time.Second,
		TemporalMinCount:    5,
		RecursiveHops:       3,
		RecursiveSpan:       10 * time.Minute,
		BypassWindow:        5 * time.Second,
		CoordinatedWindow:   10 * time.Minute,
		CoordinatedMinCount: 5,
		PrivilegedActions: []string{
			ActionRoleAssign,
			"attendance.verify",
			"attendance.revoke",
			"attendance.override",
			"attendance.flag",
		},
		OutOfRole: map[string][]string{
			auth.TopRole: {"attendance.mark", "attendance.verify"},
		},
		Lookback: 15 * time.Minute,
	}
}

// Severity maps a total score onto the weight bands: a score reaching the
// critical weight is CRITICAL, one reaching the high weight is HIGH.
func (c Config) Severity(score int) Severity {
	switch {
	case score >= c.Weights.Critical:
		return SeverityCritical
	case score >= c.Weights.High:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// ActionRoleAssign is the action a granter performs on every role change.
const ActionRoleAssign = "role.assign"

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.MaxScore <= 0 {
		c.MaxScore = d.MaxScore
	}
	if c.Weights.Medium <= 0 {
		c.Weights.Medium = d.Weights.Medium
	}
	if c.Weights.High <= 0 {
		c.Weights.High = d.Weights.High
	}
	if c.Weights.Critical <= 0 {
		c.Weights.Critical = d.Weights.Critical
	}
	if c.TemporalWindow <= 0 {
		c.TemporalWindow = d.TemporalWindow
	}
	if c.TemporalMinCount <= 0 {
		c.TemporalMinCount = d.TemporalMinCount
	}
	if c.RecursiveHops <= 0 {
		c.RecursiveHops = d.RecursiveHops
	}
	if c.RecursiveSpan <= 0 {
		c.RecursiveSpan = d.RecursiveSpan
	}
	if c.BypassWindow <= 0 {
		c.BypassWindow = d.BypassWindow
	}
	if c.CoordinatedWindow <= 0 {
		c.CoordinatedWindow = d.CoordinatedWindow
	}
	if c.CoordinatedMinCount <= 0 {
		c.CoordinatedMinCount = d.CoordinatedMinCount
	}
	if len(c.PrivilegedActions) == 0 {
		c.PrivilegedActions = d.PrivilegedActions
	}
	if c.OutOfRole == nil {
		c.OutOfRole = d.OutOfRole
	}
	for _, w := range []time.Duration{c.TemporalWindow, c.RecursiveSpan, c.BypassWindow, c.CoordinatedWindow} {
		if w > c.Lookback {
			c.Lookback = w
		}
	}
	return c
}
