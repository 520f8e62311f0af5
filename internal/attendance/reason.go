package attendance

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// Category groups reason codes by the workflow they belong to.
type Category string

const (
	CategoryInitialMarking   Category = "initial-marking"
	CategorySecurityReview   Category = "security-review"
	CategoryInvestigation    Category = "investigation"
	CategoryResolution       Category = "resolution"
	CategoryAppeal           Category = "appeal"
	CategorySystemCorrection Category = "system-correction"
	CategoryCompliance       Category = "compliance"
)

// ReasonSeverity tags how consequential a reason code is.
type ReasonSeverity string

const (
	ReasonLow    ReasonSeverity = "low"
	ReasonMedium ReasonSeverity = "medium"
	ReasonHigh   ReasonSeverity = "high"
)

// ReasonCode is an entry of the controlled vocabulary.
type ReasonCode struct {
	Code                  string         `json:"code"`
	Category              Category       `json:"category"`
	Targets               []State        `json:"targets"`
	RequiresJustification bool           `json:"requires_justification"`
	Severity              ReasonSeverity `json:"severity"`
	// HumanOnly codes cannot be used by system actors.
	HumanOnly  bool `json:"human_only,omitempty"`
	Deprecated bool `json:"deprecated,omitempty"`
}

// Permits reports whether the code may be used to reach to.
func (r ReasonCode) Permits(to State) bool {
	for _, s := range r.Targets {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrDuplicateCode = errors.New("reason code already registered")
	ErrUnknownCode   = errors.New("unknown reason code")
)

// Registry holds the reason-code vocabulary. Codes can be deprecated but
// never removed, since history references them.
type Registry struct {
	mu    sync.RWMutex
	codes map[string]ReasonCode
}

// NewRegistry returns a registry seeded with codes.
func NewRegistry(codes ...ReasonCode) (*Registry, error) {
	r := &Registry{codes: make(map[string]ReasonCode, len(codes))}
	for _, c := range codes {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns the stock vocabulary.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultReasonCodes()...)
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultReasonCodes is the stock vocabulary.
func DefaultReasonCodes() []ReasonCode {
	return []ReasonCode{
		{Code: "QR_SCAN", Category: CategoryInitialMarking, Targets: []State{StatePending}, Severity: ReasonLow},
		{Code: "MANUAL_ENTRY", Category: CategoryInitialMarking, Targets: []State{StatePending}, RequiresJustification: true, Severity: ReasonMedium},
		{Code: "PRESENCE_CONFIRMED", Category: CategoryResolution, Targets: []State{StateVerified}, Severity: ReasonLow},
		{Code: "DRIFT_ANOMALY", Category: CategorySecurityReview, Targets: []State{StateFlagged}, Severity: ReasonMedium},
		{Code: "SECURITY_REVIEW", Category: CategorySecurityReview, Targets: []State{StateFlagged}, RequiresJustification: true, Severity: ReasonMedium, HumanOnly: true},
		{Code: "HUMAN_REFLAG", Category: CategorySecurityReview, Targets: []State{StateFlagged}, RequiresJustification: true, Severity: ReasonHigh, HumanOnly: true},
		{Code: "FRAUD_CONFIRMED", Category: CategoryInvestigation, Targets: []State{StateRevoked}, RequiresJustification: true, Severity: ReasonHigh},
		{Code: "FALSE_POSITIVE", Category: CategoryResolution, Targets: []State{StateVerified}, RequiresJustification: true, Severity: ReasonLow},
		{Code: "APPEAL_GRANTED", Category: CategoryAppeal, Targets: []State{StateVerified}, RequiresJustification: true, Severity: ReasonMedium},
		{Code: "ADMIN_OVERRIDE", Category: CategorySystemCorrection, Targets: []State{StateManualOverride}, RequiresJustification: true, Severity: ReasonHigh},
		{Code: "SYSTEM_CORRECTION", Category: CategorySystemCorrection, Targets: []State{StateVerified}, RequiresJustification: true, Severity: ReasonMedium},
		{Code: "COMPLIANCE_HOLD", Category: CategoryCompliance, Targets: []State{StateFlagged, StateManualOverride}, RequiresJustification: true, Severity: ReasonHigh, HumanOnly: true},
	}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Register adds a code.
func (r *Registry) Register(c ReasonCode) error {
	c.Code = normalizeCode(c.Code)
	if c.Code == "" {
		return errors.New("reason code is required")
	}
	if len(c.Targets) == 0 {
		return errors.New("reason code needs at least one target state")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codes[c.Code]; ok {
		return ErrDuplicateCode
	}
	c.Targets = append([]State(nil), c.Targets...)
	r.codes[c.Code] = c
	return nil
}

// Deprecate stops code from being used for new transitions.
func (r *Registry) Deprecate(code string) error {
	code = normalizeCode(code)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.codes[code]
	if !ok {
		return ErrUnknownCode
	}
	c.Deprecated = true
	r.codes[code] = c
	return nil
}

// Lookup returns the code entry.
func (r *Registry) Lookup(code string) (ReasonCode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codes[normalizeCode(code)]
	return c, ok
}

// All returns every code, sorted.
func (r *Registry) All() []ReasonCode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ReasonCode, 0, len(r.codes))
	for _, c := range r.codes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
