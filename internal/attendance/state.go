package attendance

// State is the lifecycle state of an attendance record.
type State string

const (
	// StateNone is the from-state of the creation transition.
	StateNone           State = "NONE"
	StatePending        State = "PENDING"
	StateVerified       State = "VERIFIED"
	StateFlagged        State = "FLAGGED"
	StateRevoked        State = "REVOKED"
	StateManualOverride State = "MANUAL_OVERRIDE"
)

// Valid reports whether s is a state a record can be in.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateVerified, StateFlagged, StateRevoked, StateManualOverride:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateRevoked }

type edgeRule struct {
	// humanOnly edges need a human reason code and a non-system actor.
	humanOnly bool
}

// MANUAL_OVERRIDE leaves the automated flow; the only way back is a human
// re-flag. REVOKED has no outgoing edges.
var edges = map[State]map[State]edgeRule{
	StateNone:           {StatePending: {}},
	StatePending:        {StateVerified: {}, StateManualOverride: {}},
	StateVerified:       {StateFlagged: {}, StateManualOverride: {}},
	StateFlagged:        {StateRevoked: {}, StateVerified: {}, StateManualOverride: {}},
	StateManualOverride: {StateFlagged: {humanOnly: true}},
	StateRevoked:        {},
}

// CanTransition reports whether from → to is an edge of the state table.
func CanTransition(from, to State) bool {
	_, ok := edges[from][to]
	return ok
}

func edge(from, to State) (edgeRule, bool) {
	r, ok := edges[from][to]
	return r, ok
}

// Targets lists the states reachable from s in one step.
func Targets(s State) []State {
	var out []State
	for _, candidate := range []State{StatePending, StateVerified, StateFlagged, StateRevoked, StateManualOverride} {
		if CanTransition(s, candidate) {
			out = append(out, candidate)
		}
	}
	return out
}
