package attendance

import (
	"fmt"
	"sort"
)

// Replay rebuilds a record's state from its attempts. Only ACCEPTED rows
// count; each must start where the previous one ended and follow an edge
// of the state table.
func Replay(attempts []Attempt) (State, error) {
	ordered := append([]Attempt(nil), attempts...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	state := StateNone
	for _, a := range ordered {
		if a.Outcome != OutcomeAccepted {
			continue
		}
		if a.FromState != state {
			return state, fmt.Errorf("%w: attempt %s starts at %s, chain is at %s", ErrBrokenChain, a.ID, a.FromState, state)
		}
		if !CanTransition(a.FromState, a.ToState) {
			return state, fmt.Errorf("%w: attempt %s uses illegal edge %s -> %s", ErrBrokenChain, a.ID, a.FromState, a.ToState)
		}
		state = a.ToState
	}
	return state, nil
}
