package escalation

import (
	"fmt"
	"sort"
	"time"

	"smartattend.org/internal/auth"
)

// Trigger is the event being scored. Assignment is set for role changes;
// Action is set for every trigger, since a role change is itself an action
// by the granter.
type Trigger struct {
	Assignment *RoleAssignment
	Action     *Action
}

// At returns the time of the trigger.
func (t Trigger) At() time.Time {
	if t.Assignment != nil {
		return t.Assignment.OccurredAt
	}
	if t.Action != nil {
		return t.Action.OccurredAt
	}
	return time.Time{}
}

// History is the recent ledger window a trigger is scored against. It
// never contains the trigger itself. Slices are in time order.
type History struct {
	Assignments []RoleAssignment
	Actions     []Action
}

func (h *History) sort() {
	sort.SliceStable(h.Assignments, func(i, j int) bool { return h.Assignments[i].OccurredAt.Before(h.Assignments[j].OccurredAt) })
	sort.SliceStable(h.Actions, func(i, j int) bool { return h.Actions[i].OccurredAt.Before(h.Actions[j].OccurredAt) })
}

// Scorer is one independent pattern detector. Score returns a zero
// contribution when the pattern does not match.
type Scorer interface {
	Pattern() Pattern
	Score(t Trigger, h History) Contribution
}

// DefaultScorers builds the five stock detectors from cfg.
func DefaultScorers(cfg Config) []Scorer {
	cfg = cfg.withDefaults()
	return []Scorer{
		TemporalCluster{Window: cfg.TemporalWindow, MinCount: cfg.TemporalMinCount, Weight: cfg.Weights.Medium},
		RecursiveEscalation{Hops: cfg.RecursiveHops, Span: cfg.RecursiveSpan, Weight: cfg.Weights.High},
		Bypass{Window: cfg.BypassWindow, Weight: cfg.Weights.High},
		CoordinatedElevation{Window: cfg.CoordinatedWindow, MinCount: cfg.CoordinatedMinCount, Weight: cfg.Weights.Critical},
		UnusualActorForRole{OutOfRole: cfg.OutOfRole, Weight: cfg.Weights.Critical},
	}
}

// within reports whether t lies in (end-window, end].
func within(t, end time.Time, window time.Duration) bool {
	return !t.After(end) && t.After(end.Add(-window))
}

// TemporalCluster matches an actor who changed MinCount or more roles
// inside a trailing Window.
type TemporalCluster struct {
	Window   time.Duration
	MinCount int
	Weight   int
}

func (TemporalCluster) Pattern() Pattern { return PatternTemporalCluster }

func (s TemporalCluster) Score(t Trigger, h History) Contribution {
	a := t.Assignment
	if a == nil {
		return Contribution{}
	}
	evidence := []string{}
	for _, prior := range h.Assignments {
		if prior.TenantID == a.TenantID && prior.ChangedBy == a.ChangedBy && within(prior.OccurredAt, a.OccurredAt, s.Window) {
			evidence = append(evidence, prior.ID)
		}
	}
	evidence = append(evidence, a.ID)
	if len(evidence) < s.MinCount {
		return Contribution{}
	}
	return Contribution{
		Pattern:     PatternTemporalCluster,
		Score:       s.Weight,
		SubjectID:   a.ChangedBy,
		Detail:      fmt.Sprintf("%s made %d role changes within %s", a.ChangedBy, len(evidence), s.Window),
		EvidenceIDs: evidence,
	}
}

// RecursiveEscalation walks who-granted-whom back from a high-privilege
// grant. It matches when a low-privilege actor within Hops links, all
// inside Span, set off the chain that produced the grant.
type RecursiveEscalation struct {
	Hops   int
	Span   time.Duration
	Weight int
}

func (RecursiveEscalation) Pattern() Pattern { return PatternRecursiveEscalation }

func (s RecursiveEscalation) Score(t Trigger, h History) Contribution {
	a := t.Assignment
	if a == nil || !auth.IsHighPrivilege(a.NewRole) {
		return Contribution{}
	}
	chain := []string{a.ID}
	visited := map[string]bool{a.SubjectID: true}
	granter, granterRole, at := a.ChangedBy, a.ChangedByRole, a.OccurredAt
	for hop := 0; hop < s.Hops; hop++ {
		if granterRole != "" && auth.IsLowPrivilege(granterRole) && auth.Rank(granterRole) > auth.RankNone {
			return s.match(a, granter, chain)
		}
		if visited[granter] {
			break
		}
		visited[granter] = true
		link, ok := grantOf(h, a.TenantID, granter, at, a.OccurredAt.Add(-s.Span))
		if !ok {
			break
		}
		chain = append(chain, link.ID)
		if auth.IsLowPrivilege(link.OldRole) {
			return s.match(a, granter, chain)
		}
		granter, granterRole, at = link.ChangedBy, link.ChangedByRole, link.OccurredAt
	}
	return Contribution{}
}

func (s RecursiveEscalation) match(a *RoleAssignment, origin string, chain []string) Contribution {
	return Contribution{
		Pattern:     PatternRecursiveEscalation,
		Score:       s.Weight,
		SubjectID:   a.SubjectID,
		Detail:      fmt.Sprintf("%s reached %s through %d grant(s) traced to low-privilege actor %s", a.SubjectID, a.NewRole, len(chain), origin),
		EvidenceIDs: chain,
	}
}

// grantOf finds the latest grant to subject at or before at and not before
// floor.
func grantOf(h History, tenantID, subject string, at, floor time.Time) (RoleAssignment, bool) {
	for i := len(h.Assignments) - 1; i >= 0; i-- {
		g := h.Assignments[i]
		if g.TenantID != tenantID || g.SubjectID != subject {
			continue
		}
		if g.OccurredAt.After(at) {
			continue
		}
		if g.OccurredAt.Before(floor) {
			return RoleAssignment{}, false
		}
		return g, true
	}
	return RoleAssignment{}, false
}

// Bypass matches a privileged action performed within Window of the actor
// being elevated to a high-privilege role.
type Bypass struct {
	Window time.Duration
	Weight int
}

func (Bypass) Pattern() Pattern { return PatternBypass }

func (s Bypass) Score(t Trigger, h History) Contribution {
	x := t.Action
	if x == nil || !x.Privileged {
		return Contribution{}
	}
	g, ok := grantOf(h, x.TenantID, x.ActorID, x.OccurredAt, x.OccurredAt.Add(-s.Window))
	if !ok || !auth.IsHighPrivilege(g.NewRole) || auth.Rank(g.NewRole) <= auth.Rank(g.OldRole) {
		return Contribution{}
	}
	evidence := []string{g.ID}
	if t.Assignment != nil {
		evidence = append(evidence, t.Assignment.ID)
	} else {
		evidence = append(evidence, x.ID)
	}
	return Contribution{
		Pattern:     PatternBypass,
		Score:       s.Weight,
		SubjectID:   x.ActorID,
		Detail:      fmt.Sprintf("%s performed %s %s after receiving %s", x.ActorID, x.Kind, x.OccurredAt.Sub(g.OccurredAt), g.NewRole),
		EvidenceIDs: evidence,
	}
}

// CoordinatedElevation matches one granter elevating MinCount or more
// distinct accounts to roles of the same rank within Window, after which at
// least MinCount of them perform the same kind of action.
type CoordinatedElevation struct {
	Window   time.Duration
	MinCount int
	Weight   int
}

func (CoordinatedElevation) Pattern() Pattern { return PatternCoordinatedElevation }

func (s CoordinatedElevation) Score(t Trigger, h History) Contribution {
	x := t.Action
	if x == nil || t.Assignment != nil {
		return Contribution{}
	}
	g, ok := grantOf(h, x.TenantID, x.ActorID, x.OccurredAt, x.OccurredAt.Add(-s.Window))
	if !ok || auth.Rank(g.NewRole) <= auth.Rank(g.OldRole) {
		return Contribution{}
	}
	c, ok := s.cohort(h, *x, g)
	if !ok {
		return Contribution{}
	}
	return c
}

// cohort evaluates the group granter g.ChangedBy elevated to g's rank,
// counting follow-on actions of x.Kind including x itself.
func (s CoordinatedElevation) cohort(h History, x Action, g RoleAssignment) (Contribution, bool) {
	rank := auth.Rank(g.NewRole)
	granted := map[string]RoleAssignment{}
	for _, a := range h.Assignments {
		if a.TenantID != g.TenantID || a.ChangedBy != g.ChangedBy || auth.Rank(a.NewRole) != rank {
			continue
		}
		if !within(a.OccurredAt, x.OccurredAt, s.Window) || auth.Rank(a.NewRole) <= auth.Rank(a.OldRole) {
			continue
		}
		granted[a.SubjectID] = a
	}
	if len(granted) < s.MinCount {
		return Contribution{}, false
	}

	acted := map[string]string{}
	consider := func(y Action) {
		a, ok := granted[y.ActorID]
		if !ok || y.Kind != x.Kind || y.TenantID != x.TenantID || y.OccurredAt.Before(a.OccurredAt) {
			return
		}
		if !within(y.OccurredAt, x.OccurredAt, s.Window) {
			return
		}
		if _, seen := acted[y.ActorID]; !seen {
			acted[y.ActorID] = y.ID
		}
	}
	for _, y := range h.Actions {
		consider(y)
	}
	consider(x)
	if len(acted) < s.MinCount {
		return Contribution{}, false
	}

	subjects := make([]string, 0, len(acted))
	for id := range acted {
		subjects = append(subjects, id)
	}
	sort.Strings(subjects)
	evidence := make([]string, 0, 2*len(subjects))
	for _, id := range subjects {
		evidence = append(evidence, granted[id].ID, acted[id])
	}
	return Contribution{
		Pattern:     PatternCoordinatedElevation,
		Score:       s.Weight,
		SubjectID:   g.ChangedBy,
		Detail:      fmt.Sprintf("%s elevated %d accounts to rank %d; %d then performed %s", g.ChangedBy, len(granted), rank, len(acted), x.Kind),
		EvidenceIDs: evidence,
	}, true
}

// UnusualActorForRole matches an action listed as outside the actor's
// role's job function. The action is allowed but must be surfaced.
type UnusualActorForRole struct {
	OutOfRole map[string][]string
	Weight    int
}

func (UnusualActorForRole) Pattern() Pattern { return PatternUnusualActorForRole }

func (s UnusualActorForRole) Score(t Trigger, h History) Contribution {
	x := t.Action
	if x == nil {
		return Contribution{}
	}
	role := auth.NormalizeRole(x.ActorRole)
	for _, kind := range s.OutOfRole[role] {
		if kind != x.Kind {
			continue
		}
		return Contribution{
			Pattern:      PatternUnusualActorForRole,
			Score:        s.Weight,
			SubjectID:    x.ActorID,
			Detail:       fmt.Sprintf("%s holding %s performed %s, outside the role's normal function", x.ActorID, role, x.Kind),
			EvidenceIDs:  []string{x.ID},
			Transparency: true,
		}
	}
	return Contribution{}
}

// Evaluate runs scorers over t and h. The total is the capped sum of all
// contributions; matched lists only the non-zero ones, highest first.
func Evaluate(scorers []Scorer, maxScore int, t Trigger, h History) (int, []Contribution) {
	var (
		total   int
		matched []Contribution
	)
	for _, s := range scorers {
		c := s.Score(t, h)
		if c.Score <= 0 {
			continue
		}
		total += c.Score
		matched = append(matched, c)
	}
	if maxScore > 0 && total > maxScore {
		total = maxScore
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Score > matched[j].Score })
	return total, matched
}

func patternsOf(cs []Contribution) []Pattern {
	out := make([]Pattern, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Pattern)
	}
	return out
}
