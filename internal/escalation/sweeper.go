package escalation

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Assignments int      `json:"assignments"`
	Actions     int      `json:"actions"`
	Raised      []string `json:"raised"`
}

// Sweep re-runs the cross-event detectors (temporal cluster and
// coordinated elevation) over the ledger window ending now. It reads the
// store fresh each time and skips matches whose evidence already belongs
// to an escalation.
func (d *Detector) Sweep(ctx context.Context) (SweepReport, error) {
	var sweepers []Scorer
	for _, s := range d.scorers {
		switch s.Pattern() {
		case PatternTemporalCluster, PatternCoordinatedElevation:
			sweepers = append(sweepers, s)
		}
	}
	report := SweepReport{Raised: []string{}}
	if len(sweepers) == 0 {
		return report, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	all, err := d.store.Recent(ctx, "", d.now().Add(-d.cfg.Lookback))
	if err != nil {
		return report, d.writeFailure("sweep read", "", err)
	}
	var tenants []string
	seen := map[string]bool{}
	for _, a := range all.Assignments {
		if !seen[a.TenantID] {
			seen[a.TenantID] = true
			tenants = append(tenants, a.TenantID)
		}
	}
	for _, x := range all.Actions {
		if !seen[x.TenantID] {
			seen[x.TenantID] = true
			tenants = append(tenants, x.TenantID)
		}
	}
	for _, tenantID := range tenants {
		if err := d.sweepTenant(ctx, sweepers, tenantID, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// sweepTenant re-reads one tenant's window under its scoring lock.
func (d *Detector) sweepTenant(ctx context.Context, sweepers []Scorer, tenantID string, report *SweepReport) error {
	unlock, err := d.lock(ctx, tenantID)
	if err != nil {
		return d.writeFailure("lock tenant", tenantID, err)
	}
	defer unlock()

	now := d.now()
	since := now.Add(-d.cfg.Lookback)
	h, err := d.store.Recent(ctx, tenantID, since)
	if err != nil {
		return d.writeFailure("sweep read", tenantID, err)
	}
	h.sort()
	known, err := d.store.Events(ctx, Filter{TenantID: tenantID, Since: since.Add(-d.cfg.Lookback)})
	if err != nil {
		return d.writeFailure("sweep events", tenantID, err)
	}
	covered := map[string]bool{}
	for _, ev := range known {
		for _, id := range ev.AssignmentIDs {
			covered[id] = true
		}
		for _, id := range ev.ActionIDs {
			covered[id] = true
		}
	}
	report.Assignments += len(h.Assignments)
	report.Actions += len(h.Actions)

	check := func(t Trigger, rest History) error {
		total, matched := Evaluate(sweepers, d.cfg.MaxScore, t, rest)
		if total <= d.cfg.Threshold {
			return nil
		}
		for _, c := range matched {
			for _, id := range c.EvidenceIDs {
				if covered[id] {
					return nil
				}
			}
		}
		ev, existing, err := d.newEvent(ctx, t, rest, total, matched)
		if err != nil || existing != "" {
			return err
		}
		if err := d.store.Append(ctx, Batch{Event: ev}); err != nil {
			return d.writeFailure("sweep raise", ev.ID, err)
		}
		for _, id := range append(append([]string{}, ev.AssignmentIDs...), ev.ActionIDs...) {
			covered[id] = true
		}
		report.Raised = append(report.Raised, ev.ID)
		d.raised(ev)
		return nil
	}

	for i := range h.Assignments {
		a := h.Assignments[i]
		if covered[a.ID] {
			continue
		}
		if err := check(Trigger{Assignment: &a}, h.withoutAssignment(a.ID)); err != nil {
			return err
		}
	}
	for i := range h.Actions {
		x := h.Actions[i]
		if covered[x.ID] {
			continue
		}
		if err := check(Trigger{Action: &x}, h.withoutAction(x.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (h History) withoutAssignment(id string) History {
	out := History{Actions: h.Actions, Assignments: make([]RoleAssignment, 0, len(h.Assignments))}
	for _, a := range h.Assignments {
		if a.ID != id {
			out.Assignments = append(out.Assignments, a)
		}
	}
	return out
}

func (h History) withoutAction(id string) History {
	out := History{Assignments: h.Assignments, Actions: make([]Action, 0, len(h.Actions))}
	for _, x := range h.Actions {
		if x.ID != id {
			out.Actions = append(out.Actions, x)
		}
	}
	return out
}

// Sweeper runs Detector.Sweep on a cron schedule.
type Sweeper struct {
	Cron     *cron.Cron
	detector *Detector
	log      *zap.Logger
	timeout  time.Duration
}

// NewSweeper schedules the detector's sweep. The cron is not started.
func NewSweeper(d *Detector, schedule string, log *zap.Logger) (*Sweeper, error) {
	if log == nil {
		log = d.log
	}
	s := &Sweeper{
		Cron:     cron.New(),
		detector: d,
		log:      log,
		timeout:  30 * time.Second,
	}
	if _, err := s.Cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Sweeper) Start() { s.Cron.Start() }

// Stop halts the schedule and waits for a running sweep, or until ctx ends.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.Cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	report, err := s.detector.Sweep(ctx)
	if err != nil {
		s.log.Error("escalation sweep failed", zap.Error(err))
		return
	}
	if len(report.Raised) > 0 {
		s.log.Warn("escalation sweep raised events",
			zap.Int("raised", len(report.Raised)),
			zap.Strings("event_ids", report.Raised))
		return
	}
	s.log.Debug("escalation sweep clean",
		zap.Int("assignments", report.Assignments),
		zap.Int("actions", report.Actions))
}
