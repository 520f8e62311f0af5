package clock

import "time"

// Trend summarises a set of observations for forensic review.
type Trend struct {
	Count        int              `json:"count"`
	Blocked      int              `json:"blocked"`
	MaxDrift     int64            `json:"max_drift_seconds"`
	MeanDrift    float64          `json:"mean_drift_seconds"`
	MeanSkew     float64          `json:"mean_skew_seconds"`
	BySeverity   map[Severity]int `json:"by_severity"`
	FirstSeen    time.Time        `json:"first_seen,omitempty"`
	LastSeen     time.Time        `json:"last_seen,omitempty"`
	DistinctDevs int              `json:"distinct_devices"`
}

// Summarize folds observations into a Trend. A consistently signed mean
// skew points to a misconfigured device clock rather than tampering.
func Summarize(obs []Observation) Trend {
	t := Trend{BySeverity: map[Severity]int{}}
	if len(obs) == 0 {
		return t
	}
	var sumDrift, sumSkew int64
	devices := map[string]struct{}{}
	for _, o := range obs {
		t.Count++
		if o.Blocked {
			t.Blocked++
		}
		if o.DriftSeconds > t.MaxDrift {
			t.MaxDrift = o.DriftSeconds
		}
		sumDrift += o.DriftSeconds
		sumSkew += o.SkewSeconds
		t.BySeverity[o.Severity]++
		if o.DeviceID != "" {
			devices[o.DeviceID] = struct{}{}
		}
		if t.FirstSeen.IsZero() || o.ServerTime.Before(t.FirstSeen) {
			t.FirstSeen = o.ServerTime
		}
		if o.ServerTime.After(t.LastSeen) {
			t.LastSeen = o.ServerTime
		}
	}
	t.MeanDrift = float64(sumDrift) / float64(t.Count)
	t.MeanSkew = float64(sumSkew) / float64(t.Count)
	t.DistinctDevs = len(devices)
	return t
}
