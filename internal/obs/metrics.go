package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Engine verdict metrics.
var (
	DriftObservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_drift_observations_total",
			Help: "Clock drift observations by severity and block decision.",
		},
		[]string{"severity", "blocked"},
	)

	TransitionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_transition_attempts_total",
			Help: "Attendance transition attempts by outcome and code.",
		},
		[]string{"outcome", "code"},
	)

	Escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_escalations_total",
			Help: "Escalation events raised by primary pattern and severity.",
		},
		[]string{"pattern", "severity"},
	)

	LedgerWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_ledger_write_failures_total",
			Help: "Failed durable ledger writes. Each one denied the dependent action.",
		},
		[]string{"ledger"},
	)
)

var (
	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata. Value is always 1.",
	}, []string{"version"})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service passes its readiness probe.",
	})
)

var initOnce sync.Once

// SetBuildInfo publishes the running version.
func SetBuildInfo(version string) {
	buildInfo.Reset()
	buildInfo.WithLabelValues(version).Set(1)
}

// SetReady records the last readiness probe result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Init registers all metrics in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			DriftObservations, TransitionAttempts, Escalations, LedgerWriteFailures,
			buildInfo, ready,
		)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count, latency and in-flight gauge.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier segments so metric label cardinality
// stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" {
		switch {
		case parts[1] == "attendance" && len(parts) >= 4 && parts[2] == "records":
			if len(parts) == 4 || (len(parts) == 5 && (parts[4] == "transitions" || parts[4] == "history" || parts[4] == "verify")) {
				parts[3] = ":id"
			}
		case parts[1] == "escalations" && (len(parts) == 3 || len(parts) == 4 && (parts[3] == "investigate" || parts[3] == "resolve")):
			parts[2] = ":id"
		case parts[1] == "accounts" && len(parts) == 4 && parts[3] == "revalidation":
			parts[2] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
