package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LookupOutcome captures the result of a tier cache lookup.
type LookupOutcome string

const (
	// LookupHit indicates the lookup was satisfied by a tier.
	LookupHit LookupOutcome = "hit"
	// LookupMiss indicates the tier did not hold the key.
	LookupMiss LookupOutcome = "miss"
	// LookupError indicates the tier probe failed.
	LookupError LookupOutcome = "error"
)

// InvalidationOutcome captures whether an invalidation run completed cleanly.
type InvalidationOutcome string

const (
	// InvalidationOK indicates every eviction step succeeded.
	InvalidationOK InvalidationOutcome = "ok"
	// InvalidationDegraded indicates at least one eviction step failed and
	// the affected entries may remain stale.
	InvalidationDegraded InvalidationOutcome = "degraded"
)

// Recorder publishes Prometheus metrics for cache and invalidation activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	tierLookups *prometheus.CounterVec
	tierWrites  *prometheus.CounterVec

	invalidations       *prometheus.CounterVec
	invalidationLatency *prometheus.HistogramVec
	evictedKeys         *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	tierLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stalectl",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Tier cache lookups by tier and result.",
	}, []string{"tier", "result"})

	tierWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stalectl",
		Subsystem: "cache",
		Name:      "writes_total",
		Help:      "Tier cache writes by tier and result.",
	}, []string{"tier", "result"})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stalectl",
		Subsystem: "invalidation",
		Name:      "runs_total",
		Help:      "Invalidation runs by trigger source and outcome.",
	}, []string{"source", "outcome"})

	invalidationLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stalectl",
		Subsystem: "invalidation",
		Name:      "duration_seconds",
		Help:      "Latency distribution for completed invalidation runs.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"source"})

	evictedKeys := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stalectl",
		Subsystem: "invalidation",
		Name:      "evicted_keys_total",
		Help:      "Cache keys evicted by trigger source.",
	}, []string{"source"})

	reg.MustRegister(tierLookups, tierWrites, invalidations, invalidationLatency, evictedKeys)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:            reg,
		handler:             handler,
		tierLookups:         tierLookups,
		tierWrites:          tierWrites,
		invalidations:       invalidations,
		invalidationLatency: invalidationLatency,
		evictedKeys:         evictedKeys,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveTierLookup records the result of probing one tier for a key.
func (r *Recorder) ObserveTierLookup(tier string, result LookupOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(LookupMiss)
	}
	r.tierLookups.WithLabelValues(normalizeLabel(tier), resultLabel).Inc()
}

// ObserveTierWrite records the result of writing an entry to one tier.
func (r *Recorder) ObserveTierWrite(tier string, err error) {
	if r == nil {
		return
	}
	result := "stored"
	if err != nil {
		result = "error"
	}
	r.tierWrites.WithLabelValues(normalizeLabel(tier), result).Inc()
}

// ObserveInvalidation records the outcome and latency of one invalidation run.
func (r *Recorder) ObserveInvalidation(source string, outcome InvalidationOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	sourceLabel := normalizeLabel(source)
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(InvalidationOK)
	}
	r.invalidations.WithLabelValues(sourceLabel, outcomeLabel).Inc()
	r.invalidationLatency.WithLabelValues(sourceLabel).Observe(duration.Seconds())
}

// ObserveEvictedKeys counts cache keys removed by an invalidation run.
func (r *Recorder) ObserveEvictedKeys(source string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.evictedKeys.WithLabelValues(normalizeLabel(source)).Add(float64(count))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
