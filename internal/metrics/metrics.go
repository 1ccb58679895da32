// Package metrics exports Prometheus collectors for the orchestration core:
// request outcomes, token and cost counters, provider health, circuit state,
// cascade behavior, and the HTTP façade.
package metrics

import (
	"regexp"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics

	labelSanitizer = regexp.MustCompile(`[^a-z0-9_.-]+`)
)

// Metrics holds every collector the process registers. Use Get().
type Metrics struct {
	// Orchestrator
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	QualityScore     *prometheus.HistogramVec
	EscalationsTotal *prometheus.CounterVec
	CircuitState     prometheus.Gauge

	// Providers
	TokensTotal    *prometheus.CounterVec
	CostMicrocents *prometheus.CounterVec
	ProviderHealth *prometheus.GaugeVec
	FallbacksTotal *prometheus.CounterVec

	// Cascade
	CascadeSteps *prometheus.HistogramVec

	// Budget / cache
	ThrottleLevel prometheus.Gauge
	CacheEvents   *prometheus.CounterVec

	// HTTP façade
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "ai",
			Name:      "requests_total",
			Help:      "Completed orchestrator requests by category, model, and status",
		},
		[]string{"category", "model", "status"},
	)

	m.RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "maestro",
			Subsystem: "ai",
			Name:      "request_duration_seconds",
			Help:      "End-to-end orchestrator request duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	m.RequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "ai",
			Name:      "requests_in_flight",
			Help:      "Orchestrator requests currently executing",
		},
	)

	m.QualityScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "maestro",
			Subsystem: "ai",
			Name:      "quality_score",
			Help:      "Heuristic response quality scores by model",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"model"},
	)

	m.EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "ai",
			Name:      "escalations_total",
			Help:      "Quality escalations by source and target tier",
		},
		[]string{"from", "to"},
	)

	m.CircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "ai",
			Name:      "circuit_breaker_state",
			Help:      "Orchestrator circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	m.TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "provider",
			Name:      "tokens_total",
			Help:      "Upstream tokens by provider, model, and kind (input, output, cached, cache_write)",
		},
		[]string{"provider", "model", "kind"},
	)

	m.CostMicrocents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "provider",
			Name:      "cost_microcents_total",
			Help:      "Accumulated upstream cost in microcents by provider and model",
		},
		[]string{"provider", "model"},
	)

	m.ProviderHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "provider",
			Name:      "health",
			Help:      "Provider health (0 healthy, 1 degraded, 2 down)",
		},
		[]string{"provider"},
	)

	m.FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "provider",
			Name:      "fallbacks_total",
			Help:      "Cross-provider fallbacks by source and target provider",
		},
		[]string{"from", "to"},
	)

	m.CascadeSteps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "maestro",
			Subsystem: "cascade",
			Name:      "steps",
			Help:      "Steps attempted per cascade execution",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
		[]string{"chain"},
	)

	m.ThrottleLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "budget",
			Name:      "throttle_level",
			Help:      "Budget throttle level (0 normal, 1 warning, 2 reduce, 3 pause)",
		},
	)

	m.CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "cache",
			Name:      "events_total",
			Help:      "Response cache events by result (hit, miss, store)",
		},
		[]string{"result"},
	)

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "maestro",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	return m
}

// SanitizeLabel normalizes a free-form value (model ids, provider names)
// into a safe Prometheus label: lowercase, restricted charset, capped length.
func SanitizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = labelSanitizer.ReplaceAllString(v, "_")
	v = strings.Trim(v, "_")
	if v == "" {
		return "unknown"
	}
	if len(v) > 63 {
		v = v[:63]
	}
	return v
}
