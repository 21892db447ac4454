// Package metrics provides Prometheus instrumentation for the resilient
// call layer. All metric collectors are registered via the Init function
// and exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OutcomesTotal counts pipeline invocations by destination, outcome
	// status (success, degraded, rejected), and reason.
	OutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_outcomes_total",
			Help: "Total pipeline invocations by outcome status and reason",
		},
		[]string{"destination", "status", "reason"},
	)

	// AttemptDuration observes per-attempt transport latency in seconds.
	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resilience_attempt_duration_seconds",
			Help:    "Transport attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"destination"},
	)

	// RetryTotal counts retry attempts (attempt 2 and later) by destination.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_retries_total",
			Help: "Total retry attempts after the first try",
		},
		[]string{"destination"},
	)

	// RateLimitRejections counts token bucket admission rejections.
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_rate_limit_rejections_total",
			Help: "Total calls rejected by the token bucket rate limiter",
		},
		[]string{"destination"},
	)

	// BulkheadInFlight tracks concurrently held bulkhead permits.
	BulkheadInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_bulkhead_in_flight",
			Help: "Number of bulkhead permits currently held",
		},
		[]string{"destination"},
	)

	// BulkheadTimeouts counts bulkhead acquisitions abandoned before a
	// permit became available.
	BulkheadTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_bulkhead_timeouts_total",
			Help: "Total bulkhead acquisitions that timed out or were cancelled",
		},
		[]string{"destination"},
	)

	// BreakerState reports the current circuit breaker state
	// (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"destination"},
	)

	// BreakerTransitions counts circuit breaker state transitions.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"destination", "from", "to"},
	)

	// FallbackTotal counts degraded responses served by the fallback.
	FallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_fallback_total",
			Help: "Total degraded responses served by the fallback",
		},
		[]string{"destination", "reason"},
	)

	// AuthFailures counts admin endpoint authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_auth_failures_total",
			Help: "Total admin authentication failures",
		},
		[]string{"reason"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		OutcomesTotal,
		AttemptDuration,
		RetryTotal,
		RateLimitRejections,
		BulkheadInFlight,
		BulkheadTimeouts,
		BreakerState,
		BreakerTransitions,
		FallbackTotal,
		AuthFailures,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
