package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInitAndScrape(t *testing.T) {
	Init()

	// Touch a sample of collectors so they appear in the scrape output.
	OutcomesTotal.WithLabelValues("httpbin", "success", "").Inc()
	OutcomesTotal.WithLabelValues("httpbin", "degraded", "circuit-open").Inc()
	AttemptDuration.WithLabelValues("httpbin").Observe(0.05)
	RetryTotal.WithLabelValues("httpbin").Inc()
	RateLimitRejections.WithLabelValues("httpbin").Inc()
	BulkheadInFlight.WithLabelValues("httpbin").Set(2)
	BulkheadTimeouts.WithLabelValues("httpbin").Inc()
	BreakerState.WithLabelValues("httpbin").Set(1)
	BreakerTransitions.WithLabelValues("httpbin", "closed", "open").Inc()
	FallbackTotal.WithLabelValues("httpbin", "circuit-open").Inc()
	AuthFailures.WithLabelValues("missing_token").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200 from metrics endpoint, got %d", rec.Code)
	}

	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("reading scrape body: %v", err)
	}
	out := string(body)

	expected := []string{
		"resilience_outcomes_total",
		"resilience_attempt_duration_seconds",
		"resilience_retries_total",
		"resilience_rate_limit_rejections_total",
		"resilience_bulkhead_in_flight",
		"resilience_bulkhead_timeouts_total",
		"resilience_breaker_state",
		"resilience_breaker_transitions_total",
		"resilience_fallback_total",
		"resilience_auth_failures_total",
	}
	for _, name := range expected {
		if !strings.Contains(out, name) {
			t.Errorf("scrape output missing %s", name)
		}
	}

	if !strings.Contains(out, `resilience_breaker_state{destination="httpbin"} 1`) {
		t.Error("breaker state gauge not exported with destination label")
	}
}
