// Package pipeline composes the resilience layers (rate limiter, bulkhead,
// circuit breaker, timeout-bounded retry, fallback) into one guarded call
// path per destination.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dskow/resilience-core/internal/breaker"
	"github.com/dskow/resilience-core/internal/bulkhead"
	"github.com/dskow/resilience-core/internal/faults"
	"github.com/dskow/resilience-core/internal/metrics"
	"github.com/dskow/resilience-core/internal/ratelimit"
	"github.com/dskow/resilience-core/internal/retry"
)

// Config holds the per-destination pipeline settings. All thresholds are
// validated at construction; a misconfigured pipeline never starts.
type Config struct {
	Destination string

	// Rate limiter
	RatePerSecond float64
	Burst         int
	// RejectOnRateLimit hard-rejects rate-limited calls instead of
	// degrading them. The default (false) degrades gracefully, matching
	// the layer's availability-over-errors philosophy.
	RejectOnRateLimit bool

	// Bulkhead
	MaxConcurrent  int
	AcquireTimeout time.Duration

	// Circuit breaker
	FailureThreshold int
	ResetTimeout     time.Duration

	Retry retry.Policy

	// FallbackBody is the static degraded payload. Empty uses the
	// package default.
	FallbackBody []byte
}

// Client is the resilient call pipeline for one destination. The shared
// resilience state (bucket, permit pool, breaker) is owned by the Client
// and mutated only through Invoke and the administrative operations.
type Client struct {
	destination string
	limiter     *ratelimit.Bucket
	bulkhead    *bulkhead.Bulkhead
	breaker     *breaker.Breaker
	policy      retry.Policy
	fallback    *Fallback
	rejectOnRL  bool
	transport   Transport
	logger      *slog.Logger
}

// New builds a pipeline from cfg around the given transport. Each layer
// validates its own configuration; the first error aborts construction.
func New(cfg Config, transport Transport, logger *slog.Logger) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("pipeline %q: transport is required", cfg.Destination)
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter, err := ratelimit.New(cfg.Destination, cfg.RatePerSecond, cfg.Burst)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", cfg.Destination, err)
	}
	bh, err := bulkhead.New(cfg.Destination, cfg.MaxConcurrent, cfg.AcquireTimeout)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", cfg.Destination, err)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", cfg.Destination, err)
	}
	// The probe lease outlives the worst-case attempt cycle by a small
	// margin, so an abandoned probe frees itself but a slow legitimate
	// probe does not lose its slot mid-flight.
	probeTTL := cfg.Retry.Budget() + time.Second
	br, err := breaker.New(cfg.Destination, cfg.FailureThreshold, cfg.ResetTimeout, probeTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", cfg.Destination, err)
	}

	return &Client{
		destination: cfg.Destination,
		limiter:     limiter,
		bulkhead:    bh,
		breaker:     br,
		policy:      cfg.Retry,
		fallback:    NewFallback(cfg.FallbackBody),
		rejectOnRL:  cfg.RejectOnRateLimit,
		transport:   transport,
		logger:      logger,
	}, nil
}

// Invoke runs one guarded call: rate limiter admission, bulkhead permit,
// breaker gate, then the timeout-bounded retry loop around the transport.
// Every failure mode is recovered locally into a degraded or rejected
// outcome; Invoke never returns an error.
func (c *Client) Invoke(ctx context.Context, req Request) Outcome {
	if !c.limiter.TryAdmit() {
		metrics.RateLimitRejections.WithLabelValues(c.destination).Inc()
		c.logger.Warn("call rejected by rate limiter", "destination", c.destination, "path", req.Path)
		if c.rejectOnRL {
			return c.reject(faults.ReasonRateLimited)
		}
		return c.degrade(faults.ReasonRateLimited, 0)
	}

	if err := c.bulkhead.Acquire(ctx); err != nil {
		if errors.Is(err, bulkhead.ErrTimeout) {
			c.logger.Warn("bulkhead acquisition timed out", "destination", c.destination, "path", req.Path)
			return c.degrade(faults.ReasonBulkheadTimeout, 0)
		}
		// Caller abandoned the wait; nothing was attempted.
		return c.reject(faults.ReasonCancelled)
	}
	defer c.bulkhead.Release()

	if !c.breaker.Allow() {
		c.logger.Warn("call short-circuited", "destination", c.destination, "path", req.Path)
		return c.degrade(faults.ReasonCircuitOpen, 0)
	}

	var resp *Response
	attempts, err := retry.Do(ctx, c.policy, c.destination, c.logger, func(ctx context.Context) error {
		r, err := c.transport.Send(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	if err == nil {
		c.breaker.RecordSuccess()
		out := Outcome{
			Status:     OutcomeSuccess,
			Payload:    resp.Body,
			HTTPStatus: resp.Status,
			Attempts:   attempts,
		}
		metrics.OutcomesTotal.WithLabelValues(c.destination, string(out.Status), "").Inc()
		return out
	}

	// A cancelled invocation reports nothing to the breaker: the upstream
	// was never proven unhealthy, and a half-open probe slot is reclaimed
	// by its lease rather than by a guess here.
	if faults.ReasonOf(err) == faults.ReasonCancelled {
		return c.reject(faults.ReasonCancelled)
	}

	c.breaker.RecordFailure()
	c.logger.Error("call failed after all attempts",
		"destination", c.destination,
		"path", req.Path,
		"attempts", attempts,
		"error", err,
	)
	return c.degrade(faults.ReasonOf(err), attempts)
}

// Snapshot returns the breaker's read-only state for inspection.
func (c *Client) Snapshot() breaker.Snapshot {
	return c.breaker.Snapshot()
}

// ForceOpen administratively opens the breaker. Idempotent (re-stamps the
// cooldown when already open).
func (c *Client) ForceOpen() {
	c.breaker.ForceOpen()
}

// ResetCircuit administratively closes the breaker and clears its failure
// count. Idempotent.
func (c *Client) ResetCircuit() {
	c.breaker.Reset()
}

// InFlight returns the number of bulkhead permits currently held.
func (c *Client) InFlight() int {
	return c.bulkhead.InFlight()
}

// Destination returns the name this pipeline guards.
func (c *Client) Destination() string {
	return c.destination
}

// UpdateConfig applies hot-reloadable settings: rate limit and breaker
// thresholds. Bulkhead capacity and the retry policy are fixed for the
// pipeline's lifetime (permits may be held across a reload).
func (c *Client) UpdateConfig(ratePerSecond float64, burst, failureThreshold int, resetTimeout time.Duration) {
	c.limiter.Update(ratePerSecond, burst)
	c.breaker.Update(failureThreshold, resetTimeout, 0)
}

func (c *Client) degrade(reason faults.Reason, attempts int) Outcome {
	out := c.fallback.Degrade(reason, attempts)
	metrics.OutcomesTotal.WithLabelValues(c.destination, string(out.Status), string(reason)).Inc()
	metrics.FallbackTotal.WithLabelValues(c.destination, string(reason)).Inc()
	return out
}

func (c *Client) reject(reason faults.Reason) Outcome {
	out := Outcome{Status: OutcomeRejected, Reason: reason}
	metrics.OutcomesTotal.WithLabelValues(c.destination, string(out.Status), string(reason)).Inc()
	return out
}
