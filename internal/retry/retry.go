// Package retry runs an operation under a bounded attempt loop with
// per-attempt timeouts and exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/dskow/resilience-core/internal/faults"
	"github.com/dskow/resilience-core/internal/metrics"
)

// Policy is the immutable attempt configuration consumed by Do.
type Policy struct {
	MaxAttempts       int
	PerAttemptTimeout time.Duration
	BaseBackoff       time.Duration
	Multiplier        float64
	MaxBackoff        time.Duration

	// Jitter adds up to Jitter*backoff of random extra sleep per retry to
	// spread thundering-herd retries across clients. Zero (the default)
	// keeps backoff fully deterministic.
	Jitter float64
}

// Validate reports configuration errors. These are fatal at pipeline
// construction, never at call time.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.PerAttemptTimeout <= 0 {
		return fmt.Errorf("retry: per-attempt timeout must be positive, got %s", p.PerAttemptTimeout)
	}
	if p.BaseBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("retry: backoff durations must be non-negative")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry: backoff multiplier must be >= 1, got %g", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("retry: jitter must be in [0, 1], got %g", p.Jitter)
	}
	return nil
}

// Backoff returns the sleep before the given retry. attempt is 1-based and
// names the attempt that just failed: min(base * multiplier^(attempt-1), max),
// plus bounded jitter when configured.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.backoffBase(attempt)
	if p.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// backoffBase is the deterministic part of the backoff schedule.
func (p Policy) backoffBase(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseBackoff) * pow(p.Multiplier, attempt-1))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Budget returns the worst-case wall time of one full attempt cycle:
// every attempt hitting its timeout plus every backoff sleep at maximum
// jitter. The breaker uses this to bound its half-open probe lease.
func (p Policy) Budget() time.Duration {
	total := time.Duration(p.MaxAttempts) * p.PerAttemptTimeout
	for i := 1; i < p.MaxAttempts; i++ {
		b := p.backoffBase(i)
		total += b + time.Duration(p.Jitter*float64(b))
	}
	return total
}

// Op is one attempt against the transport, bounded by the attempt context.
type Op func(ctx context.Context) error

// Do runs op up to p.MaxAttempts times. Each attempt is bounded by
// p.PerAttemptTimeout; exceeding it counts as a recoverable failure.
// Recoverable failures back off exponentially between attempts (the sleep
// is cancellable through ctx). Non-recoverable failures return immediately.
// Returns the attempt count alongside the terminal error, which is a
// retries-exhausted fault when every attempt failed recoverably.
func Do(ctx context.Context, p Policy, destination string, logger *slog.Logger, op Op) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.RetryTotal.WithLabelValues(destination).Inc()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.PerAttemptTimeout)
		start := time.Now()
		err := op(attemptCtx)
		latency := time.Since(start)
		cancel()

		metrics.AttemptDuration.WithLabelValues(destination).Observe(latency.Seconds())

		if err == nil {
			return attempt, nil
		}

		// The caller gave up; stop retrying on its behalf.
		if ctx.Err() != nil {
			return attempt, faults.Cancelled(ctx.Err())
		}

		// A deadline error without caller cancellation means the attempt
		// blew its own budget.
		if errors.Is(err, context.DeadlineExceeded) {
			err = faults.AttemptTimeout(p.PerAttemptTimeout)
		}

		if !faults.Recoverable(err) {
			return attempt, err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}

		backoff := p.Backoff(attempt)
		logger.Warn("attempt failed, backing off",
			"destination", destination,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"backoff", backoff.String(),
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, faults.Cancelled(ctx.Err())
		}
	}

	return p.MaxAttempts, faults.Exhausted(p.MaxAttempts, lastErr)
}

// pow avoids pulling in math for a small integer exponent.
func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
