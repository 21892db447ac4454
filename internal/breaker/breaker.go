// Package breaker implements a three-state circuit breaker that trips on
// consecutive failures and recovers through a single half-open probe call.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/resilience-core/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; a single trial call tests recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Snapshot is a read-only view of the breaker's state, suitable for the
// inspection endpoint. OpenedAt is the zero time while the breaker is closed.
type Snapshot struct {
	State     State
	Failures  int
	OpenedAt  time.Time
	ProbeBusy bool
}

// Breaker tracks consecutive failures against one destination and
// short-circuits calls once the failure threshold is reached. All state
// transitions happen under a single mutex.
type Breaker struct {
	mu sync.Mutex

	destination string
	logger      *slog.Logger

	failureThreshold int
	resetTimeout     time.Duration

	// probeTTL bounds how long the half-open probe slot stays reserved for
	// a single caller. A caller that abandons its probe (cancellation,
	// crash) would otherwise wedge the breaker in half-open forever.
	probeTTL time.Duration

	state        State
	failures     int
	openedAt     time.Time
	probeHeld    bool
	probeStarted time.Time
}

// New creates a breaker for the given destination. failureThreshold and
// resetTimeout must be positive; probeTTL defaults to resetTimeout when
// zero. Configuration errors are fatal at construction, never at call time.
func New(destination string, failureThreshold int, resetTimeout, probeTTL time.Duration, logger *slog.Logger) (*Breaker, error) {
	if failureThreshold < 1 {
		return nil, fmt.Errorf("breaker: failure threshold must be positive, got %d", failureThreshold)
	}
	if resetTimeout <= 0 {
		return nil, fmt.Errorf("breaker: reset timeout must be positive, got %s", resetTimeout)
	}
	if probeTTL <= 0 {
		probeTTL = resetTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		destination:      destination,
		logger:           logger,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		probeTTL:         probeTTL,
		state:            StateClosed,
	}, nil
}

// Allow reports whether a call may proceed. When the cooldown has elapsed
// on an open breaker, the caller is granted the single half-open probe
// slot; concurrent callers are rejected until the probe reports an outcome
// or its lease expires.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) < b.resetTimeout {
			return false
		}
		b.transitionTo(StateHalfOpen)
		b.grantProbe()
		return true
	case StateHalfOpen:
		if b.probeHeld && time.Since(b.probeStarted) < b.probeTTL {
			return false
		}
		// Probe lease expired without an outcome report. Reclaim the
		// slot so the breaker cannot get stuck half-open.
		if b.probeHeld {
			b.logger.Warn("breaker probe abandoned, reclaiming slot",
				"destination", b.destination,
				"held_for", time.Since(b.probeStarted).String(),
			)
		}
		b.grantProbe()
		return true
	default:
		return true
	}
}

// RecordSuccess reports a successful call. In half-open state a successful
// probe closes the circuit; in closed state it resets the failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probeHeld = false
		b.transitionTo(StateClosed)
	}
	// A late success report while open changes nothing: the cooldown
	// already started and a stale outcome must not shortcut it.
}

// RecordFailure reports a failed call. In closed state it advances the
// consecutive-failure count and trips the breaker at the threshold; in
// half-open state a failed probe reopens the circuit and restarts the
// cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.probeHeld = false
		b.transitionTo(StateOpen)
	}
}

// ForceOpen is an administrative override that opens the circuit
// immediately. Calling it while already open re-stamps the opened-at time,
// restarting the cooldown; the call is otherwise idempotent.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		b.openedAt = time.Now()
		b.logger.Info("breaker force-open restarted cooldown", "destination", b.destination)
		return
	}
	b.probeHeld = false
	b.transitionTo(StateOpen)
	b.logger.Info("breaker forced open", "destination", b.destination)
}

// Reset is an administrative override that closes the circuit and clears
// the failure count. Idempotent: a closed breaker stays closed with zero
// failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeHeld = false
	if b.state == StateClosed {
		b.failures = 0
		return
	}
	b.transitionTo(StateClosed)
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a consistent read-only view for inspection.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:     b.state,
		Failures:  b.failures,
		OpenedAt:  b.openedAt,
		ProbeBusy: b.probeHeld,
	}
}

// Update changes the threshold and timeouts at runtime (config hot-reload).
// Invalid values are ignored so a bad reload cannot break a live breaker.
func (b *Breaker) Update(failureThreshold int, resetTimeout, probeTTL time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if failureThreshold >= 1 {
		b.failureThreshold = failureThreshold
	}
	if resetTimeout > 0 {
		b.resetTimeout = resetTimeout
	}
	if probeTTL > 0 {
		b.probeTTL = probeTTL
	}
}

// grantProbe reserves the single half-open probe slot for the current
// caller. Must be called with b.mu held, in the half-open state.
func (b *Breaker) grantProbe() {
	b.probeHeld = true
	b.probeStarted = time.Now()
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerTransitions.WithLabelValues(b.destination, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.destination).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"destination", b.destination,
		"from", from.String(),
		"to", newState.String(),
		"failures", b.failures,
	)

	switch newState {
	case StateClosed:
		b.failures = 0
		b.openedAt = time.Time{}
	case StateOpen:
		b.openedAt = time.Now()
	case StateHalfOpen:
		// openedAt is kept from the open period; the probe slot is
		// managed by Allow.
	}
}
