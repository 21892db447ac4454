// Package faults defines the failure taxonomy shared by the resilience
// layers. Every way a guarded call can fail or be rejected maps to a stable
// reason code, and typed errors carry enough classification for the retry
// loop to decide whether another attempt is worthwhile.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Reason is a machine-readable failure classification string. Degraded
// responses and log lines carry these codes and clients can program against
// them, so existing codes must not be renamed or removed.
type Reason string

const (
	ReasonRateLimited      Reason = "rate-limited"
	ReasonBulkheadTimeout  Reason = "bulkhead-timeout"
	ReasonCircuitOpen      Reason = "circuit-open"
	ReasonAttemptTimeout   Reason = "attempt-timeout"
	ReasonTransportFailure Reason = "transport-failure"
	ReasonUpstreamError    Reason = "upstream-error"
	ReasonRetriesExhausted Reason = "retries-exhausted"
	ReasonCancelled        Reason = "cancelled"
)

// Fault is a classified failure from one of the resilience layers.
type Fault struct {
	Code Reason

	// Retryable reports whether another attempt against the transport
	// could reasonably succeed. Admission rejections (rate limit, circuit
	// open) are never retryable within one invocation.
	Retryable bool

	// Status is the upstream HTTP status code, when the fault originated
	// from an upstream response. Zero otherwise.
	Status int

	// Attempts is the number of attempts made, set on retries-exhausted.
	Attempts int

	cause error
}

func (f *Fault) Error() string {
	switch {
	case f.Code == ReasonUpstreamError:
		return fmt.Sprintf("%s: upstream returned %d", f.Code, f.Status)
	case f.Code == ReasonRetriesExhausted:
		return fmt.Sprintf("%s: %d attempts, last: %v", f.Code, f.Attempts, f.cause)
	case f.cause != nil:
		return fmt.Sprintf("%s: %v", f.Code, f.cause)
	default:
		return string(f.Code)
	}
}

func (f *Fault) Unwrap() error { return f.cause }

// RateLimited reports a token bucket admission rejection.
func RateLimited() *Fault {
	return &Fault{Code: ReasonRateLimited}
}

// BulkheadTimeout reports a bounded bulkhead acquisition that expired
// before a permit became available.
func BulkheadTimeout(wait time.Duration) *Fault {
	return &Fault{Code: ReasonBulkheadTimeout, cause: fmt.Errorf("no permit within %s", wait)}
}

// CircuitOpen reports a call short-circuited by the breaker.
func CircuitOpen() *Fault {
	return &Fault{Code: ReasonCircuitOpen}
}

// AttemptTimeout reports a single attempt exceeding its per-attempt budget.
// Timeouts are recoverable: the next attempt may hit a healthier upstream.
func AttemptTimeout(budget time.Duration) *Fault {
	return &Fault{Code: ReasonAttemptTimeout, Retryable: true, cause: fmt.Errorf("attempt exceeded %s", budget)}
}

// Transport reports a connection-level failure (dial, TLS, reset). These
// are recoverable.
func Transport(err error) *Fault {
	return &Fault{Code: ReasonTransportFailure, Retryable: true, cause: err}
}

// Upstream reports a server-error response. Whether it is retryable is
// decided by the transport's configured retryable status classes.
func Upstream(status int, retryable bool) *Fault {
	return &Fault{Code: ReasonUpstreamError, Retryable: retryable, Status: status}
}

// Exhausted reports that the retry loop used up all attempts. last is the
// final attempt's fault.
func Exhausted(attempts int, last error) *Fault {
	return &Fault{Code: ReasonRetriesExhausted, Attempts: attempts, cause: last}
}

// Cancelled reports that the caller abandoned the invocation (context
// cancellation) before an outcome was produced.
func Cancelled(err error) *Fault {
	return &Fault{Code: ReasonCancelled, cause: err}
}

// ReasonOf extracts the reason code from err, unwrapping as needed.
// Unclassified errors map to transport-failure, the conservative default.
func ReasonOf(err error) Reason {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ReasonTransportFailure
}

// Recoverable reports whether err is worth another attempt.
func Recoverable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable
	}
	return false
}
