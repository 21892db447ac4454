package pipeline

import (
	"context"

	"github.com/dskow/resilience-core/internal/faults"
)

// Request describes one logical call against the guarded destination.
// Path is resolved against the destination's base URL by the transport.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// Response is a successful transport result.
type Response struct {
	Status int
	Body   []byte
}

// Transport is the abstract send-request capability the pipeline guards.
// Implementations classify failures with the faults package: connection
// errors as transport-failure, server errors as upstream-error.
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// OutcomeStatus tags how an invocation concluded.
type OutcomeStatus string

const (
	// OutcomeSuccess carries the upstream response payload.
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomeDegraded carries the fallback payload and the reason the
	// primary path was unavailable.
	OutcomeDegraded OutcomeStatus = "degraded"
	// OutcomeRejected carries no payload; used when a destination is
	// configured to hard-reject instead of degrade.
	OutcomeRejected OutcomeStatus = "rejected"
)

// Outcome is the result of one pipeline invocation. Constructed once,
// returned to the caller, never mutated afterwards.
type Outcome struct {
	Status OutcomeStatus

	// Reason is set on degraded and rejected outcomes.
	Reason faults.Reason

	// Payload is the upstream response body on success, or the configured
	// fallback body on degradation.
	Payload []byte

	// HTTPStatus is the upstream status code on success, zero otherwise.
	HTTPStatus int

	// Attempts is the number of transport attempts made (zero when the
	// call never reached the transport).
	Attempts int
}

// OK reports whether the invocation reached the upstream successfully.
func (o Outcome) OK() bool { return o.Status == OutcomeSuccess }
