package pipeline

import "github.com/dskow/resilience-core/internal/faults"

// defaultFallbackBody is served when a destination configures no fallback
// payload of its own.
var defaultFallbackBody = []byte(`{"ok":false,"reason":"service unavailable"}`)

// Fallback supplies the degraded response for a failed or rejected call.
// It is a pure function of the reason: the payload is fixed at
// construction and no call against the guarded dependency is ever made.
type Fallback struct {
	body []byte
}

// NewFallback creates a fallback serving the given static payload.
// An empty body falls back to the package default marker.
func NewFallback(body []byte) *Fallback {
	if len(body) == 0 {
		body = defaultFallbackBody
	}
	return &Fallback{body: body}
}

// Degrade builds the degraded outcome for the given reason.
func (f *Fallback) Degrade(reason faults.Reason, attempts int) Outcome {
	return Outcome{
		Status:   OutcomeDegraded,
		Reason:   reason,
		Payload:  f.body,
		Attempts: attempts,
	}
}
