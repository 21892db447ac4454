// Package ratelimit provides a non-blocking token bucket admission gate
// for outbound calls, built on golang.org/x/time/rate.
package ratelimit

import (
	"fmt"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket admitting calls at a bounded average rate with
// limited burst. Refill and debit are a single atomic update inside
// rate.Limiter, so TryAdmit is safe under concurrent invocation without an
// additional lock.
type Bucket struct {
	destination string
	limiter     *rate.Limiter
}

// New creates a bucket for the given destination. perSecond is the refill
// rate in tokens per second; capacity is the burst size. A bucket with
// capacity < 1 could never admit, so both values must be positive.
// Configuration errors are fatal at construction, never at call time.
func New(destination string, perSecond float64, capacity int) (*Bucket, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("ratelimit: refill rate must be positive, got %g", perSecond)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("ratelimit: capacity must be at least 1, got %d", capacity)
	}
	return &Bucket{
		destination: destination,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), capacity),
	}, nil
}

// TryAdmit refills the bucket for the elapsed time, then debits one token
// if at least one is available. Returns false without blocking when the
// bucket is empty — the caller decides whether to degrade or reject.
func (b *Bucket) TryAdmit() bool {
	return b.limiter.Allow()
}

// Tokens returns the number of tokens available now. Inspection only; the
// value is stale the moment it is read.
func (b *Bucket) Tokens() float64 {
	return b.limiter.Tokens()
}

// Update changes the refill rate and burst at runtime (config hot-reload).
// Invalid values are ignored so a bad reload cannot disable admission.
func (b *Bucket) Update(perSecond float64, capacity int) {
	if perSecond > 0 {
		b.limiter.SetLimit(rate.Limit(perSecond))
	}
	if capacity >= 1 {
		b.limiter.SetBurst(capacity)
	}
}
