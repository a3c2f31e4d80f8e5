// Package backoff implements the jittered exponential retry policy shared by
// page loads and downloads.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

// DefaultMax caps any single retry delay.
const DefaultMax = 60 * time.Second

// Policy implements a bounded retry budget with jittered backoff.
type Policy struct {
	Retries int
	Base    time.Duration
	Max     time.Duration
	// Jitter returns a value in [0,1); nil uses math/rand/v2.
	Jitter func() float64
}

// New builds a policy allowing retries attempts beyond the first.
func New(retries int, base, maxDelay time.Duration) Policy {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMax
	}
	return Policy{Retries: retries, Base: base, Max: maxDelay}
}

// ShouldRetry reports whether an attempt that failed with err may be
// followed by another. attempt is 1 for the initial try.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt > p.Retries {
		return false
	}
	return acquire.Retryable(err)
}

// Delay returns the wait before retry k (k starts at 0):
// min(Max, U[0.5,1.5) * Base * 2^k).
func (p Policy) Delay(k int) time.Duration {
	if k < 0 {
		k = 0
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = DefaultMax
	}
	exp := float64(p.Base) * math.Pow(2, float64(k))
	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	d := exp * (0.5 + jitter())
	if d >= float64(maxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return maxDelay
	}
	return time.Duration(d)
}

// Sleep waits for Delay(k) or until ctx is done.
func (p Policy) Sleep(ctx context.Context, k int) error {
	timer := time.NewTimer(p.Delay(k))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
