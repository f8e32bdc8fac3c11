package qldbdriver

import (
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryContext is passed to a BackoffPolicy to compute the delay before the
// next attempt. Attempt is 1 on the first retry (never 0); TxnID is the id
// of the transaction attempt that just failed, when one had been assigned.
type RetryContext struct {
	Attempt   int
	LastError error
	TxnID     string
}

// BackoffPolicy computes how long to sleep before retrying, given the
// attempt count and the error that triggered the retry. A nil or negative
// return is normalized to zero by callers (see normalizeDelay).
type BackoffPolicy interface {
	Delay(ctx RetryContext) time.Duration
}

const (
	defaultBackoffBase = 10 * time.Millisecond
	defaultBackoffCap  = 5 * time.Second
	maxBackoffExponent = 30
)

// DefaultBackoffPolicy implements equal-jitter exponential backoff:
// exp = min(base * 2^n, cap); delay = exp/2 + rand[0, exp/2]
// with n = min(attempt, 30). Base and Cap default to 10ms/5s when zero.
type DefaultBackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration

	// rand is overridable by tests for deterministic jitter; production
	// code leaves it nil and gets math/rand's global source.
	rand func() float64
}

// NewDefaultBackoffPolicy returns the documented equal-jitter policy with
// base 10ms and cap 5s.
func NewDefaultBackoffPolicy() *DefaultBackoffPolicy {
	return &DefaultBackoffPolicy{Base: defaultBackoffBase, Cap: defaultBackoffCap}
}

func (p *DefaultBackoffPolicy) Delay(rc RetryContext) time.Duration {
	base := p.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	cap_ := p.Cap
	if cap_ <= 0 {
		cap_ = defaultBackoffCap
	}

	n := rc.Attempt
	if n < 0 {
		n = 0
	}
	if n > maxBackoffExponent {
		n = maxBackoffExponent
	}

	// base * 2^n, computed in float64 and clamped to cap so large n never
	// overflows a time.Duration (int64 nanoseconds).
	scaled := float64(base) * math.Pow(2, float64(n))
	exp := cap_
	if scaled < float64(cap_) {
		exp = time.Duration(scaled)
	}

	half := exp / 2
	jitter := p.randFloat() * float64(half)
	return half + time.Duration(jitter)
}

func (p *DefaultBackoffPolicy) randFloat() float64 {
	if p.rand != nil {
		return p.rand()
	}
	return rand.Float64()
}

// normalizeDelay clamps a BackoffPolicy's return value to a sane range: a
// negative duration is treated as zero, per spec §4.3/§8 property 15.
func normalizeDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// CenkaltiBackoffPolicy adapts github.com/cenkalti/backoff/v4's
// ExponentialBackOff for callers who want its randomized exponential
// intervals instead of the documented equal-jitter formula. Delay never
// returns more than the configured max interval. It satisfies
// BackoffPolicy so it drops straight into
// RetryPolicy.Backoff. Each call to Delay advances the wrapped
// ExponentialBackOff's internal state by one step; construct a fresh
// CenkaltiBackoffPolicy per Driver (not per call) so attempts accumulate
// correctly, matching backoff.Retry's own usage pattern.
type CenkaltiBackoffPolicy struct {
	inner *backoff.ExponentialBackOff
}

// NewCenkaltiBackoffPolicy builds a CenkaltiBackoffPolicy with the given
// initial interval and max interval; elapsed-time bounding is disabled
// since the driver's own RetryPolicy.MaxRetries governs when to stop.
func NewCenkaltiBackoffPolicy(initialInterval, maxInterval time.Duration) *CenkaltiBackoffPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return &CenkaltiBackoffPolicy{inner: b}
}

func (c *CenkaltiBackoffPolicy) Delay(RetryContext) time.Duration {
	d := c.inner.NextBackOff()
	if d == backoff.Stop || d > c.inner.MaxInterval {
		return c.inner.MaxInterval
	}
	return d
}
