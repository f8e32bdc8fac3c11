package qldbdriver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultBackoffPolicyBounds(t *testing.T) {
	p := &DefaultBackoffPolicy{Base: 10 * time.Millisecond, Cap: 5 * time.Second, rand: func() float64 { return 1 }}
	for attempt := 1; attempt <= 40; attempt++ {
		d := p.Delay(RetryContext{Attempt: attempt})
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, p.Cap)
	}
}

func TestDefaultBackoffPolicyCapsExponent(t *testing.T) {
	p := &DefaultBackoffPolicy{Base: 10 * time.Millisecond, Cap: 5 * time.Second, rand: func() float64 { return 1 }}
	at30 := p.Delay(RetryContext{Attempt: 30})
	at1000 := p.Delay(RetryContext{Attempt: 1000})
	require.Equal(t, at30, at1000)
}

func TestDefaultBackoffPolicyZeroJitterIsHalfExponent(t *testing.T) {
	p := &DefaultBackoffPolicy{Base: 10 * time.Millisecond, Cap: 5 * time.Second, rand: func() float64 { return 0 }}
	d := p.Delay(RetryContext{Attempt: 1})
	require.Equal(t, 10*time.Millisecond, d)
}

func TestNormalizeDelayClampsNegative(t *testing.T) {
	require.Equal(t, time.Duration(0), normalizeDelay(-time.Second))
	require.Equal(t, time.Second, normalizeDelay(time.Second))
}

func TestCenkaltiBackoffPolicyNeverExceedsMax(t *testing.T) {
	p := NewCenkaltiBackoffPolicy(5*time.Millisecond, 200*time.Millisecond)
	for i := 0; i < 20; i++ {
		d := p.Delay(RetryContext{Attempt: i + 1})
		require.LessOrEqual(t, d, 200*time.Millisecond)
	}
}
