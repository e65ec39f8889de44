// Package retry wraps fallible operations with classified, jittered exponential backoff.
package retry

import (
	"math"
	"time"
)

// Default policy values.
const (
	DefaultMaxAttempts   = 5
	DefaultInitialDelay  = time.Second
	DefaultMaxDelay      = 30 * time.Second
	DefaultBackoffFactor = 2.0
	DefaultJitterRatio   = 0.1
)

// Policy controls how many times and how far apart an operation is retried.
// MaxAttempts counts retries after the initial attempt.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterRatio   float64
	Retryable     func(error) bool
}

// DefaultPolicy returns 1 initial attempt plus 5 retries, 1s..30s, doubling, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   DefaultMaxAttempts,
		InitialDelay:  DefaultInitialDelay,
		MaxDelay:      DefaultMaxDelay,
		BackoffFactor: DefaultBackoffFactor,
		JitterRatio:   DefaultJitterRatio,
		Retryable:     IsTransient,
	}
}

// TotalAttempts returns the initial attempt plus the retry budget.
func (p Policy) TotalAttempts() int {
	if p.MaxAttempts < 0 {
		return 1
	}
	return p.MaxAttempts + 1
}

// Base returns the un-jittered delay before retry n (n >= 1).
func (p Policy) Base(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	base := float64(p.InitialDelay) * math.Pow(factor, float64(n-1))
	if math.IsInf(base, 0) || base > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(base)
}

// Delay computes the wait before retry n. u is a uniform sample in [0, 1) that
// selects the jitter offset within [-ratio*base/2, +ratio*base/2]. The result is
// clamped to [0, MaxDelay].
func (p Policy) Delay(n int, u float64) time.Duration {
	base := float64(p.Base(n))
	span := p.JitterRatio * base
	offset := (u - 0.5) * span
	delay := base + offset
	if delay < 0 {
		delay = 0
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return IsTransient(err)
	}
	return p.Retryable(err)
}
