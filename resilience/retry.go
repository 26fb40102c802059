// Package resilience provides the retry policies and the fingerprinted
// circuit breaker used by the processing pipeline.
package resilience

import (
	"math/rand"
	"time"

	"go.relaykit.dev/messaging"
)

// RetryPolicy decides retry eligibility and backoff. The attempt argument is
// the number of completed invocations, starting at 1.
type RetryPolicy interface {
	// ShouldRetry reports whether another invocation is allowed after err.
	ShouldRetry(err error, attempt int) bool

	// NextDelay returns the delay to wait before the attempt+1 invocation.
	NextDelay(attempt int) time.Duration
}

// retryableKind reports whether an error kind is eligible for retry at all.
// Validation failures, open circuits and cancellation are never retried.
func retryableKind(err error) bool {
	switch messaging.KindOf(err) {
	case messaging.ErrKindValidation,
		messaging.ErrKindCircuitOpen,
		messaging.ErrKindCancelled,
		messaging.ErrKindConfiguration:
		return false
	}
	return true
}

// NoRetry never retries.
type NoRetry struct{}

func (NoRetry) ShouldRetry(error, int) bool { return false }
func (NoRetry) NextDelay(int) time.Duration { return 0 }

// FixedDelay retries up to MaxRetries invocations with a constant delay.
type FixedDelay struct {
	Delay      time.Duration
	MaxRetries int
}

func (p FixedDelay) ShouldRetry(err error, attempt int) bool {
	return retryableKind(err) && attempt < p.MaxRetries
}

func (p FixedDelay) NextDelay(int) time.Duration {
	return p.Delay
}

// LinearBackoff waits attempt*Base before the next invocation.
type LinearBackoff struct {
	Base       time.Duration
	MaxRetries int
}

func (p LinearBackoff) ShouldRetry(err error, attempt int) bool {
	return retryableKind(err) && attempt < p.MaxRetries
}

func (p LinearBackoff) NextDelay(attempt int) time.Duration {
	return time.Duration(attempt) * p.Base
}

// ExponentialBackoff waits Base*Multiplier^(attempt-1), capped at Cap, with
// up to Jitter fraction of random spread added.
type ExponentialBackoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     float64
	MaxRetries int
}

func (p ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	return retryableKind(err) && attempt < p.MaxRetries
}

func (p ExponentialBackoff) NextDelay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.Cap > 0 && d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	if p.Cap > 0 && d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * rand.Float64()
	}
	return time.Duration(d)
}
