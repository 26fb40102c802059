package transport

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"go.relaykit.dev/messaging"
	"go.relaykit.dev/telemetry"
)

// GuardConfig configures the circuit breaker around a publisher.
type GuardConfig struct {
	// Requests allowed through while half-open.
	Requests uint32
	// Interval over which counts are collected while closed.
	Interval time.Duration
	// Timeout in the open state before probing.
	Timeout time.Duration
	// Ratio of failures that trips the breaker.
	Ratio float64
	// MinRequests before the ratio is evaluated.
	MinRequests uint32
}

// DefaultGuardConfig returns sensible defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Requests:    10,
		Interval:    60 * time.Second,
		Timeout:     5 * time.Second,
		Ratio:       0.5,
		MinRequests: 10,
	}
}

// Guarded wraps a Publisher with a circuit breaker. An open breaker rejects
// publishes with a circuit-open error the outbox dispatcher treats as
// transient.
type Guarded struct {
	next    Publisher
	breaker *gobreaker.CircuitBreaker
}

// Guard wraps the publisher. The name labels breaker metrics and log lines.
func Guard(next Publisher, name string, cfg GuardConfig) *Guarded {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.Requests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.Ratio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info().
				Str("name", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Publisher circuit breaker state changed")

			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = float64(telemetry.BreakerClosed)
			case gobreaker.StateOpen:
				stateValue = float64(telemetry.BreakerOpen)
				telemetry.BreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				stateValue = float64(telemetry.BreakerHalfOpen)
			}
			telemetry.BreakerState.WithLabelValues(name).Set(stateValue)
		},
	})
	return &Guarded{next: next, breaker: breaker}
}

func (g *Guarded) Publish(ctx context.Context, destination string, msg *messaging.Envelope) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.next.Publish(ctx, destination, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return messaging.NewError(messaging.ErrKindCircuitOpen, messaging.CodeCircuitOpen,
			"publisher circuit breaker open", messaging.ErrCircuitOpen)
	}
	return err
}
