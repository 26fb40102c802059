// Package clock provides an injectable time source.
// Production code uses System(); tests advance a Fake explicitly.
package clock

import (
	"context"
	"time"
)

// Clock abstracts all time reads and cancellable waits.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep waits for d or until ctx is cancelled, whichever comes first.
	// Returns ctx.Err() when interrupted, nil when the full duration elapsed.
	Sleep(ctx context.Context, d time.Duration) error
}

// System returns the wall-clock implementation.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
