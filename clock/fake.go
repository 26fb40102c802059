package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually advanced clock for tests. Sleepers wake when Advance
// moves the current time past their deadline.
type Fake struct {
	mu          sync.Mutex
	now         time.Time
	waiters     []*fakeWaiter
	autoAdvance bool
	sleeps      []time.Duration
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan struct{}
}

// NewFake returns a Fake starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward and wakes any sleeper whose deadline passed.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	var remaining []*fakeWaiter
	var fired []*fakeWaiter
	for _, w := range f.waiters {
		if !w.deadline.After(f.now) {
			fired = append(fired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, w := range fired {
		close(w.ch)
	}
}

// Set jumps the clock to an absolute instant.
func (f *Fake) Set(t time.Time) {
	f.Advance(t.Sub(f.Now()))
}

// AutoAdvance makes Sleep advance the clock itself instead of blocking.
// Slept durations are recorded for inspection via Sleeps.
func (f *Fake) AutoAdvance() {
	f.mu.Lock()
	f.autoAdvance = true
	f.mu.Unlock()
}

// Sleeps returns the durations passed to Sleep since construction.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}

// Sleep blocks until the clock advances past now+d or ctx is cancelled.
// With AutoAdvance set it records d, moves the clock and returns at once.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	if f.autoAdvance {
		f.now = f.now.Add(d)
		f.mu.Unlock()
		return ctx.Err()
	}
	w := &fakeWaiter{
		deadline: f.now.Add(d),
		ch:       make(chan struct{}),
	}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		f.removeWaiter(w)
		return ctx.Err()
	}
}

func (f *Fake) removeWaiter(w *fakeWaiter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cur := range f.waiters {
		if cur == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}
