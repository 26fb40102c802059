package resilience

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
)

// State is the circuit breaker state of one fingerprint cell.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig configures the fingerprinted circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the failure count in the sampling window that
	// opens a cell.
	FailureThreshold int

	// FailureRateThreshold optionally opens a cell when failures/total in
	// the window reaches this ratio. Zero disables the rate variant.
	FailureRateThreshold float64

	// MinimumThroughput is the minimum calls in the window before a cell may
	// open.
	MinimumThroughput int

	// SamplingWindow is the trailing interval over which calls are counted.
	SamplingWindow time.Duration

	// BreakDuration is how long an open cell fails fast. The cell stays open
	// at exactly BreakDuration; it probes strictly after.
	BreakDuration time.Duration

	// HalfOpenProbes is the number of concurrent probe calls allowed while
	// half-open.
	HalfOpenProbes int

	// HalfOpenSuccesses is the consecutive success count that closes a
	// half-open cell.
	HalfOpenSuccesses int

	// MaxFingerprints bounds the cell map; least recently used cells are
	// evicted beyond it.
	MaxFingerprints int
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold:  5,
		MinimumThroughput: 5,
		SamplingWindow:    time.Minute,
		BreakDuration:     30 * time.Second,
		HalfOpenProbes:    1,
		HalfOpenSuccesses: 3,
		MaxFingerprints:   1024,
	}
}

type sample struct {
	at     time.Time
	failed bool
}

// cell holds the breaker state for one fingerprint. All transitions are
// linearized under mu.
type cell struct {
	mu sync.Mutex

	state       State
	samples     []sample
	openedAt    time.Time
	probes      int
	consecutive int

	elem *list.Element
}

// Breaker maintains per-fingerprint circuit breaker cells with a bounded LRU
// map, and a scope index so callers can fail fast before the next invocation
// of a handler whose previous failures opened a cell.
type Breaker struct {
	cfg   *BreakerConfig
	clock clock.Clock
	log   zerolog.Logger

	mu     sync.Mutex
	cells  map[Fingerprint]*cell
	lru    *list.List // front = most recently used; values are Fingerprint
	scopes map[string]map[Fingerprint]struct{}
}

// NewBreaker creates a breaker. A nil config uses defaults.
func NewBreaker(cfg *BreakerConfig, clk clock.Clock) *Breaker {
	if cfg == nil {
		cfg = DefaultBreakerConfig()
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 3
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Breaker{
		cfg:    cfg,
		clock:  clk,
		log:    log.With().Str("component", "circuit-breaker").Logger(),
		cells:  make(map[Fingerprint]*cell),
		lru:    list.New(),
		scopes: make(map[string]map[Fingerprint]struct{}),
	}
}

// Allow checks every cell associated with scope. It returns
// messaging.ErrCircuitOpen if any cell is open and not yet due for a probe.
// Cells whose break duration has strictly elapsed move to half-open and admit
// this call as a probe.
func (b *Breaker) Allow(scope string) error {
	now := b.clock.Now()

	for _, c := range b.cellsForScope(scope) {
		c.mu.Lock()
		switch c.state {
		case StateOpen:
			if now.Sub(c.openedAt) > b.cfg.BreakDuration {
				c.state = StateHalfOpen
				c.probes = 1
				c.consecutive = 0
				c.mu.Unlock()
				b.log.Info().Str("scope", scope).Msg("Circuit breaker half-open, probing")
				continue
			}
			c.mu.Unlock()
			return messaging.NewError(messaging.ErrKindCircuitOpen, messaging.CodeCircuitOpen,
				"circuit breaker open for "+scope, messaging.ErrCircuitOpen)
		case StateHalfOpen:
			if c.probes >= b.cfg.HalfOpenProbes {
				c.mu.Unlock()
				return messaging.NewError(messaging.ErrKindCircuitOpen, messaging.CodeCircuitOpen,
					"circuit breaker half-open, probe limit reached for "+scope, messaging.ErrCircuitOpen)
			}
			c.probes++
			c.mu.Unlock()
		default:
			c.mu.Unlock()
		}
	}
	return nil
}

// RecordSuccess records a successful call for every cell associated with
// scope. Half-open cells close after the configured consecutive successes.
func (b *Breaker) RecordSuccess(scope string) {
	now := b.clock.Now()

	for _, c := range b.cellsForScope(scope) {
		c.mu.Lock()
		switch c.state {
		case StateHalfOpen:
			if c.probes > 0 {
				c.probes--
			}
			c.consecutive++
			if c.consecutive >= b.cfg.HalfOpenSuccesses {
				c.state = StateClosed
				c.samples = c.samples[:0]
				c.consecutive = 0
				b.log.Info().Str("scope", scope).Msg("Circuit breaker closed")
			}
		case StateClosed:
			c.admit(now, false, b.cfg.SamplingWindow)
		}
		c.mu.Unlock()
	}
}

// RecordFailure records a failed call under the fingerprint of err. Closed
// cells open once the failure threshold (or rate) is reached with minimum
// throughput; a half-open cell re-opens on its first failure.
func (b *Breaker) RecordFailure(scope string, err error) {
	if err == nil {
		return
	}
	now := b.clock.Now()
	fp := FingerprintOf(err)
	c := b.getOrCreate(scope, fp)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateHalfOpen:
		if c.probes > 0 {
			c.probes--
		}
		c.state = StateOpen
		c.openedAt = now
		c.consecutive = 0
		b.log.Warn().Str("scope", scope).Str("fingerprint", string(fp)).
			Msg("Circuit breaker re-opened from half-open")
	case StateClosed:
		c.admit(now, true, b.cfg.SamplingWindow)
		failures, total := c.counts()
		if total < b.cfg.MinimumThroughput {
			return
		}
		tripped := failures >= b.cfg.FailureThreshold
		if !tripped && b.cfg.FailureRateThreshold > 0 {
			tripped = float64(failures)/float64(total) >= b.cfg.FailureRateThreshold
		}
		if tripped {
			c.state = StateOpen
			c.openedAt = now
			b.log.Warn().Str("scope", scope).Str("fingerprint", string(fp)).
				Int("failures", failures).Int("total", total).
				Msg("Circuit breaker opened")
		}
	}
}

// StateOf returns the state of a fingerprint cell. Unknown fingerprints are
// closed.
func (b *Breaker) StateOf(fp Fingerprint) State {
	b.mu.Lock()
	c, ok := b.cells[fp]
	b.mu.Unlock()
	if !ok {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OpenCells returns the fingerprints of currently open cells, for ops
// inspection.
func (b *Breaker) OpenCells() []Fingerprint {
	b.mu.Lock()
	fps := make([]Fingerprint, 0, len(b.cells))
	cells := make([]*cell, 0, len(b.cells))
	for fp, c := range b.cells {
		fps = append(fps, fp)
		cells = append(cells, c)
	}
	b.mu.Unlock()

	var open []Fingerprint
	for i, c := range cells {
		c.mu.Lock()
		if c.state == StateOpen {
			open = append(open, fps[i])
		}
		c.mu.Unlock()
	}
	return open
}

// admit appends a sample and prunes everything outside the trailing window.
func (c *cell) admit(now time.Time, failed bool, window time.Duration) {
	c.samples = append(c.samples, sample{at: now, failed: failed})
	cutoff := now.Add(-window)
	i := 0
	for i < len(c.samples) && c.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.samples = append(c.samples[:0], c.samples[i:]...)
	}
}

func (c *cell) counts() (failures, total int) {
	for _, s := range c.samples {
		total++
		if s.failed {
			failures++
		}
	}
	return failures, total
}

func (b *Breaker) cellsForScope(scope string) []*cell {
	b.mu.Lock()
	defer b.mu.Unlock()
	fps := b.scopes[scope]
	out := make([]*cell, 0, len(fps))
	for fp := range fps {
		if c, ok := b.cells[fp]; ok {
			b.lru.MoveToFront(c.elem)
			out = append(out, c)
		}
	}
	return out
}

func (b *Breaker) getOrCreate(scope string, fp Fingerprint) *cell {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cells[fp]
	if !ok {
		c = &cell{}
		c.elem = b.lru.PushFront(fp)
		b.cells[fp] = c
		if b.cfg.MaxFingerprints > 0 && len(b.cells) > b.cfg.MaxFingerprints {
			b.evictOldest()
		}
	} else {
		b.lru.MoveToFront(c.elem)
	}

	set, ok := b.scopes[scope]
	if !ok {
		set = make(map[Fingerprint]struct{})
		b.scopes[scope] = set
	}
	set[fp] = struct{}{}
	return c
}

// evictOldest removes the least recently used cell. Caller holds b.mu.
func (b *Breaker) evictOldest() {
	back := b.lru.Back()
	if back == nil {
		return
	}
	fp := back.Value.(Fingerprint)
	b.lru.Remove(back)
	delete(b.cells, fp)
	for _, set := range b.scopes {
		delete(set, fp)
	}
	b.log.Debug().Str("fingerprint", string(fp)).Msg("Evicted circuit breaker cell")
}
