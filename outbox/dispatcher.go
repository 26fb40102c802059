// Package outbox implements the transactional outbox dispatcher: staged
// messages are claimed in priority order, published at least once, retried
// with backoff and parked after exhausting their retries.
package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/resilience"
	"go.relaykit.dev/store"
	"go.relaykit.dev/telemetry"
	"go.relaykit.dev/transport"
)

// DispatcherConfig holds configuration for the outbox dispatcher.
type DispatcherConfig struct {
	// Enabled controls whether the dispatcher runs at all.
	Enabled bool

	// PollInterval is how often to poll for due entries.
	PollInterval time.Duration

	// BatchSize is the maximum entries claimed per poll.
	BatchSize int

	// Workers is the number of concurrent publishes per batch.
	Workers int

	// MaxRetries applies to entries that don't carry their own limit.
	MaxRetries int

	// Backoff computes the delay before the next attempt.
	Backoff resilience.RetryPolicy

	// RatePerSecond caps publishes per second. Zero disables the limit.
	RatePerSecond float64

	// RateBurst is the limiter burst size.
	RateBurst int

	// StuckTimeout is how long a claim may stay PROCESSING before the
	// recovery loop returns it to PENDING.
	StuckTimeout time.Duration

	// RecoveryInterval is how often to run crash recovery.
	RecoveryInterval time.Duration

	// RetentionAge is how long PROCESSED entries are kept.
	RetentionAge time.Duration

	// CleanupInterval is how often to purge old PROCESSED entries.
	CleanupInterval time.Duration
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Enabled:      true,
		PollInterval: time.Second,
		BatchSize:    100,
		Workers:      10,
		MaxRetries:   3,
		Backoff: &resilience.ExponentialBackoff{
			Base:       time.Second,
			Multiplier: 2,
			Cap:        time.Minute,
			MaxRetries: 3,
		},
		StuckTimeout:     5 * time.Minute,
		RecoveryInterval: time.Minute,
		RetentionAge:     24 * time.Hour,
		CleanupInterval:  time.Hour,
	}
}

// Stats is a point-in-time snapshot of dispatcher activity.
type Stats struct {
	Published int64 `json:"published"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
	Recovered int64 `json:"recovered"`
}

// Dispatcher drains an outbox store to a publisher. Claims are atomic, so
// several dispatchers can share a store; within one dispatcher, entries of
// equal priority publish in creation order.
type Dispatcher struct {
	config    DispatcherConfig
	store     store.OutboxStore
	publisher transport.Publisher
	clk       clock.Clock
	limiter   *rate.Limiter

	published atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
	recovered atomic.Int64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
	pollMu    sync.Mutex
}

// NewDispatcher creates a dispatcher over the store and publisher.
func NewDispatcher(outbox store.OutboxStore, publisher transport.Publisher, clk clock.Clock, config DispatcherConfig) *Dispatcher {
	if clk == nil {
		clk = clock.System()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultDispatcherConfig().PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultDispatcherConfig().BatchSize
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Backoff == nil {
		config.Backoff = DefaultDispatcherConfig().Backoff
	}

	var limiter *rate.Limiter
	if config.RatePerSecond > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}

	return &Dispatcher{
		config:    config,
		store:     outbox,
		publisher: publisher,
		clk:       clk,
		limiter:   limiter,
	}
}

// Start launches the poll, recovery and cleanup loops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()

	if d.running {
		return
	}
	d.running = true

	if !d.config.Enabled {
		log.Info().Msg("Outbox dispatcher is disabled")
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.runPoller(ctx)

	d.wg.Add(1)
	go d.runRecovery(ctx)

	if d.config.RetentionAge > 0 && d.config.CleanupInterval > 0 {
		d.wg.Add(1)
		go d.runCleanup(ctx)
	}

	log.Info().
		Dur("pollInterval", d.config.PollInterval).
		Int("batchSize", d.config.BatchSize).
		Int("workers", d.config.Workers).
		Msg("Outbox dispatcher started")
}

// Stop halts all loops and waits for in-flight publishes.
func (d *Dispatcher) Stop() {
	d.runningMu.Lock()
	d.running = false
	d.runningMu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	log.Info().Msg("Outbox dispatcher stopped")
}

// Stats returns cumulative dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Published: d.published.Load(),
		Retried:   d.retried.Load(),
		Failed:    d.failed.Load(),
		Recovered: d.recovered.Load(),
	}
}

func (d *Dispatcher) runPoller(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain claims and dispatches one batch of due entries. Exported so tests
// and external schedulers can drive the dispatcher without the poll loop.
func (d *Dispatcher) Drain(ctx context.Context) {
	if !d.pollMu.TryLock() {
		return
	}
	defer d.pollMu.Unlock()

	now := d.clk.Now()
	entries, err := d.store.FetchAndLockDue(ctx, now, d.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch due outbox entries")
		return
	}
	if len(entries) == 0 {
		return
	}

	log.Debug().Int("count", len(entries)).Msg("Claimed due outbox entries")

	sem := make(chan struct{}, d.config.Workers)
	var wg sync.WaitGroup
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(e *store.OutboxEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			d.dispatch(ctx, e)
		}(entry)
	}
	wg.Wait()

	if stats, err := d.store.Stats(ctx); err == nil {
		telemetry.OutboxPending.Set(float64(stats.Pending))
	}
}

// dispatch publishes one claimed entry and records the outcome.
func (d *Dispatcher) dispatch(ctx context.Context, entry *store.OutboxEntry) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			// Shutdown while waiting; the claim is recovered later.
			return
		}
	}

	err := d.publisher.Publish(ctx, entry.Options.Destination, entry.Message)
	if err == nil {
		if err := d.store.MarkProcessed(ctx, entry.ID, d.clk.Now()); err != nil {
			log.Error().Err(err).Str("entryId", entry.ID).Msg("Failed to mark outbox entry processed")
			return
		}
		d.published.Add(1)
		telemetry.OutboxDispatched.WithLabelValues("published").Inc()
		log.Debug().
			Str("entryId", entry.ID).
			Str("destination", entry.Options.Destination).
			Msg("Outbox entry published")
		return
	}

	if messaging.IsCancellation(err) {
		// Claim stays PROCESSING and is recovered after StuckTimeout.
		return
	}
	d.handleFailure(ctx, entry, err)
}

func (d *Dispatcher) handleFailure(ctx context.Context, entry *store.OutboxEntry, pubErr error) {
	maxRetries := entry.Options.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.config.MaxRetries
	}

	attempt := entry.RetryCount + 1
	retryable := d.config.Backoff.ShouldRetry(pubErr, 0) && attempt < maxRetries

	if retryable {
		next := d.clk.Now().Add(d.config.Backoff.NextDelay(attempt))
		if err := d.store.ScheduleRetry(ctx, entry.ID, next, pubErr.Error()); err != nil {
			log.Error().Err(err).Str("entryId", entry.ID).Msg("Failed to schedule outbox retry")
			return
		}
		d.retried.Add(1)
		telemetry.OutboxDispatched.WithLabelValues("retried").Inc()
		log.Warn().
			Str("entryId", entry.ID).
			Str("destination", entry.Options.Destination).
			Int("attempt", attempt).
			Time("nextRetryAt", next).
			Str("error", pubErr.Error()).
			Msg("Outbox publish failed, retry scheduled")
		return
	}

	if err := d.store.MarkFailed(ctx, entry.ID, pubErr.Error()); err != nil {
		log.Error().Err(err).Str("entryId", entry.ID).Msg("Failed to mark outbox entry failed")
		return
	}
	d.failed.Add(1)
	telemetry.OutboxDispatched.WithLabelValues("failed").Inc()
	log.Error().
		Str("entryId", entry.ID).
		Str("destination", entry.Options.Destination).
		Int("attempts", attempt).
		Str("error", pubErr.Error()).
		Msg("Outbox entry marked FAILED")
}

func (d *Dispatcher) runRecovery(ctx context.Context) {
	defer d.wg.Done()

	interval := d.config.RecoveryInterval
	if interval <= 0 {
		interval = DefaultDispatcherConfig().RecoveryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Recover(ctx)
		}
	}
}

// Recover returns claims stuck in PROCESSING to PENDING.
func (d *Dispatcher) Recover(ctx context.Context) {
	cutoff := d.clk.Now().Add(-d.config.StuckTimeout)
	n, err := d.store.RecoverStuck(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to recover stuck outbox entries")
		return
	}
	if n > 0 {
		d.recovered.Add(n)
		log.Info().Int64("count", n).Msg("Recovered stuck outbox entries")
	}
}

func (d *Dispatcher) runCleanup(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Cleanup(ctx)
		}
	}
}

// Cleanup purges PROCESSED entries older than the retention age.
func (d *Dispatcher) Cleanup(ctx context.Context) {
	cutoff := d.clk.Now().Add(-d.config.RetentionAge)
	n, err := d.store.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to clean up processed outbox entries")
		return
	}
	if n > 0 {
		log.Debug().Int64("count", n).Msg("Purged processed outbox entries")
	}
}
