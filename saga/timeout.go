package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/telemetry"
)

// WatcherConfig controls the timeout sweep.
type WatcherConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// DefaultTimeout applies to definitions without their own timeout.
	// Zero means only definitions with an explicit timeout are swept.
	DefaultTimeout time.Duration
}

// DefaultWatcherConfig sweeps every 10 seconds with no blanket timeout.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{Interval: 10 * time.Second}
}

// Watcher periodically finds incomplete instances whose last update is
// strictly older than their saga type's timeout and routes a synthetic
// timeout event for each through the orchestrator. The saga decides what a
// timeout means; the watcher only reports elapsed time.
type Watcher struct {
	orch   *Orchestrator
	clk    clock.Clock
	config WatcherConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over the orchestrator's repository and
// definitions.
func NewWatcher(orch *Orchestrator, config WatcherConfig) *Watcher {
	if config.Interval <= 0 {
		config.Interval = DefaultWatcherConfig().Interval
	}
	return &Watcher{
		orch:   orch,
		clk:    orch.clk,
		config: config,
	}
}

// Start launches the sweep loop.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
	log.Info().
		Dur("interval", w.config.Interval).
		Msg("Saga timeout watcher started")
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	log.Info().Msg("Saga timeout watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all definitions. Exported so deployments with an
// external scheduler can drive it directly.
func (w *Watcher) Sweep(ctx context.Context) {
	now := w.clk.Now()
	for _, def := range w.orch.Definitions() {
		timeout := def.timeout
		if timeout == 0 {
			timeout = w.config.DefaultTimeout
		}
		if timeout <= 0 {
			continue
		}
		w.sweepDefinition(ctx, def, now.Add(-timeout))
	}
}

func (w *Watcher) sweepDefinition(ctx context.Context, def *Definition, cutoff time.Time) {
	stale, err := w.orch.repo.FindStale(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).
			Str("sagaType", def.sagaType).
			Msg("Failed to query stale saga instances")
		return
	}

	for _, inst := range stale {
		if inst.SagaType != def.sagaType {
			continue
		}
		event := &messaging.Envelope{
			ID:            uuid.NewString(),
			Kind:          messaging.KindEvent,
			Name:          def.timeoutEvent,
			Timestamp:     w.clk.Now(),
			CorrelationID: inst.CorrelationID,
		}

		telemetry.SagaTimeouts.Inc()
		log.Warn().
			Str("sagaType", def.sagaType).
			Str("correlationId", inst.CorrelationID).
			Str("state", inst.StateName).
			Time("updatedAt", inst.UpdatedAt).
			Msg("Saga instance timed out, routing timeout event")

		res := w.orch.Process(ctx, event)
		if res.IsFailure() {
			log.Error().
				Str("sagaType", def.sagaType).
				Str("correlationId", inst.CorrelationID).
				Str("error", res.Message).
				Msg("Timeout event processing failed")
			continue
		}

		// An instance the timeout finished, or one removed out of band,
		// must not pin its compensation stack in memory.
		cur, err := w.orch.repo.Find(ctx, inst.CorrelationID)
		if errors.Is(err, messaging.ErrNotFound) || (err == nil && cur.IsCompleted) {
			w.orch.dropStack(inst.CorrelationID)
		}
	}
}
