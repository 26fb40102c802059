// Package inbox implements at-most-once inbound acceptance: each message id
// is recorded before its handler runs, and re-arrivals inside the dedup
// window are acknowledged without reprocessing.
package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/messaging"
	"go.relaykit.dev/store"
	"go.relaykit.dev/telemetry"
)

// DeduplicatorConfig holds configuration for the inbound deduplicator.
type DeduplicatorConfig struct {
	// Window bounds how far back duplicates are detected. Zero means any
	// existing entry is a duplicate regardless of age.
	Window time.Duration

	// RetentionAge is how long PROCESSED entries are kept.
	RetentionAge time.Duration

	// CleanupInterval is how often to purge old PROCESSED entries. Zero
	// disables the cleanup loop.
	CleanupInterval time.Duration
}

// DefaultDeduplicatorConfig keeps an unbounded window and one day of
// processed history.
func DefaultDeduplicatorConfig() DeduplicatorConfig {
	return DeduplicatorConfig{
		RetentionAge:    24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Deduplicator guards a handler with an inbox store.
type Deduplicator struct {
	store  store.InboxStore
	clk    clock.Clock
	config DeduplicatorConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeduplicator creates a deduplicator over the inbox store.
func NewDeduplicator(inbox store.InboxStore, clk clock.Clock, config DeduplicatorConfig) *Deduplicator {
	if clk == nil {
		clk = clock.System()
	}
	return &Deduplicator{store: inbox, clk: clk, config: config}
}

// IsDuplicate reports whether a message id was already seen inside the
// window. An entry received exactly window ago is not a duplicate; the
// bound is strict. FAILED entries do not count, so a failed message may be
// redelivered and reprocessed.
func (d *Deduplicator) IsDuplicate(ctx context.Context, messageID string, window time.Duration) (bool, error) {
	entry, err := d.store.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, messaging.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	return entry.Blocks(d.cutoff(window)), nil
}

// cutoff converts a window into the oldest receive time that still blocks.
// The zero time means no age limit.
func (d *Deduplicator) cutoff(window time.Duration) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return d.clk.Now().Add(-window)
}

// Accept records the message as PENDING. The second return is false when the
// message is a duplicate; the caller must then skip the handler and report
// success.
func (d *Deduplicator) Accept(ctx context.Context, msg *messaging.Envelope, opts store.InboxOptions) (*store.InboxEntry, bool, error) {
	dup, err := d.IsDuplicate(ctx, msg.ID, d.config.Window)
	if err != nil {
		return nil, false, err
	}
	if dup {
		d.recordDuplicate(ctx, msg)
		return nil, false, nil
	}

	entry := &store.InboxEntry{
		ID:         msg.ID,
		Message:    msg,
		Options:    opts,
		Status:     store.InboxPending,
		ReceivedAt: d.clk.Now(),
	}
	if err := d.store.Insert(ctx, entry); err != nil {
		if errors.Is(err, messaging.ErrDuplicate) {
			return d.reclaim(ctx, entry)
		}
		return nil, false, err
	}

	telemetry.InboxAccepted.WithLabelValues("accepted").Inc()
	return entry, true, nil
}

// reclaim handles an insert that hit an existing entry: FAILED and aged-out
// entries are replaced and processing proceeds, anything still inside the
// window is a duplicate delivered concurrently.
func (d *Deduplicator) reclaim(ctx context.Context, entry *store.InboxEntry) (*store.InboxEntry, bool, error) {
	if err := d.store.Reclaim(ctx, entry, d.cutoff(d.config.Window)); err != nil {
		if errors.Is(err, messaging.ErrDuplicate) {
			d.recordDuplicate(ctx, entry.Message)
			return nil, false, nil
		}
		return nil, false, err
	}
	telemetry.InboxAccepted.WithLabelValues("accepted").Inc()
	return entry, true, nil
}

// recordDuplicate notes a re-arrival. Recording is best effort; a duplicate
// is skipped either way.
func (d *Deduplicator) recordDuplicate(ctx context.Context, msg *messaging.Envelope) {
	telemetry.InboxAccepted.WithLabelValues("duplicate").Inc()
	log.Debug().Str("messageId", msg.ID).Msg("Duplicate inbound message, skipping")
	if err := d.store.RecordDuplicate(ctx, msg, d.clk.Now()); err != nil {
		log.Error().Err(err).Str("messageId", msg.ID).Msg("Failed to record duplicate arrival")
	}
}

// Process runs the full inbound flow: accept, invoke, finalize. Duplicates
// yield a successful no-op without invoking the handler.
func (d *Deduplicator) Process(ctx context.Context, msg *messaging.Envelope, opts store.InboxOptions, handler func(ctx context.Context, msg *messaging.Envelope) error) messaging.Result {
	_, accepted, err := d.Accept(ctx, msg, opts)
	if err != nil {
		return messaging.FailureFromError(err)
	}
	if !accepted {
		return messaging.Success(nil)
	}

	if err := handler(ctx, msg); err != nil {
		if messaging.IsCancellation(err) {
			// Entry stays PENDING; redelivery inside the window is still
			// a duplicate, outside it the message is reprocessed.
			return messaging.Cancelled(err)
		}
		if markErr := d.store.MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Str("messageId", msg.ID).Msg("Failed to finalize inbox entry as FAILED")
		}
		return messaging.FailureFromError(err)
	}

	if err := d.store.MarkProcessed(ctx, msg.ID, d.clk.Now()); err != nil {
		log.Error().Err(err).Str("messageId", msg.ID).Msg("Failed to finalize inbox entry as PROCESSED")
	}
	return messaging.Success(nil)
}

// Start launches the cleanup loop when configured.
func (d *Deduplicator) Start(ctx context.Context) {
	if d.config.CleanupInterval <= 0 || d.config.RetentionAge <= 0 {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.runCleanup(ctx)

	log.Info().
		Dur("window", d.config.Window).
		Dur("retention", d.config.RetentionAge).
		Msg("Inbox deduplicator started")
}

// Stop halts the cleanup loop.
func (d *Deduplicator) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Deduplicator) runCleanup(ctx context.Context) {
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

// Cleanup removes PROCESSED entries older than the retention age. Pending,
// failed and duplicate entries are retained for investigation.
func (d *Deduplicator) Cleanup(ctx context.Context) {
	cutoff := d.clk.Now().Add(-d.config.RetentionAge)
	n, err := d.store.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to clean up processed inbox entries")
		return
	}
	if n > 0 {
		log.Debug().Int64("count", n).Msg("Purged processed inbox entries")
	}
}
