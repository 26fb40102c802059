package store

import (
	"context"
	"time"

	"go.relaykit.dev/messaging"
)

// OrderBy selects the sort field of a message query.
type OrderBy string

const (
	OrderByTimestamp OrderBy = "timestamp"
	OrderByStoredAt  OrderBy = "stored_at"
)

// Filter narrows a message store query. Zero values mean "no constraint".
type Filter struct {
	Collection     string
	FromTS         *time.Time
	ToTS           *time.Time
	MetadataEquals map[string]any
	OrderBy        OrderBy
	Descending     bool
	Offset         int
	Limit          int
}

// StoreOptions control message persistence.
type StoreOptions struct {
	Collection string
	TTL        time.Duration
}

// Tx is a message store transaction. Exactly one of Commit or Rollback must
// be called; WithTx guarantees that.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// MessageStore persists envelopes with optional TTL and an opaque query
// facility. Expected conditions (not found, expired) return sentinel errors,
// never panics.
type MessageStore interface {
	Store(ctx context.Context, msg *messaging.Envelope, opts *StoreOptions) (string, error)
	Retrieve(ctx context.Context, id string) (*messaging.Envelope, error)
	Query(ctx context.Context, filter Filter) ([]*messaging.Envelope, error)
	Delete(ctx context.Context, id string) error
	Update(ctx context.Context, id string, msg *messaging.Envelope) error
	Exists(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context, filter *Filter) (int64, error)
	Clear(ctx context.Context) error
	BeginTx(ctx context.Context) (Tx, error)
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back on error or panic.
func WithTx(ctx context.Context, s MessageStore, fn func(ctx context.Context) error) (err error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(ctx); err != nil {
		done = true
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return rbErr
		}
		return err
	}
	done = true
	return tx.Commit(ctx)
}

// OutboxStore stages outbound messages. FetchAndLockDue must atomically
// claim entries so concurrent dispatchers never double-publish.
type OutboxStore interface {
	// Add stages a message. The returned entry is PENDING.
	Add(ctx context.Context, msg *messaging.Envelope, opts OutboxOptions) (*OutboxEntry, error)

	// Get returns an entry or messaging.ErrNotFound.
	Get(ctx context.Context, id string) (*OutboxEntry, error)

	// FetchAndLockDue atomically selects up to limit PENDING entries with
	// NextRetryAt <= now, ordered by (priority asc, createdAt asc), and marks
	// them PROCESSING.
	FetchAndLockDue(ctx context.Context, now time.Time, limit int) ([]*OutboxEntry, error)

	// MarkProcessed finalizes an entry. Applying it twice is a no-op after
	// the first success; a PROCESSED entry is never mutated again.
	MarkProcessed(ctx context.Context, id string, at time.Time) error

	// ScheduleRetry increments the retry count, records the error and
	// returns the entry to PENDING with the given next attempt time.
	ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error

	// MarkFailed parks an entry permanently with the final error.
	MarkFailed(ctx context.Context, id string, lastError string) error

	// RecoverStuck resets PROCESSING entries claimed before olderThan back
	// to PENDING. Returns the number recovered.
	RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error)

	// DeleteProcessedBefore removes PROCESSED entries finalized before
	// cutoff. FAILED entries are retained until operator action.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Stats returns depth by status.
	Stats(ctx context.Context) (OutboxStats, error)
}

// InboxStore records received messages for deduplication.
type InboxStore interface {
	// Insert records a PENDING entry. Returns messaging.ErrDuplicate when an
	// entry with the same id already exists.
	Insert(ctx context.Context, entry *InboxEntry) error

	// Reclaim replaces an existing entry with the given fresh PENDING one
	// when the stored entry no longer blocks redelivery (see
	// InboxEntry.Blocks). A still-blocking entry returns
	// messaging.ErrDuplicate; the check and the replace are atomic.
	Reclaim(ctx context.Context, entry *InboxEntry, cutoff time.Time) error

	// RecordDuplicate stores a DUPLICATE entry for a re-arrival of the
	// message, under its own id. Duplicate entries never affect the
	// duplicate check; they exist for stats and investigation.
	RecordDuplicate(ctx context.Context, msg *messaging.Envelope, at time.Time) error

	// Get returns an entry or messaging.ErrNotFound.
	Get(ctx context.Context, id string) (*InboxEntry, error)

	// MarkProcessed finalizes an entry; idempotent after the first success.
	MarkProcessed(ctx context.Context, id string, at time.Time) error

	// MarkFailed finalizes an entry with its error.
	MarkFailed(ctx context.Context, id string, errMsg string) error

	// DeleteProcessedBefore removes only PROCESSED entries received before
	// cutoff. Pending, failed and duplicate entries are retained.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Stats returns depth by status.
	Stats(ctx context.Context) (InboxStats, error)
}

// QueueStore is a visibility-based priority queue. Higher priority numbers
// dequeue first; FIFO within a priority.
type QueueStore interface {
	// Enqueue adds a message, visible after opts.Delay.
	Enqueue(ctx context.Context, msg *messaging.Envelope, opts QueueOptions) (*QueueEntry, error)

	// Dequeue atomically claims the next visible entry, increments its
	// dequeue count and hides it for the visibility timeout. Returns
	// messaging.ErrNotFound when nothing is dequeueable.
	Dequeue(ctx context.Context, now time.Time) (*QueueEntry, error)

	// Ack removes a claimed entry.
	Ack(ctx context.Context, id string) error

	// Reject drops the entry when requeue is false, or makes it immediately
	// visible with a reset dequeue count when requeue is true.
	Reject(ctx context.Context, id string, requeue bool) error

	// Len returns the number of entries currently stored.
	Len(ctx context.Context) (int64, error)
}

// DeadLetterStore parks fatally failed messages for inspection.
type DeadLetterStore interface {
	Add(ctx context.Context, entry *DeadLetterEntry) error
	Get(ctx context.Context, id string) (*DeadLetterEntry, error)
	List(ctx context.Context, limit int) ([]*DeadLetterEntry, error)
	Delete(ctx context.Context, id string) error
	Purge(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// Requeue moves a parked message back onto the outbox for redelivery and
// removes it from the dead-letter store. The staged entry starts fresh:
// the retry count from the failed run does not carry over.
func Requeue(ctx context.Context, dlq DeadLetterStore, outbox OutboxStore, id string, opts OutboxOptions) (*OutboxEntry, error) {
	parked, err := dlq.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	entry, err := outbox.Add(ctx, parked.Message, opts)
	if err != nil {
		return nil, err
	}
	if err := dlq.Delete(ctx, id); err != nil {
		return nil, err
	}
	return entry, nil
}
