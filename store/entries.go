// Package store defines the persistence contracts RelayKit runs over:
// message, outbox, inbox, queue and dead-letter stores. Adapters implement
// these; store/memory ships the reference implementations.
package store

import (
	"time"

	"go.relaykit.dev/messaging"
)

// OutboxStatus is the lifecycle state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxProcessed  OutboxStatus = "PROCESSED"
	OutboxFailed     OutboxStatus = "FAILED"
)

// OutboxOptions control dispatch of one staged message. Lower priority
// numbers dispatch first.
type OutboxOptions struct {
	Priority    int    `json:"priority" bson:"priority"`
	Destination string `json:"destination" bson:"destination"`
	MaxRetries  int    `json:"maxRetries" bson:"maxRetries"`
}

// OutboxEntry is a staged outbound message. Once Status is PROCESSED the
// entry is immutable.
type OutboxEntry struct {
	ID          string              `json:"id" bson:"_id"`
	Message     *messaging.Envelope `json:"message" bson:"message"`
	Options     OutboxOptions       `json:"options" bson:"options"`
	Status      OutboxStatus        `json:"status" bson:"status"`
	CreatedAt   time.Time           `json:"createdAt" bson:"createdAt"`
	ProcessedAt *time.Time          `json:"processedAt,omitempty" bson:"processedAt,omitempty"`
	RetryCount  int                 `json:"retryCount" bson:"retryCount"`
	NextRetryAt *time.Time          `json:"nextRetryAt,omitempty" bson:"nextRetryAt,omitempty"`
	LastError   string              `json:"lastError,omitempty" bson:"lastError,omitempty"`
}

// Due reports whether the entry is eligible for dispatch at now. An entry
// with NextRetryAt exactly equal to now is eligible.
func (e *OutboxEntry) Due(now time.Time) bool {
	if e.Status != OutboxPending {
		return false
	}
	return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
}

// InboxStatus is the lifecycle state of an inbox entry.
type InboxStatus string

const (
	InboxPending    InboxStatus = "PENDING"
	InboxProcessing InboxStatus = "PROCESSING"
	InboxProcessed  InboxStatus = "PROCESSED"
	InboxFailed     InboxStatus = "FAILED"
	InboxDuplicate  InboxStatus = "DUPLICATE"
)

// InboxOptions control inbound acceptance.
type InboxOptions struct {
	RequireIdempotency bool `json:"requireIdempotency" bson:"requireIdempotency"`
}

// InboxEntry records one received message for deduplication. ID is the
// message id, except for DUPLICATE entries, which record re-arrivals under
// their own ids.
type InboxEntry struct {
	ID          string              `json:"id" bson:"_id"`
	Message     *messaging.Envelope `json:"message" bson:"message"`
	Options     InboxOptions        `json:"options" bson:"options"`
	Status      InboxStatus         `json:"status" bson:"status"`
	ReceivedAt  time.Time           `json:"receivedAt" bson:"receivedAt"`
	ProcessedAt *time.Time          `json:"processedAt,omitempty" bson:"processedAt,omitempty"`
	Error       string              `json:"error,omitempty" bson:"error,omitempty"`
}

// Blocks reports whether the entry still blocks redelivery of its message
// id. PENDING, PROCESSING and PROCESSED entries block while received after
// the cutoff; FAILED and DUPLICATE entries never do. A zero cutoff blocks
// regardless of age.
func (e *InboxEntry) Blocks(cutoff time.Time) bool {
	switch e.Status {
	case InboxPending, InboxProcessing, InboxProcessed:
	default:
		return false
	}
	return cutoff.IsZero() || e.ReceivedAt.After(cutoff)
}

// QueueOptions control enqueue behavior.
type QueueOptions struct {
	Priority int           `json:"priority" bson:"priority"`
	Delay    time.Duration `json:"delay" bson:"delay"`
}

// QueueEntry is one visibility-queue element. It is dequeueable when
// VisibleAt <= now and DequeueCount is under the queue's limit.
type QueueEntry struct {
	ID           string              `json:"id" bson:"_id"`
	Message      *messaging.Envelope `json:"message" bson:"message"`
	Options      QueueOptions        `json:"options" bson:"options"`
	EnqueuedAt   time.Time           `json:"enqueuedAt" bson:"enqueuedAt"`
	VisibleAt    time.Time           `json:"visibleAt" bson:"visibleAt"`
	DequeueCount int                 `json:"dequeueCount" bson:"dequeueCount"`
}

// DeadLetterEntry is a message parked after a fatal processing failure.
type DeadLetterEntry struct {
	ID        string              `json:"id" bson:"_id"`
	Message   *messaging.Envelope `json:"message" bson:"message"`
	Source    string              `json:"source" bson:"source"`
	Reason    string              `json:"reason" bson:"reason"`
	ErrorKind messaging.ErrorKind `json:"errorKind" bson:"errorKind"`
	FailedAt  time.Time           `json:"failedAt" bson:"failedAt"`
}

// OutboxStats summarizes outbox depth by status.
type OutboxStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
}

// InboxStats summarizes inbox depth by status.
type InboxStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Duplicates int64 `json:"duplicates"`
}
