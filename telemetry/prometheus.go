package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics

	// PipelineMessagesProcessed tracks messages processed by kind and outcome
	PipelineMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "pipeline",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by the pipeline",
		},
		[]string{"kind", "name", "outcome"}, // outcome: success, failure, cancelled
	)

	// PipelineProcessingDuration tracks end-to-end processing duration
	PipelineProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "pipeline",
			Name:      "processing_duration_seconds",
			Help:      "Time to process a message including retries",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "name"},
	)

	// PipelineRetryAttempts tracks invocations per logical operation
	PipelineRetryAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "pipeline",
			Name:      "retry_attempts",
			Help:      "Handler invocations per processed message",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		},
		[]string{"kind", "name"},
	)

	// Circuit breaker metrics

	// BreakerState tracks breaker cell state transitions
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaykit",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"scope"},
	)

	// BreakerTrips tracks breaker open events
	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"scope"},
	)

	// Outbox metrics

	// OutboxDispatched tracks outbox entries dispatched by result
	OutboxDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "outbox",
			Name:      "entries_dispatched_total",
			Help:      "Total outbox entries dispatched",
		},
		[]string{"result"}, // result: published, retried, failed
	)

	// OutboxPending tracks pending outbox depth
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relaykit",
			Subsystem: "outbox",
			Name:      "entries_pending",
			Help:      "Outbox entries awaiting dispatch",
		},
	)

	// Inbox metrics

	// InboxAccepted tracks inbound acceptance decisions
	InboxAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "inbox",
			Name:      "messages_total",
			Help:      "Total inbound messages by acceptance decision",
		},
		[]string{"decision"}, // decision: accepted, duplicate
	)

	// Saga metrics

	// SagaTransitions tracks saga state transitions
	SagaTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "saga",
			Name:      "transitions_total",
			Help:      "Total saga state transitions applied",
		},
		[]string{"saga_type", "result"}, // result: applied, conflict, ignored
	)

	// SagaTimeouts tracks timeout events fired by the watcher
	SagaTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "saga",
			Name:      "timeouts_total",
			Help:      "Total synthetic timeout events fired for stale sagas",
		},
	)

	// Event bus metrics

	// BusFanout tracks per-handler publish outcomes during fan-out
	BusFanout = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "bus",
			Name:      "fanout_total",
			Help:      "Total event handler invocations during fan-out",
		},
		[]string{"event", "outcome"},
	)
)

// Breaker state gauge values
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Prometheus is a Sink that mirrors pipeline events into prometheus.
type Prometheus struct{}

func (Prometheus) Record(ev Event) {
	kind := ev.Tags["kind"]
	name := ev.Tags["name"]
	outcome := ev.Tags["outcome"]
	PipelineMessagesProcessed.WithLabelValues(kind, name, outcome).Inc()
	if ev.Duration > 0 {
		PipelineProcessingDuration.WithLabelValues(kind, name).Observe(ev.Duration.Seconds())
	}
}
