// Package metrics defines the prometheus collectors shared across the
// ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed tracks normalized events by type
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_events_processed_total",
			Help: "Total number of normalized events",
		},
		[]string{"event_type"},
	)

	// PayloadsDropped tracks malformed relay payloads dropped at ingestion
	PayloadsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestor_payloads_dropped_total",
			Help: "Total number of malformed payloads dropped",
		},
	)

	// ReorgsTotal tracks detected chain reorganizations
	ReorgsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestor_reorgs_total",
			Help: "Total number of chain reorganizations handled",
		},
	)

	// ReorgDepth observes how many blocks each reorg invalidated
	ReorgDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingestor_reorg_depth",
			Help:    "Distribution of reorg depths in blocks",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 50, 100},
		},
	)

	// RollbackEntriesDeleted tracks entries pruned during store rollbacks
	RollbackEntriesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_rollback_entries_deleted_total",
			Help: "Total number of block-indexed entries deleted by rollbacks",
		},
		[]string{"store"},
	)

	// RetryAttempts tracks retry executions by outcome
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_retry_attempts_total",
			Help: "Total number of retry attempts",
		},
		[]string{"item_type", "result"},
	)

	// RetryQueuePending tracks the current pending retry backlog
	RetryQueuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestor_retry_queue_pending",
			Help: "Number of retry items waiting to be attempted",
		},
	)

	// DeadLetterSize tracks the current dead-letter population
	DeadLetterSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestor_deadletter_size",
			Help: "Number of dead-letter items awaiting review",
		},
	)

	// BreakerState exposes per-breaker state (0=closed, 1=half-open, 2=open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingestor_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// BreakerRejections tracks fail-fast rejections while breakers are open
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_breaker_rejections_total",
			Help: "Total number of calls rejected by open circuit breakers",
		},
		[]string{"name"},
	)

	// WebhookLatency observes webhook delivery round-trip time
	WebhookLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingestor_webhook_latency_seconds",
			Help:    "Webhook delivery latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// AlertsRaised tracks monitor alerts by severity
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_alerts_raised_total",
			Help: "Total number of alerts raised by the monitor",
		},
		[]string{"severity"},
	)
)
