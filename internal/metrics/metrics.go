// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package metrics provides Prometheus instrumentation for the analytics
// pipeline: ingestion outcomes, window lifecycle, watermark progress,
// store latency, alert transitions, and publisher backpressure.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion Gateway metrics
	IngestOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_outcomes_total",
			Help: "Ingestion outcomes by status (accepted, duplicate, rejected, backpressure)",
		},
		[]string{"status"},
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_batch_size",
			Help:    "Number of events per ingestion batch",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 5000},
		},
	)

	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Current depth of the gateway-to-processor queue",
		},
	)

	// Stream Processor metrics
	EventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "processor_events_total",
			Help: "Total events folded into window buckets",
		},
	)

	LateEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_late_events_total",
			Help: "Events dropped because their window already closed",
		},
		[]string{"rule_id"},
	)

	OpenBuckets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "processor_open_buckets",
			Help: "Window buckets currently open across all shards",
		},
	)

	WindowsFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "processor_windows_flushed_total",
			Help: "Window buckets finalized and emitted",
		},
	)

	OrphanedBuckets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "processor_orphaned_buckets_total",
			Help: "Open buckets discarded because their rule was deleted",
		},
	)

	WatermarkAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "processor_watermark_age_seconds",
			Help: "Age of the global (minimum) watermark relative to wall clock",
		},
	)

	// Time-Series Store metrics
	StoreAppendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_append_duration_seconds",
			Help:    "Duration of store appends in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"}, // "raw", "aggregate"
	)

	StoreAppendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_append_errors_total",
			Help: "Store append failures after retry",
		},
		[]string{"kind"},
	)

	StoreQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "store_query_duration_seconds",
			Help:    "Duration of aggregate range queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	RetentionSweepDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_retention_deleted_total",
			Help: "Rows removed by the retention sweep",
		},
		[]string{"table"},
	)

	// Aggregate retry queue (durable fallback when the store is unavailable)
	WALPendingEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wal_pending_entries",
			Help: "Aggregates parked in the durable retry queue",
		},
	)

	WALReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wal_replayed_total",
			Help: "Parked aggregates successfully re-appended to the store",
		},
	)

	WALExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wal_expired_total",
			Help: "Parked aggregates dropped after exceeding their TTL",
		},
	)

	// Query Engine metrics
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "query_duration_seconds",
			Help:    "End-to-end query latency including live-state merge",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	QueryPartialResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "query_partial_results_total",
			Help: "Queries returning partial results (open windows or deadline hit)",
		},
	)

	QueryDeadlineExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "query_deadline_exceeded_total",
			Help: "Queries aborted at their deadline",
		},
	)

	// Alert Rule Engine metrics
	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_transitions_total",
			Help: "Alert state machine transitions by target state",
		},
		[]string{"state"}, // "pending", "firing", "ok"
	)

	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_notification_failures_total",
			Help: "Notification delivery failures by notifier",
		},
		[]string{"notifier"},
	)

	// Real-time Publisher metrics
	PublisherSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "publisher_subscribers",
			Help: "Currently registered subscribers",
		},
	)

	PublisherDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_dropped_total",
			Help: "Messages dropped due to subscriber queue overflow",
		},
		[]string{"policy"}, // "drop_oldest", "disconnect"
	)

	// NATS event sourcing metrics
	NATSPublishes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nats_publishes_total",
			Help: "Raw events published to JetStream",
		},
	)

	NATSPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nats_publish_failures_total",
			Help: "Failed JetStream publishes (after circuit breaker)",
		},
	)
)

// ObserveStoreAppend records an append latency sample for the given kind.
func ObserveStoreAppend(kind string, d time.Duration) {
	StoreAppendDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetWatermarkAge records the lag between wall clock and the global watermark.
func SetWatermarkAge(watermark time.Time) {
	if watermark.IsZero() {
		return
	}
	WatermarkAge.Set(time.Since(watermark).Seconds())
}
