// Package metrics holds the Prometheus instrumentation for the event pipeline
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_events_ingested_total",
			Help: "Total number of events accepted by the ingestion edge",
		},
		[]string{"channel"},
	)

	// Producer
	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_events_published_total",
			Help: "Total number of events appended to the queue",
		},
	)

	PublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_publish_failures_total",
			Help: "Total number of failed queue appends",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_queue_depth",
			Help: "Current number of messages held by the event stream",
		},
	)

	// Consumer
	MessagesConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_messages_consumed_total",
			Help: "Total number of stream messages read by the consumer",
		},
	)

	MessagesAcked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_messages_acked_total",
			Help: "Total number of stream messages acknowledged",
		},
	)

	HandlerFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_handler_failures_total",
			Help: "Total number of batches left unacknowledged after a handler failure",
		},
	)

	DeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_dead_letters_total",
			Help: "Total number of undecodable messages moved to dead letters",
		},
	)

	// Processor
	EventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_events_deduplicated_total",
			Help: "Total number of events skipped because their message id was already stored",
		},
	)

	EventsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_events_inserted_total",
			Help: "Total number of events persisted",
		},
	)

	SessionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_session_aggregation_failures_total",
			Help: "Total number of per-session aggregation failures",
		},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analytics_batch_duration_seconds",
			Help:    "Duration of event batch processing in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analytics_batch_size",
			Help:    "Number of messages per consumed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)
)

// RecordPublish records the outcome of one or more queue appends.
func RecordPublish(n int, err error) {
	if err != nil {
		PublishFailures.Inc()
		return
	}
	EventsPublished.Add(float64(n))
}

// RecordBatch records a processed batch.
func RecordBatch(received, inserted, deduplicated int, elapsed time.Duration) {
	BatchSize.Observe(float64(received))
	BatchDuration.Observe(elapsed.Seconds())
	EventsInserted.Add(float64(inserted))
	EventsDeduplicated.Add(float64(deduplicated))
}
