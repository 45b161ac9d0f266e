// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	queueAddsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "embyq_queue_adds_total",
		Help: "Total number of files enqueued",
	})

	queueTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "embyq_queue_transitions_total",
		Help: "Queue state transitions by source and target status",
	}, []string{"from", "to"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "embyq_queue_depth",
		Help: "Number of queue items per status (last heartbeat)",
	}, []string{"status"})

	retriesScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "embyq_retries_scheduled_total",
		Help: "Total number of error items reset for retry",
	})

	// Processing metrics
	filesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "embyq_files_processed_total",
		Help: "File processing attempts by outcome",
	}, []string{"outcome"}) // outcome=success|failure|quarantined

	processingDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "embyq_processing_duration_seconds",
		Help:    "Time spent processing one file end to end",
		Buckets: prometheus.DefBuckets,
	})

	// Catalog metrics
	catalogRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "embyq_catalog_requests_total",
		Help: "Catalog search requests by source and outcome",
	}, []string{"source", "outcome"}) // outcome=hit|miss|error

	// Media server metrics
	embyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "embyq_emby_requests_total",
		Help: "Media server requests by operation and outcome",
	}, []string{"operation", "outcome"}) // operation=scan|lookup|metadata|image

	embyIndexWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "embyq_emby_index_wait_seconds",
		Help:    "Time spent waiting for the media server to index a moved file",
		Buckets: []float64{2, 4, 8, 16, 32, 64, 128},
	})

	// Watcher metrics
	watcherEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "embyq_watcher_events_total",
		Help: "Filesystem watcher events by type",
	}, []string{"type"}) // type=create|write|stable|ignored
)

func IncQueueAdd() { queueAddsTotal.Inc() }

func IncQueueTransition(from, to string) {
	queueTransitionsTotal.WithLabelValues(from, to).Inc()
}

func RecordQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

func IncRetryScheduled() { retriesScheduledTotal.Inc() }

func IncFileProcessed(outcome string) { filesProcessedTotal.WithLabelValues(outcome).Inc() }

func ObserveProcessingDuration(seconds float64) { processingDurationSeconds.Observe(seconds) }

func IncCatalogRequest(source, outcome string) {
	catalogRequestsTotal.WithLabelValues(source, outcome).Inc()
}

func IncEmbyRequest(operation, outcome string) {
	embyRequestsTotal.WithLabelValues(operation, outcome).Inc()
}

func ObserveIndexWait(seconds float64) { embyIndexWaitSeconds.Observe(seconds) }

func IncWatcherEvent(eventType string) { watcherEventsTotal.WithLabelValues(eventType).Inc() }
