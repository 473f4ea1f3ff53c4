// Package metrics provides Prometheus metrics for the file hosting server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metricsprom "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
)

var (
	// HTTP request metrics, recorded by go-http-metrics.
	httpMetrics = middleware.New(middleware.Config{
		Recorder: metricsprom.NewRecorder(metricsprom.Config{}),
	})

	mutationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filehosting_mutations_in_flight",
			Help: "Number of mutating requests currently being served",
		},
	)

	mutationsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filehosting_mutations_rejected_total",
			Help: "Mutating requests rejected because the server was saturated",
		},
	)

	// Content transfer metrics
	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filehosting_content_bytes_uploaded_total",
			Help: "Total bytes committed by uploads",
		},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehosting_content_uploads_total",
			Help: "Total number of uploads",
		},
		[]string{"status"},
	)

	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filehosting_content_bytes_downloaded_total",
			Help: "Total bytes served by downloads",
		},
	)

	// Storage metrics
	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehosting_storage_operations_total",
			Help: "Total storage operations",
		},
		[]string{"operation", "status"},
	)

	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filehosting_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Lock metrics
	lockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filehosting_lock_wait_duration_seconds",
			Help:    "Time spent waiting for path locks",
			Buckets: prometheus.DefBuckets,
		},
	)

	locksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filehosting_lock_keys",
			Help: "Number of path keys currently held or awaited",
		},
	)

	// Index metrics
	indexJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehosting_index_jobs_total",
			Help: "Index synchronization jobs by outcome",
		},
		[]string{"kind", "status"},
	)

	indexRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehosting_index_retries_total",
			Help: "Index synchronization retries after transient failures",
		},
		[]string{"kind"},
	)

	indexQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filehosting_index_queue_depth",
			Help: "Index jobs waiting to be applied",
		},
	)

	indexTreeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filehosting_index_tree_size",
			Help: "Number of nodes written by the last full reconcile",
		},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filehosting_db_query_duration_seconds",
			Help:    "Index store query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filehosting_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehosting_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count, latency and size for next under the
// given handler id.
func Middleware(handlerID string, next http.Handler) http.Handler {
	return std.Handler(handlerID, httpMetrics, next)
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// MutationStarted marks a mutating request as in flight.
func MutationStarted() {
	mutationsInFlight.Inc()
}

// MutationFinished marks a mutating request as done.
func MutationFinished() {
	mutationsInFlight.Dec()
}

// RecordMutationRejected records a request turned away by the limiter.
func RecordMutationRejected() {
	mutationsRejected.Inc()
}

// RecordContentUpload records an upload.
func RecordContentUpload(bytes int64, success bool) {
	if success {
		contentBytesUploaded.Add(float64(bytes))
	}
	contentUploadsTotal.WithLabelValues(status(success)).Inc()
}

// RecordContentDownload records bytes served to a client.
func RecordContentDownload(bytes int64) {
	contentBytesDownloaded.Add(float64(bytes))
}

// RecordStorageOperation records a storage operation.
func RecordStorageOperation(operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordLockWait records how long an acquisition waited.
func RecordLockWait(duration time.Duration) {
	lockWaitDuration.Observe(duration.Seconds())
}

// SetLockKeys sets the number of live lock keys.
func SetLockKeys(count int) {
	locksHeld.Set(float64(count))
}

// RecordIndexJob records the outcome of an index job.
func RecordIndexJob(kind string, success bool) {
	indexJobsTotal.WithLabelValues(kind, status(success)).Inc()
}

// RecordIndexDropped records a job that never reached the queue.
func RecordIndexDropped(kind string) {
	indexJobsTotal.WithLabelValues(kind, "dropped").Inc()
}

// RecordIndexRetry records a retry of an index job.
func RecordIndexRetry(kind string) {
	indexRetriesTotal.WithLabelValues(kind).Inc()
}

// SetIndexQueueDepth sets the number of pending index jobs.
func SetIndexQueueDepth(depth int) {
	indexQueueDepth.Set(float64(depth))
}

// SetIndexTreeSize sets the number of nodes seen by the last reconcile.
func SetIndexTreeSize(size int) {
	indexTreeSize.Set(float64(size))
}

// RecordDBQuery records an index store query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}
