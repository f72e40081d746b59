package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carwatch_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carwatch_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	matchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carwatch_match_runs_total",
			Help: "Total match engine runs by terminal status",
		},
		[]string{"status"},
	)

	matchRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carwatch_match_run_duration_seconds",
			Help:    "Match run wall-clock duration",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 180, 600},
		},
	)

	pairScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carwatch_match_pair_score",
			Help:    "Distribution of alert/listing match scores",
			Buckets: []float64{0, .25, .5, .75, .99, 1},
		},
	)

	pairErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carwatch_match_pair_errors_total",
			Help: "Pair evaluations skipped due to data errors",
		},
	)

	matchesFoundTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carwatch_matches_found_total",
			Help: "Qualifying alert/listing matches",
		},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carwatch_notifications_created_total",
			Help: "Notifications created by channel",
		},
		[]string{"channel"},
	)

	notificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carwatch_notifications_suppressed_total",
			Help: "Qualifying matches that created no notification, by reason",
		},
		[]string{"reason"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carwatch_notifications_processed_total",
			Help: "Delivery attempts by outcome and channel",
		},
		[]string{"status", "channel"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carwatch_delivery_latency_seconds",
			Help:    "Time from notification creation to delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "carwatch_queue_depth",
			Help: "Delivery queue entries by status",
		},
		[]string{"status"},
	)

	jobExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carwatch_job_executions_total",
			Help: "Scheduled job executions by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	jobTicksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carwatch_job_ticks_dropped_total",
			Help: "Ticks dropped because the previous execution was still running",
		},
		[]string{"job"},
	)

	retriesSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carwatch_retries_swept_total",
			Help: "Failed queue entries requeued by the retry sweep",
		},
	)

	digestsBuilt = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carwatch_digests_built_total",
			Help: "Digest notifications produced",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMatchRun records a finished match run
func RecordMatchRun(status string, duration time.Duration) {
	matchRunsTotal.WithLabelValues(status).Inc()
	matchRunDuration.Observe(duration.Seconds())
}

// RecordPairScore records one alert/listing score
func RecordPairScore(score float64) {
	pairScores.Observe(score)
}

// RecordPairError records a skipped pair evaluation
func RecordPairError() {
	pairErrorsTotal.Inc()
}

// RecordMatchFound records a qualifying match
func RecordMatchFound() {
	matchesFoundTotal.Inc()
}

// RecordNotificationCreated records a created notification
func RecordNotificationCreated(channel string) {
	notificationsCreated.WithLabelValues(channel).Inc()
}

// RecordNotificationSuppressed records a cap- or preference-suppressed match
func RecordNotificationSuppressed(reason string) {
	notificationsSuppressed.WithLabelValues(reason).Inc()
}

// RecordNotificationProcessed records a delivery attempt outcome
func RecordNotificationProcessed(status, channel string) {
	notificationsProcessed.WithLabelValues(status, channel).Inc()
}

// RecordDeliveryLatency records creation-to-delivery time
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// SetQueueDepth sets the gauge for one queue status
func SetQueueDepth(status string, count int) {
	queueDepth.WithLabelValues(status).Set(float64(count))
}

// RecordJobExecution records one job execution outcome
func RecordJobExecution(job, outcome string) {
	jobExecutions.WithLabelValues(job, outcome).Inc()
}

// RecordJobTickDropped records a coalesced tick
func RecordJobTickDropped(job string) {
	jobTicksDropped.WithLabelValues(job).Inc()
}

// RecordRetriesSwept records entries requeued by the sweep
func RecordRetriesSwept(count int) {
	retriesSwept.Add(float64(count))
}

// RecordDigestBuilt records one produced digest
func RecordDigestBuilt() {
	digestsBuilt.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
