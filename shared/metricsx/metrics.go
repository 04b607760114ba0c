package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	ingestBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_batches_total",
			Help: "Telemetry batches by outcome.",
		},
		[]string{"outcome"},
	)
	ingestPoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_ingest_points_total",
			Help: "Telemetry points by disposition.",
		},
		[]string{"disposition"},
	)
	ingestLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_ingest_duration_seconds",
			Help:    "Batch ingest processing latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	alertsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_triggered_total",
			Help: "Alert rule matches that enqueued notifications.",
		},
		[]string{"scope"},
	)
	alertsSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alerts_suppressed_total",
			Help: "Alert rule matches suppressed by cooldown.",
		},
	)
	notificationsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_dispatched_total",
			Help: "Notification delivery attempts by channel and result.",
		},
		[]string{"channel", "result"},
	)
	notificationDispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_dispatch_duration_seconds",
			Help:    "Notification delivery attempt latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)
	notificationQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notification_queue_depth",
			Help: "Pending notification queue entries by status.",
		},
		[]string{"status"},
	)
	otaChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ota_checks_total",
			Help: "OTA update checks by decision.",
		},
		[]string{"decision"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		ingestBatches, ingestPoints, ingestLatency,
		alertsTriggered, alertsSuppressed,
		notificationsDispatched, notificationDispatchLatency, notificationQueueDepth,
		otaChecks,
		kafkaConsumerLag, influxWriteFailures, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncIngestBatch(outcome string) {
	ingestBatches.WithLabelValues(outcome).Inc()
}

func AddIngestPoints(disposition string, n int) {
	ingestPoints.WithLabelValues(disposition).Add(float64(n))
}

func ObserveIngestLatency(d time.Duration) {
	ingestLatency.Observe(d.Seconds())
}

func IncAlertTriggered(scope string) {
	alertsTriggered.WithLabelValues(scope).Inc()
}

func IncAlertSuppressed() {
	alertsSuppressed.Inc()
}

func IncNotificationDispatched(channel string, result string) {
	notificationsDispatched.WithLabelValues(channel, result).Inc()
}

func ObserveDispatchLatency(channel string, d time.Duration) {
	notificationDispatchLatency.WithLabelValues(channel).Observe(d.Seconds())
}

func SetNotificationQueueDepth(status string, depth int) {
	notificationQueueDepth.WithLabelValues(status).Set(float64(depth))
}

func IncOTACheck(decision string) {
	otaChecks.WithLabelValues(decision).Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
