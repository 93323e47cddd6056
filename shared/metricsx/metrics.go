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
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_commands_total",
			Help: "Processed commands by event type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	commandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_command_duration_seconds",
			Help:    "Command processing latency in seconds, lock wait included.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
	applyRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_apply_retries_total",
			Help: "Projection apply retries after the event was logged.",
		},
		[]string{"type"},
	)
	recoveredEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_recovered_events_total",
			Help: "Logged events applied by startup recovery.",
		},
	)
	profileCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_profile_cache_total",
			Help: "Profile read cache lookups by result.",
		},
		[]string{"result"},
	)
	relayPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_relay_published_total",
			Help: "Stream entries published to Kafka by topic.",
		},
		[]string{"topic"},
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
		commandsTotal, commandLatency, applyRetries, recoveredEvents, profileCache,
		relayPublished, kafkaConsumerLag, influxWriteFailures, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request counts and latency. route maps a request to
// its path label; nil uses the raw URL path, which is only safe for muxes
// without path parameters.
func Instrument(next http.Handler, route func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := r.URL.Path
		if route != nil {
			path = route(r)
		}
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

// MuxRoute labels requests by the ServeMux pattern they match.
func MuxRoute(mux *http.ServeMux) func(*http.Request) string {
	return func(r *http.Request) string {
		if _, pattern := mux.Handler(r); pattern != "" {
			return pattern
		}
		return "unmatched"
	}
}

func ObserveCommand(eventType string, outcome string, d time.Duration) {
	commandsTotal.WithLabelValues(eventType, outcome).Inc()
	commandLatency.WithLabelValues(eventType).Observe(d.Seconds())
}

func IncApplyRetry(eventType string) {
	applyRetries.WithLabelValues(eventType).Inc()
}

func AddRecoveredEvents(n int) {
	recoveredEvents.Add(float64(n))
}

func IncProfileCache(hit bool) {
	if hit {
		profileCache.WithLabelValues("hit").Inc()
		return
	}
	profileCache.WithLabelValues("miss").Inc()
}

func IncRelayPublished(topic string) {
	relayPublished.WithLabelValues(topic).Inc()
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
