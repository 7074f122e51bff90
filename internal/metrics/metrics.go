// Package metrics provides Prometheus metrics for the StreamBridge server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambridge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streambridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Streaming metrics
	streamBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streambridge_stream_bytes_total",
			Help: "Total bytes streamed to clients",
		},
	)

	streamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambridge_stream_requests_total",
			Help: "Total number of stream requests by terminal outcome",
		},
		[]string{"outcome"},
	)

	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambridge_size_probes_total",
			Help: "Total number of chunk source size probes",
		},
		[]string{"result"},
	)

	// Metadata store metrics
	storeQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streambridge_store_query_duration_seconds",
			Help:    "Metadata store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambridge_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)
)

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordStream records a stream request outcome and the bytes delivered.
func RecordStream(outcome string, bytes int64) {
	streamRequestsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		streamBytesTotal.Add(float64(bytes))
	}
}

// RecordProbe records a size probe result.
func RecordProbe(ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	probesTotal.WithLabelValues(result).Inc()
}

// RecordStoreQuery records a metadata store operation duration.
func RecordStoreQuery(op string, duration time.Duration) {
	storeQueryDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
