package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"afflow.org/internal/ledger"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the readiness probe last succeeded.",
	})
)

// Ledger domain metrics.
var (
	conversionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversion_transitions_total",
			Help: "Conversion status transitions applied.",
		},
		[]string{"from", "to"},
	)

	payoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payouts_total",
			Help: "Payout state-machine outcomes.",
		},
		[]string{"status"},
	)

	gatewaySendSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_send_duration_seconds",
			Help:    "Latency of payment gateway send calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		conversionTransitions, payoutsTotal, gatewaySendSeconds,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady reflects the latest readiness probe result.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// RecordTransition counts an applied conversion status transition.
func RecordTransition(from, to ledger.ConversionStatus) {
	conversionTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordPayout counts a payout reaching the given status.
func RecordPayout(status ledger.PayoutStatus) {
	payoutsTotal.WithLabelValues(string(status)).Inc()
}

// ObserveGatewaySend records one gateway call.
func ObserveGatewaySend(d time.Duration, outcome string) {
	gatewaySendSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// Instrument wraps a handler with RPS/latency/in-flight accounting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
