package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dispatch_total",
			Help: "Dispatch results by channel and outcome kind",
		},
		[]string{"channel", "outcome"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_dispatch_duration_seconds",
			Help:    "Time from command receipt to dispatch result",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_batch_size",
			Help:    "Number of items per email batch request",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	breakerFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_circuit_breaker_failures",
			Help: "Current consecutive failure count per breaker",
		},
		[]string{"breaker"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"breaker", "to"},
	)

	templateCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_template_cache_entries",
			Help: "Compiled template sources held in the cache",
		},
	)

	templateCompilations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_template_compilations",
			Help: "Template sources compiled since start",
		},
	)

	commandsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_queue_commands_total",
			Help: "Commands read from the command queue by type and result",
		},
		[]string{"type", "result"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
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

// RecordDispatch records one dispatch result. outcome is "sent" or a failure kind.
func RecordDispatch(channel, outcome string, latency time.Duration) {
	dispatchOutcomes.WithLabelValues(channel, outcome).Inc()
	dispatchLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordBatch records the size of an email batch
func RecordBatch(size int) {
	batchSize.Observe(float64(size))
}

// SetBreaker publishes a breaker's state and failure count
func SetBreaker(name string, state int, failures int) {
	breakerState.WithLabelValues(name).Set(float64(state))
	breakerFailures.WithLabelValues(name).Set(float64(failures))
}

// RecordBreakerTransition counts a state change
func RecordBreakerTransition(name, to string) {
	breakerTransitions.WithLabelValues(name, to).Inc()
}

// SetTemplateCache publishes template cache size and compile count
func SetTemplateCache(entries int, compilations int64) {
	templateCacheEntries.Set(float64(entries))
	templateCompilations.Set(float64(compilations))
}

// RecordCommand records a queue command and how it was handled
func RecordCommand(cmdType, result string) {
	commandsReceived.WithLabelValues(cmdType, result).Inc()
}

// RecordIdempotencyHit records a replayed response
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
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

// Middleware returns HTTP middleware that records request metrics. Paths are
// labelled by chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
