package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics implements store.MetricsSink with Prometheus counters.
// It is defined with the same method set rather than importing the
// store package, so telemetry has no dependency on any one engine
// package and can back all of them from one process's registry.
type StoreMetrics struct {
	cacheHits   *prometheus.CounterVec
	cacheMisses prometheus.Counter
	fetches     *prometheus.CounterVec
}

// NewStoreMetrics registers and returns a StoreMetrics.
func NewStoreMetrics() *StoreMetrics {
	return &StoreMetrics{
		cacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncstore_cache_hits_total",
			Help: "Cache hits served by Store.Stream, labeled by origin (memory/persisted).",
		}, []string{"origin"}),
		cacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "syncstore_cache_misses_total",
			Help: "Reads that found nothing in the memory tier.",
		}),
		fetches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncstore_fetches_total",
			Help: "Network fetch attempts, labeled by outcome.",
		}, []string{"outcome"}),
	}
}

// IncCacheHit implements store.MetricsSink.
func (m *StoreMetrics) IncCacheHit(origin string) { m.cacheHits.WithLabelValues(origin).Inc() }

// IncCacheMiss implements store.MetricsSink.
func (m *StoreMetrics) IncCacheMiss() { m.cacheMisses.Inc() }

// IncFetch implements store.MetricsSink.
func (m *StoreMetrics) IncFetch(outcome string) { m.fetches.WithLabelValues(outcome).Inc() }

// MutationMetrics implements mutate.MetricsSink.
type MutationMetrics struct {
	outcomes *prometheus.CounterVec
}

// NewMutationMetrics registers and returns a MutationMetrics.
func NewMutationMetrics() *MutationMetrics {
	return &MutationMetrics{
		outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncstore_mutations_total",
			Help: "Mutation engine operations, labeled by operation kind and outcome.",
		}, []string{"op", "outcome"}),
	}
}

// IncMutation implements mutate.MetricsSink.
func (m *MutationMetrics) IncMutation(op, outcome string) {
	m.outcomes.WithLabelValues(op, outcome).Inc()
}

// ComposeMetrics implements normalize.MetricsSink.
type ComposeMetrics struct {
	composes        *prometheus.CounterVec
	entitiesVisited *prometheus.HistogramVec
}

// NewComposeMetrics registers and returns a ComposeMetrics.
func NewComposeMetrics() *ComposeMetrics {
	return &ComposeMetrics{
		composes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncstore_compose_total",
			Help: "Graph composition attempts, labeled by shape and outcome.",
		}, []string{"shape", "outcome"}),
		entitiesVisited: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncstore_compose_entities_visited",
			Help:    "Entities visited per composition, labeled by shape.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"shape"}),
	}
}

// IncCompose implements normalize.MetricsSink.
func (m *ComposeMetrics) IncCompose(shapeID, outcome string, entitiesVisited int) {
	m.composes.WithLabelValues(shapeID, outcome).Inc()
	m.entitiesVisited.WithLabelValues(shapeID).Observe(float64(entitiesVisited))
}

// PaginationMetrics tracks pagination load attempts, labeled by
// direction and outcome (loaded/skipped/error), for a paginate.Store.
type PaginationMetrics struct {
	loads *prometheus.CounterVec
}

// NewPaginationMetrics registers and returns a PaginationMetrics.
func NewPaginationMetrics() *PaginationMetrics {
	return &PaginationMetrics{
		loads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "syncstore_pagination_loads_total",
			Help: "Pagination page loads, labeled by direction and outcome.",
		}, []string{"direction", "outcome"}),
	}
}

// IncLoad records one pagination load attempt's outcome.
func (m *PaginationMetrics) IncLoad(direction, outcome string) {
	m.loads.WithLabelValues(direction, outcome).Inc()
}

// httpRequestsTotal, httpRequestDuration, and httpRequestsInFlight
// instrument cmd/syncstore-demo's HTTP API, grounded on the teacher's
// cmd/server/middleware.MetricsMiddleware.
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncstore_http_requests_total",
			Help: "Total HTTP requests served by the demo API.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncstore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	httpRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncstore_http_requests_in_flight",
			Help: "HTTP requests currently being handled.",
		},
		[]string{"method", "path"},
	)
)

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments every request with the counters and
// histogram above.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := r.URL.Path

		httpRequestsInFlight.WithLabelValues(r.Method, path).Inc()
		defer httpRequestsInFlight.WithLabelValues(r.Method, path).Dec()

		rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
