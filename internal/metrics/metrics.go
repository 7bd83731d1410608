// Package metrics provides Prometheus metrics for the WSI viewer server.
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
			Name: "wsiviewer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wsiviewer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Cache metrics
	cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsiviewer_cache_hits_total",
			Help: "Cache hits per category",
		},
		[]string{"category"},
	)

	cacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsiviewer_cache_misses_total",
			Help: "Cache misses per category",
		},
		[]string{"category"},
	)

	// Filesystem scan metrics
	scanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wsiviewer_scan_duration_seconds",
			Help:    "Directory scan duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Decoder metrics
	decodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wsiviewer_decode_duration_seconds",
			Help:    "Slide decode operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Governor metrics
	governorQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wsiviewer_governor_queue_depth",
			Help: "Tasks waiting for or holding an admission slot, per class",
		},
		[]string{"class"},
	)

	governorTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsiviewer_governor_timeouts_total",
			Help: "Offloaded calls that exceeded their wall-clock budget",
		},
		[]string{"class"},
	)

	requestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsiviewer_requests_in_flight",
			Help: "Requests currently registered in the in-flight table",
		},
	)

	// Resolver metrics
	resolverTableSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsiviewer_resolver_table_size",
			Help: "Entries in the id-to-path acceleration table",
		},
	)

	resolverWalksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wsiviewer_resolver_walks_total",
			Help: "Fallback full-tree walks triggered by table misses",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit for a category.
func RecordCacheHit(category string) {
	cacheHitsTotal.WithLabelValues(category).Inc()
}

// RecordCacheMiss records a cache miss for a category.
func RecordCacheMiss(category string) {
	cacheMissesTotal.WithLabelValues(category).Inc()
}

// RecordScan records a directory scan duration ("shallow" or "full").
func RecordScan(mode string, duration time.Duration) {
	scanDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordDecode records a decoder operation duration.
func RecordDecode(operation string, duration time.Duration) {
	decodeDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// GovernorQueued adjusts the per-class queue gauge.
func GovernorQueued(class string, delta float64) {
	governorQueueDepth.WithLabelValues(class).Add(delta)
}

// RecordGovernorTimeout records a budget-exceeded offloaded call.
func RecordGovernorTimeout(class string) {
	governorTimeoutsTotal.WithLabelValues(class).Inc()
}

// SetRequestsInFlight sets the in-flight request gauge.
func SetRequestsInFlight(count int) {
	requestsInFlight.Set(float64(count))
}

// SetResolverTableSize sets the acceleration table size gauge.
func SetResolverTableSize(count int) {
	resolverTableSize.Set(float64(count))
}

// RecordResolverWalk records a fallback walk.
func RecordResolverWalk() {
	resolverWalksTotal.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
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
