package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
)

// Engine instance cache metrics.
var (
	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_cache_hits_total",
		Help: "Engine instance cache hits.",
	})
	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_cache_misses_total",
		Help: "Engine instance cache misses (builds triggered).",
	})
	cacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_cache_evictions_total",
			Help: "Engine instances torn down, by reason.",
		},
		[]string{"reason"},
	)
	cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_cache_entries",
		Help: "Live engine instances in the cache.",
	})
)

// Authentication metrics.
var authFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "Rejected credentials, by kind.",
	},
	[]string{"kind"},
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		cacheHitsTotal, cacheMissesTotal, cacheEvictionsTotal, cacheEntries,
		authFailuresTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CacheHit records a cache hit.
func CacheHit() { cacheHitsTotal.Inc() }

// CacheMiss records a cache miss that triggered a build.
func CacheMiss() { cacheMissesTotal.Inc() }

// CacheEviction records an instance teardown with its reason
// ("lru", "ttl", "shutdown").
func CacheEviction(reason string) { cacheEvictionsTotal.WithLabelValues(reason).Inc() }

// CacheSize sets the live instance gauge.
func CacheSize(n int) { cacheEntries.Set(float64(n)) }

// AuthFailure records a rejected credential ("jwt", "api_key", "password").
func AuthFailure(kind string) { authFailuresTotal.WithLabelValues(kind).Inc() }

// CanonicalPath collapses identifier path segments so metric label
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "tenants":
		parts[2] = ":tenant"
		if len(parts) >= 5 && parts[3] == "projects" {
			parts[4] = ":project"
		}
		if len(parts) >= 7 && parts[5] == "members" {
			parts[6] = ":user"
		}
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "api-keys":
		parts[2] = ":id"
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "invitations" && parts[2] != "accept":
		parts[2] = ":token"
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps a handler with RPS, latency and in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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
