// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the MetricsCollector port using Prometheus.
type Collector struct {
	gatherer prometheus.Gatherer

	queryCounter        *prometheus.CounterVec
	queryDuration       *prometheus.HistogramVec
	filesScanned        prometheus.Counter
	filesPruned         prometheus.Counter
	cacheEvents         *prometheus.CounterVec
	cachedDatasets      prometheus.Gauge
	resolveDuration     prometheus.Histogram
	resolvedFiles       prometheus.Histogram
	staleRetries        prometheus.Counter
	tileBytes           *prometheus.HistogramVec
	tileFeatures        *prometheus.HistogramVec
	storageOperations   *prometheus.CounterVec
	storageDuration     *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates a new Prometheus metrics collector. A nil registry
// registers with the default Prometheus registry.
func NewCollector(namespace string, reg *prometheus.Registry) *Collector {
	if namespace == "" {
		namespace = "tessera"
	}

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Collector{
		gatherer: gatherer,

		queryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Total number of queries by operation",
			},
			[]string{"operation", "status"},
		),

		queryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "Query duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		filesScanned: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_scanned_total",
				Help:      "Files handed to a source engine",
			},
		),

		filesPruned: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_pruned_total",
				Help:      "Files skipped because their bbox missed the query",
			},
		),

		cacheEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metadata_cache_events_total",
				Help:      "Metadata cache hits, misses and evictions",
			},
			[]string{"event"},
		),

		cachedDatasets: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cached_datasets",
				Help:      "Number of resolved datasets in the metadata cache",
			},
		),

		resolveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolve_duration_seconds",
				Help:      "Dataset resolution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		resolvedFiles: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolved_files",
				Help:      "Number of files per resolved dataset",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),

		staleRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_metadata_retries_total",
				Help:      "Re-resolutions after stale file metadata",
			},
		),

		tileBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tile_size_bytes",
				Help:      "Encoded tile size in bytes",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
			},
			[]string{"zoom"},
		),

		tileFeatures: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tile_features",
				Help:      "Number of features per tile",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"zoom"},
		),

		storageOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),

		storageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_duration_seconds",
				Help:      "Storage operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// IncQueryCount increments the query counter.
func (c *Collector) IncQueryCount(operation string, success bool) {
	c.queryCounter.WithLabelValues(operation, statusLabel(success)).Inc()
}

// ObserveQueryDuration records query duration.
func (c *Collector) ObserveQueryDuration(operation string, duration time.Duration) {
	c.queryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveFilePruning records scanned and pruned files of one query.
func (c *Collector) ObserveFilePruning(scanned, pruned int) {
	c.filesScanned.Add(float64(scanned))
	c.filesPruned.Add(float64(pruned))
}

// IncCacheEvent counts a metadata cache event.
func (c *Collector) IncCacheEvent(event string) {
	c.cacheEvents.WithLabelValues(event).Inc()
}

// SetCachedDatasets sets the number of cached datasets.
func (c *Collector) SetCachedDatasets(count int) {
	c.cachedDatasets.Set(float64(count))
}

// ObserveResolveDuration records a dataset resolution.
func (c *Collector) ObserveResolveDuration(duration time.Duration, files int) {
	c.resolveDuration.Observe(duration.Seconds())
	c.resolvedFiles.Observe(float64(files))
}

// IncStaleRetries counts a re-resolution after stale metadata.
func (c *Collector) IncStaleRetries() {
	c.staleRetries.Inc()
}

// ObserveTile records an encoded tile.
func (c *Collector) ObserveTile(zoom int, size int, features int) {
	z := strconv.Itoa(zoom)
	c.tileBytes.WithLabelValues(z).Observe(float64(size))
	c.tileFeatures.WithLabelValues(z).Observe(float64(features))
}

// IncStorageOperations increments storage operation counter.
func (c *Collector) IncStorageOperations(operation string, success bool) {
	c.storageOperations.WithLabelValues(operation, statusLabel(success)).Inc()
}

// ObserveStorageDuration records storage operation duration.
func (c *Collector) ObserveStorageDuration(operation string, duration time.Duration) {
	c.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncHTTPRequests increments the HTTP request counter.
func (c *Collector) IncHTTPRequests(method, path, status string) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// ObserveHTTPDuration records HTTP request duration.
func (c *Collector) ObserveHTTPDuration(method, path string, duration time.Duration) {
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler returns the Prometheus HTTP handler of the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Middleware returns HTTP middleware for metrics collection.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		path := routePath(r)
		status := statusToString(wrapped.statusCode)

		c.IncHTTPRequests(r.Method, path, status)
		c.ObserveHTTPDuration(r.Method, path, duration)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets streamed responses through the wrapper.
func (w *statusResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routePath returns the route template, such as /tiles/{z}/{x}/{y}, so
// that tile coordinates do not become label values.
func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// statusToString converts HTTP status code to string category.
func statusToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
