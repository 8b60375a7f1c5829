package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncQueryCount increments the query counter of an operation
	// (features, count, tiles, export).
	IncQueryCount(operation string, success bool)

	// ObserveQueryDuration records query duration.
	ObserveQueryDuration(operation string, duration time.Duration)

	// ObserveFilePruning records how many files a query scanned and skipped.
	ObserveFilePruning(scanned, pruned int)

	// IncCacheEvent counts metadata cache hits, misses and evictions.
	IncCacheEvent(event string)

	// SetCachedDatasets sets the number of cached datasets.
	SetCachedDatasets(count int)

	// ObserveResolveDuration records how long a dataset resolution took.
	ObserveResolveDuration(duration time.Duration, files int)

	// IncStaleRetries counts re-resolutions after stale metadata.
	IncStaleRetries()

	// ObserveTile records an encoded tile.
	ObserveTile(zoom int, size int, features int)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)
}

// Cache events.
const (
	CacheHit      = "hit"
	CacheMiss     = "miss"
	CacheEviction = "eviction"
)

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncQueryCount implements MetricsCollector.
func (n *NoOpMetrics) IncQueryCount(_ string, _ bool) {}

// ObserveQueryDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveQueryDuration(_ string, _ time.Duration) {}

// ObserveFilePruning implements MetricsCollector.
func (n *NoOpMetrics) ObserveFilePruning(_, _ int) {}

// IncCacheEvent implements MetricsCollector.
func (n *NoOpMetrics) IncCacheEvent(_ string) {}

// SetCachedDatasets implements MetricsCollector.
func (n *NoOpMetrics) SetCachedDatasets(_ int) {}

// ObserveResolveDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveResolveDuration(_ time.Duration, _ int) {}

// IncStaleRetries implements MetricsCollector.
func (n *NoOpMetrics) IncStaleRetries() {}

// ObserveTile implements MetricsCollector.
func (n *NoOpMetrics) ObserveTile(_, _, _ int) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}
