package application

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// Cache defaults.
const (
	DefaultCacheSize = 256
	DefaultCacheTTL  = 5 * time.Minute
)

// MetadataCache holds resolved datasets keyed by the literal location
// pattern. Entries expire after the TTL and the least recently used entry
// is evicted when the cache is full. Concurrent misses for one key share a
// single load.
type MetadataCache struct {
	lru     *expirable.LRU[string, *domain.ResolvedDataset]
	group   singleflight.Group
	metrics output.MetricsCollector
	ttl     time.Duration

	mu          sync.Mutex
	generations map[string]uint64
}

// NewMetadataCache creates a cache with the given capacity and TTL.
func NewMetadataCache(size int, ttl time.Duration, metrics output.MetricsCollector) *MetadataCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}

	c := &MetadataCache{
		metrics:     metrics,
		ttl:         ttl,
		generations: make(map[string]uint64),
	}
	c.lru = expirable.NewLRU[string, *domain.ResolvedDataset](size, c.onEvict, ttl)
	return c
}

func (c *MetadataCache) onEvict(_ string, _ *domain.ResolvedDataset) {
	c.metrics.IncCacheEvent(output.CacheEviction)
}

// LoadFunc resolves a dataset on a cache miss.
type LoadFunc func(ctx context.Context) (*domain.ResolvedDataset, error)

// Get returns the cached dataset for key or calls load once for all
// concurrent callers. Failed loads are not cached. The load runs detached
// from the cancellation of the first caller so that one disconnecting
// client does not fail the others; each caller still stops waiting when
// its own context ends.
func (c *MetadataCache) Get(ctx context.Context, key string, load LoadFunc) (*domain.ResolvedDataset, error) {
	if ds, ok := c.lru.Get(key); ok {
		c.metrics.IncCacheEvent(output.CacheHit)
		return ds, nil
	}
	c.metrics.IncCacheEvent(output.CacheMiss)

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if ds, ok := c.lru.Get(key); ok {
			return ds, nil
		}
		gen := c.generation(key)
		ds, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generations[key] == gen {
			c.lru.Add(key, ds)
		}
		c.mu.Unlock()
		c.metrics.SetCachedDatasets(c.lru.Len())
		return ds, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.ResolvedDataset), nil
	}
}

// Peek returns a cached dataset without loading or touching recency.
func (c *MetadataCache) Peek(key string) (*domain.ResolvedDataset, bool) {
	return c.lru.Peek(key)
}

func (c *MetadataCache) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[key]
}

// Invalidate removes key. A load already in flight for key will not be
// stored.
func (c *MetadataCache) Invalidate(key string) {
	c.mu.Lock()
	c.generations[key]++
	c.lru.Remove(key)
	c.mu.Unlock()
	c.group.Forget(key)
	c.metrics.SetCachedDatasets(c.lru.Len())
}

// InvalidateFunc removes every entry for which match returns true and
// returns the number of removed entries.
func (c *MetadataCache) InvalidateFunc(match func(key string, ds *domain.ResolvedDataset) bool) int {
	removed := 0
	for _, key := range c.lru.Keys() {
		ds, ok := c.lru.Peek(key)
		if !ok || !match(key, ds) {
			continue
		}
		c.Invalidate(key)
		removed++
	}
	return removed
}

// Keys returns the cached patterns from oldest to newest.
func (c *MetadataCache) Keys() []string {
	return c.lru.Keys()
}

// Len returns the number of cached datasets.
func (c *MetadataCache) Len() int {
	return c.lru.Len()
}

// TTL returns the entry lifetime.
func (c *MetadataCache) TTL() time.Duration {
	return c.ttl
}
