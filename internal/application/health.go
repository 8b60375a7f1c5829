package application

import (
	"context"

	"github.com/jobrunner/tessera/internal/ports/input"
)

// HealthService provides health check functionality.
type HealthService struct {
	resolver *DatasetResolver
	cache    *MetadataCache
}

// NewHealthService creates a new health service.
func NewHealthService(resolver *DatasetResolver, cache *MetadataCache) *HealthService {
	return &HealthService{
		resolver: resolver,
		cache:    cache,
	}
}

// IsHealthy returns true if the service is healthy.
func (s *HealthService) IsHealthy(_ context.Context) bool {
	return true // Basic health check
}

// IsReady returns true once at least one source engine is registered.
func (s *HealthService) IsReady(_ context.Context) bool {
	return len(s.resolver.Formats()) > 0
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	formats := s.resolver.Formats()
	engines := make([]string, len(formats))
	components := map[string]string{
		"storage": "ok",
		"cache":   "ok",
	}
	for i, f := range formats {
		engines[i] = string(f)
		components["engine."+string(f)] = "ok"
	}

	return input.HealthDetails{
		Healthy:        s.IsHealthy(ctx),
		Ready:          s.IsReady(ctx),
		CachedDatasets: s.cache.Len(),
		Engines:        engines,
		Components:     components,
	}
}

// DatasetHealth describes one cached dataset.
type DatasetHealth struct {
	Pattern string `json:"pattern"`
	Files   int    `json:"files"`
	SRID    int    `json:"srid"`
}

// GetDatasetHealth returns info for all cached datasets.
func (s *HealthService) GetDatasetHealth(_ context.Context) []DatasetHealth {
	keys := s.cache.Keys()
	health := make([]DatasetHealth, 0, len(keys))
	for _, k := range keys {
		ds, ok := s.cache.Peek(k)
		if !ok {
			continue
		}
		health = append(health, DatasetHealth{Pattern: k, Files: len(ds.Files), SRID: ds.SRID})
	}
	return health
}
