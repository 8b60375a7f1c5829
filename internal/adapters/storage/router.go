package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// Router dispatches storage calls to the backend registered for the
// location's scheme.
type Router struct {
	backends map[string]output.ObjectStorage
	metrics  output.MetricsCollector
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		backends: make(map[string]output.ObjectStorage),
		metrics:  &output.NoOpMetrics{},
	}
}

// WithMetrics records every storage operation in m.
func (r *Router) WithMetrics(m output.MetricsCollector) *Router {
	if m != nil {
		r.metrics = m
	}
	return r
}

// observe records one operation labeled scheme_operation.
func (r *Router) observe(loc domain.Location, operation string, start time.Time, err error) {
	op := loc.Scheme + "_" + operation
	r.metrics.IncStorageOperations(op, err == nil)
	r.metrics.ObserveStorageDuration(op, time.Since(start))
}

// Register sets the backend for one or more schemes.
func (r *Router) Register(backend output.ObjectStorage, schemes ...string) {
	for _, s := range schemes {
		r.backends[s] = backend
	}
}

// Schemes returns the registered schemes in sorted order.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.backends))
	for s := range r.backends {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (r *Router) backend(loc domain.Location) (output.ObjectStorage, error) {
	b, ok := r.backends[loc.Scheme]
	if !ok {
		return nil, fmt.Errorf("no storage configured for %q: %w", loc.Scheme, domain.ErrUnsupportedScheme)
	}
	return b, nil
}

// Normalize delegates to the backend when it rewrites locations.
func (r *Router) Normalize(loc domain.Location) (domain.Location, error) {
	b, err := r.backend(loc)
	if err != nil {
		return domain.Location{}, err
	}
	if n, ok := b.(output.LocationNormalizer); ok {
		return n.Normalize(loc)
	}
	return loc, nil
}

// List implements output.ObjectStorage.
func (r *Router) List(ctx context.Context, loc domain.Location) ([]output.StorageObject, error) {
	b, err := r.backend(loc)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	objects, err := b.List(ctx, loc)
	r.observe(loc, "list", start, err)
	return objects, err
}

// Stat implements output.ObjectStorage.
func (r *Router) Stat(ctx context.Context, loc domain.Location, key string) (*output.StorageObject, error) {
	b, err := r.backend(loc)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	obj, err := b.Stat(ctx, loc, key)
	r.observe(loc, "stat", start, err)
	return obj, err
}

// GetReader implements output.ObjectStorage.
func (r *Router) GetReader(ctx context.Context, loc domain.Location, key string) (io.ReadCloser, error) {
	b, err := r.backend(loc)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rc, err := b.GetReader(ctx, loc, key)
	r.observe(loc, "get", start, err)
	return rc, err
}

// Download implements output.ObjectStorage.
func (r *Router) Download(ctx context.Context, loc domain.Location, key string, dest string) error {
	b, err := r.backend(loc)
	if err != nil {
		return err
	}
	start := time.Now()
	err = b.Download(ctx, loc, key, dest)
	r.observe(loc, "download", start, err)
	return err
}
