package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// DefaultResolveConcurrency bounds parallel per-file statistics reads.
const DefaultResolveConcurrency = 8

// ResolverConfig holds configuration for the dataset resolver.
type ResolverConfig struct {
	Concurrency    int
	GeometryColumn string // preferred geometry column when a file names none
	BBoxColumn     string // preferred bbox covering column
}

// DatasetResolver turns location patterns into resolved datasets: it lists
// matching objects and reads their statistics through the source engines.
// Results are cached per pattern.
type DatasetResolver struct {
	storage output.ObjectStorage
	engines map[domain.SourceFormat]output.SourceEngine
	cache   *MetadataCache
	metrics output.MetricsCollector
	logger  *slog.Logger
	cfg     ResolverConfig
	now     func() time.Time
}

// NewDatasetResolver creates a new dataset resolver.
func NewDatasetResolver(
	storage output.ObjectStorage,
	engines []output.SourceEngine,
	cache *MetadataCache,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg ResolverConfig,
) *DatasetResolver {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultResolveConcurrency
	}
	byFormat := make(map[domain.SourceFormat]output.SourceEngine, len(engines))
	for _, e := range engines {
		byFormat[e.Format()] = e
	}
	return &DatasetResolver{
		storage: storage,
		engines: byFormat,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Resolve returns the dataset for pattern, from the cache when possible.
func (r *DatasetResolver) Resolve(ctx context.Context, pattern domain.LocationPattern) (*domain.ResolvedDataset, error) {
	return r.cache.Get(ctx, string(pattern), func(ctx context.Context) (*domain.ResolvedDataset, error) {
		return r.resolve(ctx, pattern)
	})
}

// Refresh drops the cached entry for pattern and resolves it again.
func (r *DatasetResolver) Refresh(ctx context.Context, pattern domain.LocationPattern) (*domain.ResolvedDataset, error) {
	r.Invalidate(pattern)
	return r.Resolve(ctx, pattern)
}

// Invalidate drops the cached resolution of pattern.
func (r *DatasetResolver) Invalidate(pattern domain.LocationPattern) {
	r.cache.Invalidate(string(pattern))
}

// InvalidatePath drops every cached dataset that contains the local file
// at path or whose pattern would match it. It returns the number of
// dropped entries.
func (r *DatasetResolver) InvalidatePath(path string) int {
	return r.cache.InvalidateFunc(func(key string, ds *domain.ResolvedDataset) bool {
		for _, f := range ds.Files {
			if f.URI == path || f.Key == path {
				return true
			}
		}
		loc, err := domain.ParseLocation(domain.LocationPattern(key))
		if err != nil || loc.Scheme != domain.SchemeFile {
			return false
		}
		if n, ok := r.storage.(output.LocationNormalizer); ok {
			if nl, err := n.Normalize(loc); err == nil {
				loc = nl
			}
		}
		ok, _ := doublestar.Match(loc.Path, path)
		return ok
	})
}

// CachedPatterns returns the patterns currently held in the cache.
func (r *DatasetResolver) CachedPatterns() []domain.LocationPattern {
	keys := r.cache.Keys()
	patterns := make([]domain.LocationPattern, len(keys))
	for i, k := range keys {
		patterns[i] = domain.LocationPattern(k)
	}
	return patterns
}

// Formats returns the source formats that have an engine.
func (r *DatasetResolver) Formats() []domain.SourceFormat {
	formats := make([]domain.SourceFormat, 0, len(r.engines))
	for f := range r.engines {
		formats = append(formats, f)
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i] < formats[j] })
	return formats
}

func (r *DatasetResolver) resolve(ctx context.Context, pattern domain.LocationPattern) (*domain.ResolvedDataset, error) {
	start := r.now()
	fail := func(reason string, err error) error {
		return &domain.ResolutionError{Pattern: string(pattern), Reason: reason, Err: err}
	}

	loc, err := domain.ParseLocation(pattern)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			return nil, err
		}
		return nil, fail("invalid location", err)
	}
	if n, ok := r.storage.(output.LocationNormalizer); ok {
		if loc, err = n.Normalize(loc); err != nil {
			return nil, fail("location not allowed", err)
		}
	}

	refs, err := r.match(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, fail("no supported files match the pattern", domain.ErrNoFilesMatched)
	}

	descriptors, err := r.describeAll(ctx, refs)
	if err != nil {
		return nil, fail("reading file statistics", err)
	}
	sort.SliceStable(descriptors, func(i, j int) bool {
		if descriptors[i].URI != descriptors[j].URI {
			return descriptors[i].URI < descriptors[j].URI
		}
		return descriptors[i].Layer < descriptors[j].Layer
	})

	ds, err := domain.NewResolvedDataset(pattern, descriptors, r.now())
	if err != nil {
		return nil, fail("incompatible files", err)
	}

	elapsed := r.now().Sub(start)
	r.metrics.ObserveResolveDuration(elapsed, len(ds.Files))
	r.logger.Debug("dataset resolved",
		"pattern", pattern,
		"files", len(ds.Files),
		"srid", ds.SRID,
		"duration", elapsed,
	)
	return ds, nil
}

// match lists the objects selected by loc. A pattern without wildcards
// names exactly one object.
func (r *DatasetResolver) match(ctx context.Context, loc domain.Location) ([]domain.FileRef, error) {
	fail := func(reason string, err error) error {
		return &domain.ResolutionError{Pattern: string(loc.Pattern), Reason: reason, Err: err}
	}

	var objects []output.StorageObject
	if !loc.Glob {
		obj, err := r.storage.Stat(ctx, loc, loc.Path)
		if err != nil {
			return nil, fail("object not accessible", err)
		}
		objects = []output.StorageObject{*obj}
	} else {
		listed, err := r.storage.List(ctx, loc)
		if err != nil {
			return nil, fail("listing objects", err)
		}
		for _, obj := range listed {
			ok, err := doublestar.Match(loc.Path, obj.Key)
			if err != nil {
				return nil, fail("invalid wildcard", doublestar.ErrBadPattern)
			}
			if ok {
				objects = append(objects, obj)
			}
		}
	}

	var refs []domain.FileRef
	for _, obj := range objects {
		format, ok := domain.FormatFromPath(obj.Key)
		if !ok {
			if !loc.Glob {
				return nil, fail("unsupported file type", fmt.Errorf("%s: %w", obj.Key, domain.ErrUnsupportedFormat))
			}
			continue
		}
		if _, ok := r.engines[format]; !ok {
			if !loc.Glob {
				return nil, fail("no engine for format", fmt.Errorf("%s: %w", format, domain.ErrUnsupportedFormat))
			}
			r.logger.Debug("skipping file without engine", "key", obj.Key, "format", format)
			continue
		}
		refs = append(refs, domain.FileRef{
			Location:     loc,
			Key:          obj.Key,
			URI:          loc.URI(obj.Key),
			Format:       format,
			Size:         obj.Size,
			ETag:         obj.ETag,
			LastModified: obj.LastModified,
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].URI < refs[j].URI })
	return refs, nil
}

// describeAll reads statistics with bounded concurrency, preserving the
// order of refs.
func (r *DatasetResolver) describeAll(ctx context.Context, refs []domain.FileRef) ([]domain.FileDescriptor, error) {
	results := make([][]domain.FileDescriptor, len(refs))
	opts := output.DescribeOptions{
		GeometryColumn: r.cfg.GeometryColumn,
		BBoxColumn:     r.cfg.BBoxColumn,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	var mu sync.Mutex
	var failed []string
	for i, ref := range refs {
		g.Go(func() error {
			descs, err := r.engines[ref.Format].Describe(gctx, ref, opts)
			if err != nil {
				mu.Lock()
				failed = append(failed, ref.URI)
				mu.Unlock()
				return fmt.Errorf("%s: %w", ref.URI, err)
			}
			results[i] = descs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("reading file statistics failed", "files", strings.Join(failed, ","), "error", err)
		return nil, err
	}

	var all []domain.FileDescriptor
	for _, descs := range results {
		all = append(all, descs...)
	}
	return all, nil
}
