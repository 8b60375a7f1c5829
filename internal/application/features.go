package application

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/input"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// Paging defaults.
const (
	DefaultLimit = 10
	MaxLimit     = 10000
)

// FeatureServiceConfig holds configuration for the feature service.
type FeatureServiceConfig struct {
	DefaultLimit int
	MaxLimit     int
}

// FeatureService answers feature, count and export requests.
type FeatureService struct {
	resolver *DatasetResolver
	executor *QueryExecutor
	metrics  output.MetricsCollector
	logger   *slog.Logger
	cfg      FeatureServiceConfig
}

// NewFeatureService creates a new feature service.
func NewFeatureService(
	resolver *DatasetResolver,
	executor *QueryExecutor,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg FeatureServiceConfig,
) *FeatureService {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = MaxLimit
	}
	return &FeatureService{
		resolver: resolver,
		executor: executor,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// Features counts the matches and opens the requested page. The offset is
// clamped so that the last page is never empty.
func (s *FeatureService) Features(ctx context.Context, q domain.FeatureQuery) (page *input.FeaturePage, err error) {
	start := time.Now()
	defer func() { s.observe("features", start, err) }()

	limit, err := s.limit(q.Limit)
	if err != nil {
		return nil, err
	}
	if q.Offset < 0 {
		return nil, &domain.ValidationError{
			Field:      "offset",
			Value:      q.Offset,
			Constraint: ">= 0",
			Message:    "offset must not be negative",
		}
	}

	ds, pred, err := s.prepare(ctx, q)
	if err != nil {
		return nil, err
	}
	opts := execOptions(q)

	matched, err := s.executor.Count(ctx, ds, pred, opts)
	if err != nil {
		return nil, err
	}
	offset := min(int64(q.Offset), max(matched-int64(limit), 0))

	opts.Limit = limit
	opts.Offset = int(offset)
	rows, err := s.executor.Execute(ctx, ds, pred, opts)
	if err != nil {
		return nil, err
	}

	return &input.FeaturePage{
		Dataset:       ds,
		NumberMatched: matched,
		Limit:         limit,
		Offset:        int(offset),
		Rows:          rows,
	}, nil
}

// Count returns the number of matching features.
func (s *FeatureService) Count(ctx context.Context, q domain.FeatureQuery) (n int64, err error) {
	start := time.Now()
	defer func() { s.observe("count", start, err) }()

	ds, pred, err := s.prepare(ctx, q)
	if err != nil {
		return 0, err
	}
	return s.executor.Count(ctx, ds, pred, execOptions(q))
}

// Export writes every matching feature as a Parquet file.
func (s *FeatureService) Export(ctx context.Context, q domain.FeatureQuery, format domain.ExportFormat, w io.Writer) (err error) {
	start := time.Now()
	defer func() { s.observe("export", start, err) }()

	ds, pred, err := s.prepare(ctx, q)
	if err != nil {
		return err
	}
	return s.executor.Export(ctx, ds, pred, execOptions(q), format, w)
}

// prepare resolves the dataset and compiles bbox and filter against its
// schema.
func (s *FeatureService) prepare(ctx context.Context, q domain.FeatureQuery) (*domain.ResolvedDataset, domain.Predicate, error) {
	ds, err := s.resolver.Resolve(ctx, q.Pattern)
	if err != nil {
		return nil, nil, err
	}
	pred, err := compileFilter(ds, q.BBox, q.Filter, q.FilterLang, q.GeometryColumn)
	if err != nil {
		return nil, nil, err
	}
	return ds, pred, nil
}

func compileFilter(ds *domain.ResolvedDataset, bbox *domain.BBox, expr, langParam, geomColumn string) (domain.Predicate, error) {
	lang, err := filter.ParseLang(langParam)
	if err != nil {
		return nil, err
	}
	if geomColumn == "" {
		geomColumn = ds.GeometryColumn
	}
	return filter.Compile(bbox, expr, ds.Schema, filter.Options{
		Lang:           lang,
		GeometryColumn: geomColumn,
	})
}

func execOptions(q domain.FeatureQuery) ExecOptions {
	return ExecOptions{GeometryColumn: q.GeometryColumn, BBoxColumn: q.BBoxColumn}
}

func (s *FeatureService) limit(requested int) (int, error) {
	if requested == 0 {
		return s.cfg.DefaultLimit, nil
	}
	if requested < 1 || requested > s.cfg.MaxLimit {
		return 0, &domain.ValidationError{
			Field:      "limit",
			Value:      requested,
			Constraint: fmt.Sprintf("1..%d", s.cfg.MaxLimit),
			Message:    "limit out of range",
		}
	}
	return requested, nil
}

func (s *FeatureService) observe(operation string, start time.Time, err error) {
	s.metrics.IncQueryCount(operation, err == nil)
	s.metrics.ObserveQueryDuration(operation, time.Since(start))
	if err != nil {
		s.logger.Debug("query failed", "operation", operation, "error", err)
	}
}
