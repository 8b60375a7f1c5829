package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/geo"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// DefaultBatchSize is the number of rows engines return per batch.
const DefaultBatchSize = 500

// ExecOptions tune a single query execution.
type ExecOptions struct {
	Limit          int // 0 means no limit
	Offset         int
	GeometryColumn string
	BBoxColumn     string
}

// datasetRefresher re-resolves a dataset after its metadata went stale.
type datasetRefresher interface {
	Refresh(ctx context.Context, pattern domain.LocationPattern) (*domain.ResolvedDataset, error)
}

// QueryExecutor runs compiled predicates against resolved datasets. It
// prunes files by bbox, dispatches the rest to the engine of their format
// and exposes the rows as one lazy stream.
type QueryExecutor struct {
	engines   map[domain.SourceFormat]output.SourceEngine
	refresher datasetRefresher
	metrics   output.MetricsCollector
	logger    *slog.Logger
	batchSize int
}

// NewQueryExecutor creates a new query executor. The refresher may be nil,
// in which case stale metadata is surfaced without a retry.
func NewQueryExecutor(
	engines []output.SourceEngine,
	refresher datasetRefresher,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	batchSize int,
) *QueryExecutor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	byFormat := make(map[domain.SourceFormat]output.SourceEngine, len(engines))
	for _, e := range engines {
		byFormat[e.Format()] = e
	}
	return &QueryExecutor{
		engines:   byFormat,
		refresher: refresher,
		metrics:   metrics,
		logger:    logger,
		batchSize: batchSize,
	}
}

// scanGroup is the set of unpruned files handled by one engine.
type scanGroup struct {
	engine output.SourceEngine
	files  []domain.FileDescriptor
}

// queryPlan is a predicate in dataset CRS plus the files to scan.
type queryPlan struct {
	dataset   *domain.ResolvedDataset
	predicate domain.Predicate
	groups    []scanGroup
	scanned   int
	pruned    int
}

// plan reprojects the spatial leaves of pred into the dataset CRS and
// drops every file whose known bbox misses one of the conjunctive boxes.
// Files with an unknown bbox are always scanned.
func (e *QueryExecutor) plan(ds *domain.ResolvedDataset, pred domain.Predicate) (*queryPlan, error) {
	local, err := domain.MapSpatial(pred, func(s domain.Spatial) (domain.Predicate, error) {
		b, err := geo.TransformBBox(s.BBox, ds.SRID)
		if err != nil {
			return nil, err
		}
		s.BBox = b
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	p := &queryPlan{dataset: ds, predicate: local}
	boxes := domain.ConjunctiveBBoxes(local)
	index := make(map[domain.SourceFormat]int)

	for _, f := range ds.Files {
		if !keepFile(f, boxes) {
			p.pruned++
			continue
		}
		engine, ok := e.engines[f.Format]
		if !ok {
			return nil, fmt.Errorf("no engine for %s: %w", f.Format, domain.ErrUnsupportedFormat)
		}
		i, ok := index[f.Format]
		if !ok {
			i = len(p.groups)
			index[f.Format] = i
			p.groups = append(p.groups, scanGroup{engine: engine})
		}
		p.groups[i].files = append(p.groups[i].files, f)
		p.scanned++
	}

	e.metrics.ObserveFilePruning(p.scanned, p.pruned)
	e.logger.Debug("query planned",
		"pattern", ds.Pattern,
		"scanned", p.scanned,
		"pruned", p.pruned,
		"predicate", local.String(),
	)
	return p, nil
}

func keepFile(f domain.FileDescriptor, boxes []domain.BBox) bool {
	if f.BBox == nil {
		return true
	}
	for _, b := range boxes {
		if !f.BBox.Intersects(b) {
			return false
		}
	}
	return true
}

func (e *QueryExecutor) request(p *queryPlan, g scanGroup, opts ExecOptions) output.ScanRequest {
	return output.ScanRequest{
		Files:          g.files,
		Predicate:      p.predicate,
		SRID:           p.dataset.SRID,
		Limit:          opts.Limit,
		Offset:         opts.Offset,
		BatchSize:      e.batchSize,
		GeometryColumn: opts.GeometryColumn,
		BBoxColumn:     opts.BBoxColumn,
	}
}

// Execute opens a lazy stream over the rows of ds matching pred. The first
// batch is read before returning so that stale metadata can trigger one
// re-resolution and retry. Errors after that surface from Next.
func (e *QueryExecutor) Execute(ctx context.Context, ds *domain.ResolvedDataset, pred domain.Predicate, opts ExecOptions) (output.RowStream, error) {
	stream, err := e.open(ctx, ds, pred, opts)
	if err == nil || !e.shouldRetry(err) {
		return stream, err
	}

	fresh, rerr := e.refresh(ctx, ds, err)
	if rerr != nil {
		return nil, rerr
	}
	return e.open(ctx, fresh, pred, opts)
}

func (e *QueryExecutor) open(ctx context.Context, ds *domain.ResolvedDataset, pred domain.Predicate, opts ExecOptions) (output.RowStream, error) {
	p, err := e.plan(ds, pred)
	if err != nil {
		return nil, err
	}

	s := &rowStream{exec: e, plan: p, remaining: -1}
	if opts.Limit > 0 {
		s.remaining = opts.Limit
	}
	// A single engine applies offset and limit itself. Across engines each
	// one is asked for offset+limit rows and the stream skips the offset.
	s.engineOpts = opts
	if len(p.groups) > 1 {
		s.skip = opts.Offset
		s.engineOpts.Offset = 0
		if opts.Limit > 0 {
			s.engineOpts.Limit = opts.Offset + opts.Limit
		}
	}

	if err := s.prefetch(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Count returns the number of rows of ds matching pred.
func (e *QueryExecutor) Count(ctx context.Context, ds *domain.ResolvedDataset, pred domain.Predicate, opts ExecOptions) (int64, error) {
	n, err := e.count(ctx, ds, pred, opts)
	if err == nil || !e.shouldRetry(err) {
		return n, err
	}

	fresh, rerr := e.refresh(ctx, ds, err)
	if rerr != nil {
		return 0, rerr
	}
	return e.count(ctx, fresh, pred, opts)
}

func (e *QueryExecutor) count(ctx context.Context, ds *domain.ResolvedDataset, pred domain.Predicate, opts ExecOptions) (int64, error) {
	p, err := e.plan(ds, pred)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, g := range p.groups {
		req := e.request(p, g, ExecOptions{GeometryColumn: opts.GeometryColumn, BBoxColumn: opts.BBoxColumn})
		n, err := g.engine.Count(ctx, req)
		if err != nil {
			return 0, wrapEngineError(g.engine, err)
		}
		total += n
	}
	return total, nil
}

// Export writes the rows of ds matching pred through the engine's native
// exporter. Only datasets served by a single exporting engine qualify.
func (e *QueryExecutor) Export(ctx context.Context, ds *domain.ResolvedDataset, pred domain.Predicate, opts ExecOptions, format domain.ExportFormat, w io.Writer) error {
	p, err := e.plan(ds, pred)
	if err != nil {
		return err
	}
	if len(p.groups) == 0 && len(ds.Files) > 0 {
		// Nothing can match: still write a valid file with the schema of
		// the first source.
		f := ds.Files[0]
		engine, ok := e.engines[f.Format]
		if !ok {
			return fmt.Errorf("no engine for %s: %w", f.Format, domain.ErrUnsupportedFormat)
		}
		p.groups = []scanGroup{{engine: engine, files: []domain.FileDescriptor{f}}}
		p.predicate = domain.Not{Child: domain.True{}}
	}
	if len(p.groups) != 1 {
		return fmt.Errorf("dataset mixes source formats: %w", domain.ErrExportUnsupported)
	}
	g := p.groups[0]
	ex, ok := g.engine.(output.Exporter)
	if !ok {
		return fmt.Errorf("%s sources: %w", g.engine.Format(), domain.ErrExportUnsupported)
	}
	return wrapEngineError(g.engine, ex.Export(ctx, e.request(p, g, opts), format, w))
}

func (e *QueryExecutor) shouldRetry(err error) bool {
	var stale *domain.StaleMetadataError
	return e.refresher != nil && errors.As(err, &stale)
}

func (e *QueryExecutor) refresh(ctx context.Context, ds *domain.ResolvedDataset, cause error) (*domain.ResolvedDataset, error) {
	e.metrics.IncStaleRetries()
	e.logger.Info("metadata stale, re-resolving", "pattern", ds.Pattern, "error", cause)

	fresh, err := e.refresher.Refresh(ctx, ds.Pattern)
	if err != nil {
		return nil, fmt.Errorf("re-resolving after stale metadata: %w", err)
	}
	return fresh, nil
}

func wrapEngineError(engine output.SourceEngine, err error) error {
	if err == nil {
		return nil
	}
	var (
		stale *domain.StaleMetadataError
		qerr  *domain.QueryExecutionError
	)
	if errors.As(err, &stale) || errors.As(err, &qerr) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrUnsupported) {
		return err
	}
	return &domain.QueryExecutionError{Engine: string(engine.Format()), Err: err}
}

// rowStream chains the engine streams of a plan and enforces offset and
// limit.
type rowStream struct {
	exec       *QueryExecutor
	plan       *queryPlan
	engineOpts ExecOptions
	group      int
	cur        output.RowStream
	skip       int
	remaining  int // -1 means unlimited
	peeked     *domain.RowBatch
	done       bool
	closed     bool
}

func (s *rowStream) prefetch(ctx context.Context) error {
	batch, err := s.next(ctx)
	if errors.Is(err, io.EOF) {
		s.done = true
		return nil
	}
	if err != nil {
		return err
	}
	s.peeked = batch
	return nil
}

// Next implements output.RowStream.
func (s *rowStream) Next(ctx context.Context) (*domain.RowBatch, error) {
	if s.closed {
		return nil, io.EOF
	}
	if s.peeked != nil {
		b := s.peeked
		s.peeked = nil
		return b, nil
	}
	if s.done {
		return nil, io.EOF
	}
	b, err := s.next(ctx)
	if errors.Is(err, io.EOF) {
		s.done = true
	}
	return b, err
}

func (s *rowStream) next(ctx context.Context) (*domain.RowBatch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.remaining == 0 {
			return nil, io.EOF
		}
		if s.cur == nil {
			if s.group >= len(s.plan.groups) {
				return nil, io.EOF
			}
			g := s.plan.groups[s.group]
			stream, err := g.engine.Scan(ctx, s.exec.request(s.plan, g, s.engineOpts))
			if err != nil {
				return nil, wrapEngineError(g.engine, err)
			}
			s.cur = stream
		}

		batch, err := s.cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			_ = s.cur.Close()
			s.cur = nil
			s.group++
			continue
		}
		if err != nil {
			return nil, wrapEngineError(s.plan.groups[s.group].engine, err)
		}

		feats := batch.Features
		if s.skip > 0 {
			n := min(s.skip, len(feats))
			feats = feats[n:]
			s.skip -= n
		}
		if s.remaining > 0 && len(feats) > s.remaining {
			feats = feats[:s.remaining]
		}
		if len(feats) == 0 {
			continue
		}
		if s.remaining > 0 {
			s.remaining -= len(feats)
		}
		return &domain.RowBatch{Source: batch.Source, Features: feats}, nil
	}
}

// Close implements output.RowStream.
func (s *rowStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.peeked = nil
	if s.cur != nil {
		err := s.cur.Close()
		s.cur = nil
		return err
	}
	return nil
}
