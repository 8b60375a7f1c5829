package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"math/big"

	"github.com/paulmach/orb/encoding/wkb"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// DefaultBatchSize is the number of rows per batch when the request does
// not set one.
const DefaultBatchSize = 1000

// Scan implements output.SourceEngine.
func (e *Engine) Scan(ctx context.Context, req output.ScanRequest) (output.RowStream, error) {
	p, err := e.plan(req)
	if err != nil {
		return nil, err
	}
	query, args, err := p.selectSQL(req)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("duckdb scan", "files", len(req.Files), "coarse", p.coarse, "sql", query)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryError(req.Files, err)
	}

	batch := req.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	s := &rowStream{
		rows:      rows,
		files:     req.Files,
		props:     p.props,
		batchSize: batch,
		remaining: -1,
	}
	if len(req.Files) == 1 {
		s.source = req.Files[0].URI
	}
	if p.coarse {
		s.predicate = req.Predicate
		s.skip = req.Offset
		if req.Limit > 0 {
			s.remaining = req.Limit
		}
	}
	return s, nil
}

// Count implements output.SourceEngine. Without a predicate the row counts
// from the file footers are summed.
func (e *Engine) Count(ctx context.Context, req output.ScanRequest) (int64, error) {
	if domain.IsTrue(req.Predicate) {
		var n int64
		known := true
		for _, f := range req.Files {
			if f.RowCount < 0 {
				known = false
				break
			}
			n += f.RowCount
		}
		if known {
			return n, nil
		}
	}

	p, err := e.plan(req)
	if err != nil {
		return 0, err
	}

	if p.coarse && !domain.IsTrue(req.Predicate) {
		return e.countDecoded(ctx, req)
	}

	query, args, err := p.countSQL(req.Predicate)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := e.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, queryError(req.Files, err)
	}
	return n, nil
}

// countDecoded counts by streaming when the predicate can only be
// evaluated on decoded rows.
func (e *Engine) countDecoded(ctx context.Context, req output.ScanRequest) (int64, error) {
	req.Limit, req.Offset = 0, 0
	stream, err := e.Scan(ctx, req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = stream.Close() }()

	var n int64
	for {
		b, err := stream.Next(ctx)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		n += int64(b.Len())
	}
}

// rowStream reads batches from an open result set.
type rowStream struct {
	rows      *sql.Rows
	files     []domain.FileDescriptor
	source    string
	props     []string
	batchSize int

	// Set in coarse mode only.
	predicate domain.Predicate
	skip      int
	remaining int // -1 means unlimited

	done bool
}

func (s *rowStream) Next(ctx context.Context) (*domain.RowBatch, error) {
	if s.done || s.remaining == 0 {
		return nil, io.EOF
	}

	batch := &domain.RowBatch{Source: s.source}
	for len(batch.Features) < s.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.rows.Next() {
			s.done = true
			if err := s.rows.Err(); err != nil {
				return nil, queryError(s.files, err)
			}
			break
		}
		f, err := s.scanRow()
		if err != nil {
			return nil, err
		}
		if s.predicate != nil && !filter.Eval(s.predicate, f) {
			continue
		}
		if s.skip > 0 {
			s.skip--
			continue
		}
		batch.Features = append(batch.Features, *f)
		if s.remaining > 0 {
			s.remaining--
			if s.remaining == 0 {
				break
			}
		}
	}

	if len(batch.Features) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (s *rowStream) scanRow() (*domain.Feature, error) {
	vals := make([]any, len(s.props)+1)
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := s.rows.Scan(ptrs...); err != nil {
		return nil, queryError(s.files, err)
	}

	f := &domain.Feature{Properties: make([]domain.Property, len(s.props))}
	for i, name := range s.props {
		f.Properties[i] = domain.Property{Key: name, Value: normalize(vals[i])}
	}

	switch g := vals[len(s.props)].(type) {
	case nil:
	case []byte:
		geom, err := wkb.Unmarshal(g)
		if err != nil {
			return nil, fmt.Errorf("decoding geometry: %v: %w", err, domain.ErrGeometryUndecodable)
		}
		f.Geometry = geom
	default:
		return nil, fmt.Errorf("geometry of type %T: %w", g, domain.ErrGeometryUndecodable)
	}
	return f, nil
}

// Close releases the result set. It is idempotent.
func (s *rowStream) Close() error {
	s.done = true
	return s.rows.Close()
}

// normalize maps driver values onto the property value types used across
// the engines: int64, float64, string, bool, time.Time, []byte and
// nested []any / map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case *big.Int:
		if t.IsInt64() {
			return t.Int64()
		}
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = normalize(x)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = normalize(x)
		}
		return out
	case interface{ Float64() float64 }:
		return t.Float64()
	case fmt.Stringer:
		return t.String()
	default:
		return v
	}
}
