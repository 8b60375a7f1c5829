package geopackage

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// DefaultBatchSize is the number of rows per batch when the request does
// not set one.
const DefaultBatchSize = 500

// layerQuery is the SQL shape of a request against one feature table.
type layerQuery struct {
	desc  domain.FileDescriptor
	db    *sql.DB
	info  tableInfo
	props []string
	// local is set when the predicate references columns the table does
	// not have. Such rows are filtered in Go, where the missing column
	// reads as NULL.
	local bool
}

func (e *Engine) layerQuery(desc domain.FileDescriptor, pred domain.Predicate) (*layerQuery, error) {
	db, info, ok := e.lookup(desc.URI, desc.Layer)
	if !ok {
		return nil, &domain.StaleMetadataError{URI: desc.URI, Err: fmt.Errorf("layer %q is not open", desc.Layer)}
	}
	q := &layerQuery{desc: desc, db: db, info: info}
	for _, c := range desc.Schema.Columns {
		if c.Name == desc.GeometryColumn {
			continue
		}
		q.props = append(q.props, c.Name)
	}
	// Spatial leaves always apply to the layer's own geometry column.
	onLayer, err := domain.MapSpatial(pred, func(sp domain.Spatial) (domain.Predicate, error) {
		sp.Column = desc.GeometryColumn
		return sp, nil
	})
	if err != nil {
		return nil, err
	}
	for _, col := range domain.Columns(onLayer) {
		if !desc.Schema.Has(col) {
			q.local = true
			break
		}
	}
	return q, nil
}

// dialect renders spatial leaves on the layer's own geometry column, as an
// R-tree subquery when the table has one.
func (q *layerQuery) dialect() filter.Dialect {
	return filter.Dialect{
		Name:  "geopackage",
		True:  "1",
		Value: sqliteValue,
		Spatial: func(s domain.Spatial) (string, []any, error) {
			args := []any{s.BBox.MinX, s.BBox.MinY, s.BBox.MaxX, s.BBox.MaxY}
			if q.info.rtree != "" {
				id := "rowid"
				if q.info.idColumn != "" {
					id = filter.QuoteIdent(q.info.idColumn)
				}
				return fmt.Sprintf(
					"%s IN (SELECT id FROM %s WHERE maxx >= ? AND maxy >= ? AND minx <= ? AND miny <= ?)",
					id, filter.QuoteIdent(q.info.rtree),
				), args, nil
			}
			return fmt.Sprintf("%s(%s, ?, ?, ?, ?) = 1", envelopeFunc, filter.QuoteIdent(q.desc.GeometryColumn)), args, nil
		},
	}
}

// sqliteValue binds times as RFC3339 text and booleans as integers, which
// is how GeoPackage stores them.
func sqliteValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return filter.TimeAsText(v)
}

func (q *layerQuery) where(pred domain.Predicate) (string, []any, error) {
	if q.local {
		boxes := domain.ConjunctiveBBoxes(pred)
		if len(boxes) == 0 {
			return "1", nil, nil
		}
		children := make([]domain.Predicate, len(boxes))
		for i, b := range boxes {
			children[i] = domain.Spatial{Column: q.desc.GeometryColumn, BBox: b}
		}
		return filter.ToSQL(domain.And{Children: children}, q.dialect())
	}
	return filter.ToSQL(pred, q.dialect())
}

func (q *layerQuery) selectSQL(pred domain.Predicate, limit, offset int) (string, []any, error) {
	where, args, err := q.where(pred)
	if err != nil {
		return "", nil, err
	}
	cols := make([]string, 0, len(q.props)+1)
	for _, name := range q.props {
		cols = append(cols, filter.QuoteIdent(name))
	}
	cols = append(cols, filter.QuoteIdent(q.desc.GeometryColumn))

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), filter.QuoteIdent(q.desc.Layer), where)
	if limit > 0 || offset > 0 {
		if limit <= 0 {
			limit = -1
		}
		fmt.Fprintf(&sb, " LIMIT %d OFFSET %d", limit, offset)
	}
	return sb.String(), args, nil
}

// Scan implements output.SourceEngine. Layers are read one after another.
func (e *Engine) Scan(ctx context.Context, req output.ScanRequest) (output.RowStream, error) {
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("scan without files: %w", domain.ErrInvalidInput)
	}
	batch := req.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	s := &rowStream{
		engine:    e,
		ctx:       ctx,
		files:     req.Files,
		predicate: req.Predicate,
		batchSize: batch,
		skip:      req.Offset,
		remaining: -1,
	}
	if req.Limit > 0 {
		s.remaining = req.Limit
	}
	// Open the first layer eagerly so that stale metadata surfaces here.
	if err := s.advance(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Count implements output.SourceEngine.
func (e *Engine) Count(ctx context.Context, req output.ScanRequest) (int64, error) {
	var total int64
	for _, desc := range req.Files {
		if domain.IsTrue(req.Predicate) {
			total += desc.RowCount
			continue
		}
		q, err := e.layerQuery(desc, req.Predicate)
		if err != nil {
			return 0, err
		}
		if q.local {
			n, err := e.countLocal(ctx, desc, req.Predicate)
			if err != nil {
				return 0, err
			}
			total += n
			continue
		}
		where, args, err := q.where(req.Predicate)
		if err != nil {
			return 0, err
		}
		var n int64
		err = q.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", filter.QuoteIdent(desc.Layer), where), args...,
		).Scan(&n)
		if err != nil {
			return 0, queryError(desc.URI, err)
		}
		total += n
	}
	return total, nil
}

func (e *Engine) countLocal(ctx context.Context, desc domain.FileDescriptor, pred domain.Predicate) (int64, error) {
	stream, err := e.Scan(ctx, output.ScanRequest{Files: []domain.FileDescriptor{desc}, Predicate: pred})
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

// rowStream chains the layers of a request. Offset and limit are pushed
// into SQL for a single layer and applied here otherwise.
type rowStream struct {
	engine    *Engine
	ctx       context.Context
	files     []domain.FileDescriptor
	predicate domain.Predicate
	batchSize int

	next  int // index of the next layer to open
	query *layerQuery
	rows  *sql.Rows

	skip      int
	remaining int // -1 means unlimited
	closed    bool
}

// advance opens the next layer, or leaves rows nil when all are done.
func (s *rowStream) advance() error {
	if s.rows != nil {
		_ = s.rows.Close()
		s.rows = nil
	}
	if s.next >= len(s.files) {
		return nil
	}
	desc := s.files[s.next]
	s.next++

	q, err := s.engine.layerQuery(desc, s.predicate)
	if err != nil {
		return err
	}

	limit, offset := 0, 0
	if len(s.files) == 1 && !q.local {
		if s.remaining > 0 {
			limit = s.remaining
		}
		offset = s.skip
		s.skip = 0
	}
	query, args, err := q.selectSQL(s.predicate, limit, offset)
	if err != nil {
		return err
	}
	rows, err := q.db.QueryContext(s.ctx, query, args...)
	if err != nil {
		return queryError(desc.URI, err)
	}
	s.query, s.rows = q, rows
	return nil
}

func (s *rowStream) Next(ctx context.Context) (*domain.RowBatch, error) {
	if s.closed || s.remaining == 0 {
		return nil, io.EOF
	}

	var batch *domain.RowBatch
	for s.rows != nil {
		if batch == nil {
			batch = &domain.RowBatch{Source: s.query.desc.URI}
		}
		for len(batch.Features) < s.batchSize && s.remaining != 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !s.rows.Next() {
				if err := s.rows.Err(); err != nil {
					return nil, queryError(s.query.desc.URI, err)
				}
				break
			}
			f, err := s.scanRow()
			if err != nil {
				return nil, err
			}
			if s.query.local && !filter.Eval(s.predicate, f) {
				continue
			}
			if s.skip > 0 {
				s.skip--
				continue
			}
			batch.Features = append(batch.Features, *f)
			if s.remaining > 0 {
				s.remaining--
			}
		}
		if len(batch.Features) == s.batchSize || s.remaining == 0 {
			return batch, nil
		}
		// The layer is exhausted. Batches never span layers.
		if err := s.advance(); err != nil {
			return nil, err
		}
		if len(batch.Features) > 0 {
			return batch, nil
		}
		batch = nil
	}
	if batch != nil && len(batch.Features) > 0 {
		return batch, nil
	}
	return nil, io.EOF
}

func (s *rowStream) scanRow() (*domain.Feature, error) {
	q := s.query
	vals := make([]any, len(q.props)+1)
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := s.rows.Scan(ptrs...); err != nil {
		return nil, queryError(q.desc.URI, err)
	}

	f := &domain.Feature{Layer: q.desc.Layer, Properties: make([]domain.Property, len(q.props))}
	for i, name := range q.props {
		v := vals[i]
		if name == q.info.idColumn {
			if id, ok := v.(int64); ok && id >= 0 {
				f.ID = uint64(id)
			}
		}
		f.Properties[i] = domain.Property{Key: name, Value: v}
	}

	switch g := vals[len(q.props)].(type) {
	case nil:
	case []byte:
		geom, err := decodeGeometry(g)
		if err != nil {
			return nil, err
		}
		f.Geometry = geom
	default:
		return nil, fmt.Errorf("geometry of type %T: %w", g, domain.ErrGeometryUndecodable)
	}
	return f, nil
}

// Close releases the open result set. It is idempotent.
func (s *rowStream) Close() error {
	s.closed = true
	if s.rows != nil {
		err := s.rows.Close()
		s.rows = nil
		return err
	}
	return nil
}

// queryError reports vanished tables and columns as stale metadata.
func queryError(uri string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "unable to open database file") {
		return &domain.StaleMetadataError{URI: uri, Err: err}
	}
	return &domain.QueryExecutionError{Engine: string(domain.FormatGeoPackage), Err: err}
}
