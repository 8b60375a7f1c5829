package flatgeobuf

import (
	"context"
	"fmt"
	"io"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// DefaultBatchSize is the number of rows per batch when the request does
// not set one.
const DefaultBatchSize = 1000

// Scan implements output.SourceEngine. The first conjunctive bbox of the
// predicate is answered from the spatial index. The full predicate is
// evaluated on every decoded feature.
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
		files:     req.Files,
		predicate: req.Predicate,
		batchSize: batch,
		skip:      req.Offset,
		remaining: -1,
	}
	if boxes := domain.ConjunctiveBBoxes(req.Predicate); len(boxes) > 0 {
		s.bbox = &boxes[0]
	}
	if req.Limit > 0 {
		s.remaining = req.Limit
	}
	// Open the first file eagerly so that stale metadata surfaces here.
	if err := s.advance(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Count implements output.SourceEngine.
func (e *Engine) Count(ctx context.Context, req output.ScanRequest) (int64, error) {
	if domain.IsTrue(req.Predicate) {
		var total int64
		for _, desc := range req.Files {
			total += desc.RowCount
		}
		return total, nil
	}
	stream, err := e.Scan(ctx, output.ScanRequest{Files: req.Files, Predicate: req.Predicate, BatchSize: req.BatchSize})
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

// rowStream walks the files of a request one after another.
type rowStream struct {
	engine    *Engine
	files     []domain.FileDescriptor
	predicate domain.Predicate
	bbox      *domain.BBox
	batchSize int

	next int // index of the next file to open
	cur  *cursor

	skip      int
	remaining int // -1 means unlimited
	closed    bool
}

// cursor iterates the candidate features of one file, either the index
// hits or every feature in order.
type cursor struct {
	desc domain.FileDescriptor
	file *file
	cols []columnInfo

	hits    []hit
	indexed bool
	pos     int    // next hit
	offset  int    // next sequential feature offset
	ordinal uint64 // ordinal of the feature at offset
}

func (s *rowStream) advance(ctx context.Context) error {
	s.cur = nil
	if s.next >= len(s.files) {
		return nil
	}
	desc := s.files[s.next]
	s.next++

	f, err := s.engine.open(ctx, desc)
	if err != nil {
		return err
	}
	c := &cursor{desc: desc, file: f}
	if err := guard(func() { c.cols = readColumns(f.header) }); err != nil {
		return &domain.QueryExecutionError{Engine: string(domain.FormatFlatGeobuf), Err: err}
	}
	if s.bbox != nil && f.indexed() {
		if err := guard(func() { c.hits = f.search(*s.bbox) }); err != nil {
			return &domain.QueryExecutionError{Engine: string(domain.FormatFlatGeobuf), Err: err}
		}
		c.indexed = true
	}
	s.cur = c
	return nil
}

// nextFeature decodes the next candidate of the cursor, or returns nil at
// the end of the file.
func (c *cursor) nextFeature() (*domain.Feature, error) {
	var offset int
	var ordinal uint64
	if c.indexed {
		if c.pos >= len(c.hits) {
			return nil, nil
		}
		offset, ordinal = c.hits[c.pos].offset, c.hits[c.pos].ordinal
		c.pos++
	} else {
		if c.ordinal >= c.file.count || c.file.featuresStart+c.offset >= len(c.file.data) {
			return nil, nil
		}
		offset, ordinal = c.offset, c.ordinal
	}

	feat, nextOffset, err := c.file.feature(offset)
	if err != nil {
		return nil, err
	}
	if !c.indexed {
		c.offset = nextOffset
		c.ordinal++
	}

	out := &domain.Feature{ID: ordinal + 1, Layer: c.desc.Layer}
	var (
		props  []byte
		decErr error
	)
	err = guard(func() {
		var g flattypes.Geometry
		if geom := feat.Geometry(&g); geom != nil {
			out.Geometry, decErr = decodeGeometry(geom, c.file.geomType)
		}
		if n := feat.PropertiesLength(); n > 0 {
			props = make([]byte, n)
			for i := 0; i < n; i++ {
				props[i] = feat.Properties(i)
			}
		}
	})
	if err == nil {
		err = decErr
	}
	if err != nil {
		return nil, err
	}
	out.Properties, err = decodeProperties(props, c.cols)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *rowStream) Next(ctx context.Context) (*domain.RowBatch, error) {
	if s.closed || s.remaining == 0 {
		return nil, io.EOF
	}

	for s.cur != nil {
		batch := &domain.RowBatch{Source: s.cur.desc.URI}
		for len(batch.Features) < s.batchSize && s.remaining != 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			f, err := s.cur.nextFeature()
			if err != nil {
				return nil, &domain.QueryExecutionError{Engine: string(domain.FormatFlatGeobuf), Err: err}
			}
			if f == nil {
				break
			}
			if !filter.Eval(s.predicate, f) {
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
		// The file is exhausted. Batches never span files.
		if err := s.advance(ctx); err != nil {
			return nil, err
		}
		if len(batch.Features) > 0 {
			return batch, nil
		}
	}
	return nil, io.EOF
}

// Close is idempotent.
func (s *rowStream) Close() error {
	s.closed = true
	s.cur = nil
	return nil
}
