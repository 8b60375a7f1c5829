package application

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/output"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testSchema = domain.NewSchema(
	domain.Column{Name: "id", Type: domain.TypeInteger},
	domain.Column{Name: "name", Type: domain.TypeString, Nullable: true},
	domain.Column{Name: "geometry", Type: domain.TypeGeometry},
)

// mockStorage implements output.ObjectStorage for testing.
type mockStorage struct {
	objects   []output.StorageObject
	listErr   error
	listCalls atomic.Int32
	statCalls atomic.Int32
}

func (m *mockStorage) List(_ context.Context, loc domain.Location) ([]output.StorageObject, error) {
	m.listCalls.Add(1)
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []output.StorageObject
	for _, o := range m.objects {
		if strings.HasPrefix(o.Key, loc.Prefix) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockStorage) Stat(_ context.Context, _ domain.Location, key string) (*output.StorageObject, error) {
	m.statCalls.Add(1)
	for _, o := range m.objects {
		if o.Key == key {
			obj := o
			return &obj, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", key, domain.ErrNotFound)
}

func (m *mockStorage) GetReader(_ context.Context, _ domain.Location, _ string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *mockStorage) Download(_ context.Context, _ domain.Location, _, _ string) error {
	return nil
}

func objects(keys ...string) []output.StorageObject {
	out := make([]output.StorageObject, len(keys))
	for i, k := range keys {
		out[i] = output.StorageObject{Key: k, Size: 100}
	}
	return out
}

// mockEngine implements output.SourceEngine over in-memory rows. Scans
// evaluate the predicate with filter.Eval.
type mockEngine struct {
	format domain.SourceFormat

	bboxes   map[string]*domain.BBox // per file URI; nil entry means unknown
	srid     int
	schema   domain.Schema
	layers   map[string]string // per file URI
	rows     map[string][]domain.Feature
	batch    int
	exported []string

	describeErr error
	// scanErrs are returned by successive Scan calls, nil means success.
	scanErrs []error
	countErr error

	mu            sync.Mutex
	describeCalls atomic.Int32
	scans         [][]string
	requests      []output.ScanRequest
}

func newMockEngine(format domain.SourceFormat) *mockEngine {
	return &mockEngine{
		format: format,
		bboxes: make(map[string]*domain.BBox),
		srid:   domain.SRIDWGS84,
		schema: testSchema,
		layers: make(map[string]string),
		rows:   make(map[string][]domain.Feature),
		batch:  2,
	}
}

func (m *mockEngine) Format() domain.SourceFormat { return m.format }

func (m *mockEngine) Describe(_ context.Context, ref domain.FileRef, _ output.DescribeOptions) ([]domain.FileDescriptor, error) {
	m.describeCalls.Add(1)
	if m.describeErr != nil {
		return nil, m.describeErr
	}
	return []domain.FileDescriptor{{
		URI:            ref.URI,
		Key:            ref.Key,
		Format:         m.format,
		Layer:          m.layers[ref.URI],
		BBox:           m.bboxes[ref.URI],
		SRID:           m.srid,
		GeometryColumn: "geometry",
		Schema:         m.schema,
		RowCount:       int64(len(m.rows[ref.URI])),
		Size:           ref.Size,
	}}, nil
}

func (m *mockEngine) matching(req output.ScanRequest) []domain.Feature {
	var out []domain.Feature
	for _, f := range req.Files {
		for _, row := range m.rows[f.URI] {
			if filter.Eval(req.Predicate, &row) {
				out = append(out, row)
			}
		}
	}
	return out
}

func (m *mockEngine) Scan(_ context.Context, req output.ScanRequest) (output.RowStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uris := make([]string, len(req.Files))
	for i, f := range req.Files {
		uris[i] = f.URI
	}
	m.scans = append(m.scans, uris)
	m.requests = append(m.requests, req)

	if len(m.scanErrs) > 0 {
		err := m.scanErrs[0]
		m.scanErrs = m.scanErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	rows := m.matching(req)
	if req.Offset > 0 {
		rows = rows[min(req.Offset, len(rows)):]
	}
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}
	return &sliceStream{rows: rows, batch: m.batch}, nil
}

func (m *mockEngine) Count(_ context.Context, req output.ScanRequest) (int64, error) {
	if m.countErr != nil {
		err := m.countErr
		m.countErr = nil
		return 0, err
	}
	return int64(len(m.matching(req))), nil
}

func (m *mockEngine) Export(_ context.Context, req output.ScanRequest, format domain.ExportFormat, w io.Writer) error {
	for _, row := range m.matching(req) {
		m.exported = append(m.exported, fmt.Sprint(row.ID))
	}
	_, err := fmt.Fprintf(w, "%s:%d", format, len(m.matching(req)))
	return err
}

func (m *mockEngine) scanCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scans)
}

// noExportEngine hides the Export method of the wrapped engine.
type noExportEngine struct {
	output.SourceEngine
}

func newMockEngineWithoutExport(format domain.SourceFormat) output.SourceEngine {
	return noExportEngine{SourceEngine: newMockEngine(format)}
}

// sliceStream serves rows in fixed-size batches.
type sliceStream struct {
	rows   []domain.Feature
	batch  int
	pos    int
	closed bool
}

func (s *sliceStream) Next(_ context.Context) (*domain.RowBatch, error) {
	if s.closed || s.pos >= len(s.rows) {
		return nil, io.EOF
	}
	end := min(s.pos+s.batch, len(s.rows))
	b := &domain.RowBatch{Features: s.rows[s.pos:end]}
	s.pos = end
	return b, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// countingRefresher records re-resolutions.
type countingRefresher struct {
	ds    *domain.ResolvedDataset
	err   error
	calls atomic.Int32
}

func (r *countingRefresher) Refresh(_ context.Context, _ domain.LocationPattern) (*domain.ResolvedDataset, error) {
	r.calls.Add(1)
	return r.ds, r.err
}

func bboxPtr(minX, minY, maxX, maxY float64) *domain.BBox {
	b := domain.NewBBox(minX, minY, maxX, maxY, domain.SRIDWGS84)
	return &b
}

func drain(stream output.RowStream) ([]domain.Feature, error) {
	defer func() { _ = stream.Close() }()
	var all []domain.Feature
	for {
		b, err := stream.Next(context.Background())
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			return all, err
		}
		all = append(all, b.Features...)
	}
}
