package http

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/paulmach/orb"

	"github.com/jobrunner/tessera/internal/application"
	"github.com/jobrunner/tessera/internal/config"
	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/input"
)

var testDataset = &domain.ResolvedDataset{
	Pattern:        "data/buildings.parquet",
	Name:           "buildings",
	SRID:           domain.SRIDWGS84,
	GeometryColumn: "geometry",
	BBox:           &domain.BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10, SRID: domain.SRIDWGS84},
	Schema: domain.NewSchema(
		domain.Column{Name: "name", Type: domain.TypeString, Nullable: true},
		domain.Column{Name: "height", Type: domain.TypeFloat, Nullable: true},
		domain.Column{Name: "geometry", Type: domain.TypeGeometry},
	),
	Files: []domain.FileDescriptor{{
		URI:      "data/buildings.parquet",
		Format:   domain.FormatGeoParquet,
		Layer:    "buildings",
		RowCount: 3,
	}},
}

func testFeatures() []domain.Feature {
	return []domain.Feature{
		{ID: 1, Geometry: orb.Point{1, 2}, Properties: []domain.Property{{Key: "name", Value: "a"}, {Key: "height", Value: 120.5}}},
		{ID: 2, Geometry: orb.Point{3, 4}, Properties: []domain.Property{{Key: "name", Value: "b, c"}, {Key: "height", Value: nil}}},
	}
}

// mockRows implements output.RowStream over fixed batches.
type mockRows struct {
	batches [][]domain.Feature
	err     error // returned after the batches
	closed  bool
}

func (m *mockRows) Next(_ context.Context) (*domain.RowBatch, error) {
	if len(m.batches) == 0 {
		if m.err != nil {
			return nil, m.err
		}
		return nil, io.EOF
	}
	b := m.batches[0]
	m.batches = m.batches[1:]
	return &domain.RowBatch{Features: b}, nil
}

func (m *mockRows) Close() error {
	m.closed = true
	return nil
}

// mockFeatureService implements input.FeatureService for testing.
type mockFeatureService struct {
	matched   int64
	rows      *mockRows
	err       error
	exportErr error
	export    []byte
	lastQuery domain.FeatureQuery
	format    domain.ExportFormat
}

func (m *mockFeatureService) Features(_ context.Context, q domain.FeatureQuery) (*input.FeaturePage, error) {
	m.lastQuery = q
	if m.err != nil {
		return nil, m.err
	}
	limit := q.Limit
	if limit == 0 {
		limit = 10
	}
	rows := m.rows
	if rows == nil {
		rows = &mockRows{}
	}
	return &input.FeaturePage{
		Dataset:       testDataset,
		NumberMatched: m.matched,
		Limit:         limit,
		Offset:        q.Offset,
		Rows:          rows,
	}, nil
}

func (m *mockFeatureService) Count(_ context.Context, q domain.FeatureQuery) (int64, error) {
	m.lastQuery = q
	if m.err != nil {
		return 0, m.err
	}
	return m.matched, nil
}

func (m *mockFeatureService) Export(_ context.Context, q domain.FeatureQuery, format domain.ExportFormat, w io.Writer) error {
	m.lastQuery = q
	m.format = format
	if m.exportErr != nil {
		return m.exportErr
	}
	_, err := w.Write(m.export)
	return err
}

// mockTileService implements input.TileService for testing.
type mockTileService struct {
	data    []byte
	err     error
	lastReq domain.TileRequest
}

func (m *mockTileService) Tile(_ context.Context, req domain.TileRequest) (*domain.Tile, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &domain.Tile{Address: req.Address, Data: m.data, Layers: 1}, nil
}

// mockDatasetService implements input.DatasetService for testing.
type mockDatasetService struct {
	dataset     *domain.ResolvedDataset
	err         error
	invalidated []domain.LocationPattern
}

func (m *mockDatasetService) Resolve(_ context.Context, _ domain.LocationPattern) (*domain.ResolvedDataset, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.dataset, nil
}

func (m *mockDatasetService) Invalidate(p domain.LocationPattern) {
	m.invalidated = append(m.invalidated, p)
}

// mockHealthService implements input.HealthChecker for testing.
type mockHealthService struct {
	healthy bool
	ready   bool
}

func (m *mockHealthService) IsHealthy(_ context.Context) bool {
	return m.healthy
}

func (m *mockHealthService) IsReady(_ context.Context) bool {
	return m.ready
}

func (m *mockHealthService) GetHealthDetails(_ context.Context) input.HealthDetails {
	return input.HealthDetails{
		Healthy:        m.healthy,
		Ready:          m.ready,
		CachedDatasets: 2,
		Engines:        []string{"geoparquet"},
		Components:     map[string]string{"metadata_cache": "ok"},
	}
}

// mockWarmer implements WarmTrigger for testing.
type mockWarmer struct {
	err error
}

func (m *mockWarmer) TriggerWarm(_ context.Context) (application.WarmResult, error) {
	if m.err != nil {
		return application.WarmResult{}, m.err
	}
	return application.WarmResult{Patterns: 1, Resolved: 1, Files: 3}, nil
}

type testServices struct {
	features *mockFeatureService
	tiles    *mockTileService
	datasets *mockDatasetService
	health   *mockHealthService
	warmer   *mockWarmer
}

func newTestServices() *testServices {
	return &testServices{
		features: &mockFeatureService{matched: 2, rows: &mockRows{batches: [][]domain.Feature{testFeatures()}}},
		tiles:    &mockTileService{data: []byte{0x1a, 0x02, 0x78, 0x02}},
		datasets: &mockDatasetService{dataset: testDataset},
		health:   &mockHealthService{healthy: true, ready: true},
		warmer:   &mockWarmer{},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(svc *testServices) *Server {
	logger := testLogger()

	return NewServer(
		config.ServerConfig{
			Host:          "localhost",
			Port:          8080,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			ViewerEnabled: true,
		},
		Options{
			QueryTimeout: 5 * time.Second,
			TileMaxAge:   time.Hour,
		},
		Services{
			Features: svc.features,
			Tiles:    svc.tiles,
			Datasets: svc.datasets,
			Health:   svc.health,
			Warmer:   svc.warmer,
		},
		logger,
	)
}
