package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/paulmach/orb"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/geo"
	"github.com/jobrunner/tessera/internal/mvt"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// TileConfig holds configuration for the tile synthesizer.
type TileConfig struct {
	Extent      uint32
	Buffer      uint32 // in tile units of Extent
	MaxZoom     int
	MaxFeatures int // 0 means unlimited
}

// TileSynthesizer builds vector tiles from resolved datasets.
type TileSynthesizer struct {
	resolver *DatasetResolver
	executor *QueryExecutor
	metrics  output.MetricsCollector
	logger   *slog.Logger
	cfg      TileConfig
}

// NewTileSynthesizer creates a new tile synthesizer.
func NewTileSynthesizer(
	resolver *DatasetResolver,
	executor *QueryExecutor,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg TileConfig,
) *TileSynthesizer {
	if cfg.Extent == 0 {
		cfg.Extent = domain.DefaultTileExtent
	}
	if cfg.MaxZoom <= 0 {
		cfg.MaxZoom = domain.DefaultMaxZoom
	}
	return &TileSynthesizer{
		resolver: resolver,
		executor: executor,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// Tile resolves the dataset, compiles the filter and synthesizes the tile.
func (t *TileSynthesizer) Tile(ctx context.Context, req domain.TileRequest) (tile *domain.Tile, err error) {
	start := time.Now()
	defer func() {
		t.metrics.IncQueryCount("tiles", err == nil)
		t.metrics.ObserveQueryDuration("tiles", time.Since(start))
	}()

	if err := req.Address.Validate(t.cfg.MaxZoom); err != nil {
		return nil, err
	}
	ds, err := t.resolver.Resolve(ctx, req.Pattern)
	if err != nil {
		return nil, err
	}
	pred, err := compileFilter(ds, nil, req.Filter, req.FilterLang, req.GeometryColumn)
	if err != nil {
		return nil, err
	}

	layers, err := t.BuildLayers(ctx, ds, pred, req.Address, ExecOptions{
		GeometryColumn: req.GeometryColumn,
		BBoxColumn:     req.BBoxColumn,
	})
	if err != nil {
		return nil, err
	}
	data, err := mvt.Encode(layers)
	if err != nil {
		return nil, err
	}

	tile = &domain.Tile{Address: req.Address, Data: data, Layers: len(layers)}
	for _, l := range layers {
		tile.Features += len(l.Features)
	}
	t.metrics.ObserveTile(req.Address.Z, len(data), tile.Features)
	t.logger.Debug("tile synthesized",
		"pattern", req.Pattern,
		"tile", req.Address.String(),
		"features", tile.Features,
		"bytes", len(data),
	)
	return tile, nil
}

// Synthesize builds and encodes the tile at addr for an already resolved
// dataset and compiled predicate.
func (t *TileSynthesizer) Synthesize(ctx context.Context, ds *domain.ResolvedDataset, pred domain.Predicate, addr domain.TileAddress) ([]byte, error) {
	layers, err := t.BuildLayers(ctx, ds, pred, addr, ExecOptions{})
	if err != nil {
		return nil, err
	}
	return mvt.Encode(layers)
}

// BuildLayers queries the buffered tile extent and returns the features in
// tile coordinates, one layer per dataset layer in dataset order. Layers
// without features are kept.
func (t *TileSynthesizer) BuildLayers(ctx context.Context, ds *domain.ResolvedDataset, pred domain.Predicate, addr domain.TileAddress, opts ExecOptions) ([]domain.TileLayer, error) {
	if err := addr.Validate(t.cfg.MaxZoom); err != nil {
		return nil, err
	}

	frame := geo.BufferedTileBounds(addr, t.cfg.Extent, t.cfg.Buffer)
	queryBox, err := geo.TransformBBox(frame, domain.SRIDWGS84)
	if err != nil {
		return nil, err
	}
	column := opts.GeometryColumn
	if column == "" {
		column = ds.GeometryColumn
	}
	spatial := domain.Spatial{Column: column, BBox: queryBox}
	if _, ok := ds.Schema.Lookup(column); !ok {
		if cols := ds.Schema.GeometryColumns(); len(cols) > 0 {
			spatial.Column = cols[0]
		}
	}

	opts.Limit = t.cfg.MaxFeatures
	opts.Offset = 0
	rows, err := t.executor.Execute(ctx, ds, domain.AndOf(spatial, pred), opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	names := ds.LayerNames()
	layers := make([]domain.TileLayer, len(names))
	index := make(map[string]int, len(names))
	for i, name := range names {
		layers[i] = domain.TileLayer{Name: name, Extent: t.cfg.Extent}
		index[name] = i
	}

	for {
		batch, err := rows.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		for i := range batch.Features {
			f := &batch.Features[i]
			geoms, err := t.tileGeometries(f.Geometry, ds.SRID, frame)
			if err != nil {
				return nil, err
			}
			if len(geoms) == 0 {
				continue
			}

			name := f.Layer
			if name == "" {
				name = ds.Name
			}
			li, ok := index[name]
			if !ok {
				li = len(layers)
				index[name] = li
				layers = append(layers, domain.TileLayer{Name: name, Extent: t.cfg.Extent})
			}
			for _, g := range geoms {
				layers[li].Features = append(layers[li].Features, domain.TileFeature{
					ID:         f.ID,
					Geometry:   g,
					Properties: f.Properties,
				})
			}
		}
	}
	return layers, nil
}

// tileGeometries reprojects g to Web Mercator, clips it to the frame and
// quantizes it. Collections are split into their members. Parts that
// degenerate during quantization are dropped.
func (t *TileSynthesizer) tileGeometries(g orb.Geometry, srid int, frame domain.BBox) ([]orb.Geometry, error) {
	if g == nil {
		return nil, nil
	}
	if c, ok := g.(orb.Collection); ok {
		var out []orb.Geometry
		for _, member := range c {
			part, err := t.tileGeometries(member, srid, frame)
			if err != nil {
				return nil, err
			}
			out = append(out, part...)
		}
		return out, nil
	}

	projected, err := geo.Reproject(g, srid, domain.SRIDWebMercator)
	if err != nil {
		return nil, err
	}
	clipped := geo.ClipToBBox(projected, frame)
	if clipped == nil {
		return nil, nil
	}
	cleaned := geo.CleanTileGeometry(geo.Quantize(clipped, frame, t.cfg.Extent))
	if cleaned == nil {
		return nil, nil
	}
	return []orb.Geometry{cleaned}, nil
}
