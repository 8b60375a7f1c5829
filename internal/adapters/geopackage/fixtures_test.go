package geopackage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// encodeBlob writes a little-endian GeoPackage geometry with an XY
// envelope, or without one when withEnvelope is false.
func encodeBlob(t *testing.T, g orb.Geometry, srid int32, withEnvelope bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	flags := byte(flagLittleEndian)
	if withEnvelope {
		flags |= 1 << 1
	}
	buf.Write([]byte{'G', 'P', 0, flags})
	_ = binary.Write(&buf, binary.LittleEndian, srid)
	if withEnvelope {
		b := g.Bound()
		for _, v := range []float64{b.Min[0], b.Max[0], b.Min[1], b.Max[1]} {
			_ = binary.Write(&buf, binary.LittleEndian, math.Float64bits(v))
		}
	}
	data, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		t.Fatalf("marshal wkb: %v", err)
	}
	buf.Write(data)
	return buf.Bytes()
}

type testRow struct {
	fid    int64
	name   string
	height float64
	geom   orb.Geometry
}

// writePackage creates a GeoPackage with a "parks" point table that has an
// R-tree and a "roads" line table without one, both in EPSG:4326.
func writePackage(t *testing.T, parks, roads []testRow) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.gpkg")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()

	exec := func(query string, args ...any) {
		t.Helper()
		if _, err := db.Exec(query, args...); err != nil {
			t.Fatalf("%s: %v", query, err)
		}
	}

	exec(`CREATE TABLE gpkg_spatial_ref_sys (srs_name TEXT, srs_id INTEGER PRIMARY KEY,
		organization TEXT, organization_coordsys_id INTEGER, definition TEXT, description TEXT)`)
	exec(`INSERT INTO gpkg_spatial_ref_sys VALUES ('WGS 84', 4326, 'EPSG', 4326, '', '')`)
	exec(`CREATE TABLE gpkg_contents (table_name TEXT PRIMARY KEY, data_type TEXT, identifier TEXT,
		description TEXT, last_change DATETIME, min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE, srs_id INTEGER)`)
	exec(`CREATE TABLE gpkg_geometry_columns (table_name TEXT, column_name TEXT, geometry_type_name TEXT,
		srs_id INTEGER, z TINYINT, m TINYINT)`)
	exec(`INSERT INTO gpkg_contents VALUES ('attributes_only', 'attributes', '', '', NULL, NULL, NULL, NULL, NULL, NULL)`)

	exec(`CREATE TABLE parks (fid INTEGER PRIMARY KEY, name TEXT, height REAL, geom POINT)`)
	exec(`INSERT INTO gpkg_contents VALUES ('parks', 'features', 'parks', '', NULL, -180, -90, 180, 90, 4326)`)
	exec(`INSERT INTO gpkg_geometry_columns VALUES ('parks', 'geom', 'POINT', 4326, 0, 0)`)
	exec(`CREATE VIRTUAL TABLE rtree_parks_geom USING rtree(id, minx, maxx, miny, maxy)`)
	for _, r := range parks {
		exec(`INSERT INTO parks VALUES (?, ?, ?, ?)`, r.fid, r.name, r.height, encodeBlob(t, r.geom, 4326, false))
		b := r.geom.Bound()
		exec(`INSERT INTO rtree_parks_geom VALUES (?, ?, ?, ?, ?)`, r.fid, b.Min[0], b.Max[0], b.Min[1], b.Max[1])
	}

	exec(`CREATE TABLE roads (fid INTEGER PRIMARY KEY, name TEXT, geom LINESTRING)`)
	exec(`INSERT INTO gpkg_contents VALUES ('roads', 'features', 'roads', '', NULL, NULL, NULL, NULL, NULL, 4326)`)
	exec(`INSERT INTO gpkg_geometry_columns VALUES ('roads', 'geom', 'LINESTRING', 4326, 0, 0)`)
	for _, r := range roads {
		exec(`INSERT INTO roads VALUES (?, ?, ?)`, r.fid, r.name, encodeBlob(t, r.geom, 4326, true))
	}
	return path
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{SpoolDir: t.TempDir()}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func localRef(path string) domain.FileRef {
	return domain.FileRef{
		Location: domain.Location{Scheme: domain.SchemeFile, Path: path},
		Key:      path,
		URI:      path,
		Format:   domain.FormatGeoPackage,
	}
}

func describe(t *testing.T, e *Engine, ref domain.FileRef) []domain.FileDescriptor {
	t.Helper()
	descs, err := e.Describe(context.Background(), ref, output.DescribeOptions{})
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	return descs
}

func drain(t *testing.T, s output.RowStream) []domain.Feature {
	t.Helper()
	defer func() { _ = s.Close() }()
	var out []domain.Feature
	for {
		b, err := s.Next(context.Background())
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		out = append(out, b.Features...)
	}
}

func defaultParks() []testRow {
	return []testRow{
		{fid: 1, name: "north", height: 120, geom: orb.Point{10, 50}},
		{fid: 2, name: "south", height: 400, geom: orb.Point{10, -50}},
		{fid: 3, name: "east", height: 80, geom: orb.Point{100, 0}},
	}
}

func defaultRoads() []testRow {
	return []testRow{
		{fid: 10, name: "a1", geom: orb.LineString{{0, 0}, {20, 20}}},
		{fid: 11, name: "a2", geom: orb.LineString{{-50, -50}, {-40, -40}}},
	}
}
