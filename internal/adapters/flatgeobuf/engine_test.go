package flatgeobuf

import (
	"context"
	"os"
	"testing"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

func TestEngine_Describe(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	path := writeFile(t, defaultFeatures(), fileOptions{name: "parks", indexed: true, srid: 4326})
	ref := localRef(t, path)

	desc := describe(t, e, ref)
	assert.Equal(t, "parks", desc.Layer)
	assert.Equal(t, domain.FormatFlatGeobuf, desc.Format)
	assert.Equal(t, domain.SRIDWGS84, desc.SRID)
	assert.Equal(t, int64(3), desc.RowCount)
	assert.Equal(t, ref.Size, desc.Size)
	assert.Equal(t, GeometryColumn, desc.GeometryColumn)
	assert.Equal(t, []string{"name", "height", GeometryColumn}, desc.Schema.Names())

	col, ok := desc.Schema.Lookup("height")
	require.True(t, ok)
	assert.Equal(t, domain.TypeFloat, col.Type)
	col, _ = desc.Schema.Lookup(GeometryColumn)
	assert.Equal(t, domain.TypeGeometry, col.Type)
}

func TestEngine_DescribeUnnamedLayer(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	path := writeFile(t, defaultFeatures(), fileOptions{})

	desc := describe(t, e, localRef(t, path))
	assert.Equal(t, "unnamed", desc.Layer)
	assert.Equal(t, domain.SRIDUnknown, desc.SRID)
}

func TestEngine_DescribeErrors(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	plain := t.TempDir() + "/plain.fgb"
	require.NoError(t, os.WriteFile(plain, []byte("not a flatgeobuf file"), 0o600))
	_, err := e.Describe(context.Background(), localRef(t, plain), output.DescribeOptions{})
	var rerr *domain.ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)

	small, _ := newTestEngine(t, Config{MaxFileSize: 16})
	path := writeFile(t, defaultFeatures(), fileOptions{name: "parks"})
	_, err = small.Describe(context.Background(), localRef(t, path), output.DescribeOptions{})
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestEngine_Scan(t *testing.T) {
	tests := []struct {
		name      string
		indexed   bool
		predicate domain.Predicate
		limit     int
		offset    int
		want      []string
	}{
		{name: "all", indexed: true, predicate: domain.True{}, want: []string{"a", "b", "c"}},
		{
			name:      "bbox via index",
			indexed:   true,
			predicate: domain.Spatial{Column: GeometryColumn, BBox: domain.NewBBox(0, 0, 20, 60, 4326)},
			want:      []string{"a"},
		},
		{
			name:      "bbox without index",
			predicate: domain.Spatial{Column: GeometryColumn, BBox: domain.NewBBox(0, -60, 20, 60, 4326)},
			want:      []string{"a", "b"},
		},
		{
			name:    "bbox and attribute",
			indexed: true,
			predicate: domain.And{Children: []domain.Predicate{
				domain.Spatial{Column: GeometryColumn, BBox: domain.NewBBox(-180, -90, 180, 90, 4326)},
				domain.Comparison{Column: "height", Op: domain.OpLt, Value: 200.0},
			}},
			want: []string{"a", "c"},
		},
		{
			name:      "attribute",
			predicate: domain.Comparison{Column: "name", Op: domain.OpEq, Value: "b"},
			want:      []string{"b"},
		},
		{
			name:      "unknown column is null",
			predicate: domain.Comparison{Column: "missing", Op: domain.OpEq, Value: 1.0},
			want:      []string{},
		},
		{name: "limit and offset", predicate: domain.True{}, limit: 1, offset: 1, want: []string{"b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, Config{})
			desc := describe(t, e, localRef(t, writeFile(t, defaultFeatures(), fileOptions{name: "parks", indexed: tt.indexed})))

			stream, err := e.Scan(context.Background(), output.ScanRequest{
				Files:     []domain.FileDescriptor{desc},
				Predicate: tt.predicate,
				Limit:     tt.limit,
				Offset:    tt.offset,
				BatchSize: 2,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(drain(t, stream)))
		})
	}
}

func TestEngine_ScanIDsFollowFileOrder(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	desc := describe(t, e, localRef(t, writeFile(t, defaultFeatures(), fileOptions{name: "parks"})))

	stream, err := e.Scan(context.Background(), output.ScanRequest{Files: []domain.FileDescriptor{desc}, Predicate: domain.True{}})
	require.NoError(t, err)
	features := drain(t, stream)
	require.Len(t, features, 3)
	for i, f := range features {
		assert.Equal(t, uint64(i+1), f.ID)
		assert.Equal(t, "parks", f.Layer)
	}
}

func TestEngine_ScanIndexedIDsAreStable(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	desc := describe(t, e, localRef(t, writeFile(t, defaultFeatures(), fileOptions{name: "parks", indexed: true})))

	scan := func(p domain.Predicate) map[string]uint64 {
		stream, err := e.Scan(context.Background(), output.ScanRequest{Files: []domain.FileDescriptor{desc}, Predicate: p})
		require.NoError(t, err)
		ids := map[string]uint64{}
		for _, f := range drain(t, stream) {
			v, _ := f.GetProperty("name")
			ids[v.(string)] = f.ID
		}
		return ids
	}

	all := scan(domain.True{})
	found := scan(domain.Spatial{Column: GeometryColumn, BBox: domain.NewBBox(90, -10, 110, 10, 4326)})
	require.Contains(t, found, "c")
	assert.Equal(t, all["c"], found["c"])
}

func TestEngine_ScanFeatureContent(t *testing.T) {
	features := []testFeature{
		{
			geom:   orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}, {{2, 2}, {2, 4}, {4, 4}, {2, 2}}},
			name:   "holed",
			height: 1.5,
		},
		{geom: orb.LineString{{0, 0}, {20, 20}}, name: "line", height: 2},
		{
			geom: orb.MultiPolygon{
				{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}},
				{{{5, 5}, {6, 5}, {6, 6}, {5, 5}}},
			},
			name:   "multi",
			height: 3,
		},
	}
	e, _ := newTestEngine(t, Config{})
	desc := describe(t, e, localRef(t, writeFile(t, features, fileOptions{name: "shapes"})))

	stream, err := e.Scan(context.Background(), output.ScanRequest{Files: []domain.FileDescriptor{desc}, Predicate: domain.True{}})
	require.NoError(t, err)
	got := drain(t, stream)
	require.Len(t, got, 3)

	for i, f := range got {
		assert.Equal(t, features[i].geom, f.Geometry, features[i].name)
		name, _ := f.GetProperty("name")
		height, _ := f.GetProperty("height")
		assert.Equal(t, features[i].name, name)
		assert.Equal(t, features[i].height, height)
	}
}

func TestEngine_Count(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	indexed := describe(t, e, localRef(t, writeFile(t, defaultFeatures(), fileOptions{name: "a", indexed: true})))
	plain := describe(t, e, localRef(t, writeFile(t, defaultFeatures(), fileOptions{name: "b"})))
	files := []domain.FileDescriptor{indexed, plain}

	tests := []struct {
		name      string
		predicate domain.Predicate
		want      int64
	}{
		{name: "true uses row counts", predicate: domain.True{}, want: 6},
		{name: "bbox", predicate: domain.Spatial{Column: GeometryColumn, BBox: domain.NewBBox(0, -60, 20, 60, 4326)}, want: 4},
		{name: "attribute", predicate: domain.Comparison{Column: "height", Op: domain.OpGe, Value: 120.0}, want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := e.Count(context.Background(), output.ScanRequest{Files: files, Predicate: tt.predicate})
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestEngine_ScanUndescribedFile(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	desc := domain.FileDescriptor{URI: "file:///nowhere.fgb", GeometryColumn: GeometryColumn}

	_, err := e.Scan(context.Background(), output.ScanRequest{Files: []domain.FileDescriptor{desc}, Predicate: domain.True{}})
	var stale *domain.StaleMetadataError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, desc.URI, stale.URI)
}

func TestEngine_ReloadsEvictedFiles(t *testing.T) {
	e, storage := newTestEngine(t, Config{CachedFiles: 1})
	first := describe(t, e, localRef(t, writeFile(t, defaultFeatures(), fileOptions{name: "first"})))
	describe(t, e, localRef(t, writeFile(t, defaultFeatures(), fileOptions{name: "second"})))
	require.Equal(t, 2, storage.reads)

	stream, err := e.Scan(context.Background(), output.ScanRequest{Files: []domain.FileDescriptor{first}, Predicate: domain.True{}})
	require.NoError(t, err)
	assert.Len(t, drain(t, stream), 3)
	assert.Equal(t, 3, storage.reads)
}

func TestEngine_ChangedFileIsStale(t *testing.T) {
	e, _ := newTestEngine(t, Config{CachedFiles: 1})
	path := writeFile(t, defaultFeatures(), fileOptions{name: "parks"})
	desc := describe(t, e, localRef(t, path))

	// Replace the file with fewer features and evict the cached copy.
	smaller := writeFile(t, defaultFeatures()[:1], fileOptions{name: "parks"})
	data, err := os.ReadFile(smaller)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	describe(t, e, localRef(t, writeFile(t, defaultFeatures(), fileOptions{name: "other"})))

	_, err = e.Scan(context.Background(), output.ScanRequest{Files: []domain.FileDescriptor{desc}, Predicate: domain.True{}})
	var stale *domain.StaleMetadataError
	assert.ErrorAs(t, err, &stale)
}

func TestTreeSize(t *testing.T) {
	tests := []struct {
		items    uint64
		nodeSize uint16
		want     int
	}{
		{items: 1, nodeSize: 16, want: 2},
		{items: 16, nodeSize: 16, want: 17},
		{items: 17, nodeSize: 16, want: 20},
		{items: 300, nodeSize: 16, want: 322},
		{items: 5, nodeSize: 2, want: 11},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, treeSize(tt.items, tt.nodeSize), "%d items, node size %d", tt.items, tt.nodeSize)
	}
}

func TestLevelBounds(t *testing.T) {
	// 17 leaves, 2 inner nodes and the root, stored root first.
	got := levelBounds(17, 16)
	assert.Equal(t, [][2]uint64{{3, 20}, {1, 3}, {0, 1}}, got)
}

func TestReadValue(t *testing.T) {
	tests := []struct {
		name string
		typ  flattypes.ColumnType
		in   []byte
		want any
		n    int
	}{
		{name: "bool", typ: flattypes.ColumnTypeBool, in: []byte{1}, want: true, n: 1},
		{name: "byte", typ: flattypes.ColumnTypeByte, in: []byte{0xff}, want: int64(-1), n: 1},
		{name: "ushort", typ: flattypes.ColumnTypeUShort, in: []byte{0x01, 0x01}, want: int64(257), n: 2},
		{name: "int", typ: flattypes.ColumnTypeInt, in: []byte{0xfe, 0xff, 0xff, 0xff}, want: int64(-2), n: 4},
		{name: "float", typ: flattypes.ColumnTypeFloat, in: []byte{0, 0, 0xc0, 0x3f}, want: 1.5, n: 4},
		{name: "string", typ: flattypes.ColumnTypeString, in: []byte{2, 0, 0, 0, 'h', 'i', 9}, want: "hi", n: 6},
		{name: "binary", typ: flattypes.ColumnTypeBinary, in: []byte{1, 0, 0, 0, 7}, want: []byte{7}, n: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, n, err := readValue(tt.in, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
			assert.Equal(t, tt.n, n)
		})
	}

	_, _, err := readValue([]byte{5, 0, 0, 0, 'a'}, flattypes.ColumnTypeString)
	assert.ErrorIs(t, err, domain.ErrGeometryUndecodable)
	_, _, err = readValue([]byte{1, 2}, flattypes.ColumnTypeLong)
	assert.ErrorIs(t, err, domain.ErrGeometryUndecodable)
}

func TestDecodeProperties(t *testing.T) {
	cols := []columnInfo{{name: "name", typ: flattypes.ColumnTypeString}, {name: "height", typ: flattypes.ColumnTypeDouble}}

	props, err := decodeProperties(encodeProperties(testFeature{name: "x", height: 2}), cols)
	require.NoError(t, err)
	assert.Equal(t, []domain.Property{{Key: "name", Value: "x"}, {Key: "height", Value: 2.0}}, props)

	props, err = decodeProperties(nil, cols)
	require.NoError(t, err)
	assert.Equal(t, []domain.Property{{Key: "name"}, {Key: "height"}}, props)

	_, err = decodeProperties([]byte{9, 0, 1}, cols)
	assert.ErrorIs(t, err, domain.ErrGeometryUndecodable)
}

// Writers without an index leave features_count at 0.
func TestEngine_UnindexedFileCountsFeatures(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	path := writeFile(t, defaultFeatures(), fileOptions{name: "parks"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	f, err := parse(data)
	require.NoError(t, err)
	require.False(t, f.indexed())
	assert.Equal(t, uint64(3), f.count)

	desc := describe(t, e, localRef(t, path))
	assert.Equal(t, int64(3), desc.RowCount)

	n, err := e.Count(context.Background(), output.ScanRequest{Files: []domain.FileDescriptor{desc}, Predicate: domain.True{}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	stream, err := e.Scan(context.Background(), output.ScanRequest{
		Files:     []domain.FileDescriptor{desc},
		Predicate: domain.Spatial{Column: GeometryColumn, BBox: domain.NewBBox(0, 0, 20, 60, 4326)},
	})
	require.NoError(t, err)
	got := drain(t, stream)
	require.Len(t, got, 1)
	name, _ := got[0].GetProperty("name")
	assert.Equal(t, "a", name)
}

func TestParseTruncatedFeatures(t *testing.T) {
	data, err := os.ReadFile(writeFile(t, defaultFeatures(), fileOptions{name: "parks"}))
	require.NoError(t, err)

	_, err = parse(data[:len(data)-3])
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
