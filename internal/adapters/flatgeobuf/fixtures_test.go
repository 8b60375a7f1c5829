package flatgeobuf

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// fileStorage serves local files by key.
type fileStorage struct {
	output.ObjectStorage
	reads int
}

func (s *fileStorage) GetReader(_ context.Context, _ domain.Location, key string) (io.ReadCloser, error) {
	s.reads++
	return os.Open(key)
}

type testFeature struct {
	geom   orb.Geometry
	name   string
	height float64
}

type fileOptions struct {
	name    string
	indexed bool
	srid    int
}

func defaultFeatures() []testFeature {
	return []testFeature{
		{geom: orb.Point{10, 50}, name: "a", height: 120},
		{geom: orb.Point{10, -50}, name: "b", height: 400},
		{geom: orb.Point{100, 0}, name: "c", height: 80},
	}
}

// encodeProperties writes name and height in column order.
func encodeProperties(f testFeature) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian

	_ = binary.Write(&buf, le, uint16(0))
	_ = binary.Write(&buf, le, uint32(len(f.name)))
	buf.WriteString(f.name)

	_ = binary.Write(&buf, le, uint16(1))
	_ = binary.Write(&buf, le, math.Float64bits(f.height))
	return buf.Bytes()
}

func toGeometry(g orb.Geometry, b *flatbuffers.Builder) *writer.Geometry {
	out := writer.NewGeometry(b)
	switch v := g.(type) {
	case orb.Point:
		out.SetType(flattypes.GeometryTypePoint)
		out.SetXY([]float64{v[0], v[1]})
	case orb.LineString:
		out.SetType(flattypes.GeometryTypeLineString)
		out.SetXY(flatten(v))
	case orb.Polygon:
		out.SetType(flattypes.GeometryTypePolygon)
		xy, ends := rings(v)
		out.SetXY(xy)
		out.SetEnds(ends)
	case orb.MultiPolygon:
		out.SetType(flattypes.GeometryTypeMultiPolygon)
		parts := make([]writer.Geometry, 0, len(v))
		for _, p := range v {
			parts = append(parts, *toGeometry(p, b))
		}
		out.SetParts(parts)
	default:
		panic("unsupported test geometry")
	}
	return out
}

func flatten(ls []orb.Point) []float64 {
	xy := make([]float64, 0, 2*len(ls))
	for _, p := range ls {
		xy = append(xy, p[0], p[1])
	}
	return xy
}

func rings(p orb.Polygon) ([]float64, []uint32) {
	var (
		xy   []float64
		ends []uint32
	)
	for _, r := range p {
		xy = append(xy, flatten(r)...)
		ends = append(ends, uint32(len(xy)/2))
	}
	return xy, ends
}

type generator struct {
	features []testFeature
	i        int
}

func (g *generator) Generate() *writer.Feature {
	if g.i >= len(g.features) {
		return nil
	}
	f := g.features[g.i]
	g.i++

	b := flatbuffers.NewBuilder(1024)
	feat := writer.NewFeature(b)
	feat.SetGeometry(toGeometry(f.geom, b))
	feat.SetProperties(encodeProperties(f))
	return feat
}

// writeFile writes features to a FlatGeobuf file with the columns name
// (string) and height (double).
func writeFile(t *testing.T, features []testFeature, opts fileOptions) string {
	t.Helper()

	b := flatbuffers.NewBuilder(4096)
	header := writer.NewHeader(b)
	header.SetGeometryType(flattypes.GeometryTypeUnknown)
	if opts.name != "" {
		header.SetName(opts.name)
	}

	name := writer.NewColumn(b)
	name.SetName("name")
	name.SetType(flattypes.ColumnTypeString)
	name.SetNullable(true)
	height := writer.NewColumn(b)
	height.SetName("height")
	height.SetType(flattypes.ColumnTypeDouble)
	height.SetNullable(true)
	header.SetColumns([]*writer.Column{name, height})

	if opts.srid > 0 {
		crs := writer.NewCrs(b)
		crs.SetOrg("EPSG")
		crs.SetCode(int32(opts.srid))
		header.SetCrs(crs)
	}

	var buf bytes.Buffer
	w := writer.NewWriter(header, opts.indexed, &generator{features: features}, nil)
	if _, err := w.Write(&buf); err != nil {
		t.Fatalf("writing flatgeobuf: %v", err)
	}

	fileName := opts.name
	if fileName == "" {
		fileName = "unnamed"
	}
	path := filepath.Join(t.TempDir(), fileName+".fgb")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fileStorage) {
	t.Helper()
	storage := &fileStorage{}
	e, err := New(cfg, storage, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, storage
}

func localRef(t *testing.T, path string) domain.FileRef {
	t.Helper()
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return domain.FileRef{
		Location:     domain.Location{Scheme: domain.SchemeFile, Path: path},
		Key:          path,
		URI:          "file://" + path,
		Format:       domain.FormatFlatGeobuf,
		Size:         st.Size(),
		LastModified: st.ModTime(),
	}
}

func describe(t *testing.T, e *Engine, ref domain.FileRef) domain.FileDescriptor {
	t.Helper()
	descs, err := e.Describe(context.Background(), ref, output.DescribeOptions{})
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if len(descs) != 1 {
		t.Fatalf("Describe() returned %d descriptors, want 1", len(descs))
	}
	return descs[0]
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

// names returns the sorted name properties of features.
func names(features []domain.Feature) []string {
	out := make([]string, 0, len(features))
	for _, f := range features {
		v, _ := f.GetProperty("name")
		s, _ := v.(string)
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
