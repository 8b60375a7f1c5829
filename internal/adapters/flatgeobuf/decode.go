package flatgeobuf

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/paulmach/orb"

	"github.com/jobrunner/tessera/internal/domain"
)

// decodeGeometry converts a FlatGeobuf geometry to orb. Writers leave the
// type of a feature geometry unset when the header fixes it, so the
// caller passes the type to fall back to.
func decodeGeometry(g *flattypes.Geometry, fallback flattypes.GeometryType) (orb.Geometry, error) {
	if g == nil {
		return nil, nil
	}
	typ := g.Type()
	if typ == flattypes.GeometryTypeUnknown {
		typ = fallback
	}

	switch typ {
	case flattypes.GeometryTypePoint:
		if g.XyLength() < 2 {
			return nil, nil
		}
		return orb.Point{g.Xy(0), g.Xy(1)}, nil

	case flattypes.GeometryTypeMultiPoint:
		return orb.MultiPoint(points(g, 0, g.XyLength()/2)), nil

	case flattypes.GeometryTypeLineString:
		return orb.LineString(points(g, 0, g.XyLength()/2)), nil

	case flattypes.GeometryTypeMultiLineString:
		parts := split(g)
		mls := make(orb.MultiLineString, len(parts))
		for i, p := range parts {
			mls[i] = orb.LineString(p)
		}
		return mls, nil

	case flattypes.GeometryTypePolygon:
		return polygon(g), nil

	case flattypes.GeometryTypeMultiPolygon:
		n := g.PartsLength()
		if n == 0 {
			return orb.MultiPolygon{polygon(g)}, nil
		}
		mp := make(orb.MultiPolygon, 0, n)
		for i := 0; i < n; i++ {
			var part flattypes.Geometry
			if g.Parts(&part, i) {
				mp = append(mp, polygon(&part))
			}
		}
		return mp, nil

	case flattypes.GeometryTypeGeometryCollection:
		n := g.PartsLength()
		coll := make(orb.Collection, 0, n)
		for i := 0; i < n; i++ {
			var part flattypes.Geometry
			if !g.Parts(&part, i) {
				continue
			}
			child, err := decodeGeometry(&part, flattypes.GeometryTypeUnknown)
			if err != nil {
				return nil, err
			}
			if child != nil {
				coll = append(coll, child)
			}
		}
		return coll, nil

	default:
		return nil, fmt.Errorf("FlatGeobuf geometry type %s: %w",
			flattypes.EnumNamesGeometryType[typ], domain.ErrGeometryUndecodable)
	}
}

// points reads the coordinates from index start up to end.
func points(g *flattypes.Geometry, start, end int) []orb.Point {
	if end <= start {
		return nil
	}
	out := make([]orb.Point, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, orb.Point{g.Xy(2 * i), g.Xy(2*i + 1)})
	}
	return out
}

// split cuts the coordinates at the ends array. Without ends the whole
// coordinate list is one part.
func split(g *flattypes.Geometry) [][]orb.Point {
	total := g.XyLength() / 2
	n := g.EndsLength()
	if n == 0 {
		if total == 0 {
			return nil
		}
		return [][]orb.Point{points(g, 0, total)}
	}
	parts := make([][]orb.Point, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		end := int(g.Ends(i))
		if end > total {
			end = total
		}
		parts = append(parts, points(g, start, end))
		start = end
	}
	return parts
}

func polygon(g *flattypes.Geometry) orb.Polygon {
	parts := split(g)
	poly := make(orb.Polygon, len(parts))
	for i, p := range parts {
		poly[i] = orb.Ring(p)
	}
	return poly
}

// columnInfo is a header column.
type columnInfo struct {
	name string
	typ  flattypes.ColumnType
}

func readColumns(h *flattypes.Header) []columnInfo {
	n := h.ColumnsLength()
	cols := make([]columnInfo, 0, n)
	for i := 0; i < n; i++ {
		var c flattypes.Column
		if h.Columns(&c, i) {
			cols = append(cols, columnInfo{name: string(c.Name()), typ: c.Type()})
		}
	}
	return cols
}

// columnType maps a FlatGeobuf column type onto a domain column type.
func columnType(t flattypes.ColumnType) domain.ColumnType {
	switch t {
	case flattypes.ColumnTypeBool:
		return domain.TypeBoolean
	case flattypes.ColumnTypeByte, flattypes.ColumnTypeUByte, flattypes.ColumnTypeShort,
		flattypes.ColumnTypeUShort, flattypes.ColumnTypeInt, flattypes.ColumnTypeUInt,
		flattypes.ColumnTypeLong, flattypes.ColumnTypeULong:
		return domain.TypeInteger
	case flattypes.ColumnTypeFloat, flattypes.ColumnTypeDouble:
		return domain.TypeFloat
	case flattypes.ColumnTypeString, flattypes.ColumnTypeJson:
		return domain.TypeString
	case flattypes.ColumnTypeDateTime:
		return domain.TypeTimestamp
	case flattypes.ColumnTypeBinary:
		return domain.TypeBinary
	default:
		return domain.TypeUnknown
	}
}

// decodeProperties reads the property buffer of a feature. Every column
// gets a property, NULL when the feature does not store a value.
func decodeProperties(data []byte, cols []columnInfo) ([]domain.Property, error) {
	props := make([]domain.Property, len(cols))
	for i, c := range cols {
		props[i] = domain.Property{Key: c.name}
	}
	for off := 0; off < len(data); {
		if off+2 > len(data) {
			return nil, errTruncated
		}
		idx := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if idx >= len(cols) {
			return nil, fmt.Errorf("property column %d of %d: %w", idx, len(cols), domain.ErrGeometryUndecodable)
		}
		v, n, err := readValue(data[off:], cols[idx].typ)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", cols[idx].name, err)
		}
		props[idx].Value = v
		off += n
	}
	return props, nil
}

var errTruncated = fmt.Errorf("truncated property buffer: %w", domain.ErrGeometryUndecodable)

// fixedSize is the encoded width of fixed-size column types.
var fixedSize = map[flattypes.ColumnType]int{
	flattypes.ColumnTypeBool:   1,
	flattypes.ColumnTypeByte:   1,
	flattypes.ColumnTypeUByte:  1,
	flattypes.ColumnTypeShort:  2,
	flattypes.ColumnTypeUShort: 2,
	flattypes.ColumnTypeInt:    4,
	flattypes.ColumnTypeUInt:   4,
	flattypes.ColumnTypeFloat:  4,
	flattypes.ColumnTypeLong:   8,
	flattypes.ColumnTypeULong:  8,
	flattypes.ColumnTypeDouble: 8,
}

// readValue decodes one little-endian value. Integers come back as
// int64 and floats as float64. Variable-size values carry a uint32
// length prefix.
func readValue(b []byte, t flattypes.ColumnType) (any, int, error) {
	if n, ok := fixedSize[t]; ok {
		if len(b) < n {
			return nil, 0, errTruncated
		}
		switch t {
		case flattypes.ColumnTypeBool:
			return b[0] != 0, 1, nil
		case flattypes.ColumnTypeByte:
			return int64(int8(b[0])), 1, nil
		case flattypes.ColumnTypeUByte:
			return int64(b[0]), 1, nil
		case flattypes.ColumnTypeShort:
			return int64(int16(binary.LittleEndian.Uint16(b))), 2, nil
		case flattypes.ColumnTypeUShort:
			return int64(binary.LittleEndian.Uint16(b)), 2, nil
		case flattypes.ColumnTypeInt:
			return int64(int32(binary.LittleEndian.Uint32(b))), 4, nil
		case flattypes.ColumnTypeUInt:
			return int64(binary.LittleEndian.Uint32(b)), 4, nil
		case flattypes.ColumnTypeFloat:
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), 4, nil
		case flattypes.ColumnTypeLong:
			return int64(binary.LittleEndian.Uint64(b)), 8, nil
		case flattypes.ColumnTypeULong:
			u := binary.LittleEndian.Uint64(b)
			if u > math.MaxInt64 {
				return float64(u), 8, nil
			}
			return int64(u), 8, nil
		case flattypes.ColumnTypeDouble:
			return math.Float64frombits(binary.LittleEndian.Uint64(b)), 8, nil
		}
	}

	if len(b) < 4 {
		return nil, 0, errTruncated
	}
	size := int(binary.LittleEndian.Uint32(b))
	if 4+size > len(b) {
		return nil, 0, errTruncated
	}
	raw := b[4 : 4+size]
	n := 4 + size
	switch t {
	case flattypes.ColumnTypeString, flattypes.ColumnTypeJson:
		return string(raw), n, nil
	case flattypes.ColumnTypeDateTime:
		s := string(raw)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, n, nil
		}
		return s, n, nil
	case flattypes.ColumnTypeBinary:
		out := make([]byte, size)
		copy(out, raw)
		return out, n, nil
	default:
		return nil, 0, fmt.Errorf("column type %s: %w", flattypes.EnumNamesColumnType[t], domain.ErrUnsupported)
	}
}
