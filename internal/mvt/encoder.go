// Package mvt encodes tile layers as Mapbox Vector Tiles (version 2).
//
// The protobuf is written field by field with protowire so that the output
// depends only on the order of layers, features and properties. Keys and
// values are interned per layer in first-seen order.
package mvt

import (
	"fmt"
	"math"
	"time"

	"github.com/ohler55/ojg/oj"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jobrunner/tessera/internal/domain"
)

// Version is the vector tile specification version written to each layer.
const Version = 2

// GeomType is the MVT geometry type of a feature.
type GeomType uint32

// Geometry types.
const (
	GeomTypeUnknown    GeomType = 0
	GeomTypePoint      GeomType = 1
	GeomTypeLineString GeomType = 2
	GeomTypePolygon    GeomType = 3
)

// Geometry commands.
const (
	cmdMoveTo    uint32 = 1
	cmdLineTo    uint32 = 2
	cmdClosePath uint32 = 7
)

// Field numbers of vector_tile.proto.
const (
	fieldTileLayers protowire.Number = 3

	fieldLayerName     protowire.Number = 1
	fieldLayerFeatures protowire.Number = 2
	fieldLayerKeys     protowire.Number = 3
	fieldLayerValues   protowire.Number = 4
	fieldLayerExtent   protowire.Number = 5
	fieldLayerVersion  protowire.Number = 15

	fieldFeatureID       protowire.Number = 1
	fieldFeatureTags     protowire.Number = 2
	fieldFeatureType     protowire.Number = 3
	fieldFeatureGeometry protowire.Number = 4

	fieldValueString protowire.Number = 1
	fieldValueFloat  protowire.Number = 2
	fieldValueDouble protowire.Number = 3
	fieldValueInt    protowire.Number = 4
	fieldValueUint   protowire.Number = 5
	fieldValueSint   protowire.Number = 6
	fieldValueBool   protowire.Number = 7
)

// Encode serializes layers into a vector tile. Every layer is written even
// when it has no features. Coordinates must already be tile-local integers
// in [0, extent).
func Encode(layers []domain.TileLayer) ([]byte, error) {
	seen := make(map[string]bool, len(layers))
	var out []byte
	for _, l := range layers {
		if seen[l.Name] {
			return nil, &domain.EncodingError{Layer: l.Name, Message: "duplicate layer name"}
		}
		seen[l.Name] = true

		body, err := encodeLayer(l)
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, fieldTileLayers, protowire.BytesType)
		out = protowire.AppendBytes(out, body)
	}
	return out, nil
}

func encodeLayer(l domain.TileLayer) ([]byte, error) {
	if l.Name == "" {
		return nil, &domain.EncodingError{Message: "layer name is empty"}
	}
	if l.Extent == 0 {
		return nil, &domain.EncodingError{Layer: l.Name, Message: "layer extent is zero"}
	}

	var b []byte
	b = protowire.AppendTag(b, fieldLayerName, protowire.BytesType)
	b = protowire.AppendString(b, l.Name)

	tables := newTagTables()
	for i, f := range l.Features {
		geomType, geometry, err := encodeGeometry(f.Geometry, l.Extent)
		if err != nil {
			return nil, &domain.EncodingError{Layer: l.Name, Message: fmt.Sprintf("feature %d: %v", i, err)}
		}
		tags := tables.tags(f.Properties)

		var fb []byte
		if f.ID != 0 {
			fb = protowire.AppendTag(fb, fieldFeatureID, protowire.VarintType)
			fb = protowire.AppendVarint(fb, f.ID)
		}
		if len(tags) > 0 {
			fb = appendPacked(fb, fieldFeatureTags, tags)
		}
		fb = protowire.AppendTag(fb, fieldFeatureType, protowire.VarintType)
		fb = protowire.AppendVarint(fb, uint64(geomType))
		fb = appendPacked(fb, fieldFeatureGeometry, geometry)

		b = protowire.AppendTag(b, fieldLayerFeatures, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}

	for _, k := range tables.keys {
		b = protowire.AppendTag(b, fieldLayerKeys, protowire.BytesType)
		b = protowire.AppendString(b, k)
	}
	for _, v := range tables.values {
		b = protowire.AppendTag(b, fieldLayerValues, protowire.BytesType)
		b = protowire.AppendBytes(b, appendValue(nil, v))
	}

	b = protowire.AppendTag(b, fieldLayerExtent, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(l.Extent))
	b = protowire.AppendTag(b, fieldLayerVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, Version)
	return b, nil
}

func appendPacked(b []byte, num protowire.Number, vals []uint32) []byte {
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

type valueKind uint8

const (
	kindString valueKind = iota + 1
	kindFloat
	kindDouble
	kindInt
	kindUint
	kindSint
	kindBool
)

// tileValue is a normalized attribute value. It is comparable so it can
// key the interning table.
type tileValue struct {
	kind valueKind
	s    string
	u    uint64 // uint, bool, and the bits of float and double values
	i    int64
}

func appendValue(b []byte, v tileValue) []byte {
	switch v.kind {
	case kindString:
		b = protowire.AppendTag(b, fieldValueString, protowire.BytesType)
		b = protowire.AppendString(b, v.s)
	case kindFloat:
		b = protowire.AppendTag(b, fieldValueFloat, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(v.u))
	case kindDouble:
		b = protowire.AppendTag(b, fieldValueDouble, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, v.u)
	case kindInt:
		b = protowire.AppendTag(b, fieldValueInt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v.i))
	case kindUint:
		b = protowire.AppendTag(b, fieldValueUint, protowire.VarintType)
		b = protowire.AppendVarint(b, v.u)
	case kindSint:
		b = protowire.AppendTag(b, fieldValueSint, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.i))
	case kindBool:
		b = protowire.AppendTag(b, fieldValueBool, protowire.VarintType)
		b = protowire.AppendVarint(b, v.u)
	}
	return b
}

// normalizeValue maps a property value onto a vector tile value. The second
// result is false for NULL and for values with no tile representation.
func normalizeValue(v any) (tileValue, bool) {
	switch t := v.(type) {
	case nil:
		return tileValue{}, false
	case string:
		return tileValue{kind: kindString, s: t}, true
	case bool:
		if t {
			return tileValue{kind: kindBool, u: 1}, true
		}
		return tileValue{kind: kindBool}, true
	case int:
		return signed(int64(t)), true
	case int8:
		return signed(int64(t)), true
	case int16:
		return signed(int64(t)), true
	case int32:
		return signed(int64(t)), true
	case int64:
		return signed(t), true
	case uint:
		return tileValue{kind: kindUint, u: uint64(t)}, true
	case uint8:
		return tileValue{kind: kindUint, u: uint64(t)}, true
	case uint16:
		return tileValue{kind: kindUint, u: uint64(t)}, true
	case uint32:
		return tileValue{kind: kindUint, u: uint64(t)}, true
	case uint64:
		return tileValue{kind: kindUint, u: t}, true
	case float32:
		return tileValue{kind: kindFloat, u: uint64(math.Float32bits(t))}, true
	case float64:
		return tileValue{kind: kindDouble, u: math.Float64bits(t)}, true
	case time.Time:
		return tileValue{kind: kindString, s: t.UTC().Format(time.RFC3339Nano)}, true
	case []byte:
		return tileValue{}, false
	case map[string]any, []any:
		return tileValue{kind: kindString, s: oj.JSON(t, &oj.Options{Sort: true})}, true
	case fmt.Stringer:
		return tileValue{kind: kindString, s: t.String()}, true
	default:
		return tileValue{kind: kindString, s: fmt.Sprint(t)}, true
	}
}

func signed(n int64) tileValue {
	if n < 0 {
		return tileValue{kind: kindSint, i: n}
	}
	return tileValue{kind: kindInt, i: n}
}

type tagTables struct {
	keys       []string
	values     []tileValue
	keyIndex   map[string]uint32
	valueIndex map[tileValue]uint32
}

func newTagTables() *tagTables {
	return &tagTables{
		keyIndex:   make(map[string]uint32),
		valueIndex: make(map[tileValue]uint32),
	}
}

// tags interns the properties and returns the key/value index pairs.
// NULL properties get no tag.
func (t *tagTables) tags(props []domain.Property) []uint32 {
	var tags []uint32
	for _, p := range props {
		v, ok := normalizeValue(p.Value)
		if !ok {
			continue
		}
		ki, ok := t.keyIndex[p.Key]
		if !ok {
			ki = uint32(len(t.keys))
			t.keyIndex[p.Key] = ki
			t.keys = append(t.keys, p.Key)
		}
		vi, ok := t.valueIndex[v]
		if !ok {
			vi = uint32(len(t.values))
			t.valueIndex[v] = vi
			t.values = append(t.values, v)
		}
		tags = append(tags, ki, vi)
	}
	return tags
}
