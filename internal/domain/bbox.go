package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// BBox represents an axis-aligned spatial bounding box.
type BBox struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
	SRID int
}

// NewBBox creates a bounding box in the given SRID.
func NewBBox(minX, minY, maxX, maxY float64, srid int) BBox {
	return BBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY, SRID: srid}
}

// ParseBBox parses "west,south,east,north" into a WGS84 bbox.
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, &ValidationError{
			Field:      "bbox",
			Value:      s,
			Constraint: "minx,miny,maxx,maxy",
			Message:    "bbox must be 4 comma-separated floats",
		}
	}

	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return BBox{}, &ValidationError{
				Field:      "bbox",
				Value:      s,
				Constraint: "finite floats",
				Message:    "all bbox values must be floats",
			}
		}
		v[i] = f
	}

	b := NewBBox(v[0], v[1], v[2], v[3], SRIDWGS84)
	if !b.IsValid() {
		return BBox{}, &ValidationError{
			Field:      "bbox",
			Value:      s,
			Constraint: "minx <= maxx, miny <= maxy",
			Message:    "bbox minimum exceeds maximum",
		}
	}
	return b, nil
}

// IsValid checks if the bbox has non-negative dimensions.
func (b BBox) IsValid() bool {
	return b.MinX <= b.MaxX && b.MinY <= b.MaxY
}

// IsEmpty reports whether the bbox was never set.
func (b BBox) IsEmpty() bool {
	return b == BBox{}
}

// Intersects reports whether two boxes share at least one point. Touching
// edges count as intersecting.
func (b BBox) Intersects(o BBox) bool {
	return b.MaxX >= o.MinX && b.MinX <= o.MaxX &&
		b.MaxY >= o.MinY && b.MinY <= o.MaxY
}

// Contains checks if a point is within the bbox.
func (b BBox) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Union returns the smallest box covering both. An empty operand is ignored.
func (b BBox) Union(o BBox) BBox {
	if b.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return b
	}
	return BBox{
		MinX: math.Min(b.MinX, o.MinX),
		MinY: math.Min(b.MinY, o.MinY),
		MaxX: math.Max(b.MaxX, o.MaxX),
		MaxY: math.Max(b.MaxY, o.MaxY),
		SRID: b.SRID,
	}
}

// Buffer grows the box by d on every side.
func (b BBox) Buffer(d float64) BBox {
	return BBox{
		MinX: b.MinX - d,
		MinY: b.MinY - d,
		MaxX: b.MaxX + d,
		MaxY: b.MaxY + d,
		SRID: b.SRID,
	}
}

// Width returns the width of the bbox.
func (b BBox) Width() float64 {
	return math.Abs(b.MaxX - b.MinX)
}

// Height returns the height of the bbox.
func (b BBox) Height() float64 {
	return math.Abs(b.MaxY - b.MinY)
}

// Center returns the center point of the bbox.
func (b BBox) Center() (float64, float64) {
	return (b.MinX + b.MaxX) / 2, (b.MinY + b.MaxY) / 2
}

// Array returns the bbox as [minx, miny, maxx, maxy].
func (b BBox) Array() [4]float64 {
	return [4]float64{b.MinX, b.MinY, b.MaxX, b.MaxY}
}

// String returns a string representation of the bbox.
func (b BBox) String() string {
	return fmt.Sprintf("BBOX(%g %g, %g %g) SRID=%d", b.MinX, b.MinY, b.MaxX, b.MaxY, b.SRID)
}
