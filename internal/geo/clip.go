package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"

	"github.com/jobrunner/tessera/internal/domain"
)

// ClipToBBox clips g to b. The result is nil when nothing remains.
func ClipToBBox(g orb.Geometry, b domain.BBox) orb.Geometry {
	if g == nil {
		return nil
	}
	bound := ToBound(b)
	if !bound.Intersects(g.Bound()) {
		return nil
	}
	return clip.Geometry(bound, orb.Clone(g))
}

// Quantize maps g linearly from frame onto the integer grid [0, extent)
// with the y axis pointing down. Values on the far edges are clamped to
// extent-1.
func Quantize(g orb.Geometry, frame domain.BBox, extent uint32) orb.Geometry {
	if g == nil {
		return nil
	}
	sx := float64(extent) / frame.Width()
	sy := float64(extent) / frame.Height()
	maxV := float64(extent - 1)

	q := func(p orb.Point) orb.Point {
		x := math.Floor((p[0] - frame.MinX) * sx)
		y := math.Floor((frame.MaxY - p[1]) * sy)
		return orb.Point{clamp(x, 0, maxV), clamp(y, 0, maxV)}
	}
	return mapPoints(orb.Clone(g), q)
}

// QuantizePoint maps a single point like Quantize.
func QuantizePoint(p orb.Point, frame domain.BBox, extent uint32) orb.Point {
	return Quantize(p, frame, extent).(orb.Point)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func mapPoints(g orb.Geometry, fn func(orb.Point) orb.Point) orb.Geometry {
	switch t := g.(type) {
	case orb.Point:
		return fn(t)
	case orb.MultiPoint:
		for i := range t {
			t[i] = fn(t[i])
		}
		return t
	case orb.LineString:
		for i := range t {
			t[i] = fn(t[i])
		}
		return t
	case orb.MultiLineString:
		for i := range t {
			mapPoints(t[i], fn)
		}
		return t
	case orb.Ring:
		for i := range t {
			t[i] = fn(t[i])
		}
		return t
	case orb.Polygon:
		for i := range t {
			mapPoints(t[i], fn)
		}
		return t
	case orb.MultiPolygon:
		for i := range t {
			mapPoints(t[i], fn)
		}
		return t
	case orb.Collection:
		for i := range t {
			t[i] = mapPoints(t[i], fn)
		}
		return t
	case orb.Bound:
		return mapPoints(t.ToPolygon(), fn)
	default:
		return g
	}
}

// CleanTileGeometry removes consecutive duplicate points and degenerate
// parts: lines with fewer than two distinct points and rings without area.
// A polygon whose exterior ring degenerates is dropped with its holes.
// The result is nil when nothing remains.
func CleanTileGeometry(g orb.Geometry) orb.Geometry {
	switch t := g.(type) {
	case nil:
		return nil
	case orb.Point:
		return t
	case orb.MultiPoint:
		seen := make(map[orb.Point]bool, len(t))
		out := make(orb.MultiPoint, 0, len(t))
		for _, p := range t {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case orb.LineString:
		ls := dedupe(t)
		if len(ls) < 2 {
			return nil
		}
		return orb.LineString(ls)
	case orb.MultiLineString:
		out := make(orb.MultiLineString, 0, len(t))
		for _, ls := range t {
			if c, ok := CleanTileGeometry(ls).(orb.LineString); ok {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case orb.Ring:
		return cleanRing(t)
	case orb.Polygon:
		return cleanPolygon(t)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, 0, len(t))
		for _, p := range t {
			if c, ok := cleanPolygon(p).(orb.Polygon); ok {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case orb.Collection:
		out := make(orb.Collection, 0, len(t))
		for _, c := range t {
			if cg := CleanTileGeometry(c); cg != nil {
				out = append(out, cg)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case orb.Bound:
		return cleanPolygon(t.ToPolygon())
	default:
		return nil
	}
}

func dedupe(pts []orb.Point) []orb.Point {
	out := make([]orb.Point, 0, len(pts))
	for i, p := range pts {
		if i > 0 && p == out[len(out)-1] {
			continue
		}
		out = append(out, p)
	}
	return out
}

func cleanRing(r orb.Ring) orb.Geometry {
	pts := dedupe(r)
	if len(pts) > 0 && pts[0] != pts[len(pts)-1] {
		pts = append(pts, pts[0])
	}
	ring := orb.Ring(pts)
	if len(ring) < 4 || planar.Area(ring) == 0 {
		return nil
	}
	return ring
}

func cleanPolygon(p orb.Polygon) orb.Geometry {
	if len(p) == 0 {
		return nil
	}
	outer, ok := cleanRing(p[0]).(orb.Ring)
	if !ok {
		return nil
	}
	poly := orb.Polygon{outer}
	for _, hole := range p[1:] {
		if r, ok := cleanRing(hole).(orb.Ring); ok {
			poly = append(poly, r)
		}
	}
	return poly
}

// IsEmpty reports whether g has no coordinates.
func IsEmpty(g orb.Geometry) bool {
	if g == nil {
		return true
	}
	switch t := g.(type) {
	case orb.Point:
		return false
	case orb.MultiPoint:
		return len(t) == 0
	case orb.LineString:
		return len(t) == 0
	case orb.MultiLineString:
		for _, ls := range t {
			if len(ls) > 0 {
				return false
			}
		}
		return true
	case orb.Ring:
		return len(t) == 0
	case orb.Polygon:
		return len(t) == 0 || len(t[0]) == 0
	case orb.MultiPolygon:
		for _, p := range t {
			if !IsEmpty(p) {
				return false
			}
		}
		return true
	case orb.Collection:
		for _, c := range t {
			if !IsEmpty(c) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
