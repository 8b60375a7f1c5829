// Package geo holds pure geometry and CRS helpers. Nothing here keeps
// state, so every function is safe for concurrent use.
package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/jobrunner/tessera/internal/domain"
)

// WorldExtent is half the side of the Web Mercator square in meters.
const WorldExtent = 20037508.342789244

// ProjectedExtent returns the full Web Mercator extent.
func ProjectedExtent() domain.BBox {
	return domain.NewBBox(-WorldExtent, -WorldExtent, WorldExtent, WorldExtent, domain.SRIDWebMercator)
}

// TileBounds returns the Web Mercator bbox of a tile. Rows count from the
// top of the map.
func TileBounds(t domain.TileAddress) domain.BBox {
	size := 2 * WorldExtent / float64(uint64(1)<<uint(t.Z))
	minX := -WorldExtent + float64(t.X)*size
	maxY := WorldExtent - float64(t.Y)*size
	return domain.NewBBox(minX, maxY-size, minX+size, maxY, domain.SRIDWebMercator)
}

// TileBoundsWGS84 returns the lon/lat bbox of a tile.
func TileBoundsWGS84(t domain.TileAddress) domain.BBox {
	b := maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z)).Bound()
	return FromBound(b, domain.SRIDWGS84)
}

// BufferedTileBounds grows the tile bbox by buffer tile units of extent.
func BufferedTileBounds(t domain.TileAddress, extent, buffer uint32) domain.BBox {
	b := TileBounds(t)
	if extent == 0 || buffer == 0 {
		return b
	}
	return b.Buffer(b.Width() * float64(buffer) / float64(extent))
}

// FromBound converts an orb bound into a bbox.
func FromBound(b orb.Bound, srid int) domain.BBox {
	return domain.NewBBox(b.Min[0], b.Min[1], b.Max[0], b.Max[1], srid)
}

// ToBound converts a bbox into an orb bound.
func ToBound(b domain.BBox) orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

// BoundOf returns the bbox of a geometry in the given SRID.
func BoundOf(g orb.Geometry, srid int) domain.BBox {
	if g == nil {
		return domain.BBox{}
	}
	return FromBound(g.Bound(), srid)
}
