package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/jobrunner/tessera/internal/domain"
)

// MaxMercatorLatitude is the latitude at which Web Mercator reaches
// WorldExtent.
const MaxMercatorLatitude = 85.05112877980659

func toMercator(p orb.Point) orb.Point {
	p[1] = math.Max(-MaxMercatorLatitude, math.Min(MaxMercatorLatitude, p[1]))
	return project.WGS84.ToMercator(p)
}

func toWGS84(p orb.Point) orb.Point {
	return project.Mercator.ToWGS84(p)
}

// projection returns the point transform between two SRIDs. A nil
// projection with a nil error means identity. An unknown SRID is taken
// as WGS84.
func projection(from, to int) (orb.Projection, error) {
	if from == domain.SRIDUnknown {
		from = domain.SRIDWGS84
	}
	if to == domain.SRIDUnknown {
		to = domain.SRIDWGS84
	}
	if from == to {
		return nil, nil
	}
	switch {
	case from == domain.SRIDWGS84 && to == domain.SRIDWebMercator:
		return toMercator, nil
	case from == domain.SRIDWebMercator && to == domain.SRIDWGS84:
		return toWGS84, nil
	default:
		return nil, &domain.ReprojectionError{From: from, To: to}
	}
}

// CanReproject reports whether a transform between the SRIDs is supported.
func CanReproject(from, to int) bool {
	_, err := projection(from, to)
	return err == nil
}

// ReprojectPoint transforms a single point.
func ReprojectPoint(p orb.Point, from, to int) (orb.Point, error) {
	proj, err := projection(from, to)
	if err != nil {
		return orb.Point{}, err
	}
	if proj == nil {
		return p, nil
	}
	return proj(p), nil
}

// Reproject returns a transformed copy of g. The input is not modified.
func Reproject(g orb.Geometry, from, to int) (orb.Geometry, error) {
	proj, err := projection(from, to)
	if err != nil {
		return nil, err
	}
	if proj == nil || g == nil {
		return g, nil
	}
	return project.Geometry(orb.Clone(g), proj), nil
}

// TransformBBox transforms a bbox into another SRID. Both supported
// transforms are monotonic per axis, so the corners are sufficient.
func TransformBBox(b domain.BBox, to int) (domain.BBox, error) {
	proj, err := projection(b.SRID, to)
	if err != nil {
		return domain.BBox{}, err
	}
	if proj == nil {
		b.SRID = to
		return b, nil
	}
	lo := proj(orb.Point{b.MinX, b.MinY})
	hi := proj(orb.Point{b.MaxX, b.MaxY})
	return domain.NewBBox(lo[0], lo[1], hi[0], hi[1], to), nil
}
