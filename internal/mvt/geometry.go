package mvt

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

var errEmptyGeometry = errors.New("empty geometry")

func command(id, count uint32) uint32 {
	return (id & 0x7) | (count << 3)
}

func zigzag(n int32) uint32 {
	return uint32((n << 1) ^ (n >> 31))
}

// cursor tracks the current position while writing geometry commands.
type cursor struct {
	extent uint32
	x, y   int32
	out    []uint32
}

func (c *cursor) point(p orb.Point) (int32, int32, error) {
	x, y := p[0], p[1]
	if math.IsNaN(x) || math.IsNaN(y) || x < 0 || y < 0 || x >= float64(c.extent) || y >= float64(c.extent) {
		return 0, 0, fmt.Errorf("coordinate (%g, %g) outside [0, %d)", x, y, c.extent)
	}
	return int32(math.Round(x)), int32(math.Round(y)), nil
}

func (c *cursor) moveTo(pts ...orb.Point) error {
	c.out = append(c.out, command(cmdMoveTo, uint32(len(pts))))
	return c.deltas(pts)
}

func (c *cursor) lineTo(pts []orb.Point) error {
	c.out = append(c.out, command(cmdLineTo, uint32(len(pts))))
	return c.deltas(pts)
}

func (c *cursor) closePath() {
	c.out = append(c.out, command(cmdClosePath, 1))
}

func (c *cursor) deltas(pts []orb.Point) error {
	for _, p := range pts {
		x, y, err := c.point(p)
		if err != nil {
			return err
		}
		c.out = append(c.out, zigzag(x-c.x), zigzag(y-c.y))
		c.x, c.y = x, y
	}
	return nil
}

func (c *cursor) lineString(ls orb.LineString) error {
	if len(ls) < 2 {
		return fmt.Errorf("line string has %d points", len(ls))
	}
	if err := c.moveTo(ls[0]); err != nil {
		return err
	}
	return c.lineTo(ls[1:])
}

// ring writes a closed ring wound so that its surveyor's area in tile
// coordinates is positive for exteriors and negative for holes.
func (c *cursor) ring(r orb.Ring, exterior bool) error {
	if len(r) < 4 {
		return fmt.Errorf("ring has %d points", len(r))
	}
	pts := []orb.Point(r)
	if pts[0] != pts[len(pts)-1] {
		return errors.New("ring is not closed")
	}
	area := surveyorArea(pts)
	if (exterior && area < 0) || (!exterior && area > 0) {
		rev := make([]orb.Point, len(pts))
		for i, p := range pts {
			rev[len(pts)-1-i] = p
		}
		pts = rev
	}
	if err := c.moveTo(pts[0]); err != nil {
		return err
	}
	if err := c.lineTo(pts[1 : len(pts)-1]); err != nil {
		return err
	}
	c.closePath()
	return nil
}

func (c *cursor) polygon(p orb.Polygon) error {
	if len(p) == 0 {
		return errEmptyGeometry
	}
	for i, r := range p {
		if err := c.ring(r, i == 0); err != nil {
			return err
		}
	}
	return nil
}

// surveyorArea is the signed shoelace area of a closed ring.
func surveyorArea(pts []orb.Point) float64 {
	var sum float64
	for i := 0; i < len(pts)-1; i++ {
		sum += pts[i][0]*pts[i+1][1] - pts[i+1][0]*pts[i][1]
	}
	return sum / 2
}

// encodeGeometry converts a tile-local geometry into its type and command
// stream. Collections must be split by the caller.
func encodeGeometry(g orb.Geometry, extent uint32) (GeomType, []uint32, error) {
	c := &cursor{extent: extent}

	var (
		gt  GeomType
		err error
	)
	switch t := g.(type) {
	case orb.Point:
		gt, err = GeomTypePoint, c.moveTo(t)
	case orb.MultiPoint:
		if len(t) == 0 {
			return 0, nil, errEmptyGeometry
		}
		gt, err = GeomTypePoint, c.moveTo(t...)
	case orb.LineString:
		gt, err = GeomTypeLineString, c.lineString(t)
	case orb.MultiLineString:
		if len(t) == 0 {
			return 0, nil, errEmptyGeometry
		}
		gt = GeomTypeLineString
		for _, ls := range t {
			if err = c.lineString(ls); err != nil {
				break
			}
		}
	case orb.Ring:
		gt, err = GeomTypePolygon, c.ring(t, true)
	case orb.Polygon:
		gt, err = GeomTypePolygon, c.polygon(t)
	case orb.MultiPolygon:
		if len(t) == 0 {
			return 0, nil, errEmptyGeometry
		}
		gt = GeomTypePolygon
		for _, p := range t {
			if err = c.polygon(p); err != nil {
				break
			}
		}
	case nil:
		return 0, nil, errEmptyGeometry
	default:
		return 0, nil, fmt.Errorf("unsupported geometry type %s", g.GeoJSONType())
	}
	if err != nil {
		return 0, nil, err
	}
	return gt, c.out, nil
}
