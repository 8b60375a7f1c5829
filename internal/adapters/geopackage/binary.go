package geopackage

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/jobrunner/tessera/internal/domain"
)

// GeoPackage binary header flags.
const (
	flagLittleEndian = 0x01
	flagEnvelopeMask = 0x0e
	flagEmpty        = 0x10
	flagExtended     = 0x20
)

// blobHeader is the decoded GeoPackage geometry header.
type blobHeader struct {
	SRID     int32
	Envelope *orb.Bound // nil when the header carries none
	Empty    bool
	// WKBOffset is where the WKB geometry starts.
	WKBOffset int
}

// envelopeLength returns the number of doubles of an envelope indicator.
func envelopeLength(indicator byte) (int, error) {
	switch indicator {
	case 0:
		return 0, nil
	case 1:
		return 4, nil
	case 2, 3:
		return 6, nil
	case 4:
		return 8, nil
	default:
		return 0, fmt.Errorf("envelope indicator %d: %w", indicator, domain.ErrGeometryUndecodable)
	}
}

// parseHeader reads the "GP" header of a GeoPackage geometry blob.
func parseHeader(b []byte) (*blobHeader, error) {
	if len(b) < 8 || b[0] != 'G' || b[1] != 'P' {
		return nil, fmt.Errorf("missing GeoPackage magic: %w", domain.ErrGeometryUndecodable)
	}
	flags := b[3]
	if flags&flagExtended != 0 {
		return nil, fmt.Errorf("extended GeoPackage geometry: %w", domain.ErrGeometryUndecodable)
	}

	var order binary.ByteOrder = binary.BigEndian
	if flags&flagLittleEndian != 0 {
		order = binary.LittleEndian
	}

	n, err := envelopeLength((flags & flagEnvelopeMask) >> 1)
	if err != nil {
		return nil, err
	}
	h := &blobHeader{
		SRID:      int32(order.Uint32(b[4:8])),
		Empty:     flags&flagEmpty != 0,
		WKBOffset: 8 + 8*n,
	}
	if len(b) < h.WKBOffset {
		return nil, fmt.Errorf("truncated GeoPackage envelope: %w", domain.ErrGeometryUndecodable)
	}
	if n > 0 {
		// minx, maxx, miny, maxy come first in every envelope variant.
		v := func(i int) float64 { return math.Float64frombits(order.Uint64(b[8+8*i:])) }
		minX, maxX, minY, maxY := v(0), v(1), v(2), v(3)
		if !math.IsNaN(minX) {
			h.Envelope = &orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
		}
	}
	return h, nil
}

// decodeGeometry decodes a GeoPackage geometry blob. Empty geometries
// decode to nil.
func decodeGeometry(b []byte) (orb.Geometry, error) {
	h, err := parseHeader(b)
	if err != nil {
		return nil, err
	}
	if h.Empty && len(b) == h.WKBOffset {
		return nil, nil
	}
	g, err := wkb.Unmarshal(b[h.WKBOffset:])
	if err != nil {
		return nil, fmt.Errorf("decoding GeoPackage WKB: %v: %w", err, domain.ErrGeometryUndecodable)
	}
	if h.Empty {
		return nil, nil
	}
	return g, nil
}

// blobBound returns the envelope of a geometry blob, from the header when
// present and from the decoded geometry otherwise.
func blobBound(b []byte) (orb.Bound, bool) {
	h, err := parseHeader(b)
	if err != nil || h.Empty {
		return orb.Bound{}, false
	}
	if h.Envelope != nil {
		return *h.Envelope, true
	}
	g, err := wkb.Unmarshal(b[h.WKBOffset:])
	if err != nil || g == nil {
		return orb.Bound{}, false
	}
	return g.Bound(), true
}

// envelopeIntersects is registered as an SQL function on every connection.
// It returns 1 when the envelope of the blob intersects the box.
func envelopeIntersects(blob []byte, minX, minY, maxX, maxY float64) int64 {
	if blob == nil {
		return 0
	}
	b, ok := blobBound(blob)
	if !ok {
		return 0
	}
	if b.Max[0] < minX || b.Min[0] > maxX || b.Max[1] < minY || b.Min[1] > maxY {
		return 0
	}
	return 1
}
