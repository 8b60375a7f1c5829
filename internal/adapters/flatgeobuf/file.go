package flatgeobuf

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/jobrunner/tessera/internal/domain"
)

// magic is the FlatGeobuf signature. The fourth byte is the major
// version, the last one the patch level.
var magic = []byte{'f', 'g', 'b', 3, 'f', 'g', 'b'}

const (
	magicSize    = 8
	sizePrefix   = flatbuffers.SizeUint32
	nodeItemSize = 40 // four float64 bounds and a uint64 offset
)

// file is a parsed FlatGeobuf buffer.
type file struct {
	data     []byte
	header   *flattypes.Header
	geomType flattypes.GeometryType
	count    uint64
	nodeSize uint16

	indexStart    int // start of the packed R-tree, 0 without index
	featuresStart int
}

func parse(data []byte) (*file, error) {
	if len(data) < magicSize+sizePrefix || !bytes.Equal(data[:3], magic[:3]) || !bytes.Equal(data[4:7], magic[4:7]) {
		return nil, fmt.Errorf("missing FlatGeobuf signature: %w", domain.ErrUnsupportedFormat)
	}
	if data[3] != magic[3] {
		return nil, fmt.Errorf("FlatGeobuf version %d: %w", data[3], domain.ErrUnsupportedFormat)
	}

	headerSize := int(flatbuffers.GetUint32(data[magicSize:]))
	headerStart := magicSize + sizePrefix
	if headerSize <= 0 || headerStart+headerSize > len(data) {
		return nil, fmt.Errorf("truncated FlatGeobuf header: %w", domain.ErrInvalidInput)
	}

	f := &file{data: data}
	if err := guard(func() {
		f.header = flattypes.GetRootAsHeader(data[headerStart:headerStart+headerSize], 0)
		f.geomType = f.header.GeometryType()
		f.count = f.header.FeaturesCount()
		f.nodeSize = f.header.IndexNodeSize()
	}); err != nil {
		return nil, err
	}

	f.featuresStart = headerStart + headerSize
	// An index needs a known feature count.
	if f.nodeSize > 0 && f.count > 0 {
		f.indexStart = f.featuresStart
		f.featuresStart += treeSize(f.count, f.nodeSize) * nodeItemSize
	}
	if f.featuresStart > len(data) {
		return nil, fmt.Errorf("truncated FlatGeobuf index: %w", domain.ErrInvalidInput)
	}
	// Writers without an index may leave the count at 0, meaning unknown.
	if f.count == 0 {
		n, err := f.countFeatures()
		if err != nil {
			return nil, err
		}
		f.count = n
	}
	return f, nil
}

func (f *file) indexed() bool {
	return f.indexStart > 0
}

// countFeatures walks the size prefixes of the feature section.
func (f *file) countFeatures() (uint64, error) {
	var n uint64
	for pos := f.featuresStart; pos < len(f.data); n++ {
		if pos+sizePrefix > len(f.data) {
			return 0, fmt.Errorf("truncated feature %d: %w", n, domain.ErrInvalidInput)
		}
		size := int(flatbuffers.GetUint32(f.data[pos:]))
		next := pos + sizePrefix + size
		if size <= 0 || next > len(f.data) {
			return 0, fmt.Errorf("truncated feature %d: %w", n, domain.ErrInvalidInput)
		}
		pos = next
	}
	return n, nil
}

// feature returns the feature stored at a byte offset relative to the
// start of the feature section, and the offset of the next one.
func (f *file) feature(offset int) (*flattypes.Feature, int, error) {
	pos := f.featuresStart + offset
	if pos+sizePrefix > len(f.data) {
		return nil, 0, fmt.Errorf("feature offset %d out of range: %w", offset, domain.ErrGeometryUndecodable)
	}
	size := int(flatbuffers.GetUint32(f.data[pos:]))
	start := pos + sizePrefix
	if size <= 0 || start+size > len(f.data) {
		return nil, 0, fmt.Errorf("truncated feature at offset %d: %w", offset, domain.ErrGeometryUndecodable)
	}
	var feat *flattypes.Feature
	if err := guard(func() { feat = flattypes.GetRootAsFeature(f.data[start:start+size], 0) }); err != nil {
		return nil, 0, err
	}
	return feat, offset + sizePrefix + size, nil
}

// envelope returns the header extent, if the writer stored one.
func (f *file) envelope(srid int) *domain.BBox {
	if f.header.EnvelopeLength() < 4 {
		return nil
	}
	b := domain.NewBBox(f.header.Envelope(0), f.header.Envelope(1), f.header.Envelope(2), f.header.Envelope(3), srid)
	if !b.IsValid() {
		return nil
	}
	return &b
}

// srid returns the EPSG code of the header CRS.
func (f *file) srid() int {
	var crs flattypes.Crs
	if f.header.Crs(&crs) == nil {
		return domain.SRIDUnknown
	}
	org := string(crs.Org())
	if org != "" && !strings.EqualFold(org, "EPSG") {
		return domain.SRIDUnknown
	}
	if code := int(crs.Code()); code > 0 {
		return code
	}
	return domain.SRIDUnknown
}

// guard turns a panic of the flatbuffers accessors on corrupt input into
// an error.
func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("corrupt FlatGeobuf buffer: %v: %w", r, domain.ErrGeometryUndecodable)
		}
	}()
	fn()
	return nil
}
