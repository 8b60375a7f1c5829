package domain

// FeatureQuery is a parsed /features or /features/count request.
type FeatureQuery struct {
	Pattern        LocationPattern
	BBox           *BBox // WGS84, nil when absent
	Filter         string
	FilterLang     string
	Limit          int
	Offset         int
	GeometryColumn string // overrides the detected geometry column
	BBoxColumn     string // overrides the detected bbox covering column
}

// TileRequest is a parsed /tiles/{z}/{x}/{y} request.
type TileRequest struct {
	Pattern        LocationPattern
	Address        TileAddress
	Filter         string
	FilterLang     string
	GeometryColumn string
	BBoxColumn     string
}

// Tile is an encoded vector tile.
type Tile struct {
	Address  TileAddress
	Data     []byte
	Layers   int
	Features int
}
