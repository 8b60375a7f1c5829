package domain

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Default tile parameters.
const (
	DefaultTileExtent = 4096
	DefaultTileBuffer = 64
	DefaultMaxZoom    = 22
)

// TileAddress is a slippy-map tile coordinate. Y counts rows top to bottom.
type TileAddress struct {
	Z int
	X int
	Y int
}

// Validate checks the address against the tile grid of its zoom level.
func (t TileAddress) Validate(maxZoom int) error {
	if t.Z < 0 || t.X < 0 || t.Y < 0 || t.Z > maxZoom || t.Z > 30 {
		return &TileOutOfRangeError{Address: t, MaxZoom: maxZoom}
	}
	n := 1 << uint(t.Z)
	if t.X >= n || t.Y >= n {
		return &TileOutOfRangeError{Address: t, MaxZoom: maxZoom}
	}
	return nil
}

// String returns the z/x/y form.
func (t TileAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// TileFeature is a feature in tile-local integer coordinates.
type TileFeature struct {
	ID         uint64
	Geometry   orb.Geometry // coordinates are integers in [0, extent)
	Properties []Property
}

// TileLayer is a named group of tile features.
type TileLayer struct {
	Name     string
	Extent   uint32
	Features []TileFeature
}
