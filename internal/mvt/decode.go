package mvt

import (
	"fmt"
	"sort"

	orbmvt "github.com/paulmach/orb/encoding/mvt"
)

// Decode parses an encoded tile. Geometries stay in tile coordinates.
func Decode(data []byte) (orbmvt.Layers, error) {
	layers, err := orbmvt.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decoding vector tile: %w", err)
	}
	return layers, nil
}

// LayerSummary describes one decoded layer.
type LayerSummary struct {
	Name          string         `json:"name"`
	Extent        uint32         `json:"extent"`
	Features      int            `json:"features"`
	GeometryTypes map[string]int `json:"geometry_types"`
	Keys          []string       `json:"keys"`
}

// Summarize decodes a tile and counts features and geometry types per layer.
func Summarize(data []byte) ([]LayerSummary, error) {
	layers, err := Decode(data)
	if err != nil {
		return nil, err
	}

	summaries := make([]LayerSummary, 0, len(layers))
	for _, l := range layers {
		s := LayerSummary{
			Name:          l.Name,
			Extent:        l.Extent,
			Features:      len(l.Features),
			GeometryTypes: make(map[string]int),
		}
		keys := make(map[string]bool)
		for _, f := range l.Features {
			if f.Geometry != nil {
				s.GeometryTypes[f.Geometry.GeoJSONType()]++
			}
			for k := range f.Properties {
				keys[k] = true
			}
		}
		for k := range keys {
			s.Keys = append(s.Keys, k)
		}
		sort.Strings(s.Keys)
		summaries = append(summaries, s)
	}
	return summaries, nil
}
