package domain

import "github.com/paulmach/orb"

// Property is a single attribute. Properties are kept as an ordered slice
// so that serialization follows column order.
type Property struct {
	Key   string
	Value any
}

// Feature represents a geo feature with geometry and properties.
type Feature struct {
	ID         uint64       // Feature ID, 0 when the source has none
	Layer      string       // Source layer or dataset name
	Geometry   orb.Geometry // Geometry in the dataset CRS
	Properties []Property   // Attribute data in column order
}

// GetProperty returns a property value by key.
func (f *Feature) GetProperty(key string) (any, bool) {
	for _, p := range f.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// PropertyMap returns the properties as a map.
func (f *Feature) PropertyMap() map[string]any {
	m := make(map[string]any, len(f.Properties))
	for _, p := range f.Properties {
		m[p.Key] = p.Value
	}
	return m
}

// PropertyKeys returns the property keys in order.
func (f *Feature) PropertyKeys() []string {
	keys := make([]string, len(f.Properties))
	for i, p := range f.Properties {
		keys[i] = p.Key
	}
	return keys
}

// RowBatch is a group of rows produced by one engine read.
type RowBatch struct {
	Source   string // URI of the file the rows came from; empty for multi-file scans
	Features []Feature
}

// Len returns the number of rows in the batch.
func (b *RowBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Features)
}
