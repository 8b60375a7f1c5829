package domain

import (
	"fmt"
	"strings"
)

// ColumnType is the semantic type of a column, independent of the engine.
type ColumnType string

// Column types.
const (
	TypeString    ColumnType = "string"
	TypeInteger   ColumnType = "integer"
	TypeFloat     ColumnType = "float"
	TypeBoolean   ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamp"
	TypeDate      ColumnType = "date"
	TypeBinary    ColumnType = "binary"
	TypeGeometry  ColumnType = "geometry"
	TypeStruct    ColumnType = "struct"
	TypeList      ColumnType = "list"
	TypeUnknown   ColumnType = "unknown"
)

// IsNumeric reports whether values of the type compare as numbers.
func (t ColumnType) IsNumeric() bool {
	return t == TypeInteger || t == TypeFloat
}

// IsTemporal reports whether values of the type compare as instants.
func (t ColumnType) IsTemporal() bool {
	return t == TypeTimestamp || t == TypeDate
}

// Column describes one column of a source file.
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// Schema is an ordered set of columns.
type Schema struct {
	Columns []Column `json:"columns"`
}

// NewSchema creates a schema from columns, preserving their order.
func NewSchema(cols ...Column) Schema {
	return Schema{Columns: cols}
}

// Lookup finds a column by name. An exact match wins over a
// case-insensitive one.
func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// Has reports whether the schema contains the column.
func (s Schema) Has(name string) bool {
	_, ok := s.Lookup(name)
	return ok
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// GeometryColumns returns the names of geometry-typed columns.
func (s Schema) GeometryColumns() []string {
	var names []string
	for _, c := range s.Columns {
		if c.Type == TypeGeometry {
			names = append(names, c.Name)
		}
	}
	return names
}

// Len returns the number of columns.
func (s Schema) Len() int {
	return len(s.Columns)
}

// Merge returns the union of two schemas. Columns keep first-seen order.
// A column present in both with incompatible types is an error wrapping
// ErrSchemaMismatch.
func (s Schema) Merge(o Schema) (Schema, error) {
	out := Schema{Columns: make([]Column, 0, len(s.Columns)+len(o.Columns))}
	out.Columns = append(out.Columns, s.Columns...)

	for _, c := range o.Columns {
		idx := -1
		for i, existing := range out.Columns {
			if existing.Name == c.Name {
				idx = i
				break
			}
		}
		if idx < 0 {
			c.Nullable = true
			out.Columns = append(out.Columns, c)
			continue
		}

		merged, ok := mergeType(out.Columns[idx].Type, c.Type)
		if !ok {
			return Schema{}, fmt.Errorf("column %q is %s in one file and %s in another: %w",
				c.Name, out.Columns[idx].Type, c.Type, ErrSchemaMismatch)
		}
		out.Columns[idx].Type = merged
		out.Columns[idx].Nullable = out.Columns[idx].Nullable || c.Nullable
	}

	// Columns missing from o become nullable.
	for i := range out.Columns[:len(s.Columns)] {
		if !o.Has(out.Columns[i].Name) && len(o.Columns) > 0 {
			out.Columns[i].Nullable = true
		}
	}

	return out, nil
}

func mergeType(a, b ColumnType) (ColumnType, bool) {
	switch {
	case a == b:
		return a, true
	case a == TypeUnknown:
		return b, true
	case b == TypeUnknown:
		return a, true
	case a.IsNumeric() && b.IsNumeric():
		return TypeFloat, true
	case a.IsTemporal() && b.IsTemporal():
		return TypeTimestamp, true
	default:
		return "", false
	}
}
