// Package filter compiles bbox and CQL2 filter parameters into validated
// predicate trees and renders them for the query engines.
package filter

import (
	"fmt"
	"strings"

	"github.com/jobrunner/tessera/internal/domain"
)

// Lang is a filter expression language.
type Lang string

// Supported filter languages.
const (
	LangText Lang = "cql2-text"
	LangJSON Lang = "cql2-json"
)

// DefaultGeometryColumn is used when neither the request nor the schema
// names a geometry column.
const DefaultGeometryColumn = "geometry"

// ParseLang validates a filter-lang parameter. Empty means cql2-text.
func ParseLang(s string) (Lang, error) {
	switch Lang(strings.ToLower(strings.TrimSpace(s))) {
	case "", LangText:
		return LangText, nil
	case LangJSON:
		return LangJSON, nil
	default:
		return "", &domain.ValidationError{
			Field:      "filter-lang",
			Value:      s,
			Constraint: "cql2-text | cql2-json",
			Message:    "unsupported filter language",
		}
	}
}

// Parse parses an expression in the given language without schema checks.
func Parse(expr string, lang Lang) (domain.Predicate, error) {
	if lang == LangJSON {
		return ParseJSON(expr)
	}
	return ParseText(expr)
}

// Options tune Compile.
type Options struct {
	Lang           Lang
	GeometryColumn string // column the bbox applies to
}

// Compile turns an optional bbox and an optional filter expression into a
// predicate validated against schema. Both parts are ANDed; with neither,
// the result is domain.True.
func Compile(bbox *domain.BBox, expr string, schema domain.Schema, opts Options) (domain.Predicate, error) {
	exprPred, err := Parse(expr, opts.Lang)
	if err != nil {
		return nil, err
	}

	var spatial domain.Predicate
	if bbox != nil {
		b := *bbox
		if b.SRID == domain.SRIDUnknown {
			b.SRID = domain.SRIDWGS84
		}
		spatial = domain.Spatial{Column: GeometryColumn(schema, opts.GeometryColumn), BBox: b}
	}

	pred := domain.AndOf(spatial, exprPred)
	return Validate(pred, schema)
}

// GeometryColumn picks the column a bbox filter applies to: the requested
// one, else the first geometry column of the schema, else "geometry".
func GeometryColumn(schema domain.Schema, requested string) string {
	if requested != "" {
		return requested
	}
	if cols := schema.GeometryColumns(); len(cols) > 0 {
		return cols[0]
	}
	return DefaultGeometryColumn
}

// Validate checks that every referenced column exists in schema and that
// spatial leaves reference geometry columns. Column names are rewritten to
// their schema spelling.
func Validate(p domain.Predicate, schema domain.Schema) (domain.Predicate, error) {
	resolve := func(name string) (domain.Column, error) {
		col, ok := schema.Lookup(name)
		if !ok {
			return domain.Column{}, &domain.UnknownColumnError{Column: name, Available: schema.Names()}
		}
		return col, nil
	}

	var walk func(domain.Predicate) (domain.Predicate, error)
	walk = func(p domain.Predicate) (domain.Predicate, error) {
		switch t := p.(type) {
		case nil:
			return domain.True{}, nil
		case domain.True:
			return t, nil
		case domain.And:
			children, err := mapAll(t.Children, walk)
			return domain.And{Children: children}, err
		case domain.Or:
			children, err := mapAll(t.Children, walk)
			return domain.Or{Children: children}, err
		case domain.Not:
			child, err := walk(t.Child)
			return domain.Not{Child: child}, err
		case domain.Spatial:
			col, err := resolve(t.Column)
			if err != nil {
				return nil, err
			}
			if col.Type != domain.TypeGeometry && col.Type != domain.TypeBinary {
				return nil, &domain.ValidationError{
					Field:      "filter",
					Value:      col.Name,
					Constraint: "geometry column",
					Message:    fmt.Sprintf("column %q is %s, not a geometry", col.Name, col.Type),
				}
			}
			t.Column = col.Name
			return t, nil
		case domain.Comparison:
			col, err := resolve(t.Column)
			if err != nil {
				return nil, err
			}
			t.Column = col.Name
			t.Value = coerce(t.Value, col.Type)
			return t, nil
		case domain.IsNull:
			col, err := resolve(t.Column)
			if err != nil {
				return nil, err
			}
			t.Column = col.Name
			return t, nil
		case domain.In:
			col, err := resolve(t.Column)
			if err != nil {
				return nil, err
			}
			t.Column = col.Name
			values := make([]any, len(t.Values))
			for i, v := range t.Values {
				values[i] = coerce(v, col.Type)
			}
			t.Values = values
			return t, nil
		case domain.Between:
			col, err := resolve(t.Column)
			if err != nil {
				return nil, err
			}
			t.Column = col.Name
			t.Low, t.High = coerce(t.Low, col.Type), coerce(t.High, col.Type)
			return t, nil
		case domain.Like:
			col, err := resolve(t.Column)
			if err != nil {
				return nil, err
			}
			t.Column = col.Name
			return t, nil
		default:
			return nil, fmt.Errorf("unknown predicate node %T: %w", p, domain.ErrInternal)
		}
	}

	return walk(p)
}

func mapAll(children []domain.Predicate, fn func(domain.Predicate) (domain.Predicate, error)) ([]domain.Predicate, error) {
	out := make([]domain.Predicate, len(children))
	for i, c := range children {
		m, err := fn(c)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// coerce converts integer literals compared with float columns and
// timestamp-looking strings compared with temporal columns.
func coerce(v any, t domain.ColumnType) any {
	switch {
	case t == domain.TypeFloat:
		if n, ok := v.(int64); ok {
			return float64(n)
		}
	case t.IsTemporal():
		if s, ok := v.(string); ok {
			if ts, err := parseInstant(s); err == nil {
				return ts
			}
		}
	}
	return v
}
