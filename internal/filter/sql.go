package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
)

// Dialect adapts SQL rendering to an engine.
type Dialect struct {
	Name string
	True string // literal for the identity predicate
	// Spatial renders a spatial leaf. The bbox is already in the CRS of the
	// data being queried.
	Spatial func(s domain.Spatial) (string, []any, error)
	// Value converts a literal into a driver argument. Nil keeps it as is.
	Value func(v any) any
}

// QuoteIdent double-quotes an identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ToSQL renders p as a parameterized boolean expression with ? placeholders.
func ToSQL(p domain.Predicate, d Dialect) (string, []any, error) {
	r := &sqlRenderer{dialect: d}
	var sb strings.Builder
	if err := r.render(&sb, p); err != nil {
		return "", nil, err
	}
	return sb.String(), r.args, nil
}

type sqlRenderer struct {
	dialect Dialect
	args    []any
}

func (r *sqlRenderer) bind(v any) string {
	if r.dialect.Value != nil {
		v = r.dialect.Value(v)
	}
	r.args = append(r.args, v)
	return "?"
}

func (r *sqlRenderer) render(sb *strings.Builder, p domain.Predicate) error {
	switch t := p.(type) {
	case nil, domain.True:
		tr := r.dialect.True
		if tr == "" {
			tr = "TRUE"
		}
		sb.WriteString(tr)

	case domain.And:
		return r.join(sb, t.Children, " AND ")

	case domain.Or:
		return r.join(sb, t.Children, " OR ")

	case domain.Not:
		sb.WriteString("NOT (")
		if err := r.render(sb, t.Child); err != nil {
			return err
		}
		sb.WriteString(")")

	case domain.Comparison:
		fmt.Fprintf(sb, "%s %s %s", QuoteIdent(t.Column), t.Op, r.bind(t.Value))

	case domain.IsNull:
		if t.Negated {
			fmt.Fprintf(sb, "%s IS NOT NULL", QuoteIdent(t.Column))
		} else {
			fmt.Fprintf(sb, "%s IS NULL", QuoteIdent(t.Column))
		}

	case domain.In:
		placeholders := make([]string, len(t.Values))
		for i, v := range t.Values {
			placeholders[i] = r.bind(v)
		}
		op := "IN"
		if t.Negated {
			op = "NOT IN"
		}
		fmt.Fprintf(sb, "%s %s (%s)", QuoteIdent(t.Column), op, strings.Join(placeholders, ", "))

	case domain.Between:
		op := "BETWEEN"
		if t.Negated {
			op = "NOT BETWEEN"
		}
		low := r.bind(t.Low)
		high := r.bind(t.High)
		fmt.Fprintf(sb, "%s %s %s AND %s", QuoteIdent(t.Column), op, low, high)

	case domain.Like:
		op := "LIKE"
		if t.Negated {
			op = "NOT LIKE"
		}
		fmt.Fprintf(sb, "%s %s %s", QuoteIdent(t.Column), op, r.bind(t.Pattern))

	case domain.Spatial:
		if r.dialect.Spatial == nil {
			return fmt.Errorf("%s dialect cannot render spatial filters: %w", r.dialect.Name, domain.ErrUnsupported)
		}
		frag, args, err := r.dialect.Spatial(t)
		if err != nil {
			return err
		}
		sb.WriteString(frag)
		r.args = append(r.args, args...)

	default:
		return fmt.Errorf("unknown predicate node %T: %w", p, domain.ErrInternal)
	}
	return nil
}

func (r *sqlRenderer) join(sb *strings.Builder, children []domain.Predicate, sep string) error {
	for i, c := range children {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString("(")
		if err := r.render(sb, c); err != nil {
			return err
		}
		sb.WriteString(")")
	}
	return nil
}

// BBoxStructSQL renders the GeoParquet covering-column test
// bbox.xmax >= minx AND bbox.xmin <= maxx AND bbox.ymax >= miny AND bbox.ymin <= maxy.
func BBoxStructSQL(column string, b domain.BBox) (string, []any) {
	c := QuoteIdent(column)
	frag := fmt.Sprintf("%s.xmax >= ? AND %s.xmin <= ? AND %s.ymax >= ? AND %s.ymin <= ?", c, c, c, c)
	return frag, []any{b.MinX, b.MaxX, b.MinY, b.MaxY}
}

// TimeAsText binds time.Time values as RFC3339 strings, which is how
// GeoPackage stores dates.
func TimeAsText(v any) any {
	if ts, ok := v.(time.Time); ok {
		return ts.UTC().Format(time.RFC3339Nano)
	}
	return v
}
