package duckdb

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// geomAlias is the result column holding the WKB geometry.
const geomAlias = "__tessera_geom"

func quoteIdent(name string) string {
	return filter.QuoteIdent(name)
}

// scanPlan is the SQL shape of a request against a set of files.
type scanPlan struct {
	source     string // read_parquet(...)
	geomColumn string
	wkb        bool   // geometry stored as plain WKB
	bboxColumn string // covering column, empty when absent
	schema     domain.Schema
	props      []string // property columns in schema order
	// coarse is set when the spatial extension is missing: spatial leaves
	// are reduced to covering column tests and the exact predicate is
	// evaluated on the decoded rows.
	coarse bool
}

func (e *Engine) plan(req output.ScanRequest) (*scanPlan, error) {
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("scan without files: %w", domain.ErrInvalidInput)
	}

	uris := make([]string, len(req.Files))
	schema := req.Files[0].Schema
	for i, f := range req.Files {
		uris[i] = quote(f.URI)
		if i > 0 {
			merged, err := schema.Merge(f.Schema)
			if err != nil {
				return nil, err
			}
			schema = merged
		}
	}

	p := &scanPlan{
		source:     fmt.Sprintf("read_parquet([%s], union_by_name = true)", strings.Join(uris, ", ")),
		geomColumn: req.Files[0].GeometryColumn,
		wkb:        req.Files[0].GeometryEncoding == domain.GeometryWKB,
		schema:     schema,
		coarse:     !e.spatial(),
	}
	if req.GeometryColumn != "" {
		if c, ok := schema.Lookup(req.GeometryColumn); ok && c.Type == domain.TypeGeometry {
			p.geomColumn = c.Name
		}
	}

	p.bboxColumn = sharedBBoxColumn(req.Files)
	if req.BBoxColumn != "" {
		if c, ok := schema.Lookup(req.BBoxColumn); ok && c.Type == domain.TypeStruct {
			p.bboxColumn = c.Name
		}
	}

	for _, c := range schema.Columns {
		if c.Name == p.geomColumn || c.Name == p.bboxColumn || c.Type == domain.TypeGeometry {
			continue
		}
		p.props = append(p.props, c.Name)
	}
	return p, nil
}

// sharedBBoxColumn returns the covering column when every file has the
// same one.
func sharedBBoxColumn(files []domain.FileDescriptor) string {
	col := files[0].BBoxColumn
	for _, f := range files[1:] {
		if f.BBoxColumn != col {
			return ""
		}
	}
	return col
}

// geomExpr is the geometry column as a spatial GEOMETRY value.
func (p *scanPlan) geomExpr(column string) string {
	if p.wkb {
		return "ST_GeomFromWKB(" + quoteIdent(column) + ")"
	}
	return quoteIdent(column)
}

// selectList projects the property columns followed by the geometry as
// WKB. Without the spatial extension every geometry column reads as WKB
// bytes.
func (p *scanPlan) selectList() string {
	cols := make([]string, 0, len(p.props)+1)
	for _, name := range p.props {
		cols = append(cols, quoteIdent(name))
	}
	geom := quoteIdent(p.geomColumn)
	if !p.wkb && !p.coarse {
		geom = "ST_AsWKB(" + geom + ")"
	}
	cols = append(cols, geom+" AS "+quoteIdent(geomAlias))
	return strings.Join(cols, ", ")
}

// dialect renders spatial leaves as a covering column test, when there is
// one, ANDed with an exact ST_Intersects.
func (p *scanPlan) dialect() filter.Dialect {
	return filter.Dialect{
		Name: "duckdb",
		Spatial: func(s domain.Spatial) (string, []any, error) {
			env := "ST_MakeEnvelope(?, ?, ?, ?)"
			args := []any{s.BBox.MinX, s.BBox.MinY, s.BBox.MaxX, s.BBox.MaxY}
			exact := fmt.Sprintf("ST_Intersects(%s, %s)", p.geomExpr(s.Column), env)
			if p.bboxColumn == "" {
				return exact, args, nil
			}
			cover, coverArgs := filter.BBoxStructSQL(p.bboxColumn, s.BBox)
			return "(" + cover + " AND " + exact + ")", append(coverArgs, args...), nil
		},
	}
}

// where renders the WHERE clause. In coarse mode only the conjunctive
// bboxes are pushed down, as covering column tests.
func (p *scanPlan) where(pred domain.Predicate) (string, []any, error) {
	if p.coarse {
		if p.bboxColumn == "" {
			return "TRUE", nil, nil
		}
		var parts []string
		var args []any
		for _, b := range domain.ConjunctiveBBoxes(pred) {
			frag, a := filter.BBoxStructSQL(p.bboxColumn, b)
			parts = append(parts, "("+frag+")")
			args = append(args, a...)
		}
		if len(parts) == 0 {
			return "TRUE", nil, nil
		}
		return strings.Join(parts, " AND "), args, nil
	}
	return filter.ToSQL(pred, p.dialect())
}

// selectSQL builds the scan query. Limit and offset are only pushed down
// when the predicate is fully evaluated by DuckDB.
func (p *scanPlan) selectSQL(req output.ScanRequest) (string, []any, error) {
	where, args, err := p.where(req.Predicate)
	if err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE %s", p.selectList(), p.source, where)
	if !p.coarse {
		if req.Limit > 0 {
			fmt.Fprintf(&sb, " LIMIT %d", req.Limit)
		}
		if req.Offset > 0 {
			fmt.Fprintf(&sb, " OFFSET %d", req.Offset)
		}
	}
	return sb.String(), args, nil
}

// countSQL builds the count query. In coarse mode it is not exact and the
// caller counts decoded rows instead.
func (p *scanPlan) countSQL(pred domain.Predicate) (string, []any, error) {
	where, args, err := p.where(pred)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", p.source, where), args, nil
}

// inlineArgs substitutes ? placeholders with SQL literals. COPY statements
// cannot be prepared. Quoted identifiers and strings are skipped.
func inlineArgs(query string, args []any) (string, error) {
	var sb strings.Builder
	next := 0
	var quoteChar byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quoteChar != 0:
			if c == quoteChar {
				quoteChar = 0
			}
		case c == '"' || c == '\'':
			quoteChar = c
		case c == '?':
			if next >= len(args) {
				return "", fmt.Errorf("placeholder %d without argument: %w", next+1, domain.ErrInternal)
			}
			lit, err := literal(args[next])
			if err != nil {
				return "", err
			}
			sb.WriteString(lit)
			next++
			continue
		}
		sb.WriteByte(c)
	}
	if next != len(args) {
		return "", fmt.Errorf("%d arguments for %d placeholders: %w", len(args), next, domain.ErrInternal)
	}
	return sb.String(), nil
}

func literal(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return quote(t), nil
	case bool:
		if t {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", fmt.Errorf("non-finite literal %v: %w", t, domain.ErrInvalidInput)
		}
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case time.Time:
		return "TIMESTAMPTZ " + quote(t.UTC().Format(time.RFC3339Nano)), nil
	default:
		return "", fmt.Errorf("literal of type %T: %w", v, domain.ErrUnsupported)
	}
}
