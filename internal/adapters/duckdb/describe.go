package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// Defaults when neither the request nor the file metadata name the columns.
const (
	DefaultGeometryColumn = "geometry"
	DefaultBBoxColumn     = "bbox"
)

// geoMetadata is the part of the GeoParquet "geo" key/value metadata the
// engine uses.
type geoMetadata struct {
	PrimaryColumn string
	Encoding      string
	SRID          int
	BBox          []float64 // minx, miny, maxx, maxy
	Covering      string    // bbox covering column
}

var (
	geoPrimary = jp.C("primary_column")
	crsCode    = jp.C("id").C("code")
	crsAuth    = jp.C("id").C("authority")
)

// parseGeoMetadata extracts the column description for column, or for the
// primary column when column is empty. A missing crs key means OGC:CRS84.
func parseGeoMetadata(raw, column string) (*geoMetadata, error) {
	doc, err := oj.ParseString(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing geo metadata: %w", err)
	}

	meta := &geoMetadata{SRID: domain.SRIDWGS84}
	if p, ok := geoPrimary.First(doc).(string); ok {
		meta.PrimaryColumn = p
	}
	if column == "" {
		column = meta.PrimaryColumn
	}
	col, ok := jp.C("columns").C(column).First(doc).(map[string]any)
	if !ok {
		return meta, nil
	}
	meta.PrimaryColumn = column

	if enc, ok := col["encoding"].(string); ok {
		meta.Encoding = strings.ToUpper(enc)
	}
	if crs, present := col["crs"]; present {
		meta.SRID = sridFromCRS(crs)
	}
	meta.BBox = bboxFromMetadata(col["bbox"])
	if c, ok := jp.C("covering").C("bbox").C("xmin").N(0).First(col).(string); ok {
		meta.Covering = c
	}
	return meta, nil
}

// sridFromCRS reads an EPSG code from a PROJJSON object or a string.
// A null crs means an undefined CRS.
func sridFromCRS(crs any) int {
	switch t := crs.(type) {
	case nil:
		return domain.SRIDUnknown
	case string:
		if srid, ok := domain.ParseCRS(t); ok {
			return srid
		}
		return domain.SRIDUnknown
	case map[string]any:
		auth, _ := crsAuth.First(t).(string)
		code := crsCode.First(t)
		var id string
		switch c := code.(type) {
		case int64:
			id = strconv.FormatInt(c, 10)
		case float64:
			id = strconv.FormatInt(int64(c), 10)
		case string:
			id = c
		}
		if id == "" {
			return domain.SRIDUnknown
		}
		if srid, ok := domain.ParseCRS(auth + ":" + id); ok {
			return srid
		}
	}
	return domain.SRIDUnknown
}

// bboxFromMetadata accepts the 4 and 6 value forms.
func bboxFromMetadata(v any) []float64 {
	list, ok := v.([]any)
	if !ok || (len(list) != 4 && len(list) != 6) {
		return nil
	}
	vals := make([]float64, len(list))
	for i, x := range list {
		switch n := x.(type) {
		case float64:
			vals[i] = n
		case int64:
			vals[i] = float64(n)
		default:
			return nil
		}
	}
	if len(vals) == 6 {
		return []float64{vals[0], vals[1], vals[3], vals[4]}
	}
	return vals
}

// columnType maps a DuckDB type name onto a domain column type.
func columnType(t string) domain.ColumnType {
	t = strings.ToUpper(strings.TrimSpace(t))
	switch {
	case strings.HasSuffix(t, "[]") || strings.HasPrefix(t, "LIST") || strings.HasPrefix(t, "MAP"):
		return domain.TypeList
	case strings.HasPrefix(t, "STRUCT"):
		return domain.TypeStruct
	case t == "GEOMETRY" || strings.HasPrefix(t, "GEOMETRY("):
		return domain.TypeGeometry
	case t == "BOOLEAN":
		return domain.TypeBoolean
	case t == "TINYINT", t == "SMALLINT", t == "INTEGER", t == "BIGINT", t == "HUGEINT",
		t == "UTINYINT", t == "USMALLINT", t == "UINTEGER", t == "UBIGINT", t == "UHUGEINT":
		return domain.TypeInteger
	case t == "FLOAT", t == "DOUBLE", t == "REAL", strings.HasPrefix(t, "DECIMAL"):
		return domain.TypeFloat
	case t == "VARCHAR", t == "UUID", strings.HasPrefix(t, "ENUM"):
		return domain.TypeString
	case t == "DATE":
		return domain.TypeDate
	case strings.HasPrefix(t, "TIMESTAMP"):
		return domain.TypeTimestamp
	case t == "BLOB":
		return domain.TypeBinary
	default:
		return domain.TypeUnknown
	}
}

// Describe reads the GeoParquet metadata, the schema and the row count of
// a file without scanning rows.
func (e *Engine) Describe(ctx context.Context, file domain.FileRef, opts output.DescribeOptions) ([]domain.FileDescriptor, error) {
	src := quote(file.URI)

	var raw sql.NullString
	err := e.db.QueryRowContext(ctx,
		"SELECT decode(value) FROM parquet_kv_metadata("+src+") WHERE decode(key) = 'geo'",
	).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, describeError(file.URI, err)
	}

	var meta *geoMetadata
	if raw.Valid {
		meta, err = parseGeoMetadata(raw.String, opts.GeometryColumn)
		if err != nil {
			return nil, &domain.ResolutionError{Pattern: file.URI, Reason: "invalid geo metadata", Err: err}
		}
	}

	schema, err := e.describeSchema(ctx, src)
	if err != nil {
		return nil, describeError(file.URI, err)
	}

	desc := domain.FileDescriptor{
		URI:          file.URI,
		Key:          file.Key,
		Format:       domain.FormatGeoParquet,
		SRID:         domain.SRIDWGS84,
		Size:         file.Size,
		ETag:         file.ETag,
		LastModified: file.LastModified,
	}

	geomColumn := opts.GeometryColumn
	if meta != nil {
		if geomColumn == "" {
			geomColumn = meta.PrimaryColumn
		}
		desc.SRID = meta.SRID
		if len(meta.BBox) == 4 {
			b := domain.NewBBox(meta.BBox[0], meta.BBox[1], meta.BBox[2], meta.BBox[3], meta.SRID)
			desc.BBox = &b
		}
		desc.BBoxColumn = meta.Covering
	}
	if geomColumn == "" {
		geomColumn = DefaultGeometryColumn
	}

	// A WKB column reads as BLOB when the spatial extension does not
	// convert it.
	for i, c := range schema.Columns {
		if c.Name == geomColumn && c.Type == domain.TypeBinary {
			schema.Columns[i].Type = domain.TypeGeometry
			desc.GeometryEncoding = domain.GeometryWKB
		}
	}
	if col, ok := schema.Lookup(geomColumn); !ok || col.Type != domain.TypeGeometry {
		if cols := schema.GeometryColumns(); len(cols) > 0 {
			geomColumn = cols[0]
		} else {
			return nil, &domain.ResolutionError{
				Pattern: file.URI,
				Reason:  fmt.Sprintf("no geometry column %q", geomColumn),
				Err:     domain.ErrSchemaMismatch,
			}
		}
	}
	desc.GeometryColumn = geomColumn
	desc.Schema = schema

	if desc.BBoxColumn == "" {
		want := opts.BBoxColumn
		if want == "" {
			want = DefaultBBoxColumn
		}
		if c, ok := schema.Lookup(want); ok && c.Type == domain.TypeStruct {
			desc.BBoxColumn = c.Name
		}
	}

	if err := e.db.QueryRowContext(ctx,
		"SELECT num_rows FROM parquet_file_metadata("+src+")",
	).Scan(&desc.RowCount); err != nil {
		return nil, describeError(file.URI, err)
	}

	if desc.BBox == nil && desc.BBoxColumn != "" {
		desc.BBox, err = e.coveringExtent(ctx, src, desc.BBoxColumn, desc.SRID)
		if err != nil {
			return nil, describeError(file.URI, err)
		}
	}

	return []domain.FileDescriptor{desc}, nil
}

func (e *Engine) describeSchema(ctx context.Context, src string) (domain.Schema, error) {
	rows, err := e.db.QueryContext(ctx, "DESCRIBE SELECT * FROM read_parquet("+src+")")
	if err != nil {
		return domain.Schema{}, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return domain.Schema{}, err
	}

	var schema domain.Schema
	for rows.Next() {
		// column_name, column_type, null, key, default, extra
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return domain.Schema{}, err
		}
		schema.Columns = append(schema.Columns, domain.Column{
			Name:     vals[0].String,
			Type:     columnType(vals[1].String),
			Nullable: len(vals) < 3 || vals[2].String != "NO",
		})
	}
	return schema, rows.Err()
}

// coveringExtent aggregates the bbox covering column. Parquet statistics
// let DuckDB answer this from row group metadata for most writers.
func (e *Engine) coveringExtent(ctx context.Context, src, column string, srid int) (*domain.BBox, error) {
	c := quoteIdent(column)
	var minX, minY, maxX, maxY sql.NullFloat64
	err := e.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT min(%[1]s.xmin), min(%[1]s.ymin), max(%[1]s.xmax), max(%[1]s.ymax) FROM read_parquet(%[2]s)",
		c, src,
	)).Scan(&minX, &minY, &maxX, &maxY)
	if err != nil {
		return nil, err
	}
	if !minX.Valid || !minY.Valid || !maxX.Valid || !maxY.Valid {
		return nil, nil
	}
	b := domain.NewBBox(minX.Float64, minY.Float64, maxX.Float64, maxY.Float64, srid)
	return &b, nil
}

func describeError(uri string, err error) error {
	if isMissing(err) {
		return &domain.ResolutionError{Pattern: uri, Reason: "file not readable", Err: fmt.Errorf("%v: %w", err, domain.ErrNotFound)}
	}
	if isDenied(err) {
		return &domain.ResolutionError{Pattern: uri, Reason: "access denied", Err: fmt.Errorf("%v: %w", err, domain.ErrPermissionDenied)}
	}
	return &domain.ResolutionError{Pattern: uri, Reason: "reading parquet metadata", Err: err}
}
