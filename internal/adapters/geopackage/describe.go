package geopackage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// Describe reads one descriptor per feature table from gpkg_contents and
// gpkg_geometry_columns.
func (e *Engine) Describe(ctx context.Context, file domain.FileRef, opts output.DescribeOptions) ([]domain.FileDescriptor, error) {
	f, err := e.open(ctx, file)
	if err != nil {
		return nil, describeError(file.URI, err)
	}
	installed := false
	defer func() {
		if !installed {
			e.discard(file.URI, f)
		}
	}()

	layers, err := readLayers(ctx, f.db)
	if err != nil {
		return nil, describeError(file.URI, err)
	}
	if len(layers) == 0 {
		return nil, &domain.ResolutionError{Pattern: file.URI, Reason: "no feature tables", Err: domain.ErrSchemaMismatch}
	}

	tables := make(map[string]tableInfo, len(layers))
	descs := make([]domain.FileDescriptor, 0, len(layers))
	for _, l := range layers {
		schema, idColumn, err := readSchema(ctx, f.db, l.table, l.geomColumn)
		if err != nil {
			return nil, describeError(file.URI, err)
		}
		if opts.GeometryColumn != "" && opts.GeometryColumn != l.geomColumn {
			e.logger.Debug("geometry column override ignored for geopackage layer",
				"uri", file.URI, "layer", l.table, "column", l.geomColumn)
		}

		info := tableInfo{idColumn: idColumn}
		if hasRTree(ctx, f.db, l.table, l.geomColumn) {
			info.rtree = rtreeName(l.table, l.geomColumn)
		}
		tables[l.table] = info

		var count int64
		if err := f.db.QueryRowContext(ctx, "SELECT count(*) FROM "+filter.QuoteIdent(l.table)).Scan(&count); err != nil {
			return nil, describeError(file.URI, err)
		}

		desc := domain.FileDescriptor{
			URI:            file.URI,
			Key:            file.Key,
			Format:         domain.FormatGeoPackage,
			Layer:          l.table,
			SRID:           l.srid,
			GeometryColumn: l.geomColumn,
			Schema:         schema,
			RowCount:       count,
			Size:           file.Size,
			ETag:           file.ETag,
			LastModified:   file.LastModified,
		}
		if l.extent != nil {
			desc.BBox = l.extent
		} else if info.rtree != "" {
			desc.BBox = rtreeExtent(ctx, f.db, info.rtree, l.srid)
		}
		descs = append(descs, desc)
	}

	e.install(file.URI, f, tables)
	installed = true
	return descs, nil
}

type layerInfo struct {
	table      string
	geomColumn string
	srid       int
	extent     *domain.BBox
}

func readLayers(ctx context.Context, db *sql.DB) ([]layerInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.table_name, g.column_name, g.srs_id,
			COALESCE(s.organization, ''), COALESCE(s.organization_coordsys_id, 0),
			c.min_x, c.min_y, c.max_x, c.max_y
		FROM gpkg_contents c
		JOIN gpkg_geometry_columns g ON c.table_name = g.table_name
		LEFT JOIN gpkg_spatial_ref_sys s ON s.srs_id = g.srs_id
		WHERE c.data_type = 'features'
		ORDER BY c.table_name`)
	if err != nil {
		return nil, fmt.Errorf("reading layers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var layers []layerInfo
	for rows.Next() {
		var (
			l                      layerInfo
			srsID, orgID           int
			org                    string
			minX, minY, maxX, maxY sql.NullFloat64
		)
		if err := rows.Scan(&l.table, &l.geomColumn, &srsID, &org, &orgID, &minX, &minY, &maxX, &maxY); err != nil {
			return nil, fmt.Errorf("scanning layer: %w", err)
		}
		l.srid = layerSRID(srsID, org, orgID)
		if minX.Valid && minY.Valid && maxX.Valid && maxY.Valid &&
			(minX.Float64 != 0 || minY.Float64 != 0 || maxX.Float64 != 0 || maxY.Float64 != 0) {
			b := domain.NewBBox(minX.Float64, minY.Float64, maxX.Float64, maxY.Float64, l.srid)
			l.extent = &b
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

// layerSRID prefers the EPSG code of the spatial reference system. The
// GeoPackage identifiers -1 and 0 mean undefined.
func layerSRID(srsID int, org string, orgID int) int {
	if strings.EqualFold(org, "EPSG") && orgID > 0 {
		return orgID
	}
	if srsID <= 0 {
		return domain.SRIDUnknown
	}
	return srsID
}

// readSchema maps PRAGMA table_info onto a schema. It also returns the
// integer primary key column, if any.
func readSchema(ctx context.Context, db *sql.DB, table, geomColumn string) (domain.Schema, string, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+filter.QuoteIdent(table)+")")
	if err != nil {
		return domain.Schema{}, "", err
	}
	defer func() { _ = rows.Close() }()

	var (
		schema   domain.Schema
		idColumn string
	)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return domain.Schema{}, "", err
		}
		t := columnType(typ)
		if name == geomColumn {
			t = domain.TypeGeometry
		}
		if pk == 1 && t == domain.TypeInteger {
			idColumn = name
		}
		schema.Columns = append(schema.Columns, domain.Column{Name: name, Type: t, Nullable: notNull == 0})
	}
	return schema, idColumn, rows.Err()
}

// columnType maps a GeoPackage column type onto a domain column type.
func columnType(t string) domain.ColumnType {
	t = strings.ToUpper(strings.TrimSpace(t))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "INTEGER", "INT", "MEDIUMINT", "SMALLINT", "TINYINT", "BIGINT":
		return domain.TypeInteger
	case "BOOLEAN":
		return domain.TypeBoolean
	case "REAL", "DOUBLE", "FLOAT":
		return domain.TypeFloat
	case "TEXT":
		return domain.TypeString
	case "BLOB":
		return domain.TypeBinary
	case "DATE":
		return domain.TypeDate
	case "DATETIME":
		return domain.TypeTimestamp
	case "GEOMETRY", "POINT", "LINESTRING", "POLYGON", "MULTIPOINT", "MULTILINESTRING",
		"MULTIPOLYGON", "GEOMETRYCOLLECTION":
		return domain.TypeGeometry
	default:
		return domain.TypeUnknown
	}
}

func rtreeName(table, column string) string {
	return "rtree_" + table + "_" + column
}

func hasRTree(ctx context.Context, db *sql.DB, table, column string) bool {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
		rtreeName(table, column),
	).Scan(&n)
	return err == nil && n > 0
}

// rtreeExtent derives a layer extent from its R-tree when gpkg_contents
// has none.
func rtreeExtent(ctx context.Context, db *sql.DB, rtree string, srid int) *domain.BBox {
	var minX, minY, maxX, maxY sql.NullFloat64
	err := db.QueryRowContext(ctx,
		"SELECT min(minx), min(miny), max(maxx), max(maxy) FROM "+filter.QuoteIdent(rtree),
	).Scan(&minX, &minY, &maxX, &maxY)
	if err != nil || !minX.Valid {
		return nil
	}
	b := domain.NewBBox(minX.Float64, minY.Float64, maxX.Float64, maxY.Float64, srid)
	return &b
}

func describeError(uri string, err error) error {
	return &domain.ResolutionError{Pattern: uri, Reason: "reading geopackage", Err: err}
}
