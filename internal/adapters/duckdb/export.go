package duckdb

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ohler55/ojg/oj"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// geoParquetVersion is written into exported "geo" metadata.
const geoParquetVersion = "1.1.0"

// Export implements output.Exporter. The query result is written to a
// temporary file with COPY and then streamed to w.
func (e *Engine) Export(ctx context.Context, req output.ScanRequest, format domain.ExportFormat, w io.Writer) error {
	if format != domain.ExportGeoParquet && format != domain.ExportParquet {
		return fmt.Errorf("export format %q: %w", format, domain.ErrExportUnsupported)
	}

	p, err := e.plan(req)
	if err != nil {
		return err
	}
	// Coarse plans evaluate filters in Go, which COPY cannot do. Pure bbox
	// filters still work on the covering column.
	if p.coarse && !domain.IsTrue(req.Predicate) && (!isBBoxOnly(req.Predicate) || p.bboxColumn == "") {
		return fmt.Errorf("filtered export without spatial extension: %w", domain.ErrExportUnsupported)
	}

	query, args, err := p.exportSQL(req, format == domain.ExportGeoParquet && !p.coarse)
	if err != nil {
		return err
	}
	query, err = inlineArgs(query, args)
	if err != nil {
		return err
	}

	dir := e.cfg.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	tmp, err := os.CreateTemp(dir, "tessera-export-*.parquet")
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}
	path := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(path) }()

	options := []string{"FORMAT PARQUET"}
	if format == domain.ExportGeoParquet {
		meta, err := exportMetadata(req, p)
		if err != nil {
			return err
		}
		options = append(options, "KV_METADATA {geo: "+quote(meta)+"}")
	}

	stmt := fmt.Sprintf("COPY (%s) TO %s (%s)", query, quote(filepath.ToSlash(path)), strings.Join(options, ", "))
	e.logger.Debug("duckdb export", "format", format, "files", len(req.Files))
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return queryError(req.Files, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening export file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	return nil
}

// isBBoxOnly reports whether p is made only of spatial leaves under And
// nodes, so that covering column tests are exact enough for an export.
func isBBoxOnly(p domain.Predicate) bool {
	switch t := p.(type) {
	case nil, domain.True, domain.Spatial:
		return true
	case domain.And:
		for _, c := range t.Children {
			if !isBBoxOnly(c) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// exportSQL selects the properties and the geometry as WKB under its
// original name. A bbox struct is computed when the geometry can be
// inspected.
func (p *scanPlan) exportSQL(req output.ScanRequest, withBBox bool) (string, []any, error) {
	where, args, err := p.where(req.Predicate)
	if err != nil {
		return "", nil, err
	}

	cols := make([]string, 0, len(p.props)+2)
	for _, name := range p.props {
		cols = append(cols, quoteIdent(name))
	}
	geom := quoteIdent(p.geomColumn)
	if !p.wkb {
		geom = "ST_AsWKB(" + geom + ")"
	}
	cols = append(cols, geom+" AS "+quoteIdent(p.geomColumn))
	switch {
	case withBBox:
		g := p.geomExpr(p.geomColumn)
		cols = append(cols, fmt.Sprintf(
			"struct_pack(xmin := ST_XMin(%[1]s), ymin := ST_YMin(%[1]s), xmax := ST_XMax(%[1]s), ymax := ST_YMax(%[1]s)) AS %[2]s",
			g, quoteIdent(exportBBoxColumn(p)),
		))
	case p.bboxColumn != "":
		cols = append(cols, quoteIdent(p.bboxColumn))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), p.source, where)
	if req.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", req.Limit)
	}
	if req.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", req.Offset)
	}
	return sb.String(), args, nil
}

func exportBBoxColumn(p *scanPlan) string {
	if p.bboxColumn != "" {
		return p.bboxColumn
	}
	return DefaultBBoxColumn
}

// exportMetadata renders the GeoParquet "geo" metadata of an export.
func exportMetadata(req output.ScanRequest, p *scanPlan) (string, error) {
	col := map[string]any{
		"encoding":       "WKB",
		"geometry_types": []any{},
	}
	if req.SRID != domain.SRIDWGS84 && req.SRID != domain.SRIDUnknown {
		col["crs"] = map[string]any{
			"id": map[string]any{"authority": "EPSG", "code": int64(req.SRID)},
		}
	}
	if ext := extent(req.Files); ext != nil {
		col["bbox"] = []any{ext.MinX, ext.MinY, ext.MaxX, ext.MaxY}
	}
	if !p.coarse || p.bboxColumn != "" {
		bc := exportBBoxColumn(p)
		col["covering"] = map[string]any{
			"bbox": map[string]any{
				"xmin": []any{bc, "xmin"},
				"ymin": []any{bc, "ymin"},
				"xmax": []any{bc, "xmax"},
				"ymax": []any{bc, "ymax"},
			},
		}
	}

	doc := map[string]any{
		"version":        geoParquetVersion,
		"primary_column": p.geomColumn,
		"columns":        map[string]any{p.geomColumn: col},
	}
	out := oj.JSON(doc, &oj.Options{Sort: true})
	if out == "" {
		return "", fmt.Errorf("encoding geo metadata: %w", domain.ErrInternal)
	}
	return out, nil
}

// extent is the union of the known file bboxes.
func extent(files []domain.FileDescriptor) *domain.BBox {
	var out *domain.BBox
	for _, f := range files {
		if f.BBox == nil {
			continue
		}
		if out == nil {
			b := *f.BBox
			out = &b
			continue
		}
		u := out.Union(*f.BBox)
		out = &u
	}
	return out
}
