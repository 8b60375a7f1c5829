package flatgeobuf

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// GeometryColumn is the name under which the feature geometry is exposed.
// FlatGeobuf geometries are not a named column.
const GeometryColumn = "geometry"

// Describe implements output.SourceEngine. A FlatGeobuf file is a single
// layer named after the header, or after the file when the header has no
// name.
func (e *Engine) Describe(ctx context.Context, ref domain.FileRef, opts output.DescribeOptions) ([]domain.FileDescriptor, error) {
	f, err := e.load(ctx, ref)
	if err != nil {
		return nil, describeError(ref.URI, err)
	}

	geomColumn := GeometryColumn
	if opts.GeometryColumn != "" {
		geomColumn = opts.GeometryColumn
	}

	desc := domain.FileDescriptor{
		URI:            ref.URI,
		Key:            ref.Key,
		Format:         domain.FormatFlatGeobuf,
		GeometryColumn: geomColumn,
		RowCount:       int64(f.count),
		Size:           int64(len(f.data)),
		ETag:           ref.ETag,
		LastModified:   ref.LastModified,
	}
	if err := guard(func() {
		desc.Layer = string(f.header.Name())
		desc.SRID = f.srid()
		desc.BBox = f.envelope(desc.SRID)
		for _, c := range readColumns(f.header) {
			desc.Schema.Columns = append(desc.Schema.Columns, domain.Column{Name: c.name, Type: columnType(c.typ), Nullable: true})
		}
	}); err != nil {
		return nil, describeError(ref.URI, err)
	}
	if desc.Layer == "" {
		desc.Layer = strings.TrimSuffix(path.Base(ref.Key), path.Ext(ref.Key))
	}
	if desc.Schema.Has(geomColumn) {
		return nil, &domain.ResolutionError{
			Pattern: ref.URI,
			Reason:  "property column " + geomColumn + " shadows the geometry",
			Err:     domain.ErrSchemaMismatch,
		}
	}
	desc.Schema.Columns = append(desc.Schema.Columns, domain.Column{Name: geomColumn, Type: domain.TypeGeometry, Nullable: true})

	if !f.indexed() {
		e.logger.Debug("flatgeobuf file has no spatial index", "uri", ref.URI)
	}

	e.mu.Lock()
	e.refs[ref.URI] = ref
	e.mu.Unlock()
	e.files.Add(ref.URI, f)
	return []domain.FileDescriptor{desc}, nil
}

func describeError(uri string, err error) error {
	var rerr *domain.ResolutionError
	if errors.As(err, &rerr) {
		return err
	}
	return &domain.ResolutionError{Pattern: uri, Reason: "reading flatgeobuf", Err: err}
}
