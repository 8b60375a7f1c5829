package domain

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

// LocationPattern identifies one or many source files. It may contain
// wildcards and is used verbatim as the metadata cache key.
type LocationPattern string

// Storage schemes understood by ParseLocation.
const (
	SchemeFile  = "file"
	SchemeS3    = "s3"
	SchemeAzure = "az"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Location is a parsed LocationPattern.
type Location struct {
	Pattern LocationPattern
	Scheme  string
	Account string // Azure storage account, when the pattern names one
	Bucket  string // S3 bucket, Azure container, or HTTP scheme://host
	Path    string // object key or file path, may contain glob characters
	Prefix  string // literal part of Path up to the last separator before a glob
	Glob    bool
}

var azureBlobHost = regexp.MustCompile(`^([a-z0-9]+)\.blob\.core\.windows\.net$`)

// ParseLocation splits a pattern into scheme, bucket and path. Azure blob
// HTTPS URLs are rewritten to the az scheme.
func ParseLocation(p LocationPattern) (Location, error) {
	raw := strings.TrimSpace(string(p))
	if raw == "" {
		return Location{}, &ValidationError{
			Field:      "url",
			Value:      raw,
			Constraint: "non-empty",
			Message:    "location pattern is required",
		}
	}

	loc := Location{Pattern: p}

	scheme, rest, hasScheme := strings.Cut(raw, "://")
	if !hasScheme {
		loc.Scheme = SchemeFile
		loc.Path = raw
		return loc.withPrefix(), nil
	}

	switch strings.ToLower(scheme) {
	case "file":
		loc.Scheme = SchemeFile
		loc.Path = rest
		if !strings.HasPrefix(loc.Path, "/") {
			loc.Path = "/" + loc.Path
		}
		return loc.withPrefix(), nil

	case "s3", "s3a":
		loc.Scheme = SchemeS3
		loc.Bucket, loc.Path, _ = strings.Cut(rest, "/")

	case "az", "azure", "abfs", "abfss":
		loc.Scheme = SchemeAzure
		container, key, _ := strings.Cut(rest, "/")
		// abfss://container@account.dfs.core.windows.net/path
		if c, host, ok := strings.Cut(container, "@"); ok {
			container = c
			loc.Account, _, _ = strings.Cut(host, ".")
		}
		loc.Bucket, loc.Path = container, key

	case "http", "https":
		u, err := url.Parse(raw)
		if err != nil {
			return Location{}, &ValidationError{
				Field:      "url",
				Value:      raw,
				Constraint: "valid URL",
				Message:    err.Error(),
			}
		}
		if m := azureBlobHost.FindStringSubmatch(strings.ToLower(u.Host)); m != nil {
			loc.Scheme = SchemeAzure
			loc.Account = m[1]
			loc.Bucket, loc.Path, _ = strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
			break
		}
		loc.Scheme = strings.ToLower(scheme)
		loc.Bucket = loc.Scheme + "://" + u.Host
		loc.Path = strings.TrimPrefix(u.Path, "/")

	default:
		return Location{}, fmt.Errorf("%q: %w", scheme, ErrUnsupportedScheme)
	}

	if loc.Bucket == "" || loc.Path == "" {
		return Location{}, &ValidationError{
			Field:      "url",
			Value:      raw,
			Constraint: "scheme://bucket/key",
			Message:    "location must name a bucket and a key",
		}
	}
	return loc.withPrefix(), nil
}

// WithPath returns a copy of l with a new path and recomputed prefix.
func (l Location) WithPath(p string) Location {
	l.Path = p
	l.Glob = false
	return l.withPrefix()
}

func (l Location) withPrefix() Location {
	i := strings.IndexAny(l.Path, "*?[{")
	if i < 0 {
		l.Prefix = l.Path
		return l
	}
	l.Glob = true
	l.Prefix = l.Path[:strings.LastIndex(l.Path[:i], "/")+1]
	return l
}

// URI returns the fully qualified address of a key within the location's
// bucket, in the form the query engines expect.
func (l Location) URI(key string) string {
	switch l.Scheme {
	case SchemeS3:
		return "s3://" + l.Bucket + "/" + key
	case SchemeAzure:
		if l.Account != "" {
			return "az://" + l.Account + ".blob.core.windows.net/" + l.Bucket + "/" + key
		}
		return "az://" + l.Bucket + "/" + key
	case SchemeHTTP, SchemeHTTPS:
		return l.Bucket + "/" + key
	default:
		return key
	}
}

// IsRemote reports whether files must be fetched over the network.
func (l Location) IsRemote() bool {
	return l.Scheme != SchemeFile
}

// SourceFormat identifies the on-storage file format.
type SourceFormat string

// Supported source formats.
const (
	FormatGeoParquet SourceFormat = "geoparquet"
	FormatGeoPackage SourceFormat = "geopackage"
	FormatFlatGeobuf SourceFormat = "flatgeobuf"
)

// ExportFormat is a file format written by an engine-side export.
type ExportFormat string

// Export formats. GeoParquet output carries the "geo" key/value metadata,
// plain Parquet does not.
const (
	ExportGeoParquet ExportFormat = "geoparquet"
	ExportParquet    ExportFormat = "parquet"
)

// FormatFromPath infers the source format from a file extension.
func FormatFromPath(p string) (SourceFormat, bool) {
	switch strings.ToLower(path.Ext(p)) {
	case ".parquet", ".geoparquet", ".pq":
		return FormatGeoParquet, true
	case ".gpkg":
		return FormatGeoPackage, true
	case ".fgb":
		return FormatFlatGeobuf, true
	default:
		return "", false
	}
}

var nonIdent = regexp.MustCompile(`[^A-Za-z0-9_\-]+`)

// DatasetName derives a layer-friendly name from a location pattern: the
// last path segment without extension, or the nearest literal directory
// when that segment is a wildcard.
func DatasetName(p LocationPattern) string {
	raw := string(p)
	if _, rest, ok := strings.Cut(raw, "://"); ok {
		raw = rest
	}
	segments := strings.Split(strings.Trim(raw, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if seg == "" || strings.ContainsAny(seg, "*?[{") {
			continue
		}
		if i == len(segments)-1 {
			seg = strings.TrimSuffix(seg, path.Ext(seg))
		}
		if name := strings.Trim(nonIdent.ReplaceAllString(seg, "_"), "_"); name != "" {
			return name
		}
	}
	return "features"
}

// GeometryWKB marks a geometry column stored as plain WKB.
const GeometryWKB = "wkb"

// FileDescriptor carries the statistics of a single source file.
type FileDescriptor struct {
	URI            string       `json:"uri"`
	Key            string       `json:"key"`
	Format         SourceFormat `json:"format"`
	Layer          string       `json:"layer"`
	BBox           *BBox        `json:"bbox,omitempty"` // native CRS; nil when unknown
	SRID           int          `json:"srid"`
	GeometryColumn string       `json:"geometryColumn"`
	// GeometryEncoding is GeometryWKB when the engine reads the geometry
	// column as raw WKB, empty when the engine has a native geometry type.
	GeometryEncoding string    `json:"geometryEncoding,omitempty"`
	BBoxColumn       string    `json:"bboxColumn,omitempty"` // GeoParquet covering column
	Schema           Schema    `json:"schema"`
	RowCount         int64     `json:"rowCount"`
	Size             int64     `json:"size"`
	ETag             string    `json:"etag,omitempty"`
	LastModified     time.Time `json:"lastModified"`
}

// FileRef identifies a listed object before its statistics are read.
type FileRef struct {
	Location     Location
	Key          string
	URI          string
	Format       SourceFormat
	Size         int64
	ETag         string
	LastModified time.Time
}

// ResolvedDataset is the resolution result for a LocationPattern.
type ResolvedDataset struct {
	Pattern        LocationPattern  `json:"pattern"`
	Name           string           `json:"name"`
	Files          []FileDescriptor `json:"files"`
	BBox           *BBox            `json:"bbox,omitempty"`
	SRID           int              `json:"srid"`
	GeometryColumn string           `json:"geometryColumn"`
	Schema         Schema           `json:"schema"`
	ResolvedAt     time.Time        `json:"resolvedAt"`
}

// NewResolvedDataset merges file descriptors into a dataset. The bbox is
// the union of all known file bboxes; schemas must be compatible and all
// files must share one CRS.
func NewResolvedDataset(p LocationPattern, files []FileDescriptor, now time.Time) (*ResolvedDataset, error) {
	ds := &ResolvedDataset{
		Pattern:    p,
		Name:       DatasetName(p),
		Files:      files,
		ResolvedAt: now,
	}

	for i, f := range files {
		if i == 0 {
			ds.SRID = f.SRID
			ds.GeometryColumn = f.GeometryColumn
			ds.Schema = f.Schema
		} else {
			if f.SRID != ds.SRID {
				return nil, fmt.Errorf("%s is EPSG:%d, %s is EPSG:%d: %w",
					files[0].URI, ds.SRID, f.URI, f.SRID, ErrMixedCRS)
			}
			merged, err := ds.Schema.Merge(f.Schema)
			if err != nil {
				return nil, fmt.Errorf("merging schema of %s: %w", f.URI, err)
			}
			ds.Schema = merged
		}

		if f.BBox != nil {
			u := *f.BBox
			if ds.BBox != nil {
				u = ds.BBox.Union(u)
			}
			ds.BBox = &u
		}
	}

	return ds, nil
}

// LayerNames returns the distinct file layer names in first-seen order,
// falling back to the dataset name.
func (d *ResolvedDataset) LayerNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, f := range d.Files {
		name := f.Layer
		if name == "" {
			name = d.Name
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		names = append(names, d.Name)
	}
	return names
}

// RowEstimate sums the per-file row counts.
func (d *ResolvedDataset) RowEstimate() int64 {
	var n int64
	for _, f := range d.Files {
		n += f.RowCount
	}
	return n
}
