package http

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/geo"
	"github.com/jobrunner/tessera/internal/ports/input"
)

// Output format names of the f parameter.
const (
	formatGeoJSON    = "geojson"
	formatGeoJSONSeq = "geojsonseq"
	formatNDJSON     = "ndjson"
	formatCSV        = "csv"
	formatGeoParquet = "geoparquet"
	formatParquet    = "parquet"
)

// Media types.
const (
	mediaGeoJSON    = "application/geo+json"
	mediaGeoJSONSeq = "application/geo+json-seq"
	mediaNDJSON     = "application/ndjson"
	mediaCSV        = "text/csv"
	mediaParquet    = "application/x-parquet"
	mediaMVT        = "application/vnd.mapbox-vector-tile"
	mediaHTML       = "text/html; charset=utf-8"
)

type outputFormat struct {
	name      string
	mediaType string
	export    domain.ExportFormat // set for engine-side exports
}

var outputFormats = map[string]outputFormat{
	formatGeoJSON:    {name: formatGeoJSON, mediaType: mediaGeoJSON},
	formatGeoJSONSeq: {name: formatGeoJSONSeq, mediaType: mediaGeoJSONSeq},
	formatNDJSON:     {name: formatNDJSON, mediaType: mediaNDJSON},
	formatCSV:        {name: formatCSV, mediaType: mediaCSV},
	formatGeoParquet: {name: formatGeoParquet, mediaType: mediaParquet, export: domain.ExportGeoParquet},
	formatParquet:    {name: formatParquet, mediaType: mediaParquet, export: domain.ExportParquet},
}

// parseOutputFormat resolves the f parameter. Empty selects GeoJSON.
func parseOutputFormat(f string) (outputFormat, error) {
	if f == "" {
		return outputFormats[formatGeoJSON], nil
	}
	format, ok := outputFormats[strings.ToLower(f)]
	if !ok {
		return outputFormat{}, invalidParam("f", f,
			"geojson, geojsonseq, ndjson, csv, geoparquet or parquet",
			fmt.Sprintf("unsupported output format %q", f))
	}
	return format, nil
}

// featureEncoder serializes a stream of features.
type featureEncoder interface {
	begin() error
	encode(f *domain.Feature) error
	flush() error
	end() error
}

// streamPage pulls every batch of the page through enc. Geometries are
// reprojected to WGS84 when the dataset CRS allows it. Each batch is
// flushed to the client.
func streamPage(ctx context.Context, w http.ResponseWriter, page *input.FeaturePage, enc featureEncoder) error {
	srid := page.Dataset.SRID
	reproject := srid != 0 && srid != domain.SRIDWGS84 && geo.CanReproject(srid, domain.SRIDWGS84)
	flusher, _ := w.(http.Flusher)

	if err := enc.begin(); err != nil {
		return err
	}
	for {
		batch, err := page.Rows.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		for i := range batch.Features {
			f := &batch.Features[i]
			if reproject && f.Geometry != nil {
				if f.Geometry, err = geo.Reproject(f.Geometry, srid, domain.SRIDWGS84); err != nil {
					return err
				}
			}
			if err := enc.encode(f); err != nil {
				return err
			}
		}
		if err := enc.flush(); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return enc.end()
}

// featureDoc is a GeoJSON feature. A nil geometry encodes as null.
type featureDoc struct {
	Type       string             `json:"type"`
	ID         interface{}        `json:"id,omitempty"`
	Geometry   *geojson.Geometry  `json:"geometry"`
	Properties geojson.Properties `json:"properties"`
}

func newFeatureDoc(f *domain.Feature) featureDoc {
	doc := featureDoc{
		Type:       "Feature",
		Properties: make(geojson.Properties, len(f.Properties)),
	}
	if f.ID != 0 {
		doc.ID = f.ID
	}
	if f.Geometry != nil {
		doc.Geometry = geojson.NewGeometry(f.Geometry)
	}
	for _, p := range f.Properties {
		doc.Properties[p.Key] = jsonValue(p.Value)
	}
	return doc
}

// jsonValue replaces values that encoding/json rejects.
func jsonValue(v interface{}) interface{} {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil
		}
	}
	return v
}

// link is an OGC API link object.
type link struct {
	Title string `json:"title"`
	Rel   string `json:"rel"`
	Href  string `json:"href"`
	Type  string `json:"type"`
}

// collectionMeta is written after the features of a collection, once
// numberReturned is known.
type collectionMeta struct {
	NumberMatched  int64  `json:"numberMatched"`
	NumberReturned int    `json:"numberReturned"`
	Limit          int    `json:"limit"`
	Offset         int    `json:"offset"`
	Links          []link `json:"links"`
}

// collectionEncoder writes a GeoJSON FeatureCollection.
type collectionEncoder struct {
	w    *bufio.Writer
	meta collectionMeta
}

func newCollectionEncoder(w io.Writer, meta collectionMeta) *collectionEncoder {
	return &collectionEncoder{w: bufio.NewWriter(w), meta: meta}
}

func (e *collectionEncoder) begin() error {
	_, err := e.w.WriteString(`{"type":"FeatureCollection","features":[`)
	return err
}

func (e *collectionEncoder) encode(f *domain.Feature) error {
	b, err := json.Marshal(newFeatureDoc(f))
	if err != nil {
		return err
	}
	if e.meta.NumberReturned > 0 {
		if err := e.w.WriteByte(','); err != nil {
			return err
		}
	}
	e.meta.NumberReturned++
	_, err = e.w.Write(b)
	return err
}

func (e *collectionEncoder) flush() error {
	return e.w.Flush()
}

func (e *collectionEncoder) end() error {
	meta, err := json.Marshal(e.meta)
	if err != nil {
		return err
	}
	// meta is an object, splice its members into the collection.
	if _, err := e.w.WriteString("],"); err != nil {
		return err
	}
	if _, err := e.w.Write(meta[1:]); err != nil {
		return err
	}
	return e.w.Flush()
}

// seqEncoder writes one GeoJSON feature per line.
type seqEncoder struct {
	w *bufio.Writer
}

func newSeqEncoder(w io.Writer) *seqEncoder {
	return &seqEncoder{w: bufio.NewWriter(w)}
}

func (e *seqEncoder) begin() error { return nil }

func (e *seqEncoder) encode(f *domain.Feature) error {
	b, err := json.Marshal(newFeatureDoc(f))
	if err != nil {
		return err
	}
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	return e.w.WriteByte('\n')
}

func (e *seqEncoder) flush() error { return e.w.Flush() }

func (e *seqEncoder) end() error { return e.w.Flush() }

// csvEncoder writes a header row and one row per feature with the
// geometry as WKT in the first column.
type csvEncoder struct {
	w       *csv.Writer
	columns []string
	record  []string
}

func newCSVEncoder(w io.Writer, ds *domain.ResolvedDataset) *csvEncoder {
	geomName := ds.GeometryColumn
	if geomName == "" {
		geomName = "geometry"
	}
	columns := []string{geomName}
	for _, c := range ds.Schema.Columns {
		if c.Type == domain.TypeGeometry || c.Name == geomName {
			continue
		}
		columns = append(columns, c.Name)
	}
	return &csvEncoder{
		w:       csv.NewWriter(w),
		columns: columns,
		record:  make([]string, len(columns)),
	}
}

func (e *csvEncoder) begin() error {
	return e.w.Write(e.columns)
}

func (e *csvEncoder) encode(f *domain.Feature) error {
	e.record[0] = ""
	if f.Geometry != nil {
		e.record[0] = wkt.MarshalString(f.Geometry)
	}
	for i, name := range e.columns[1:] {
		v, _ := f.GetProperty(name)
		e.record[i+1] = csvValue(v)
	}
	return e.w.Write(e.record)
}

func (e *csvEncoder) flush() error {
	e.w.Flush()
	return e.w.Error()
}

func (e *csvEncoder) end() error {
	return e.flush()
}

// csvValue formats a property value as a CSV cell.
func csvValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case fmt.Stringer:
		return x.String()
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}

// pageLinks returns the self link and, where they exist, the next and
// previous pages.
func pageLinks(r *http.Request, matched int64, limit, offset int) []link {
	base := requestBase(r) + r.URL.Path
	params := r.URL.Query()

	links := []link{{
		Title: "Features",
		Rel:   "self",
		Href:  base + queryString(params),
		Type:  mediaGeoJSON,
	}}

	if next := offset + limit; int64(next) < matched {
		params.Set("offset", strconv.Itoa(next))
		links = append(links, link{
			Title: "Next page",
			Rel:   "next",
			Href:  base + queryString(params),
			Type:  mediaGeoJSON,
		})
	}

	if offset > 0 {
		params.Set("offset", strconv.Itoa(max(offset-limit, 0)))
		links = append(links, link{
			Title: "Previous page",
			Rel:   "prev",
			Href:  base + queryString(params),
			Type:  mediaGeoJSON,
		})
	}

	return links
}

func queryString(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// requestBase returns scheme://host of the request as the client sees it.
func requestBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host
}

// lazyWriter defers the response headers to the first write.
type lazyWriter struct {
	http.ResponseWriter
	onStart func(h http.Header)
	started bool
}

func (w *lazyWriter) start() {
	if w.started {
		return
	}
	w.started = true
	if w.onStart != nil {
		w.onStart(w.Header())
	}
	w.WriteHeader(http.StatusOK)
}

func (w *lazyWriter) Write(b []byte) (int, error) {
	w.start()
	return w.ResponseWriter.Write(b)
}
