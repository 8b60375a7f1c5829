package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/jobrunner/tessera/internal/application"
	"github.com/jobrunner/tessera/internal/domain"
)

func serve(srv *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		healthy    bool
		wantStatus int
		wantBody   string
	}{
		{"healthy", true, http.StatusOK, "ok"},
		{"unhealthy", false, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestServices()
			svc.health.healthy = tt.healthy
			rr := serve(newTestServer(svc), http.MethodGet, "/health", nil)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			resp := decodeJSON(t, rr)
			if resp["status"] != tt.wantBody {
				t.Errorf("status = %v, want %q", resp["status"], tt.wantBody)
			}
			if resp["cached_datasets"] != float64(2) {
				t.Errorf("cached_datasets = %v, want 2", resp["cached_datasets"])
			}
		})
	}
}

func TestHandleLiveness(t *testing.T) {
	srv := newTestServer(newTestServices())

	rr := serve(srv, http.MethodGet, "/health/live", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if resp := decodeJSON(t, rr); resp["status"] != "ok" {
		t.Errorf("status = %v, want %q", resp["status"], "ok")
	}
}

func TestHandleReadiness(t *testing.T) {
	svc := newTestServices()
	svc.health.ready = false
	srv := newTestServer(svc)

	rr := serve(srv, http.MethodGet, "/health/ready", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleFeaturesGeoJSON(t *testing.T) {
	svc := newTestServices()
	srv := newTestServer(svc)

	rr := serve(srv, http.MethodGet, "/features?url=data/buildings.parquet", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != mediaGeoJSON {
		t.Errorf("Content-Type = %q, want %q", ct, mediaGeoJSON)
	}

	resp := decodeJSON(t, rr)
	if resp["type"] != "FeatureCollection" {
		t.Errorf("type = %v, want FeatureCollection", resp["type"])
	}
	if resp["numberMatched"] != float64(2) || resp["numberReturned"] != float64(2) {
		t.Errorf("numberMatched = %v, numberReturned = %v, want 2 and 2", resp["numberMatched"], resp["numberReturned"])
	}
	if resp["limit"] != float64(10) || resp["offset"] != float64(0) {
		t.Errorf("limit = %v, offset = %v, want 10 and 0", resp["limit"], resp["offset"])
	}

	features := resp["features"].([]interface{})
	if len(features) != 2 {
		t.Fatalf("len(features) = %d, want 2", len(features))
	}
	first := features[0].(map[string]interface{})
	if first["id"] != float64(1) {
		t.Errorf("id = %v, want 1", first["id"])
	}
	geom := first["geometry"].(map[string]interface{})
	if geom["type"] != "Point" {
		t.Errorf("geometry type = %v, want Point", geom["type"])
	}
	props := first["properties"].(map[string]interface{})
	if props["name"] != "a" || props["height"] != 120.5 {
		t.Errorf("properties = %v", props)
	}

	links := resp["links"].([]interface{})
	if len(links) != 1 {
		t.Fatalf("len(links) = %d, want only self", len(links))
	}
	self := links[0].(map[string]interface{})
	if self["rel"] != "self" || !strings.HasPrefix(self["href"].(string), "http://example.com/features?") {
		t.Errorf("self link = %v", self)
	}

	if !svc.features.rows.closed {
		t.Error("row stream was not closed")
	}
}

func TestHandleFeaturesEmpty(t *testing.T) {
	svc := newTestServices()
	svc.features.matched = 0
	svc.features.rows = &mockRows{}
	srv := newTestServer(svc)

	rr := serve(srv, http.MethodGet, "/features?url=data/buildings.parquet&filter=height%20%3E%201000", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	resp := decodeJSON(t, rr)
	if features := resp["features"].([]interface{}); len(features) != 0 {
		t.Errorf("len(features) = %d, want 0", len(features))
	}
	if resp["numberMatched"] != float64(0) || resp["numberReturned"] != float64(0) {
		t.Errorf("numberMatched = %v, numberReturned = %v, want 0", resp["numberMatched"], resp["numberReturned"])
	}
}

func TestHandleFeaturesLinks(t *testing.T) {
	tests := []struct {
		name       string
		matched    int64
		query      string
		wantNext   string // expected offset of next, empty if absent
		wantPrev   string // expected offset of prev, empty if absent
		wantCounts int
	}{
		{"first page", 25, "limit=10", "10", "", 2},
		{"middle page", 25, "limit=10&offset=10", "20", "0", 3},
		{"last page", 25, "limit=10&offset=20", "", "10", 2},
		{"prev clamps at zero", 25, "limit=10&offset=5", "15", "0", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestServices()
			svc.features.matched = tt.matched
			srv := newTestServer(svc)

			rr := serve(srv, http.MethodGet, "/features?url=x.parquet&"+tt.query, nil)
			resp := decodeJSON(t, rr)

			links := resp["links"].([]interface{})
			if len(links) != tt.wantCounts {
				t.Fatalf("len(links) = %d, want %d", len(links), tt.wantCounts)
			}
			got := map[string]string{}
			for _, l := range links {
				m := l.(map[string]interface{})
				u, err := url.Parse(m["href"].(string))
				if err != nil {
					t.Fatal(err)
				}
				got[m["rel"].(string)] = u.Query().Get("offset")
				if u.Query().Get("url") != "x.parquet" {
					t.Errorf("%s link lost the url parameter: %s", m["rel"], m["href"])
				}
			}
			if next, ok := got["next"]; (tt.wantNext != "") != ok || next != tt.wantNext {
				t.Errorf("next offset = %q (present %v), want %q", next, ok, tt.wantNext)
			}
			if prev, ok := got["prev"]; (tt.wantPrev != "") != ok || prev != tt.wantPrev {
				t.Errorf("prev offset = %q (present %v), want %q", prev, ok, tt.wantPrev)
			}
		})
	}
}

func TestHandleFeaturesSeq(t *testing.T) {
	for _, f := range []string{"geojsonseq", "ndjson"} {
		t.Run(f, func(t *testing.T) {
			srv := newTestServer(newTestServices())

			rr := serve(srv, http.MethodGet, "/features?url=x.parquet&f="+f, nil)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
			}

			lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
			if len(lines) != 2 {
				t.Fatalf("got %d lines, want 2", len(lines))
			}
			for _, line := range lines {
				var feat map[string]interface{}
				if err := json.Unmarshal([]byte(line), &feat); err != nil {
					t.Fatalf("line %q is not JSON: %v", line, err)
				}
				if feat["type"] != "Feature" {
					t.Errorf("type = %v, want Feature", feat["type"])
				}
			}
		})
	}
}

func TestHandleFeaturesCSV(t *testing.T) {
	srv := newTestServer(newTestServices())

	rr := serve(srv, http.MethodGet, "/features?url=x.parquet&f=csv", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != mediaCSV {
		t.Errorf("Content-Type = %q, want %q", ct, mediaCSV)
	}

	want := "geometry,name,height\n" +
		"POINT(1 2),a,120.5\n" +
		"POINT(3 4),\"b, c\",\n"
	if got := rr.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestHandleFeaturesExport(t *testing.T) {
	tests := []struct {
		name       string
		f          string
		exportErr  error
		wantStatus int
		wantFormat domain.ExportFormat
	}{
		{"geoparquet", "geoparquet", nil, http.StatusOK, domain.ExportGeoParquet},
		{"parquet", "parquet", nil, http.StatusOK, domain.ExportParquet},
		{"unsupported dataset", "geoparquet", domain.ErrExportUnsupported, http.StatusBadRequest, domain.ExportGeoParquet},
		{"unresolvable", "parquet", &domain.ResolutionError{Pattern: "x"}, http.StatusNotFound, domain.ExportParquet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestServices()
			svc.features.export = []byte("PAR1data")
			svc.features.exportErr = tt.exportErr
			srv := newTestServer(svc)

			rr := serve(srv, http.MethodGet, "/features?url=x.parquet&f="+tt.f, nil)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if svc.features.format != tt.wantFormat {
				t.Errorf("format = %q, want %q", svc.features.format, tt.wantFormat)
			}
			if tt.exportErr != nil {
				if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
					t.Errorf("Content-Type = %q, want application/json", ct)
				}
				return
			}
			if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "features.parquet") {
				t.Errorf("Content-Disposition = %q", cd)
			}
			if rr.Body.String() != "PAR1data" {
				t.Errorf("body = %q", rr.Body.String())
			}
		})
	}
}

func TestHandleFeaturesForwardsParams(t *testing.T) {
	svc := newTestServices()
	srv := newTestServer(svc)

	q := url.Values{}
	q.Set("url", "s3://bucket/*.parquet")
	q.Set("bbox", "-10,-5,10,5")
	q.Set("filter", "height > 350")
	q.Set("filter-lang", "cql2-text")
	q.Set("limit", "50")
	q.Set("offset", "100")
	q.Set("geom_column", "geom")
	q.Set("bbox_column", "bounds")

	rr := serve(srv, http.MethodGet, "/features?"+q.Encode(), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	got := svc.features.lastQuery
	want := domain.FeatureQuery{
		Pattern:        "s3://bucket/*.parquet",
		BBox:           &domain.BBox{MinX: -10, MinY: -5, MaxX: 10, MaxY: 5, SRID: domain.SRIDWGS84},
		Filter:         "height > 350",
		FilterLang:     "cql2-text",
		Limit:          50,
		Offset:         100,
		GeometryColumn: "geom",
		BBoxColumn:     "bounds",
	}
	if got.BBox == nil || *got.BBox != *want.BBox {
		t.Errorf("BBox = %v, want %v", got.BBox, want.BBox)
	}
	got.BBox, want.BBox = nil, nil
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("query = %+v, want %+v", got, want)
	}
}

func TestHandleFeaturesInvalidParams(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"missing url", "limit=10"},
		{"non-numeric limit", "url=x.parquet&limit=ten"},
		{"zero limit", "url=x.parquet&limit=0"},
		{"negative offset", "url=x.parquet&offset=-1"},
		{"short bbox", "url=x.parquet&bbox=1,2,3"},
		{"inverted bbox", "url=x.parquet&bbox=10,0,0,10"},
		{"unknown format", "url=x.parquet&f=shapefile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(newTestServices())

			rr := serve(srv, http.MethodGet, "/features?"+tt.query, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
			resp := decodeJSON(t, rr)
			if resp["error"] != domain.KindInvalidInput {
				t.Errorf("error = %v, want %q", resp["error"], domain.KindInvalidInput)
			}
			if resp["message"] == "" {
				t.Error("message is empty")
			}
		})
	}
}

func TestServiceErrorStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"filter syntax", &domain.FilterSyntaxError{Input: "height >", Offset: 8, Message: "unexpected end"}, http.StatusBadRequest, domain.KindFilterSyntax},
		{"unknown column", &domain.UnknownColumnError{Column: "height"}, http.StatusBadRequest, domain.KindUnknownColumn},
		{"resolution", &domain.ResolutionError{Pattern: "x", Err: domain.ErrNoFilesMatched}, http.StatusNotFound, domain.KindResolution},
		{"tile out of range", &domain.TileOutOfRangeError{Address: domain.TileAddress{Z: 1, X: 2, Y: 0}, MaxZoom: 22}, http.StatusNotFound, domain.KindTileOutOfRange},
		{"reprojection", &domain.ReprojectionError{From: 27700, To: 3857}, http.StatusUnprocessableEntity, domain.KindReprojection},
		{"encoding", &domain.EncodingError{Layer: "a", Message: "bad"}, http.StatusInternalServerError, domain.KindEncoding},
		{"query execution", &domain.QueryExecutionError{Engine: "duckdb", Err: errors.New("boom")}, http.StatusBadGateway, domain.KindQueryExecution},
		{"stale metadata", &domain.StaleMetadataError{URI: "s3://b/k"}, http.StatusServiceUnavailable, domain.KindStaleMetadata},
		{"mixed crs", domain.ErrMixedCRS, http.StatusBadRequest, domain.KindUnsupported},
		{"timeout", fmt.Errorf("scan: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, kindTimeout},
		{"internal", errors.New("unexpected"), http.StatusInternalServerError, domain.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestServices()
			svc.features.err = tt.err
			srv := newTestServer(svc)

			rr := serve(srv, http.MethodGet, "/features/count?url=x.parquet", nil)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			resp := decodeJSON(t, rr)
			if resp["error"] != tt.wantCode {
				t.Errorf("error = %v, want %q", resp["error"], tt.wantCode)
			}
			if resp["message"] != tt.err.Error() {
				t.Errorf("message = %v, want %q", resp["message"], tt.err.Error())
			}
		})
	}
}

func TestHandleFeaturesStreamError(t *testing.T) {
	svc := newTestServices()
	svc.features.rows = &mockRows{
		batches: [][]domain.Feature{testFeatures()},
		err:     &domain.QueryExecutionError{Engine: "duckdb", Err: errors.New("connection reset")},
	}
	srv := newTestServer(svc)

	rr := serve(srv, http.MethodGet, "/features?url=x.parquet", nil)

	// The status was committed with the first batch.
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if json.Valid(rr.Body.Bytes()) {
		t.Error("truncated stream produced a complete document")
	}
	if !bytes.HasPrefix(rr.Body.Bytes(), []byte(`{"type":"FeatureCollection","features":[`)) {
		t.Errorf("body = %q", rr.Body.String())
	}
	if !svc.features.rows.closed {
		t.Error("row stream was not closed")
	}
}

func TestHandleCount(t *testing.T) {
	svc := newTestServices()
	svc.features.matched = 42
	srv := newTestServer(svc)

	rr := serve(srv, http.MethodGet, "/features/count?url=x.parquet&bbox=0,0,1,1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if resp := decodeJSON(t, rr); resp["numberMatched"] != float64(42) {
		t.Errorf("numberMatched = %v, want 42", resp["numberMatched"])
	}
	if svc.features.lastQuery.BBox == nil {
		t.Error("bbox was not forwarded")
	}
}

func TestHandleDataset(t *testing.T) {
	srv := newTestServer(newTestServices())

	rr := serve(srv, http.MethodGet, "/datasets?url=data/buildings.parquet", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	resp := decodeJSON(t, rr)
	if resp["name"] != "buildings" {
		t.Errorf("name = %v, want buildings", resp["name"])
	}
	if resp["rowEstimate"] != float64(3) {
		t.Errorf("rowEstimate = %v, want 3", resp["rowEstimate"])
	}
	if layers := resp["layers"].([]interface{}); len(layers) != 1 || layers[0] != "buildings" {
		t.Errorf("layers = %v", layers)
	}
	if files := resp["files"].([]interface{}); len(files) != 1 {
		t.Errorf("len(files) = %d, want 1", len(files))
	}
}

func TestHandleDatasetNotFound(t *testing.T) {
	svc := newTestServices()
	svc.datasets.err = &domain.ResolutionError{Pattern: "missing/*.parquet", Err: domain.ErrNoFilesMatched}
	srv := newTestServer(svc)

	rr := serve(srv, http.MethodGet, "/datasets?url=missing/*.parquet", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestHandleInvalidate(t *testing.T) {
	svc := newTestServices()
	srv := newTestServer(svc)

	rr := serve(srv, http.MethodDelete, "/datasets?url=data/*.parquet", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if len(svc.datasets.invalidated) != 1 || svc.datasets.invalidated[0] != "data/*.parquet" {
		t.Errorf("invalidated = %v", svc.datasets.invalidated)
	}
}

func TestHandleTile(t *testing.T) {
	for _, path := range []string{"/tiles/3/4/2", "/tiles/3/4/2.mvt", "/tiles/3/4/2.pbf"} {
		t.Run(path, func(t *testing.T) {
			svc := newTestServices()
			srv := newTestServer(svc)

			rr := serve(srv, http.MethodGet, path+"?url=x.parquet&filter=height%20%3E%20350", nil)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
			}
			if ct := rr.Header().Get("Content-Type"); ct != mediaMVT {
				t.Errorf("Content-Type = %q, want %q", ct, mediaMVT)
			}
			if cc := rr.Header().Get("Cache-Control"); cc != "public, max-age=3600" {
				t.Errorf("Cache-Control = %q", cc)
			}
			if etag := rr.Header().Get("ETag"); etag != tileETag(svc.tiles.data) {
				t.Errorf("ETag = %q, want %q", etag, tileETag(svc.tiles.data))
			}
			if !bytes.Equal(rr.Body.Bytes(), svc.tiles.data) {
				t.Errorf("body = %x, want %x", rr.Body.Bytes(), svc.tiles.data)
			}

			req := svc.tiles.lastReq
			if req.Address != (domain.TileAddress{Z: 3, X: 4, Y: 2}) {
				t.Errorf("address = %v, want 3/4/2", req.Address)
			}
			if req.Filter != "height > 350" || req.Pattern != "x.parquet" {
				t.Errorf("request = %+v", req)
			}
		})
	}
}

func TestHandleTileNotModified(t *testing.T) {
	svc := newTestServices()
	srv := newTestServer(svc)
	etag := tileETag(svc.tiles.data)

	tests := []struct {
		name        string
		ifNoneMatch string
		wantStatus  int
	}{
		{"matching etag", etag, http.StatusNotModified},
		{"weak matching etag", "W/" + etag, http.StatusNotModified},
		{"one of many", `"abc", ` + etag, http.StatusNotModified},
		{"wildcard", "*", http.StatusNotModified},
		{"stale etag", `"deadbeef"`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(srv, http.MethodGet, "/tiles/0/0/0?url=x.parquet",
				http.Header{"If-None-Match": {tt.ifNoneMatch}})
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusNotModified && rr.Body.Len() != 0 {
				t.Errorf("304 carried a body of %d bytes", rr.Body.Len())
			}
			if rr.Header().Get("ETag") != etag {
				t.Errorf("ETag = %q, want %q", rr.Header().Get("ETag"), etag)
			}
		})
	}
}

func TestHandleTileErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		serviceErr error
		wantStatus int
	}{
		{"non-numeric z", "/tiles/a/0/0?url=x.parquet", nil, http.StatusBadRequest},
		{"negative x", "/tiles/1/-1/0?url=x.parquet", nil, http.StatusBadRequest},
		{"bad suffix", "/tiles/1/0/0.png?url=x.parquet", nil, http.StatusBadRequest},
		{"missing url", "/tiles/0/0/0", nil, http.StatusBadRequest},
		{"out of range", "/tiles/1/2/0?url=x.parquet",
			&domain.TileOutOfRangeError{Address: domain.TileAddress{Z: 1, X: 2, Y: 0}, MaxZoom: 22}, http.StatusNotFound},
		{"unknown column", "/tiles/0/0/0?url=x.parquet&filter=height%3E350",
			&domain.UnknownColumnError{Column: "height"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestServices()
			svc.tiles.err = tt.serviceErr
			srv := newTestServer(svc)

			rr := serve(srv, http.MethodGet, tt.path, nil)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}
}

func TestParseTileAddress(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]string
		want    domain.TileAddress
		wantErr bool
	}{
		{"plain", map[string]string{"z": "0", "x": "0", "y": "0"}, domain.TileAddress{}, false},
		{"mvt suffix", map[string]string{"z": "12", "x": "2148", "y": "1436.mvt"}, domain.TileAddress{Z: 12, X: 2148, Y: 1436}, false},
		{"pbf suffix", map[string]string{"z": "1", "x": "1", "y": "1.pbf"}, domain.TileAddress{Z: 1, X: 1, Y: 1}, false},
		{"out of grid is left to the service", map[string]string{"z": "1", "x": "5", "y": "0"}, domain.TileAddress{Z: 1, X: 5}, false},
		{"negative", map[string]string{"z": "-1", "x": "0", "y": "0"}, domain.TileAddress{}, true},
		{"float", map[string]string{"z": "1.5", "x": "0", "y": "0"}, domain.TileAddress{}, true},
		{"empty y", map[string]string{"z": "1", "x": "0", "y": ".mvt"}, domain.TileAddress{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTileAddress(tt.vars)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTileAddress() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("parseTileAddress() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleWarm(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"success", nil, http.StatusOK},
		{"rate limited", application.ErrRateLimited, http.StatusTooManyRequests},
		{"failure", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestServices()
			svc.warmer.err = tt.err
			srv := newTestServer(svc)

			rr := serve(srv, http.MethodPost, "/cache/warm", nil)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusTooManyRequests && rr.Header().Get("Retry-After") != "30" {
				t.Errorf("Retry-After = %q, want 30", rr.Header().Get("Retry-After"))
			}
		})
	}
}

func TestHandleViewer(t *testing.T) {
	srv := newTestServer(newTestServices())

	rr := serve(srv, http.MethodGet, "/viewer?url=data/buildings.parquet", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != mediaHTML {
		t.Errorf("Content-Type = %q, want %q", ct, mediaHTML)
	}
	body := rr.Body.String()
	for _, want := range []string{"maplibre-gl", "buildings", "fitBounds"} {
		if !strings.Contains(body, want) {
			t.Errorf("viewer page does not contain %q", want)
		}
	}
}

func TestHandleViewerRequiresURL(t *testing.T) {
	srv := newTestServer(newTestServices())

	rr := serve(srv, http.MethodGet, "/viewer", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestHandleOpenAPI(t *testing.T) {
	srv := newTestServer(newTestServices())

	rr := serve(srv, http.MethodGet, "/openapi.json", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	resp := decodeJSON(t, rr)
	if resp["openapi"] != "3.0.3" {
		t.Errorf("openapi = %v, want 3.0.3", resp["openapi"])
	}
	paths := resp["paths"].(map[string]interface{})
	for _, p := range []string{"/features", "/features/count", "/tiles/{z}/{x}/{y}", "/datasets"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("path %s missing from OpenAPI document", p)
		}
	}
}

func TestHandleOpenAPIServerURL(t *testing.T) {
	srv := newTestServer(newTestServices())

	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "tiles.example.com")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	resp := decodeJSON(t, rr)
	servers, ok := resp["servers"].([]interface{})
	if !ok || len(servers) != 1 {
		t.Fatalf("servers = %v, want one entry", resp["servers"])
	}
	if url := servers[0].(map[string]interface{})["url"]; url != "https://tiles.example.com" {
		t.Errorf("server url = %v, want https://tiles.example.com", url)
	}

	// The shared document keeps its own servers entry.
	doc, err := openAPIDocument()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["servers"].([]interface{}); !ok {
		t.Errorf("shared document servers = %T, want the decoded YAML list", doc["servers"])
	}
}

func TestEtagMatches(t *testing.T) {
	tests := []struct {
		header string
		etag   string
		want   bool
	}{
		{`"abc"`, `"abc"`, true},
		{`W/"abc"`, `"abc"`, true},
		{`"x", "abc"`, `"abc"`, true},
		{`*`, `"abc"`, true},
		{`"abd"`, `"abc"`, false},
		{`abc`, `"abc"`, false},
	}

	for _, tt := range tests {
		if got := etagMatches(tt.header, tt.etag); got != tt.want {
			t.Errorf("etagMatches(%q, %q) = %v, want %v", tt.header, tt.etag, got, tt.want)
		}
	}
}

func TestCSVValue(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{"text", "text"},
		{int64(-3), "-3"},
		{2.5, "2.5"},
		{true, "true"},
		{[]byte{0xff}, "/w=="},
		{map[string]interface{}{"a": 1}, `{"a":1}`},
	}

	for _, tt := range tests {
		if got := csvValue(tt.in); got != tt.want {
			t.Errorf("csvValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBoolToStatus(t *testing.T) {
	if boolToStatus(true) != "ok" {
		t.Error("boolToStatus(true) != ok")
	}
	if boolToStatus(false) != "unhealthy" {
		t.Error("boolToStatus(false) != unhealthy")
	}
}
