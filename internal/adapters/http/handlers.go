package http

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jobrunner/tessera/internal/application"
	"github.com/jobrunner/tessera/internal/domain"
)

// filterParams holds the parameters shared by feature and tile requests.
type filterParams struct {
	Pattern        domain.LocationPattern
	Filter         string
	FilterLang     string
	GeometryColumn string
	BBoxColumn     string
}

// parseFilterParams reads url, filter, filter-lang, geom_column and
// bbox_column.
func parseFilterParams(q url.Values) (filterParams, error) {
	p := filterParams{
		Pattern:        domain.LocationPattern(strings.TrimSpace(q.Get("url"))),
		Filter:         q.Get("filter"),
		FilterLang:     firstOf(q, "filter-lang", "filter_lang"),
		GeometryColumn: q.Get("geom_column"),
		BBoxColumn:     q.Get("bbox_column"),
	}
	if p.Pattern == "" {
		return p, invalidParam("url", "", "non-empty", "url parameter is required")
	}
	return p, nil
}

// parseFeatureQuery parses the parameters of /features and /features/count.
func parseFeatureQuery(r *http.Request) (domain.FeatureQuery, error) {
	q := r.URL.Query()

	fp, err := parseFilterParams(q)
	if err != nil {
		return domain.FeatureQuery{}, err
	}
	fq := domain.FeatureQuery{
		Pattern:        fp.Pattern,
		Filter:         fp.Filter,
		FilterLang:     fp.FilterLang,
		GeometryColumn: fp.GeometryColumn,
		BBoxColumn:     fp.BBoxColumn,
	}

	if raw := q.Get("bbox"); raw != "" {
		b, err := domain.ParseBBox(raw)
		if err != nil {
			return domain.FeatureQuery{}, err
		}
		fq.BBox = &b
	}

	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return domain.FeatureQuery{}, invalidParam("limit", raw, "positive integer", "invalid limit parameter")
		}
		fq.Limit = v
	}

	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return domain.FeatureQuery{}, invalidParam("offset", raw, "non-negative integer", "invalid offset parameter")
		}
		fq.Offset = v
	}

	return fq, nil
}

func firstOf(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// handleFeatures streams the requested page in the format selected by f.
func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	format, err := parseOutputFormat(r.URL.Query().Get("f"))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	fq, err := parseFeatureQuery(r)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	if format.export != "" {
		s.exportFeatures(w, r.WithContext(ctx), fq, format)
		return
	}

	page, err := s.features.Features(ctx, fq)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	defer func() { _ = page.Close() }()

	w.Header().Set("Content-Type", format.mediaType)
	w.WriteHeader(http.StatusOK)

	var enc featureEncoder
	switch format.name {
	case formatGeoJSONSeq, formatNDJSON:
		enc = newSeqEncoder(w)
	case formatCSV:
		enc = newCSVEncoder(w, page.Dataset)
	default:
		enc = newCollectionEncoder(w, collectionMeta{
			NumberMatched: page.NumberMatched,
			Limit:         page.Limit,
			Offset:        page.Offset,
			Links:         pageLinks(r, page.NumberMatched, page.Limit, page.Offset),
		})
	}

	// The status is sent, a failure from here on can only cut the body short.
	if err := streamPage(ctx, w, page, enc); err != nil {
		s.logger.Error("feature stream aborted",
			"pattern", fq.Pattern,
			"format", format.name,
			"error", err,
		)
	}
}

// exportFeatures writes a Parquet attachment. Headers are only committed
// once the engine produces output so that early failures still get an
// error response.
func (s *Server) exportFeatures(w http.ResponseWriter, r *http.Request, fq domain.FeatureQuery, format outputFormat) {
	lw := &lazyWriter{
		ResponseWriter: w,
		onStart: func(h http.Header) {
			h.Set("Content-Type", format.mediaType)
			h.Set("Content-Disposition", "attachment; filename=features.parquet")
		},
	}

	err := s.features.Export(r.Context(), fq, format.export, lw)
	if err == nil {
		lw.start()
		return
	}
	if !lw.started {
		s.handleServiceError(w, r, err)
		return
	}
	s.logger.Error("export aborted", "pattern", fq.Pattern, "error", err)
}

// handleCount returns the number of matching features.
func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	fq, err := parseFeatureQuery(r)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	n, err := s.features.Count(ctx, fq)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int64{"numberMatched": n})
}

// datasetResponse describes a resolved dataset.
type datasetResponse struct {
	*domain.ResolvedDataset
	Layers      []string `json:"layers"`
	RowEstimate int64    `json:"rowEstimate"`
}

// handleDataset resolves the url parameter and describes the result.
func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	fp, err := parseFilterParams(r.URL.Query())
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	ds, err := s.datasets.Resolve(ctx, fp.Pattern)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, datasetResponse{
		ResolvedDataset: ds,
		Layers:          ds.LayerNames(),
		RowEstimate:     ds.RowEstimate(),
	})
}

// handleInvalidate drops the cached resolution of the url parameter.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	fp, err := parseFilterParams(r.URL.Query())
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	s.datasets.Invalidate(fp.Pattern)
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":          boolToStatus(details.Healthy),
		"ready":           details.Ready,
		"cached_datasets": details.CachedDatasets,
		"engines":         details.Engines,
		"components":      details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// handleOpenAPI returns the OpenAPI document as JSON.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	doc, err := openAPIDocument()
	if err != nil {
		s.logger.Error("failed to load OpenAPI document", "error", err)
		s.writeError(w, http.StatusInternalServerError, domain.KindInternal, "Failed to load OpenAPI document")
		return
	}
	s.writeJSON(w, http.StatusOK, withServer(doc, requestBase(r)))
}

// handleWarm handles the warm-up trigger endpoint.
func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	result, err := s.warmer.TriggerWarm(r.Context())
	if err != nil {
		if errors.Is(err, application.ErrRateLimited) {
			w.Header().Set("Retry-After", "30")
			s.writeError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded. Try again in 30 seconds.")
			return
		}
		s.logger.Error("warm-up failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, domain.KindInternal, "Warm-up failed")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}
