package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/mux"

	"github.com/jobrunner/tessera/internal/domain"
)

// parseTileAddress reads z, x and y from the route. y may carry a .mvt
// or .pbf suffix. Non-numeric and negative values are invalid input, a
// well-formed address outside the grid is left to the tile service.
func parseTileAddress(vars map[string]string) (domain.TileAddress, error) {
	y := vars["y"]
	for _, ext := range []string{".mvt", ".pbf"} {
		y = strings.TrimSuffix(y, ext)
	}

	var addr domain.TileAddress
	for _, c := range []struct {
		name string
		raw  string
		dst  *int
	}{
		{"z", vars["z"], &addr.Z},
		{"x", vars["x"], &addr.X},
		{"y", y, &addr.Y},
	} {
		v, err := strconv.Atoi(c.raw)
		if err != nil || v < 0 {
			return domain.TileAddress{}, invalidParam(c.name, c.raw, "non-negative integer",
				"tile "+c.name+" must be a non-negative integer")
		}
		*c.dst = v
	}
	return addr, nil
}

// tileETag returns a strong ETag of the tile body.
func tileETag(data []byte) string {
	return `"` + strconv.FormatUint(xxhash.Sum64(data), 16) + `"`
}

// etagMatches reports whether an If-None-Match header names etag.
func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// handleTile synthesizes a vector tile.
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	addr, err := parseTileAddress(mux.Vars(r))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	fp, err := parseFilterParams(r.URL.Query())
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	tile, err := s.tiles.Tile(ctx, domain.TileRequest{
		Pattern:        fp.Pattern,
		Address:        addr,
		Filter:         fp.Filter,
		FilterLang:     fp.FilterLang,
		GeometryColumn: fp.GeometryColumn,
		BBoxColumn:     fp.BBoxColumn,
	})
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}

	etag := tileETag(tile.Data)
	h := w.Header()
	h.Set("ETag", etag)
	h.Set("Cache-Control", "public, max-age="+strconv.Itoa(int(s.opts.TileMaxAge.Seconds())))

	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", mediaMVT)
	h.Set("Content-Length", strconv.Itoa(len(tile.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(tile.Data)
}
