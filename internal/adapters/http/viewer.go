package http

import (
	"html/template"
	"net/http"
	"net/url"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/geo"
)

// viewerTemplate renders a MapLibre map over the tile endpoint. One
// fill, line and circle style is added per source layer.
var viewerTemplate = template.Must(template.New("viewer").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Tessera - {{.Name}}</title>
    <link rel="stylesheet" href="https://unpkg.com/maplibre-gl@4.7.1/dist/maplibre-gl.css">
    <script src="https://unpkg.com/maplibre-gl@4.7.1/dist/maplibre-gl.js"></script>
    <style>
        html, body, #map { margin: 0; padding: 0; height: 100%; width: 100%; }
        #info {
            position: absolute; top: 10px; left: 10px; z-index: 1;
            max-width: 360px; max-height: 60%; overflow: auto;
            background: #ffffff; border-radius: 8px; padding: 8px 12px;
            box-shadow: 0 1px 3px rgba(0,0,0,0.2);
            font: 13px -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
        }
        #info pre { margin: 4px 0 0; white-space: pre-wrap; }
    </style>
</head>
<body>
<div id="map"></div>
<div id="info"><strong>{{.Name}}</strong><pre id="props">Click a feature</pre></div>
<script>
    const tilesURL = {{.TilesURL}};
    const layers = {{.Layers}};
    const bounds = {{.Bounds}};

    const map = new maplibregl.Map({
        container: 'map',
        style: {
            version: 8,
            sources: {
                osm: {
                    type: 'raster',
                    tiles: ['https://tile.openstreetmap.org/{z}/{x}/{y}.png'],
                    tileSize: 256,
                    attribution: '&copy; OpenStreetMap contributors'
                }
            },
            layers: [{ id: 'osm', type: 'raster', source: 'osm' }]
        },
        center: [0, 0],
        zoom: 1
    });
    map.addControl(new maplibregl.NavigationControl());

    map.on('load', () => {
        map.addSource('features', { type: 'vector', tiles: [tilesURL], maxzoom: {{.MaxZoom}} });
        const interactive = [];
        for (const name of layers) {
            map.addLayer({
                id: name + '-fill', type: 'fill', source: 'features', 'source-layer': name,
                filter: ['==', ['geometry-type'], 'Polygon'],
                paint: { 'fill-color': '#2563eb', 'fill-opacity': 0.3, 'fill-outline-color': '#1d4ed8' }
            });
            map.addLayer({
                id: name + '-line', type: 'line', source: 'features', 'source-layer': name,
                filter: ['==', ['geometry-type'], 'LineString'],
                paint: { 'line-color': '#1d4ed8', 'line-width': 1.5 }
            });
            map.addLayer({
                id: name + '-point', type: 'circle', source: 'features', 'source-layer': name,
                filter: ['==', ['geometry-type'], 'Point'],
                paint: { 'circle-color': '#dc2626', 'circle-radius': 4, 'circle-stroke-color': '#ffffff', 'circle-stroke-width': 1 }
            });
            interactive.push(name + '-fill', name + '-line', name + '-point');
        }

        map.on('click', (e) => {
            const hits = map.queryRenderedFeatures(e.point, { layers: interactive });
            document.getElementById('props').textContent = hits.length
                ? JSON.stringify(hits[0].properties, null, 2)
                : 'Click a feature';
        });

        if (bounds) {
            map.fitBounds([[bounds[0], bounds[1]], [bounds[2], bounds[3]]], { padding: 40, maxZoom: 16 });
        }
    });
</script>
</body>
</html>
`))

type viewerData struct {
	Name     string
	TilesURL string
	Layers   []string
	Bounds   *[4]float64
	MaxZoom  int
}

// handleViewer renders the map page for the dataset in the url parameter.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fp, err := parseFilterParams(q)
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

	params := url.Values{}
	for _, k := range []string{"url", "filter", "filter-lang", "geom_column", "bbox_column"} {
		if v := q.Get(k); v != "" {
			params.Set(k, v)
		}
	}
	if fp.FilterLang != "" {
		params.Set("filter-lang", fp.FilterLang)
	}

	data := viewerData{
		Name: ds.Name,
		// MapLibre substitutes the placeholders, keep them unescaped.
		TilesURL: requestBase(r) + "/tiles/{z}/{x}/{y}?" + params.Encode(),
		Layers:   ds.LayerNames(),
		MaxZoom:  domain.DefaultMaxZoom,
	}
	if s.opts.MaxZoom > 0 {
		data.MaxZoom = s.opts.MaxZoom
	}
	if ds.BBox != nil {
		if b, err := geo.TransformBBox(*ds.BBox, domain.SRIDWGS84); err == nil && b.IsValid() {
			arr := b.Array()
			data.Bounds = &arr
		}
	}

	w.Header().Set("Content-Type", mediaHTML)
	if err := viewerTemplate.Execute(w, data); err != nil {
		s.logger.Error("failed to render viewer", "error", err)
	}
}
