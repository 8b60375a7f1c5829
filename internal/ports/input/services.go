// Package input defines the primary/driving ports of the application.
package input

import (
	"context"
	"io"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// FeatureService defines the primary port for feature queries.
type FeatureService interface {
	// Features resolves the dataset, counts the matches and opens a stream
	// over the requested page. The caller must close the page.
	Features(ctx context.Context, q domain.FeatureQuery) (*FeaturePage, error)

	// Count returns the number of features matching the query.
	Count(ctx context.Context, q domain.FeatureQuery) (int64, error)

	// Export writes the matching features as a Parquet file.
	Export(ctx context.Context, q domain.FeatureQuery, format domain.ExportFormat, w io.Writer) error
}

// FeaturePage is an open page of query results.
type FeaturePage struct {
	Dataset       *domain.ResolvedDataset
	NumberMatched int64
	Limit         int
	Offset        int // after clamping
	Rows          output.RowStream
}

// Close releases the underlying stream.
func (p *FeaturePage) Close() error {
	if p == nil || p.Rows == nil {
		return nil
	}
	return p.Rows.Close()
}

// TileService defines the primary port for vector tiles.
type TileService interface {
	// Tile synthesizes the tile at req.Address.
	Tile(ctx context.Context, req domain.TileRequest) (*domain.Tile, error)
}

// DatasetService defines the primary port for dataset resolution.
type DatasetService interface {
	// Resolve returns the dataset behind a location pattern.
	Resolve(ctx context.Context, pattern domain.LocationPattern) (*domain.ResolvedDataset, error)

	// Invalidate drops the cached resolution of a pattern.
	Invalidate(pattern domain.LocationPattern)
}

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the service is ready to accept requests.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy        bool              // Overall health status
	Ready          bool              // Ready to accept requests
	CachedDatasets int               // Number of datasets in the metadata cache
	Engines        []string          // Registered source formats
	Components     map[string]string // Component statuses
}
