package output

import (
	"context"
	"io"

	"github.com/jobrunner/tessera/internal/domain"
)

// SourceEngine reads one source format. Implementations own their
// connections and must be safe for concurrent use.
type SourceEngine interface {
	// Format returns the source format handled by the engine.
	Format() domain.SourceFormat

	// Describe reads the statistics of a file without scanning rows. A
	// file may hold several layers and yield several descriptors.
	Describe(ctx context.Context, file domain.FileRef, opts DescribeOptions) ([]domain.FileDescriptor, error)

	// Scan opens a lazy stream over the rows of req.Files matching
	// req.Predicate.
	Scan(ctx context.Context, req ScanRequest) (RowStream, error)

	// Count returns the number of rows matching req.Predicate.
	Count(ctx context.Context, req ScanRequest) (int64, error)
}

// Exporter is implemented by engines that can write query results as a
// file format natively.
type Exporter interface {
	Export(ctx context.Context, req ScanRequest, format domain.ExportFormat, w io.Writer) error
}

// DescribeOptions override column detection.
type DescribeOptions struct {
	GeometryColumn string
	BBoxColumn     string
}

// ScanRequest is a query against a set of files of one format.
type ScanRequest struct {
	Files []domain.FileDescriptor
	// Predicate is validated and its spatial leaves are already in the
	// CRS of the files.
	Predicate domain.Predicate
	// SRID of the files.
	SRID int
	// Limit caps the number of rows, 0 means no limit.
	Limit int
	// Offset skips leading rows.
	Offset    int
	BatchSize int
	// GeometryColumn and BBoxColumn override the per-file columns.
	GeometryColumn string
	BBoxColumn     string
}

// RowStream is a pull-based stream of row batches. Next returns io.EOF
// after the last batch. Close must be called and is idempotent.
type RowStream interface {
	Next(ctx context.Context) (*domain.RowBatch, error)
	Close() error
}
