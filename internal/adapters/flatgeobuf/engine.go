// Package flatgeobuf implements the FlatGeobuf source engine. Files are
// loaded into memory through object storage and searched with their
// packed Hilbert R-tree when they carry one.
package flatgeobuf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// DefaultCachedFiles is the number of decoded files kept in memory.
const DefaultCachedFiles = 16

// Config holds FlatGeobuf engine configuration.
type Config struct {
	// CachedFiles bounds the number of file buffers kept in memory.
	CachedFiles int
	// MaxFileSize rejects larger objects. 0 means no limit.
	MaxFileSize int64
}

// Engine reads FlatGeobuf files.
type Engine struct {
	storage output.ObjectStorage
	logger  *slog.Logger
	maxSize int64

	files *lru.Cache[string, *file]

	mu   sync.RWMutex
	refs map[string]domain.FileRef // described objects by URI
}

// New creates a FlatGeobuf engine reading through storage.
func New(cfg Config, storage output.ObjectStorage, logger *slog.Logger) (*Engine, error) {
	size := cfg.CachedFiles
	if size <= 0 {
		size = DefaultCachedFiles
	}
	files, err := lru.New[string, *file](size)
	if err != nil {
		return nil, fmt.Errorf("creating file cache: %w", err)
	}
	return &Engine{
		storage: storage,
		logger:  logger,
		maxSize: cfg.MaxFileSize,
		files:   files,
		refs:    make(map[string]domain.FileRef),
	}, nil
}

// Format implements output.SourceEngine.
func (e *Engine) Format() domain.SourceFormat {
	return domain.FormatFlatGeobuf
}

// Close drops all cached files.
func (e *Engine) Close() error {
	e.files.Purge()
	e.mu.Lock()
	e.refs = make(map[string]domain.FileRef)
	e.mu.Unlock()
	return nil
}

// load reads and parses the object behind ref.
func (e *Engine) load(ctx context.Context, ref domain.FileRef) (*file, error) {
	if e.maxSize > 0 && ref.Size > e.maxSize {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d: %w", ref.URI, ref.Size, e.maxSize, domain.ErrUnsupported)
	}
	rc, err := e.storage.GetReader(ctx, ref.Location, ref.Key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var r io.Reader = rc
	if e.maxSize > 0 {
		r = io.LimitReader(rc, e.maxSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ref.URI, err)
	}
	if e.maxSize > 0 && int64(len(data)) > e.maxSize {
		return nil, fmt.Errorf("%s exceeds %d bytes: %w", ref.URI, e.maxSize, domain.ErrUnsupported)
	}
	return parse(data)
}

// open returns the parsed file of a described descriptor, reloading it
// when it was evicted. A reloaded object that no longer matches the
// descriptor is stale.
func (e *Engine) open(ctx context.Context, desc domain.FileDescriptor) (*file, error) {
	if f, ok := e.files.Get(desc.URI); ok {
		return f, nil
	}

	e.mu.RLock()
	ref, ok := e.refs[desc.URI]
	e.mu.RUnlock()
	if !ok {
		return nil, &domain.StaleMetadataError{URI: desc.URI, Err: fmt.Errorf("file was not described")}
	}

	e.logger.Debug("reloading flatgeobuf file", "uri", desc.URI)
	f, err := e.load(ctx, ref)
	if err != nil {
		return nil, &domain.StaleMetadataError{URI: desc.URI, Err: err}
	}
	if int64(len(f.data)) != desc.Size || f.count != uint64(desc.RowCount) {
		return nil, &domain.StaleMetadataError{URI: desc.URI, Err: fmt.Errorf("file changed since it was described")}
	}
	e.files.Add(desc.URI, f)
	return f, nil
}
