// Package output defines the secondary/driven ports of the application.
package output

import (
	"context"
	"io"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
)

// ObjectStorage defines the secondary port for object storage operations.
// Keys are relative to the bucket or container of the location.
type ObjectStorage interface {
	// List returns all objects below the literal prefix of loc.
	List(ctx context.Context, loc domain.Location) ([]StorageObject, error)

	// Stat returns the attributes of a single object.
	Stat(ctx context.Context, loc domain.Location, key string) (*StorageObject, error)

	// GetReader returns a reader for the given object.
	GetReader(ctx context.Context, loc domain.Location, key string) (io.ReadCloser, error)

	// Download copies an object to the local filesystem.
	Download(ctx context.Context, loc domain.Location, key string, dest string) error
}

// LocationNormalizer is implemented by storages that rewrite locations
// before use, such as resolving relative local paths against a root
// directory.
type LocationNormalizer interface {
	Normalize(loc domain.Location) (domain.Location, error)
}

// StorageObject represents a file in object storage.
type StorageObject struct {
	Key          string    // Object key/path
	Size         int64     // Size in bytes
	LastModified time.Time // Modification time
	ETag         string    // Content hash, if the backend reports one
}

// StorageType represents the type of storage backend.
type StorageType string

const (
	StorageTypeS3    StorageType = "s3"
	StorageTypeAzure StorageType = "azure"
	StorageTypeHTTP  StorageType = "http"
	StorageTypeLocal StorageType = "local"
)
