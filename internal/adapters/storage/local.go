// Package storage provides object storage adapters.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// LocalStorage implements ObjectStorage for the local filesystem. Keys are
// absolute paths so that they double as engine URIs.
type LocalStorage struct {
	root          string
	allowAbsolute bool
}

// LocalConfig holds local storage configuration.
type LocalConfig struct {
	Root          string // base directory for relative patterns
	AllowAbsolute bool   // accept absolute paths outside Root
}

// NewLocalStorage creates a new local storage adapter.
func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	root := cfg.Root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	return &LocalStorage{root: filepath.Clean(abs), allowAbsolute: cfg.AllowAbsolute}, nil
}

// Root returns the absolute base directory.
func (s *LocalStorage) Root() string {
	return s.root
}

// Normalize anchors relative paths at the root and rejects absolute paths
// outside of it unless allowed.
func (s *LocalStorage) Normalize(loc domain.Location) (domain.Location, error) {
	if loc.Scheme != domain.SchemeFile {
		return loc, nil
	}
	p := filepath.FromSlash(loc.Path)
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)

	if !s.allowAbsolute && !s.contains(p) {
		return domain.Location{}, fmt.Errorf("%s: %w", loc.Path, domain.ErrLocationNotAllowed)
	}
	return loc.WithPath(filepath.ToSlash(p)), nil
}

func (s *LocalStorage) contains(p string) bool {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// List returns all regular files below the literal prefix of loc.
func (s *LocalStorage) List(ctx context.Context, loc domain.Location) ([]output.StorageObject, error) {
	dir := filepath.FromSlash(loc.Prefix)
	if dir == "" {
		dir = s.root
	}

	var objects []output.StorageObject
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, output.StorageObject{
			Key:          filepath.ToSlash(path),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &domain.StorageError{Operation: "list", Key: loc.Prefix, Err: mapFSError(err)}
	}
	return objects, nil
}

// Stat returns the attributes of a single file.
func (s *LocalStorage) Stat(_ context.Context, _ domain.Location, key string) (*output.StorageObject, error) {
	info, err := os.Stat(filepath.FromSlash(key))
	if err != nil {
		return nil, &domain.StorageError{Operation: "stat", Key: key, Err: mapFSError(err)}
	}
	if info.IsDir() {
		return nil, &domain.StorageError{Operation: "stat", Key: key, Err: fmt.Errorf("is a directory: %w", domain.ErrNotFound)}
	}
	return &output.StorageObject{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

// GetReader returns a reader for the given file.
func (s *LocalStorage) GetReader(_ context.Context, _ domain.Location, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.FromSlash(key)) //#nosec G304 -- key was normalized against the root
	if err != nil {
		return nil, &domain.StorageError{Operation: "open", Key: key, Err: mapFSError(err)}
	}
	return f, nil
}

// Download copies a file to the destination. Copying a file onto itself
// is a no-op.
func (s *LocalStorage) Download(ctx context.Context, loc domain.Location, key string, dest string) error {
	if filepath.Clean(filepath.FromSlash(key)) == filepath.Clean(dest) {
		return nil
	}
	r, err := s.GetReader(ctx, loc, key)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	return writeFile(dest, r)
}

func mapFSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%v: %w", err, domain.ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%v: %w", err, domain.ErrPermissionDenied)
	default:
		return err
	}
}

// writeFile copies r into dest, creating parent directories.
func writeFile(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return err
	}
	f, err := os.Create(dest) //#nosec G304 -- dest is a controlled local path
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
