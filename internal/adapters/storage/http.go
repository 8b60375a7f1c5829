package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// HTTPStorage implements ObjectStorage for plain HTTP(S) servers. Servers
// cannot be listed, so wildcard patterns are matched against an index file
// in the prefix directory holding one file name per line.
type HTTPStorage struct {
	client    *http.Client
	indexFile string
	username  string
	password  string
}

// HTTPConfig holds HTTP storage configuration.
type HTTPConfig struct {
	IndexFile string // default: index.txt
	Timeout   time.Duration
	Username  string
	Password  string
}

// NewHTTPStorage creates a new HTTP storage adapter.
func NewHTTPStorage(cfg HTTPConfig) *HTTPStorage {
	if cfg.IndexFile == "" {
		cfg.IndexFile = "index.txt"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}

	return &HTTPStorage{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		indexFile: cfg.IndexFile,
		username:  cfg.Username,
		password:  cfg.Password,
	}
}

func (s *HTTPStorage) request(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if s.username != "" && s.password != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	return s.client.Do(req)
}

// List returns the files named in the index file below the prefix of loc.
// Names starting with a slash are taken relative to the host.
func (s *HTTPStorage) List(ctx context.Context, loc domain.Location) ([]output.StorageObject, error) {
	indexKey := loc.Prefix + s.indexFile
	resp, err := s.request(ctx, http.MethodGet, loc.URI(indexKey))
	if err != nil {
		return nil, &domain.StorageError{Operation: "list", Key: indexKey, Err: fmt.Errorf("fetching index file: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, &domain.StorageError{Operation: "list", Key: indexKey, Err: err}
	}

	var objects []output.StorageObject
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key := loc.Prefix + line
		if strings.HasPrefix(line, "/") {
			key = strings.TrimPrefix(line, "/")
		}
		objects = append(objects, output.StorageObject{Key: key})
	}

	if err := scanner.Err(); err != nil {
		return nil, &domain.StorageError{Operation: "list", Key: indexKey, Err: fmt.Errorf("reading index file: %w", err)}
	}

	return objects, nil
}

// Stat issues a HEAD request for a single file.
func (s *HTTPStorage) Stat(ctx context.Context, loc domain.Location, key string) (*output.StorageObject, error) {
	resp, err := s.request(ctx, http.MethodHead, loc.URI(key))
	if err != nil {
		return nil, &domain.StorageError{Operation: "stat", Key: key, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, &domain.StorageError{Operation: "stat", Key: key, Err: err}
	}

	obj := &output.StorageObject{
		Key:  key,
		Size: resp.ContentLength,
		ETag: strings.Trim(resp.Header.Get("ETag"), "\""),
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		obj.LastModified = lm
	}
	return obj, nil
}

// GetReader returns a reader for the given file.
func (s *HTTPStorage) GetReader(ctx context.Context, loc domain.Location, key string) (io.ReadCloser, error) {
	resp, err := s.request(ctx, http.MethodGet, loc.URI(key))
	if err != nil {
		return nil, &domain.StorageError{Operation: "get", Key: key, Err: err}
	}

	if err := statusError(resp.StatusCode); err != nil {
		_ = resp.Body.Close()
		return nil, &domain.StorageError{Operation: "get", Key: key, Err: err}
	}

	return resp.Body, nil
}

// Download downloads a file from HTTP to the local filesystem.
func (s *HTTPStorage) Download(ctx context.Context, loc domain.Location, key string, dest string) error {
	r, err := s.GetReader(ctx, loc, key)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	return writeFile(dest, r)
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("HTTP %d: %w", code, domain.ErrNotFound)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("HTTP %d: %w", code, domain.ErrPermissionDenied)
	default:
		return fmt.Errorf("HTTP %d: %w", code, domain.ErrStorageUnavailable)
	}
}
