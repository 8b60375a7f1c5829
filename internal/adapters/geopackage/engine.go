// Package geopackage implements the GeoPackage source engine on SQLite.
// Every feature table of a package is described as its own layer.
package geopackage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/mattn/go-sqlite3"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// driverName is the sqlite3 driver with the envelope function registered.
const driverName = "sqlite3_tessera"

// envelopeFunc is the SQL name of envelopeIntersects.
const envelopeFunc = "tessera_envelope_intersects"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc(envelopeFunc, envelopeIntersects, true)
		},
	})
}

// Config holds GeoPackage engine configuration.
type Config struct {
	// SpoolDir receives local copies of remote packages. SQLite needs
	// random access to a local file.
	SpoolDir string
}

// Engine reads GeoPackage files.
type Engine struct {
	storage  output.ObjectStorage
	spoolDir string
	logger   *slog.Logger

	mu    sync.RWMutex
	files map[string]*packageFile // by URI
}

// packageFile is an open package and the tables described from it.
type packageFile struct {
	path    string
	spooled bool
	version string // size and etag of the described object
	db      *sql.DB
	tables  map[string]tableInfo
}

// tableInfo holds what scans need beyond the descriptor.
type tableInfo struct {
	rtree    string // R-tree table name, empty when absent
	idColumn string // integer primary key, empty for rowid
}

// New creates a GeoPackage engine. Remote packages are fetched through
// storage.
func New(cfg Config, storage output.ObjectStorage, logger *slog.Logger) (*Engine, error) {
	dir := cfg.SpoolDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "tessera-spool")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	return &Engine{
		storage:  storage,
		spoolDir: dir,
		logger:   logger,
		files:    make(map[string]*packageFile),
	}, nil
}

// Format implements output.SourceEngine.
func (e *Engine) Format() domain.SourceFormat {
	return domain.FormatGeoPackage
}

// Close closes all open packages and removes spooled copies.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for uri, f := range e.files {
		if err := f.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.files, uri)
	}
	return firstErr
}

func (f *packageFile) close() error {
	err := f.db.Close()
	if f.spooled {
		_ = os.Remove(f.path)
	}
	return err
}

func objectVersion(ref domain.FileRef) string {
	return strconv.FormatInt(ref.Size, 10) + "/" + ref.ETag + "/" + strconv.FormatInt(ref.LastModified.UnixNano(), 10)
}

// open returns the package for ref. A package that is already open at
// the same object version is reused; otherwise it is opened, fetching
// remote objects into the spool directory first. The result is not
// registered until install is called.
func (e *Engine) open(ctx context.Context, ref domain.FileRef) (*packageFile, error) {
	version := objectVersion(ref)

	e.mu.RLock()
	f, ok := e.files[ref.URI]
	e.mu.RUnlock()
	if ok && f.version == version {
		return f, nil
	}

	path := ref.Key
	spooled := false
	if ref.Location.IsRemote() {
		path = filepath.Join(e.spoolDir, fmt.Sprintf("%016x.gpkg", xxhash.Sum64String(ref.URI+"|"+version)))
		if _, err := os.Stat(path); err != nil {
			e.logger.Debug("spooling geopackage", "uri", ref.URI, "path", path)
			if err := e.storage.Download(ctx, ref.Location, ref.Key, path); err != nil {
				return nil, err
			}
		}
		spooled = true
	}

	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	return &packageFile{path: path, spooled: spooled, version: version, db: db}, nil
}

// install registers f with its described tables under uri and closes the
// package it replaces.
func (e *Engine) install(uri string, f *packageFile, tables map[string]tableInfo) {
	e.mu.Lock()
	old := e.files[uri]
	f.tables = tables
	e.files[uri] = f
	e.mu.Unlock()

	switch {
	case old == nil || old == f:
	case old.path == f.path:
		// database/sql waits for running queries before closing.
		_ = old.db.Close()
	default:
		_ = old.close()
	}
}

// discard closes f unless it is the registered package of uri.
func (e *Engine) discard(uri string, f *packageFile) {
	e.mu.RLock()
	current := e.files[uri]
	e.mu.RUnlock()
	if current != f {
		_ = f.close()
	}
}

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	dsn := "file:" + filepath.ToSlash(path) + "?mode=ro&_query_only=true"
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// lookup returns the open package of a described layer.
func (e *Engine) lookup(uri, table string) (*sql.DB, tableInfo, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.files[uri]
	if !ok {
		return nil, tableInfo{}, false
	}
	info, ok := f.tables[table]
	return f.db, info, ok
}
