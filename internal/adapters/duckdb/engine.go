// Package duckdb implements the GeoParquet source engine on an embedded
// DuckDB instance. Files are read in place through the httpfs and azure
// extensions; nothing is imported.
package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"strings"

	"github.com/marcboeker/go-duckdb"

	"github.com/jobrunner/tessera/internal/domain"
)

// DefaultExtensions are installed and loaded at startup.
var DefaultExtensions = []string{"httpfs", "azure", "spatial"}

// Config holds DuckDB configuration.
type Config struct {
	MemoryLimit string // e.g. "2GB", empty keeps the DuckDB default
	Threads     int    // 0 keeps the DuckDB default
	Extensions  []string
	TempDir     string // directory for export files

	S3    S3Config
	Azure AzureConfig
}

// S3Config configures the DuckDB S3 secret.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// AzureConfig configures the DuckDB Azure secret.
type AzureConfig struct {
	AccountName      string
	ConnectionString string
}

// Engine reads GeoParquet files through DuckDB.
type Engine struct {
	connector *duckdb.Connector
	db        *sql.DB
	cfg       Config
	logger    *slog.Logger
	loaded    map[string]bool
}

// New opens an in-memory DuckDB database, installs the configured
// extensions and creates the storage secrets. A missing spatial extension
// is not fatal: spatial filters then fall back to bbox covering columns and
// an exact check in Go.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Extensions == nil {
		cfg.Extensions = DefaultExtensions
	}

	e := &Engine{cfg: cfg, logger: logger, loaded: make(map[string]bool)}

	// Installation needs network access and is done once. Loading on the
	// boot database verifies the extension before pool connections need it.
	boot, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	for _, ext := range cfg.Extensions {
		if _, err := boot.ExecContext(ctx, "INSTALL "+ext+"; LOAD "+ext); err != nil {
			logger.Warn("duckdb extension unavailable", "extension", ext, "error", err)
			continue
		}
		e.loaded[ext] = true
	}
	_ = boot.Close()

	connector, err := duckdb.NewConnector("", e.initConn)
	if err != nil {
		return nil, fmt.Errorf("creating duckdb connector: %w", err)
	}
	e.connector = connector
	e.db = sql.OpenDB(connector)

	e.createSecrets(ctx)

	logger.Info("duckdb engine ready",
		"extensions", e.Extensions(),
		"spatial", e.spatial(),
	)
	return e, nil
}

// initConn runs on every new pool connection.
func (e *Engine) initConn(execer driver.ExecerContext) error {
	ctx := context.Background()
	stmts := make([]string, 0, len(e.loaded)+3)
	for _, ext := range e.cfg.Extensions {
		if e.loaded[ext] {
			stmts = append(stmts, "LOAD "+ext)
		}
	}
	if e.loaded["httpfs"] {
		stmts = append(stmts, "SET http_keep_alive = false")
	}
	if e.cfg.MemoryLimit != "" {
		stmts = append(stmts, "SET memory_limit = "+quote(e.cfg.MemoryLimit))
	}
	if e.cfg.Threads > 0 {
		stmts = append(stmts, fmt.Sprintf("SET threads = %d", e.cfg.Threads))
	}

	for _, stmt := range stmts {
		if _, err := execer.ExecContext(ctx, stmt, nil); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

func (e *Engine) createSecrets(ctx context.Context) {
	if e.loaded["httpfs"] {
		opts := []string{"TYPE s3"}
		s3 := e.cfg.S3
		if s3.AccessKeyID != "" && s3.SecretAccessKey != "" {
			opts = append(opts, "KEY_ID "+quote(s3.AccessKeyID), "SECRET "+quote(s3.SecretAccessKey))
		} else {
			opts = append(opts, "PROVIDER credential_chain")
		}
		if s3.Region != "" {
			opts = append(opts, "REGION "+quote(s3.Region))
		}
		if s3.Endpoint != "" {
			endpoint := strings.TrimPrefix(strings.TrimPrefix(s3.Endpoint, "https://"), "http://")
			opts = append(opts, "ENDPOINT "+quote(endpoint))
			if strings.HasPrefix(s3.Endpoint, "http://") {
				opts = append(opts, "USE_SSL false")
			}
		}
		if s3.UsePathStyle || s3.Endpoint != "" {
			opts = append(opts, "URL_STYLE 'path'")
		}
		e.createSecret(ctx, "tessera_s3", opts)
	}

	if e.loaded["azure"] {
		az := e.cfg.Azure
		switch {
		case az.ConnectionString != "":
			e.createSecret(ctx, "tessera_azure", []string{"TYPE azure", "CONNECTION_STRING " + quote(az.ConnectionString)})
		case az.AccountName != "":
			e.createSecret(ctx, "tessera_azure", []string{"TYPE azure", "PROVIDER credential_chain", "ACCOUNT_NAME " + quote(az.AccountName)})
		}
	}
}

func (e *Engine) createSecret(ctx context.Context, name string, opts []string) {
	stmt := fmt.Sprintf("CREATE OR REPLACE SECRET %s (%s)", name, strings.Join(opts, ", "))
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		// Credential chain lookups fail without ambient credentials;
		// public buckets still work.
		e.logger.Warn("creating duckdb secret failed", "secret", name, "error", err)
	}
}

// Format implements output.SourceEngine.
func (e *Engine) Format() domain.SourceFormat {
	return domain.FormatGeoParquet
}

// Extensions returns the loaded extensions.
func (e *Engine) Extensions() []string {
	var out []string
	for _, ext := range e.cfg.Extensions {
		if e.loaded[ext] {
			out = append(out, ext)
		}
	}
	return out
}

func (e *Engine) spatial() bool {
	return e.loaded["spatial"]
}

// Ping checks the database connection.
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Close closes the database.
func (e *Engine) Close() error {
	err := e.db.Close()
	if cerr := e.connector.Close(); err == nil {
		err = cerr
	}
	return err
}

// quote renders a SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
