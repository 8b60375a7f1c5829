// Package app provides application initialization and wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/jobrunner/tessera/internal/adapters/duckdb"
	"github.com/jobrunner/tessera/internal/adapters/flatgeobuf"
	"github.com/jobrunner/tessera/internal/adapters/geopackage"
	httpAdapter "github.com/jobrunner/tessera/internal/adapters/http"
	"github.com/jobrunner/tessera/internal/adapters/metrics"
	"github.com/jobrunner/tessera/internal/adapters/storage"
	tlsAdapter "github.com/jobrunner/tessera/internal/adapters/tls"
	"github.com/jobrunner/tessera/internal/adapters/watcher"
	"github.com/jobrunner/tessera/internal/application"
	"github.com/jobrunner/tessera/internal/config"
	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// App holds all application components.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Storage  *storage.Router
	Engines  []output.SourceEngine
	Cache    *application.MetadataCache
	Resolver *application.DatasetResolver
	Executor *application.QueryExecutor
	Features *application.FeatureService
	Tiles    *application.TileSynthesizer
	Health   *application.HealthService
	Warmer   *application.Warmer

	HTTPServer *httpAdapter.Server
	TLS        *tlsAdapter.Manager
	Watcher    *watcher.Watcher
	Metrics    *metrics.Collector
}

// New creates and initializes a new application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize metrics
	var metricsCollector output.MetricsCollector = &output.NoOpMetrics{}
	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector("tessera", nil)
		metricsCollector = app.Metrics
	}

	// Initialize storage backends
	router, localRoot, err := initStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	app.Storage = router.WithMetrics(metricsCollector)

	// Initialize source engines
	engines, err := initEngines(ctx, cfg, app.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing engines: %w", err)
	}
	app.Engines = engines

	// Initialize metadata cache and resolver
	app.Cache = application.NewMetadataCache(cfg.Cache.Size, cfg.Cache.TTL, metricsCollector)
	app.Resolver = application.NewDatasetResolver(
		app.Storage,
		app.Engines,
		app.Cache,
		metricsCollector,
		logger,
		application.ResolverConfig{
			Concurrency:    cfg.Cache.ResolveConcurrency,
			GeometryColumn: cfg.Query.GeometryColumn,
			BBoxColumn:     cfg.Query.BBoxColumn,
		},
	)

	// Initialize query services
	app.Executor = application.NewQueryExecutor(app.Engines, app.Resolver, metricsCollector, logger, cfg.Query.BatchSize)
	app.Features = application.NewFeatureService(
		app.Resolver,
		app.Executor,
		metricsCollector,
		logger,
		application.FeatureServiceConfig{
			DefaultLimit: cfg.Query.DefaultLimit,
			MaxLimit:     cfg.Query.MaxLimit,
		},
	)
	app.Tiles = application.NewTileSynthesizer(
		app.Resolver,
		app.Executor,
		metricsCollector,
		logger,
		application.TileConfig{
			Extent:      cfg.Tiles.Extent,
			Buffer:      cfg.Tiles.Buffer,
			MaxZoom:     cfg.Tiles.MaxZoom,
			MaxFeatures: cfg.Tiles.MaxFeatures,
		},
	)

	// Initialize health service
	app.Health = application.NewHealthService(app.Resolver, app.Cache)

	// Initialize cache warmer
	patterns := make([]domain.LocationPattern, 0, len(cfg.Cache.WarmPatterns))
	for _, p := range cfg.Cache.WarmPatterns {
		patterns = append(patterns, domain.LocationPattern(p))
	}
	app.Warmer = application.NewWarmer(app.Resolver, patterns, cfg.Cache.WarmInterval, logger)

	// Initialize HTTP server
	services := httpAdapter.Services{
		Features: app.Features,
		Tiles:    app.Tiles,
		Datasets: app.Resolver,
		Health:   app.Health,
		Warmer:   app.Warmer,
	}
	// A typed nil collector would register the metrics route.
	if app.Metrics != nil {
		services.Metrics = app.Metrics
	}
	app.HTTPServer = httpAdapter.NewServer(
		cfg.Server,
		httpAdapter.Options{
			QueryTimeout: cfg.Query.Timeout,
			TileMaxAge:   cfg.Tiles.CacheMaxAge,
			MaxZoom:      cfg.Tiles.MaxZoom,
			MetricsPath:  cfg.Metrics.Path,
		},
		services,
		logger,
	)

	// Initialize TLS if enabled
	tlsManager, err := tlsAdapter.NewManager(cfg.TLS, logger)
	if err != nil {
		_ = app.closeEngines()
		return nil, fmt.Errorf("initializing TLS: %w", err)
	}
	app.TLS = tlsManager

	// Initialize file watcher for cache invalidation
	if cfg.Watcher.Enabled && localRoot != "" {
		w, err := watcher.New(
			watcher.Config{
				Paths:     []string{localRoot},
				Recursive: true,
				Debounce:  cfg.Watcher.Debounce,
			},
			app.handleFileEvents,
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize file watcher", "error", err)
		} else {
			app.Watcher = w
		}
	}

	return app, nil
}

// Start starts the background components and serves HTTP until the server
// is shut down.
func (a *App) Start(ctx context.Context) error {
	// Start file watcher
	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start file watcher", "error", err)
		}
	}

	if len(a.Config.Cache.WarmPatterns) > 0 {
		a.Warmer.Start(ctx)
	}

	// Start server
	if a.TLS.Enabled() {
		return a.HTTPServer.StartTLS(a.TLS.TLSConfig())
	}
	return a.HTTPServer.Start()
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	var errs []error

	// Shutdown HTTP server first so that no query holds an engine.
	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		a.Logger.Error("HTTP server shutdown error", "error", err)
		errs = append(errs, err)
	}

	if len(a.Config.Cache.WarmPatterns) > 0 {
		a.Warmer.Stop()
	}

	// Stop watcher
	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}

	if err := a.closeEngines(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Close releases the engines of an application that was never started.
func (a *App) Close() error {
	return a.closeEngines()
}

func (a *App) closeEngines() error {
	var errs []error
	for _, e := range a.Engines {
		c, ok := e.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			a.Logger.Error("failed to close engine", "format", e.Format(), "error", err)
			errs = append(errs, err)
		}
	}
	a.Engines = nil
	return errors.Join(errs...)
}

// handleFileEvents drops every cached dataset that contains a changed
// file. New files are picked up by datasets whose pattern they match once
// the cache entry expires.
func (a *App) handleFileEvents(_ context.Context, events []watcher.Event) error {
	for _, event := range events {
		dropped := a.Resolver.InvalidatePath(filepath.ToSlash(event.Path))

		a.Logger.Info("file event",
			"path", event.Path,
			"operation", event.Operation.String(),
			"invalidated", dropped,
		)
	}
	return nil
}

// initStorage registers one backend per storage scheme. It returns the
// local root for the watcher.
func initStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*storage.Router, string, error) {
	router := storage.NewRouter()

	local, err := storage.NewLocalStorage(storage.LocalConfig{
		Root:          cfg.Local.Root,
		AllowAbsolute: cfg.Local.AllowAbsolute,
	})
	if err != nil {
		return nil, "", err
	}
	router.Register(local, domain.SchemeFile)

	s3, err := storage.NewS3Storage(ctx, storage.S3Config{
		Region:          cfg.S3.Region,
		Endpoint:        cfg.S3.Endpoint,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		UsePathStyle:    cfg.S3.UsePathStyle,
	})
	if err != nil {
		logger.Warn("S3 storage unavailable", "error", err)
	} else {
		router.Register(s3, domain.SchemeS3)
	}

	azure, err := storage.NewAzureStorage(storage.AzureConfig{
		AccountName:      cfg.Azure.AccountName,
		AccountKey:       cfg.Azure.AccountKey,
		ConnectionString: cfg.Azure.ConnectionString,
	})
	if err != nil {
		logger.Warn("Azure storage unavailable", "error", err)
	} else {
		router.Register(azure, domain.SchemeAzure)
	}

	web := storage.NewHTTPStorage(storage.HTTPConfig{
		IndexFile: cfg.HTTP.IndexFile,
		Timeout:   cfg.HTTP.Timeout,
		Username:  cfg.HTTP.Username,
		Password:  cfg.HTTP.Password,
	})
	router.Register(web, domain.SchemeHTTP, domain.SchemeHTTPS)

	logger.Info("storage initialized", "schemes", router.Schemes(), "local_root", local.Root())
	return router, local.Root(), nil
}

// initEngines creates the GeoParquet, GeoPackage and FlatGeobuf engines.
func initEngines(ctx context.Context, cfg *config.Config, store output.ObjectStorage, logger *slog.Logger) ([]output.SourceEngine, error) {
	s3Region := cfg.Engine.DuckDB.S3Region
	if s3Region == "" {
		s3Region = cfg.Storage.S3.Region
	}

	parquet, err := duckdb.New(ctx, duckdb.Config{
		MemoryLimit: cfg.Engine.DuckDB.MemoryLimit,
		Threads:     cfg.Engine.DuckDB.Threads,
		Extensions:  cfg.Engine.DuckDB.Extensions,
		TempDir:     cfg.Engine.SpoolDir,
		S3: duckdb.S3Config{
			Region:          s3Region,
			Endpoint:        cfg.Storage.S3.Endpoint,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
			UsePathStyle:    cfg.Storage.S3.UsePathStyle,
		},
		Azure: duckdb.AzureConfig{
			AccountName:      cfg.Storage.Azure.AccountName,
			ConnectionString: cfg.Storage.Azure.ConnectionString,
		},
	}, logger.With("engine", "duckdb"))
	if err != nil {
		return nil, err
	}
	engines := []output.SourceEngine{parquet}

	gpkg, err := geopackage.New(geopackage.Config{SpoolDir: cfg.Engine.SpoolDir}, store, logger.With("engine", "geopackage"))
	if err != nil {
		_ = parquet.Close()
		return nil, err
	}
	engines = append(engines, gpkg)

	fgb, err := flatgeobuf.New(flatgeobuf.Config{
		CachedFiles: cfg.Engine.FlatGeobuf.CachedFiles,
		MaxFileSize: cfg.Engine.FlatGeobuf.MaxFileSize,
	}, store, logger.With("engine", "flatgeobuf"))
	if err != nil {
		_ = parquet.Close()
		_ = gpkg.Close()
		return nil, err
	}
	engines = append(engines, fgb)

	return engines, nil
}
