// Package main provides the entry point for the Tessera spatial query
// and tile service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jobrunner/tessera/internal/app"
	"github.com/jobrunner/tessera/internal/config"
	"github.com/jobrunner/tessera/internal/domain"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tessera",
	Short: "Tessera - Spatial Query and Vector Tile Service",
	Long: `Tessera queries GeoParquet, GeoPackage and FlatGeobuf files in place
and serves features and Mapbox vector tiles over HTTP.

Features:
  - Location patterns with globs over local disk, S3, Azure Blob Storage and HTTP
  - CQL2 text and JSON filters pushed down to the source engines
  - File pruning by bounding box statistics
  - GeoJSON, GeoJSON sequences, CSV and (Geo)Parquet output
  - Vector tiles with ETag revalidation
  - Metadata cache with warm-up and local file invalidation
  - TLS with automatic certificate management
  - Prometheus metrics`,
	RunE: runServer,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (default)",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("Tessera %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Build Date: %s\n", buildDate)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <pattern>",
	Short: "Resolve a location pattern and print the dataset as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

var tileCmd = &cobra.Command{
	Use:   "tile <pattern> <z/x/y>",
	Short: "Render one vector tile",
	Args:  cobra.ExactArgs(2),
	RunE:  runTile,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text)")
	rootCmd.PersistentFlags().String("storage-root", "./data", "base directory for local patterns")

	// Server flags
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().String("host", "0.0.0.0", "server host")
		cmd.Flags().Int("port", 8080, "server port")
		cmd.Flags().Bool("tls", false, "enable TLS")
		cmd.Flags().StringSlice("tls-domains", nil, "TLS domains")
		cmd.Flags().String("tls-email", "", "TLS email for Let's Encrypt")
		cmd.Flags().StringSlice("cors", nil, "allowed CORS origins (e.g., https://example.com,*.sub.domain.tld)")
		cmd.Flags().StringSlice("warm", nil, "location patterns resolved at startup")
		cmd.Flags().Bool("viewer", true, "serve the map viewer")
	}

	// Tile flags
	tileCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	tileCmd.Flags().String("filter", "", "CQL2 filter")
	tileCmd.Flags().String("filter-lang", "", "filter language (cql2-text, cql2-json)")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("storage.local.root", rootCmd.PersistentFlags().Lookup("storage-root"))

	rootCmd.AddCommand(serveCmd, versionCmd, resolveCmd, tileCmd)
}

// bindServerFlags binds the server flags of the command that runs.
func bindServerFlags(cmd *cobra.Command) {
	_ = viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("tls.enabled", cmd.Flags().Lookup("tls"))
	_ = viper.BindPFlag("tls.domains", cmd.Flags().Lookup("tls-domains"))
	_ = viper.BindPFlag("tls.email", cmd.Flags().Lookup("tls-email"))
	_ = viper.BindPFlag("server.cors.allowed_origins", cmd.Flags().Lookup("cors"))
	_ = viper.BindPFlag("cache.warm_patterns", cmd.Flags().Lookup("warm"))
	_ = viper.BindPFlag("server.viewer_enabled", cmd.Flags().Lookup("viewer"))
}

func initConfig() {
	config.Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// loadConfig loads the configuration and sets up the default logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	bindServerFlags(cmd)

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("starting Tessera",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"storage_root", cfg.Storage.Local.Root,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize application
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	// Start server in background
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "address", cfg.Server.Address(), "tls", cfg.TLS.Enabled)
		if err := application.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	logger.Info("shutting down server")
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() { _ = application.Close() }()

	ds, err := application.Resolver.Resolve(cmd.Context(), domain.LocationPattern(args[0]))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(ds)
}

func runTile(cmd *cobra.Command, args []string) error {
	addr, err := parseTileArg(args[1])
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() { _ = application.Close() }()

	filterText, _ := cmd.Flags().GetString("filter")
	filterLang, _ := cmd.Flags().GetString("filter-lang")

	tile, err := application.Tiles.Tile(cmd.Context(), domain.TileRequest{
		Pattern:    domain.LocationPattern(args[0]),
		Address:    addr,
		Filter:     filterText,
		FilterLang: filterLang,
	})
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("output")
	if out == "" {
		_, err = cmd.OutOrStdout().Write(tile.Data)
		return err
	}
	return os.WriteFile(out, tile.Data, 0o644) //#nosec G306 -- tiles are public data
}

// parseTileArg parses a z/x/y tile address.
func parseTileArg(s string) (domain.TileAddress, error) {
	parts := strings.Split(strings.TrimSuffix(s, ".mvt"), "/")
	if len(parts) != 3 {
		return domain.TileAddress{}, fmt.Errorf("tile address %q: want z/x/y", s)
	}
	var n [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return domain.TileAddress{}, fmt.Errorf("tile address %q: %w", s, err)
		}
		n[i] = v
	}
	return domain.TileAddress{Z: n[0], X: n[1], Y: n[2]}, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}

	// Logs go to stderr so that tile output on stdout stays clean.
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
