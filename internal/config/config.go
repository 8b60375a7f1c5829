// Package config provides configuration management using Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Query   QueryConfig   `mapstructure:"query"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Tiles   TilesConfig   `mapstructure:"tiles"`
	TLS     TLSConfig     `mapstructure:"tls"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
	Watcher WatcherConfig `mapstructure:"watcher"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ViewerEnabled   bool          `mapstructure:"viewer_enabled"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"` // e.g., ["https://example.com", "*.sub.domain.tld"]
}

// Enabled returns true if CORS is configured with at least one allowed origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// StorageConfig holds the configuration of every storage backend. All
// configured backends are active at once; the scheme of a location
// pattern picks one.
type StorageConfig struct {
	Local LocalConfig `mapstructure:"local"`
	S3    S3Config    `mapstructure:"s3"`
	Azure AzureConfig `mapstructure:"azure"`
	HTTP  HTTPConfig  `mapstructure:"http"`
}

// LocalConfig holds local filesystem configuration.
type LocalConfig struct {
	Root          string `mapstructure:"root"` // base directory for scheme-less patterns
	AllowAbsolute bool   `mapstructure:"allow_absolute"`
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
}

// HTTPConfig holds plain HTTP(S) storage configuration.
type HTTPConfig struct {
	IndexFile string        `mapstructure:"index_file"` // default: index.txt
	Timeout   time.Duration `mapstructure:"timeout"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
}

// CacheConfig holds metadata cache configuration.
type CacheConfig struct {
	TTL                time.Duration `mapstructure:"ttl"`
	Size               int           `mapstructure:"size"`
	ResolveConcurrency int           `mapstructure:"resolve_concurrency"`
	WarmPatterns       []string      `mapstructure:"warm_patterns"`
	WarmInterval       time.Duration `mapstructure:"warm_interval"` // 0 warms once at startup
}

// QueryConfig holds query-related configuration.
type QueryConfig struct {
	DefaultLimit   int           `mapstructure:"default_limit"`
	MaxLimit       int           `mapstructure:"max_limit"`
	Timeout        time.Duration `mapstructure:"timeout"`
	BatchSize      int           `mapstructure:"batch_size"`
	GeometryColumn string        `mapstructure:"geom_column"`
	BBoxColumn     string        `mapstructure:"bbox_column"`
}

// EngineConfig holds source engine configuration.
type EngineConfig struct {
	DuckDB     DuckDBConfig     `mapstructure:"duckdb"`
	FlatGeobuf FlatGeobufConfig `mapstructure:"flatgeobuf"`
	SpoolDir   string           `mapstructure:"spool_dir"` // local copies of remote GeoPackages
}

// DuckDBConfig holds GeoParquet engine configuration.
type DuckDBConfig struct {
	MemoryLimit string   `mapstructure:"memory_limit"`
	Threads     int      `mapstructure:"threads"`
	Extensions  []string `mapstructure:"extensions"`
	S3Region    string   `mapstructure:"s3_region"`
}

// FlatGeobufConfig holds FlatGeobuf engine configuration.
type FlatGeobufConfig struct {
	CachedFiles int   `mapstructure:"cached_files"`
	MaxFileSize int64 `mapstructure:"max_file_size"`
}

// TilesConfig holds vector tile configuration.
type TilesConfig struct {
	MaxZoom     int           `mapstructure:"max_zoom"`
	Extent      uint32        `mapstructure:"extent"`
	Buffer      uint32        `mapstructure:"buffer"`
	MaxFeatures int           `mapstructure:"max_features"`
	CacheMaxAge time.Duration `mapstructure:"cache_max_age"`
}

// TLSConfig holds TLS/CertMagic configuration.
type TLSConfig struct {
	Enabled  bool      `mapstructure:"enabled"`
	Domains  []string  `mapstructure:"domains"`
	Email    string    `mapstructure:"email"`
	CacheDir string    `mapstructure:"cache_dir"`
	Staging  bool      `mapstructure:"staging"` // Use Let's Encrypt staging
	DNS      DNSConfig `mapstructure:"dns"`
}

// DNSConfig selects the ACME DNS-01 provider. An empty provider uses the
// HTTP and TLS-ALPN challenges.
type DNSConfig struct {
	Provider string         `mapstructure:"provider"` // "azure"
	Azure    AzureDNSConfig `mapstructure:"azure"`
}

// AzureDNSConfig holds Azure DNS credentials for DNS-01 challenges.
type AzureDNSConfig struct {
	TenantID          string `mapstructure:"tenant_id"`
	ClientID          string `mapstructure:"client_id"`
	ClientSecret      string `mapstructure:"client_secret"`
	SubscriptionID    string `mapstructure:"subscription_id"`
	ResourceGroupName string `mapstructure:"resource_group_name"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// WatcherConfig controls invalidation on local file changes.
type WatcherConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// Defaults sets the default configuration values.
func Defaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 120*time.Second)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)
	viper.SetDefault("server.viewer_enabled", true)
	viper.SetDefault("server.cors.allowed_origins", []string{})

	// Storage defaults
	viper.SetDefault("storage.local.root", "./data")
	viper.SetDefault("storage.local.allow_absolute", false)
	viper.SetDefault("storage.http.index_file", "index.txt")
	viper.SetDefault("storage.http.timeout", 5*time.Minute)

	// Cache defaults
	viper.SetDefault("cache.ttl", 5*time.Minute)
	viper.SetDefault("cache.size", 256)
	viper.SetDefault("cache.resolve_concurrency", 8)
	viper.SetDefault("cache.warm_patterns", []string{})
	viper.SetDefault("cache.warm_interval", time.Duration(0))

	// Query defaults
	viper.SetDefault("query.default_limit", 10)
	viper.SetDefault("query.max_limit", 10000)
	viper.SetDefault("query.timeout", 60*time.Second)
	viper.SetDefault("query.batch_size", 500)
	viper.SetDefault("query.geom_column", "geometry")
	viper.SetDefault("query.bbox_column", "bbox")

	// Engine defaults
	viper.SetDefault("engine.duckdb.extensions", []string{"httpfs", "azure", "spatial"})
	viper.SetDefault("engine.flatgeobuf.cached_files", 16)
	viper.SetDefault("engine.spool_dir", "")

	// Tile defaults
	viper.SetDefault("tiles.max_zoom", 22)
	viper.SetDefault("tiles.extent", 4096)
	viper.SetDefault("tiles.buffer", 64)
	viper.SetDefault("tiles.max_features", 0)
	viper.SetDefault("tiles.cache_max_age", time.Hour)

	// TLS defaults
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cache_dir", "./.certmagic")
	viper.SetDefault("tls.staging", false)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	// Watcher defaults
	viper.SetDefault("watcher.enabled", true)
	viper.SetDefault("watcher.debounce", 500*time.Millisecond)
}

// Load loads configuration from environment and config file.
func Load(configPath string) (*Config, error) {
	Defaults()

	// Environment variable binding
	viper.SetEnvPrefix("TESSERA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/tessera")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.TLS.Enabled {
		if len(c.TLS.Domains) == 0 {
			return fmt.Errorf("TLS enabled but no domains specified")
		}
		if c.TLS.Email == "" {
			return fmt.Errorf("TLS enabled but no email specified")
		}
		switch c.TLS.DNS.Provider {
		case "", "azure":
		default:
			return fmt.Errorf("unknown DNS provider: %s", c.TLS.DNS.Provider)
		}
	}

	if c.Cache.Size < 1 {
		return fmt.Errorf("cache size must be positive: %d", c.Cache.Size)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache ttl must not be negative: %s", c.Cache.TTL)
	}

	if c.Query.DefaultLimit < 1 {
		return fmt.Errorf("query default_limit must be positive: %d", c.Query.DefaultLimit)
	}
	if c.Query.MaxLimit < c.Query.DefaultLimit {
		return fmt.Errorf("query max_limit %d is below default_limit %d", c.Query.MaxLimit, c.Query.DefaultLimit)
	}
	if c.Query.BatchSize < 1 {
		return fmt.Errorf("query batch_size must be positive: %d", c.Query.BatchSize)
	}

	if c.Tiles.MaxZoom < 0 || c.Tiles.MaxZoom > 30 {
		return fmt.Errorf("tiles max_zoom out of range: %d", c.Tiles.MaxZoom)
	}
	if c.Tiles.Extent == 0 {
		return fmt.Errorf("tiles extent must be positive")
	}
	if c.Tiles.Buffer >= c.Tiles.Extent {
		return fmt.Errorf("tiles buffer %d must be smaller than extent %d", c.Tiles.Buffer, c.Tiles.Extent)
	}

	if c.Storage.Azure.AccountKey != "" && c.Storage.Azure.AccountName == "" {
		return fmt.Errorf("azure account key requires an account name")
	}
	if c.Storage.S3.AccessKeyID != "" && c.Storage.S3.SecretAccessKey == "" {
		return fmt.Errorf("S3 access key requires a secret access key")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging format: %s", c.Logging.Format)
	}

	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
