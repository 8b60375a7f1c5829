package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func validConfig() Config {
	return Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
		Cache:   CacheConfig{TTL: time.Minute, Size: 16},
		Query:   QueryConfig{DefaultLimit: 10, MaxLimit: 10000, BatchSize: 500},
		Tiles:   TilesConfig{MaxZoom: 22, Extent: 4096, Buffer: 64},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{name: "valid", modify: func(_ *Config) {}},
		{name: "port zero", modify: func(c *Config) { c.Server.Port = 0 }, wantErr: true},
		{name: "port too large", modify: func(c *Config) { c.Server.Port = 70000 }, wantErr: true},
		{name: "tls without domains", modify: func(c *Config) {
			c.TLS = TLSConfig{Enabled: true, Email: "ops@example.com"}
		}, wantErr: true},
		{name: "tls without email", modify: func(c *Config) {
			c.TLS = TLSConfig{Enabled: true, Domains: []string{"a.example.com"}}
		}, wantErr: true},
		{name: "tls azure dns", modify: func(c *Config) {
			c.TLS = TLSConfig{Enabled: true, Domains: []string{"a.example.com"}, Email: "ops@example.com", DNS: DNSConfig{Provider: "azure"}}
		}},
		{name: "tls unknown dns", modify: func(c *Config) {
			c.TLS = TLSConfig{Enabled: true, Domains: []string{"a.example.com"}, Email: "ops@example.com", DNS: DNSConfig{Provider: "route53"}}
		}, wantErr: true},
		{name: "cache size zero", modify: func(c *Config) { c.Cache.Size = 0 }, wantErr: true},
		{name: "negative ttl", modify: func(c *Config) { c.Cache.TTL = -time.Second }, wantErr: true},
		{name: "default limit zero", modify: func(c *Config) { c.Query.DefaultLimit = 0 }, wantErr: true},
		{name: "max below default", modify: func(c *Config) { c.Query.MaxLimit = 5 }, wantErr: true},
		{name: "batch size zero", modify: func(c *Config) { c.Query.BatchSize = 0 }, wantErr: true},
		{name: "max zoom too large", modify: func(c *Config) { c.Tiles.MaxZoom = 31 }, wantErr: true},
		{name: "extent zero", modify: func(c *Config) { c.Tiles.Extent = 0; c.Tiles.Buffer = 0 }, wantErr: true},
		{name: "buffer not below extent", modify: func(c *Config) { c.Tiles.Buffer = 4096 }, wantErr: true},
		{name: "azure key without account", modify: func(c *Config) { c.Storage.Azure.AccountKey = "key" }, wantErr: true},
		{name: "s3 key without secret", modify: func(c *Config) { c.Storage.S3.AccessKeyID = "AKIA" }, wantErr: true},
		{name: "unknown log format", modify: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Query.DefaultLimit != 10 || cfg.Query.MaxLimit != 10000 {
		t.Errorf("Query limits = %d/%d, want 10/10000", cfg.Query.DefaultLimit, cfg.Query.MaxLimit)
	}
	if cfg.Tiles.Extent != 4096 || cfg.Tiles.Buffer != 64 || cfg.Tiles.MaxZoom != 22 {
		t.Errorf("Tiles = %+v", cfg.Tiles)
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("Cache.TTL = %s, want 5m", cfg.Cache.TTL)
	}
	if len(cfg.Engine.DuckDB.Extensions) != 3 {
		t.Errorf("Engine.DuckDB.Extensions = %v", cfg.Engine.DuckDB.Extensions)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
  cors:
    allowed_origins: ["https://maps.example.com"]
storage:
  local:
    root: /srv/data
cache:
  warm_patterns:
    - s3://bucket/buildings/*.parquet
tiles:
  max_zoom: 16
  cache_max_age: 10m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TESSERA_QUERY_MAX_LIMIT", "500")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if !cfg.Server.CORS.Enabled() {
		t.Error("CORS not enabled")
	}
	if cfg.Storage.Local.Root != "/srv/data" {
		t.Errorf("Storage.Local.Root = %q", cfg.Storage.Local.Root)
	}
	if len(cfg.Cache.WarmPatterns) != 1 {
		t.Errorf("Cache.WarmPatterns = %v", cfg.Cache.WarmPatterns)
	}
	if cfg.Tiles.MaxZoom != 16 || cfg.Tiles.CacheMaxAge != 10*time.Minute {
		t.Errorf("Tiles = %+v", cfg.Tiles)
	}
	if cfg.Query.MaxLimit != 500 {
		t.Errorf("Query.MaxLimit = %d, want 500 from environment", cfg.Query.MaxLimit)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() accepted port 0")
	}
}

func TestAddress(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 8443}
	if got := s.Address(); got != "127.0.0.1:8443" {
		t.Errorf("Address() = %q", got)
	}
}
