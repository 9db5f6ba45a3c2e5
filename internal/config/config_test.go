package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

var overrideVars = []string{
	"STORAGE_DRIVER", "DATABASE_URL", "SQLITE_PATH", "CACHE_DIR", "EXPORT_DIR",
	"HOST", "PORT", "ARCHIVE_URL", "EXCHANGE_INFO_URL", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv blanks every override variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range overrideVars {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "klinedb.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  driver: "sqlite"
  sqlite_path: "/tmp/klinedb/klinedb.db"
  cache_dir: "/tmp/klinedb/history"
  export_dir: "/tmp/klinedb/export"
  max_conns: 20
  insert_batch_size: 500
server:
  host: "127.0.0.1"
  port: 8081
  grpc_port: 9091
binance:
  archive_url: "http://localhost:9000/klines"
  exchange_info_url: "http://localhost:9000/exchangeInfo"
  request_timeout: 2m
logging:
  level: "debug"
  format: "text"
gather:
  history:
    intervals: ["1h", "1d"]
    start_year: 2020
    end_year: 2021
    max_workers: 8
    load_workers: 2
    rate_limit_per_sec: 12.5
    retries: 5
    retry_delay: 250ms
    heartbeat: 10s
    symbol_source: "database"
    symbols: ["BTCUSDT", "ETHUSDT"]
    recheck_missing: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN() != "/tmp/klinedb/klinedb.db" {
		t.Errorf("Storage.DSN() = %q, want %q", cfg.Storage.DSN(), "/tmp/klinedb/klinedb.db")
	}
	if cfg.Storage.CacheDir != "/tmp/klinedb/history" {
		t.Errorf("Storage.CacheDir = %q, want %q", cfg.Storage.CacheDir, "/tmp/klinedb/history")
	}
	if cfg.Storage.MaxConns != 20 {
		t.Errorf("Storage.MaxConns = %d, want %d", cfg.Storage.MaxConns, 20)
	}
	if cfg.Storage.InsertBatchSize != 500 {
		t.Errorf("Storage.InsertBatchSize = %d, want %d", cfg.Storage.InsertBatchSize, 500)
	}

	// -- Server --
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 8081 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8081)
	}
	if cfg.Server.GRPCPort != 9091 {
		t.Errorf("Server.GRPCPort = %d, want %d", cfg.Server.GRPCPort, 9091)
	}

	// -- Binance --
	if cfg.Binance.ArchiveURL != "http://localhost:9000/klines" {
		t.Errorf("Binance.ArchiveURL = %q, want %q", cfg.Binance.ArchiveURL, "http://localhost:9000/klines")
	}
	if cfg.Binance.RequestTimeout != 2*time.Minute {
		t.Errorf("Binance.RequestTimeout = %v, want %v", cfg.Binance.RequestTimeout, 2*time.Minute)
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "text")
	}

	// -- Gather --
	h := cfg.Gather.History
	if !reflect.DeepEqual(h.Intervals, []string{"1h", "1d"}) {
		t.Errorf("History.Intervals = %v, want [1h 1d]", h.Intervals)
	}
	if h.StartYear != 2020 || h.EndYear != 2021 {
		t.Errorf("History years = %d-%d, want 2020-2021", h.StartYear, h.EndYear)
	}
	if h.MaxWorkers != 8 || h.LoadWorkers != 2 {
		t.Errorf("History workers = %d/%d, want 8/2", h.MaxWorkers, h.LoadWorkers)
	}
	if h.RateLimitPerSec != 12.5 {
		t.Errorf("History.RateLimitPerSec = %f, want %f", h.RateLimitPerSec, 12.5)
	}
	if h.Retries != 5 || h.RetryDelay != 250*time.Millisecond {
		t.Errorf("History retries = %d/%v, want 5/250ms", h.Retries, h.RetryDelay)
	}
	if h.Heartbeat != 10*time.Second {
		t.Errorf("History.Heartbeat = %v, want %v", h.Heartbeat, 10*time.Second)
	}
	if h.SymbolSource != "database" {
		t.Errorf("History.SymbolSource = %q, want %q", h.SymbolSource, "database")
	}
	if !reflect.DeepEqual(h.Symbols, []string{"BTCUSDT", "ETHUSDT"}) {
		t.Errorf("History.Symbols = %v, want [BTCUSDT ETHUSDT]", h.Symbols)
	}
	if !h.RecheckMissing {
		t.Error("History.RecheckMissing = false, want true")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, "postgres")
	}
	if cfg.Storage.InsertBatchSize != 1000 {
		t.Errorf("Storage.InsertBatchSize = %d, want %d", cfg.Storage.InsertBatchSize, 1000)
	}
	if cfg.Gather.History.MaxWorkers != 30 {
		t.Errorf("History.MaxWorkers = %d, want %d", cfg.Gather.History.MaxWorkers, 30)
	}
	if cfg.Gather.History.LoadWorkers != 4 {
		t.Errorf("History.LoadWorkers = %d, want %d", cfg.Gather.History.LoadWorkers, 4)
	}
	if cfg.Gather.History.Retries != 3 {
		t.Errorf("History.Retries = %d, want %d", cfg.Gather.History.Retries, 3)
	}
	if cfg.Gather.History.Heartbeat != 30*time.Second {
		t.Errorf("History.Heartbeat = %v, want %v", cfg.Gather.History.Heartbeat, 30*time.Second)
	}
	if len(cfg.Gather.History.Intervals) != 9 {
		t.Errorf("History.Intervals has %d entries, want 9", len(cfg.Gather.History.Intervals))
	}
	if cfg.Binance.ExchangeInfoURL != "https://api.binance.com/api/v3/exchangeInfo" {
		t.Errorf("Binance.ExchangeInfoURL = %q", cfg.Binance.ExchangeInfoURL)
	}

	// Postgres without a URL is not runnable.
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "database_url") {
		t.Errorf("Validate() = %v, want database_url error", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  driver: "sqlite"
  database_url: "postgres://yaml/db"
  cache_dir: "/from-yaml/history"
server:
  port: 8080
`)

	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("PORT", "9999")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Storage.Driver = %q, want %q (env override)", cfg.Storage.Driver, "postgres")
	}
	if cfg.Storage.DSN() != "postgres://env/db" {
		t.Errorf("Storage.DSN() = %q, want %q (env override)", cfg.Storage.DSN(), "postgres://env/db")
	}
	// cache_dir should remain from YAML since no env override was set.
	if cfg.Storage.CacheDir != "/from-yaml/history" {
		t.Errorf("Storage.CacheDir = %q, want %q (from YAML)", cfg.Storage.CacheDir, "/from-yaml/history")
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want %d (env override)", cfg.Server.Port, 9999)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want %q (env override)", cfg.Logging.Format, "text")
	}
}

func TestLoadBadPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "eighty")
	if _, err := Load(""); err == nil {
		t.Error("Load() with non-numeric PORT should fail")
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"no sqlite path", func(c *Config) { c.Storage.Driver = "sqlite"; c.Storage.SQLitePath = "" }, "sqlite_path"},
		{"no cache", func(c *Config) { c.Storage.CacheDir = "" }, "cache_dir"},
		{"bad interval", func(c *Config) { c.Gather.History.Intervals = []string{"2m"} }, "unknown interval"},
		{"zero workers", func(c *Config) { c.Gather.History.MaxWorkers = 0 }, "max_workers"},
		{"zero load workers", func(c *Config) { c.Gather.History.LoadWorkers = 0 }, "load_workers"},
		{"negative rate", func(c *Config) { c.Gather.History.RateLimitPerSec = -1 }, "rate_limit_per_sec"},
		{"bad source", func(c *Config) { c.Gather.History.SymbolSource = "file" }, "symbol_source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Storage.DatabaseURL = "postgres://localhost/klinedb"
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}

	cfg := Default()
	cfg.Storage.DatabaseURL = "postgres://localhost/klinedb"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults with database_url = %v, want nil", err)
	}
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join("..", "..", "config", "klinedb.example.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	want := Default()
	want.Storage.DatabaseURL = cfg.Storage.DatabaseURL
	want.Gather.History.Symbols = cfg.Gather.History.Symbols
	if !reflect.DeepEqual(cfg, want) {
		t.Errorf("example config drifted from Default():\n got %+v\nwant %+v", cfg, want)
	}
}

func TestValidateServerIgnoresStorage(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("ValidateServer() on defaults without database_url = %v, want nil", err)
	}
	if err := cfg.ValidateStorage(); err == nil || !strings.Contains(err.Error(), "database_url") {
		t.Errorf("ValidateStorage() = %v, want database_url error", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"big grpc port", func(c *Config) { c.Server.GRPCPort = 70000 }, "server.grpc_port"},
		{"same ports", func(c *Config) { c.Server.GRPCPort = c.Server.Port }, "must differ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.ValidateServer()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ValidateServer() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}
