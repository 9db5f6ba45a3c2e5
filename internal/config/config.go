package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"klinedb/internal/archive"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for klinedb.
type Config struct {
	Storage Storage      `yaml:"storage"`
	Server  Server       `yaml:"server"`
	Binance Binance      `yaml:"binance"`
	Logging Logging      `yaml:"logging"`
	Gather  GatherConfig `yaml:"gather"`
}

// Storage selects the database backend and local directories.
type Storage struct {
	Driver          string `yaml:"driver"` // postgres | sqlite
	DatabaseURL     string `yaml:"database_url"`
	SQLitePath      string `yaml:"sqlite_path"`
	CacheDir        string `yaml:"cache_dir"`
	ExportDir       string `yaml:"export_dir"`
	MaxConns        int    `yaml:"max_conns"`
	InsertBatchSize int    `yaml:"insert_batch_size"`
}

// DSN returns the connection string for the selected driver.
func (s Storage) DSN() string {
	if s.Driver == "sqlite" {
		return s.SQLitePath
	}
	return s.DatabaseURL
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Binance holds the public data endpoints.
type Binance struct {
	ArchiveURL      string        `yaml:"archive_url"`
	ExchangeInfoURL string        `yaml:"exchange_info_url"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatherConfig controls data gathering jobs.
type GatherConfig struct {
	History HistoryConfig `yaml:"history"`
}

// HistoryConfig holds parameters for the monthly archive backfill.
type HistoryConfig struct {
	Intervals       []string      `yaml:"intervals"`
	StartYear       int           `yaml:"start_year"`
	EndYear         int           `yaml:"end_year"`
	MaxWorkers      int           `yaml:"max_workers"`
	LoadWorkers     int           `yaml:"load_workers"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	Retries         int           `yaml:"retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	SymbolSource    string        `yaml:"symbol_source"` // exchange | database
	Symbols         []string      `yaml:"symbols"`
	RecheckMissing  bool          `yaml:"recheck_missing"`
}

// Universe returns the ingestion universe described by the config.
func (h HistoryConfig) Universe() archive.Universe {
	return archive.Universe{
		Intervals: h.Intervals,
		StartYear: h.StartYear,
		EndYear:   h.EndYear,
	}
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns a Config with every field set to its default.
func Default() *Config {
	u := archive.DefaultUniverse()
	return &Config{
		Storage: Storage{
			Driver:          "postgres",
			SQLitePath:      "data/klinedb.db",
			CacheDir:        "history",
			ExportDir:       "export",
			MaxConns:        10,
			InsertBatchSize: 1000,
		},
		Server: Server{
			Host:     "0.0.0.0",
			Port:     8080,
			GRPCPort: 9090,
		},
		Binance: Binance{
			ArchiveURL:      archive.DefaultBaseURL,
			ExchangeInfoURL: "https://api.binance.com/api/v3/exchangeInfo",
			RequestTimeout:  5 * time.Minute,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Gather: GatherConfig{
			History: HistoryConfig{
				Intervals:    u.Intervals,
				StartYear:    u.StartYear,
				EndYear:      u.EndYear,
				MaxWorkers:   30,
				LoadWorkers:  4,
				Retries:      3,
				RetryDelay:   time.Second,
				Heartbeat:    30 * time.Second,
				SymbolSource: "exchange",
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the defaults,
// loads an optional .env file, and then applies environment variable
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("CACHE_DIR"); v != "" {
		cfg.Storage.CacheDir = v
	}
	if v := os.Getenv("EXPORT_DIR"); v != "" {
		cfg.Storage.ExportDir = v
	}

	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if v := os.Getenv("ARCHIVE_URL"); v != "" {
		cfg.Binance.ArchiveURL = v
	}
	if v := os.Getenv("EXCHANGE_INFO_URL"); v != "" {
		cfg.Binance.ExchangeInfoURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

// Validate reports every configuration error that affects ingestion: the
// storage section and gather.history.
func (c *Config) Validate() error {
	errs := []error{c.ValidateStorage()}

	h := c.Gather.History
	if err := h.Universe().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("gather.history: %w", err))
	}
	if h.MaxWorkers <= 0 {
		errs = append(errs, errors.New("gather.history.max_workers must be positive"))
	}
	if h.LoadWorkers <= 0 {
		errs = append(errs, errors.New("gather.history.load_workers must be positive"))
	}
	if h.RateLimitPerSec < 0 {
		errs = append(errs, errors.New("gather.history.rate_limit_per_sec must not be negative"))
	}
	if h.SymbolSource != "exchange" && h.SymbolSource != "database" {
		errs = append(errs, fmt.Errorf("gather.history.symbol_source %q must be exchange or database", h.SymbolSource))
	}

	return errors.Join(errs...)
}

// ValidateStorage reports errors in the storage section only.
func (c *Config) ValidateStorage() error {
	var errs []error

	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url is required for the postgres driver"))
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be postgres or sqlite", c.Storage.Driver))
	}
	if c.Storage.CacheDir == "" {
		errs = append(errs, errors.New("storage.cache_dir is required"))
	}

	return errors.Join(errs...)
}

// ValidateServer reports errors in the server section only. Serving the API
// never opens the store, so storage is not checked.
func (c *Config) ValidateServer() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.GRPCPort < 1 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}
	if c.Server.Port == c.Server.GRPCPort {
		errs = append(errs, errors.New("server.port and server.grpc_port must differ"))
	}

	return errors.Join(errs...)
}
