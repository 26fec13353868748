package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig holds record store connection settings.
type StoreConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// CacheConfig holds cache layer settings.
type CacheConfig struct {
	Capacity           int    `yaml:"capacity"`
	NumShards          int    `yaml:"num_shards"`
	TTL                string `yaml:"ttl"`
	EvictionPercentage int    `yaml:"eviction_percentage"`
	EvictionInterval   string `yaml:"eviction_interval"`
	Namespace          string `yaml:"namespace"`
	// ReadTimeout bounds a store read shared by concurrent cache misses.
	ReadTimeout string `yaml:"read_timeout"`
}

// SearchConfig holds search index settings.
type SearchConfig struct {
	// Path of the on-disk bleve index. Empty keeps the index in memory.
	Path string `yaml:"path"`
}

// SyncConfig holds the settings of the background cache and index synchronizers.
type SyncConfig struct {
	Workers           int    `yaml:"workers"`
	QueueSize         int    `yaml:"queue_size"`
	MaxAttempts       int    `yaml:"max_attempts"`
	InitialBackoff    string `yaml:"initial_backoff"`
	MaxBackoff        string `yaml:"max_backoff"`
	EnqueueTimeout    string `yaml:"enqueue_timeout"`
	InvalidateTimeout string `yaml:"invalidate_timeout"`
}

// SweepConfig holds reconciliation sweep settings.
type SweepConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Interval      string  `yaml:"interval"`
	BatchSize     int     `yaml:"batch_size"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	// EnqueueTimeout bounds the wait for sync queue capacity per repair.
	EnqueueTimeout string `yaml:"enqueue_timeout"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddress   string `yaml:"listen_address"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// PayloadConfig holds entity payload validation rules.
type PayloadConfig struct {
	RequiredFields []string `yaml:"required_fields"`
	MaxFields      int      `yaml:"max_fields"`
	MaxKeyLength   int      `yaml:"max_key_length"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Protocol    string `yaml:"protocol"`
	ServiceName string `yaml:"service_name"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is the root configuration of the notes service.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache"`
	Search  SearchConfig  `yaml:"search"`
	Sync    SyncConfig    `yaml:"sync"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Server  ServerConfig  `yaml:"server"`
	Payload PayloadConfig `yaml:"payload"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Default returns the configuration used when no file is given. The store DSN
// is left empty and must come from the file or DATABASE_URL.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 2,
		},
		Cache: CacheConfig{
			Capacity:           10000,
			NumShards:          256,
			TTL:                "5m",
			EvictionPercentage: 10,
			Namespace:          "notes",
			ReadTimeout:        "5s",
		},
		Sync: SyncConfig{
			Workers:           4,
			QueueSize:         1024,
			MaxAttempts:       5,
			InitialBackoff:    "100ms",
			MaxBackoff:        "5s",
			EnqueueTimeout:    "50ms",
			InvalidateTimeout: "100ms",
		},
		Sweep: SweepConfig{
			Enabled:        true,
			Interval:       "1m",
			BatchSize:      500,
			RatePerSecond:  200,
			EnqueueTimeout: "1s",
		},
		Server: ServerConfig{
			ListenAddress:   ":3000",
			ReadTimeout:     "10s",
			WriteTimeout:    "10s",
			ShutdownTimeout: "15s",
		},
		Payload: PayloadConfig{
			RequiredFields: []string{"title"},
			MaxFields:      64,
			MaxKeyLength:   64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "notesd",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ParseDuration parses a duration string. Returns the default duration if the
// string is empty or invalid, logging a warning for invalid input.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader, overlaying it on Default.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path, applies
// environment overrides and validates the result. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	if path == "" {
		return Load(nil)
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Store.DSN = v
	}
	if v, ok := lookup("LISTEN_ADDR"); ok && v != "" {
		c.Server.ListenAddress = v
	}
	if v, ok := lookup("SEARCH_INDEX_PATH"); ok {
		c.Search.Path = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
}
