// Package config loads slidecast configuration from YAML or JSON5 files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the slidecast configuration file.
type Config struct {
	Version  int            `yaml:"version"`
	Project  ProjectConfig  `yaml:"project"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Rowstore RowstoreConfig `yaml:"rowstore"`
	Cache    CacheConfig    `yaml:"cache"`
	Sync     SyncConfig     `yaml:"sync"`
	Preload  PreloadConfig  `yaml:"preload"`
	Presence PresenceConfig `yaml:"presence"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ProjectConfig points at the hosted backend. Realtime and rowstore
// endpoints default to paths under URL.
type ProjectConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

type RealtimeConfig struct {
	// URL is the WebSocket endpoint. Defaults to <project.url>/realtime/v1/websocket.
	URL               string        `yaml:"url"`
	APIKey            string        `yaml:"api_key"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	JoinTimeout       time.Duration `yaml:"join_timeout"`
}

// RowstoreConfig selects how presentation rows are read.
type RowstoreConfig struct {
	// Backend is "rest" or "postgres".
	Backend string        `yaml:"backend"`
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`

	// DSN is the Postgres connection string for the postgres backend.
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig configures the local artifact store.
type CacheConfig struct {
	// Backend is "sqlite" or "memory".
	Backend          string        `yaml:"backend"`
	Path             string        `yaml:"path"`
	Retention        time.Duration `yaml:"retention"`
	SweepSchedule    string        `yaml:"sweep_schedule"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	MaxArtifactBytes int64         `yaml:"max_artifact_bytes"`

	// VerifyImages rejects downloads that do not decode as raster images.
	// Defaults to true.
	VerifyImages *bool          `yaml:"verify_images"`
	S3           S3SourceConfig `yaml:"s3"`
}

// S3SourceConfig enables s3://bucket/key slide URLs.
type S3SourceConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// SyncConfig tunes the push/poll state machine.
type SyncConfig struct {
	Watchdog             time.Duration `yaml:"watchdog"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	BackoffInitial       time.Duration `yaml:"backoff_initial"`
	BackoffMax           time.Duration `yaml:"backoff_max"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	Schema               string        `yaml:"schema"`
	Table                string        `yaml:"table"`
}

type PreloadConfig struct {
	WindowConcurrency     int           `yaml:"window_concurrency"`
	BackgroundConcurrency int           `yaml:"background_concurrency"`
	BackgroundFill        *bool         `yaml:"background_fill"`
	Quality               string        `yaml:"quality"`
	PrefetchTimeout       time.Duration `yaml:"prefetch_timeout"`
}

type PresenceConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Role    string `yaml:"role"`
}

// ServerConfig is the local HTTP listener serving cached artifacts and
// metrics.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// PublicURL is the base of artifact references. Defaults to
	// http://<listen>.
	PublicURL string `yaml:"public_url"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

// Load reads, defaults and validates a configuration file. ${VAR}
// references are expanded from the environment.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// backend configured.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	cfg.Project.URL = strings.TrimRight(strings.TrimSpace(cfg.Project.URL), "/")

	if cfg.Realtime.URL == "" && cfg.Project.URL != "" {
		cfg.Realtime.URL = cfg.Project.URL + "/realtime/v1/websocket"
	}
	if cfg.Realtime.APIKey == "" {
		cfg.Realtime.APIKey = cfg.Project.APIKey
	}
	if cfg.Realtime.HeartbeatInterval == 0 {
		cfg.Realtime.HeartbeatInterval = 25 * time.Second
	}
	if cfg.Realtime.JoinTimeout == 0 {
		cfg.Realtime.JoinTimeout = 10 * time.Second
	}

	if cfg.Rowstore.Backend == "" {
		cfg.Rowstore.Backend = "rest"
	}
	if cfg.Rowstore.URL == "" {
		cfg.Rowstore.URL = cfg.Project.URL
	}
	if cfg.Rowstore.APIKey == "" {
		cfg.Rowstore.APIKey = cfg.Project.APIKey
	}
	if cfg.Rowstore.Timeout == 0 {
		cfg.Rowstore.Timeout = 10 * time.Second
	}
	if cfg.Rowstore.MaxOpenConns == 0 {
		cfg.Rowstore.MaxOpenConns = 4
	}
	if cfg.Rowstore.MaxIdleConns == 0 {
		cfg.Rowstore.MaxIdleConns = 2
	}
	if cfg.Rowstore.ConnMaxLifetime == 0 {
		cfg.Rowstore.ConnMaxLifetime = 5 * time.Minute
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "sqlite"
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = defaultCachePath()
	}
	if cfg.Cache.Retention == 0 {
		cfg.Cache.Retention = 7 * 24 * time.Hour
	}
	if cfg.Cache.FetchTimeout == 0 {
		cfg.Cache.FetchTimeout = 30 * time.Second
	}
	if cfg.Cache.MaxArtifactBytes == 0 {
		cfg.Cache.MaxArtifactBytes = 32 << 20
	}
	if cfg.Cache.VerifyImages == nil {
		verify := true
		cfg.Cache.VerifyImages = &verify
	}
	if cfg.Cache.S3.Enabled && cfg.Cache.S3.Region == "" {
		cfg.Cache.S3.Region = "us-east-1"
	}

	if cfg.Sync.Watchdog == 0 {
		cfg.Sync.Watchdog = 5 * time.Second
	}
	if cfg.Sync.PollInterval == 0 {
		cfg.Sync.PollInterval = time.Second
	}
	if cfg.Sync.BackoffInitial == 0 {
		cfg.Sync.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.Sync.BackoffMax == 0 {
		cfg.Sync.BackoffMax = 2 * time.Second
	}
	if cfg.Sync.MaxReconnectAttempts == 0 {
		cfg.Sync.MaxReconnectAttempts = 3
	}
	if cfg.Sync.Schema == "" {
		cfg.Sync.Schema = "public"
	}
	if cfg.Sync.Table == "" {
		cfg.Sync.Table = "presentations"
	}

	if cfg.Preload.WindowConcurrency == 0 {
		cfg.Preload.WindowConcurrency = 4
	}
	if cfg.Preload.BackgroundConcurrency == 0 {
		cfg.Preload.BackgroundConcurrency = 2
	}
	if cfg.Preload.BackgroundFill == nil {
		fill := true
		cfg.Preload.BackgroundFill = &fill
	}
	if cfg.Preload.Quality == "" {
		cfg.Preload.Quality = "unknown"
	}
	if cfg.Preload.PrefetchTimeout == 0 {
		cfg.Preload.PrefetchTimeout = 15 * time.Second
	}

	if cfg.Presence.Enabled == nil {
		enabled := true
		cfg.Presence.Enabled = &enabled
	}
	if cfg.Presence.Role == "" {
		cfg.Presence.Role = "viewer"
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:7070"
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = "http://" + cfg.Server.Listen
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "auto"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "slidecast"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

func defaultCachePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "slidecast", "artifacts.db")
	}
	return filepath.Join(os.TempDir(), "slidecast", "artifacts.db")
}
