package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}

	if c.Realtime.URL != "" {
		if err := validateURL(c.Realtime.URL, "http", "https", "ws", "wss"); err != nil {
			add("realtime.url: %w", err)
		}
	}
	if c.Realtime.HeartbeatInterval < 0 {
		add("realtime.heartbeat_interval must be positive")
	}

	switch strings.ToLower(c.Rowstore.Backend) {
	case "rest":
		if c.Rowstore.URL == "" {
			add("rowstore.url (or project.url) is required for the rest backend")
		} else if err := validateURL(c.Rowstore.URL, "http", "https"); err != nil {
			add("rowstore.url: %w", err)
		}
	case "postgres":
		if strings.TrimSpace(c.Rowstore.DSN) == "" {
			add("rowstore.dsn is required for the postgres backend")
		}
	default:
		add("rowstore.backend must be rest or postgres, got %q", c.Rowstore.Backend)
	}

	switch strings.ToLower(c.Cache.Backend) {
	case "sqlite":
		if strings.TrimSpace(c.Cache.Path) == "" {
			add("cache.path is required for the sqlite backend")
		}
	case "memory":
	default:
		add("cache.backend must be sqlite or memory, got %q", c.Cache.Backend)
	}
	if c.Cache.Retention < 0 {
		add("cache.retention must be positive")
	}
	if c.Cache.SweepSchedule != "" {
		if _, err := scheduleParser.Parse(c.Cache.SweepSchedule); err != nil {
			add("cache.sweep_schedule: %w", err)
		}
	}

	if c.Cache.S3.Endpoint != "" {
		if err := validateURL(c.Cache.S3.Endpoint, "http", "https"); err != nil {
			add("cache.s3.endpoint: %w", err)
		}
	}
	if (c.Cache.S3.AccessKeyID == "") != (c.Cache.S3.SecretAccessKey == "") {
		add("cache.s3.access_key_id and cache.s3.secret_access_key must be set together")
	}

	if c.Sync.Watchdog < 0 || c.Sync.PollInterval < 0 {
		add("sync timings must be positive")
	}
	if c.Sync.BackoffMax < c.Sync.BackoffInitial {
		add("sync.backoff_max (%s) is below sync.backoff_initial (%s)", c.Sync.BackoffMax, c.Sync.BackoffInitial)
	}
	if c.Sync.MaxReconnectAttempts < 0 {
		add("sync.max_reconnect_attempts must not be negative")
	}

	if c.Preload.WindowConcurrency < 0 || c.Preload.BackgroundConcurrency < 0 {
		add("preload concurrency must not be negative")
	}
	switch c.Preload.Quality {
	case "fast", "slow", "unknown":
	default:
		add("preload.quality must be fast, slow or unknown, got %q", c.Preload.Quality)
	}

	switch c.Presence.Role {
	case "viewer", "presenter":
	default:
		add("presence.role must be viewer or presenter, got %q", c.Presence.Role)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text", "auto":
	default:
		add("logging.format must be json, text or auto, got %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not a level", c.Logging.Level)
	}

	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		add("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	return errors.Join(errs...)
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}
