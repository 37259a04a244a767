package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/slidecast/internal/artifactcache"
	"github.com/haasonsaas/slidecast/internal/backoff"
	"github.com/haasonsaas/slidecast/internal/config"
	"github.com/haasonsaas/slidecast/internal/connection"
	"github.com/haasonsaas/slidecast/internal/observability"
	"github.com/haasonsaas/slidecast/internal/platform"
	"github.com/haasonsaas/slidecast/internal/preload"
	"github.com/haasonsaas/slidecast/internal/presence"
	"github.com/haasonsaas/slidecast/internal/rowstore"
	"github.com/haasonsaas/slidecast/internal/session"
)

// loadConfig loads the resolved configuration file. A missing default file
// yields the built-in defaults; a missing file the user named is an error.
// The returned path is empty when defaults were used.
func loadConfig(path string) (*config.Config, string, error) {
	resolved, explicit := resolveConfigPath(path)
	if _, err := os.Stat(resolved); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), "", nil
		}
		return nil, "", fmt.Errorf("config %s: %w", resolved, err)
	}
	cfg, err := config.Load(resolved)
	if err != nil {
		return nil, "", err
	}
	return cfg, resolved, nil
}

// env holds the ambient services shared by a command.
type env struct {
	logger   *slog.Logger
	level    *slog.LevelVar
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	shutdown func(context.Context) error
}

func newEnv(cfg *config.Config) *env {
	logger, level := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	traceConfig := observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Attributes:     cfg.Tracing.Attributes,
		Insecure:       cfg.Tracing.Insecure,
	}
	if cfg.Tracing.Enabled {
		traceConfig.Endpoint = cfg.Tracing.Endpoint
	}
	tracer, shutdown := observability.NewTracer(traceConfig)

	return &env{
		logger:   logger,
		level:    level,
		registry: registry,
		metrics:  observability.NewMetrics(registry),
		tracer:   tracer,
		shutdown: shutdown,
	}
}

func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.shutdown(ctx); err != nil {
		e.logger.Warn("tracer shutdown failed", "error", err)
	}
}

// openCache opens the configured artifact store. observe receives the
// latency of every successful artifact download and may be nil.
func openCache(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer, observe func(time.Duration)) (*artifactcache.Cache, error) {
	fetcher := artifactcache.NewHTTPFetcher(cfg.Cache.FetchTimeout)
	if cfg.Cache.MaxArtifactBytes > 0 {
		fetcher.MaxBytes = cfg.Cache.MaxArtifactBytes
	}
	fetcher.Tracer = tracer
	fetcher.Metrics = metrics
	fetcher.Observe = observe
	router := &artifactcache.SchemeFetcher{HTTP: fetcher}

	if s3cfg := cfg.Cache.S3; s3cfg.Enabled {
		bucket, err := artifactcache.NewS3Fetcher(ctx, artifactcache.S3Config{
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			UsePathStyle:    s3cfg.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		bucket.MaxBytes = fetcher.MaxBytes
		bucket.Tracer = tracer
		bucket.Metrics = metrics
		bucket.Observe = observe
		router.S3 = bucket
	}

	var store artifactcache.Store
	switch cfg.Cache.Backend {
	case "memory":
		store = artifactcache.NewMemoryStore()
	default:
		sqlite, err := artifactcache.NewSQLiteStore(cfg.Cache.Path)
		if err != nil {
			return nil, fmt.Errorf("open artifact cache: %w", err)
		}
		store = sqlite
	}

	opts := []artifactcache.Option{
		artifactcache.WithLogger(logger),
		artifactcache.WithMetrics(metrics),
		artifactcache.WithFetcher(router),
		artifactcache.WithBaseURL(cfg.Server.PublicURL),
	}
	if cfg.Cache.VerifyImages == nil || *cfg.Cache.VerifyImages {
		opts = append(opts, artifactcache.WithImageCheck())
	}
	return artifactcache.New(store, opts...), nil
}

// openRowstore returns the configured row store and its close function.
func openRowstore(cfg *config.Config, tracer *observability.Tracer) (rowstore.Store, func() error, error) {
	switch cfg.Rowstore.Backend {
	case "postgres":
		pool := rowstore.DefaultPoolConfig()
		if cfg.Rowstore.MaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.Rowstore.MaxOpenConns
		}
		if cfg.Rowstore.MaxIdleConns > 0 {
			pool.MaxIdleConns = cfg.Rowstore.MaxIdleConns
		}
		if cfg.Rowstore.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.Rowstore.ConnMaxLifetime
		}
		if cfg.Rowstore.Timeout > 0 {
			pool.ConnectTimeout = cfg.Rowstore.Timeout
		}
		store, err := rowstore.NewSQLStoreFromDSN(cfg.Rowstore.DSN, pool, tracer)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := rowstore.NewRESTStore(rowstore.RESTConfig{
			BaseURL: cfg.Rowstore.URL,
			APIKey:  cfg.Rowstore.APIKey,
			Timeout: cfg.Rowstore.Timeout,
			Tracer:  tracer,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	fill := cfg.Preload.BackgroundFill == nil || *cfg.Preload.BackgroundFill
	presenceEnabled := cfg.Presence.Enabled == nil || *cfg.Presence.Enabled
	return session.Config{
		Connection: connection.Config{
			Watchdog:     cfg.Sync.Watchdog,
			PollInterval: cfg.Sync.PollInterval,
			Backoff: backoff.Policy{
				Initial: cfg.Sync.BackoffInitial,
				Max:     cfg.Sync.BackoffMax,
				Factor:  2,
			},
			MaxReconnectAttempts: cfg.Sync.MaxReconnectAttempts,
			Schema:               cfg.Sync.Schema,
			Table:                cfg.Sync.Table,
		},
		Preload: preload.Config{
			WindowConcurrency:     cfg.Preload.WindowConcurrency,
			BackgroundConcurrency: cfg.Preload.BackgroundConcurrency,
			BackgroundFill:        fill,
		},
		Retention:       cfg.Cache.Retention,
		Role:            presence.ParseRole(cfg.Presence.Role),
		InitialQuality:  platform.ParseQuality(cfg.Preload.Quality),
		DisablePresence: !presenceEnabled,
	}
}
