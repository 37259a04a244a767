package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/haasonsaas/slidecast/internal/artifactcache"
	"github.com/haasonsaas/slidecast/internal/config"
	"github.com/haasonsaas/slidecast/internal/observability"
)

// openCacheOnly opens the artifact cache without any network services.
func openCacheOnly(ctx context.Context, configPath, cachePath string) (*config.Config, *artifactcache.Cache, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cachePath != "" {
		cfg.Cache.Backend = "sqlite"
		cfg.Cache.Path = cachePath
	}
	logger, _ := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	cache, err := openCache(ctx, cfg, logger, nil, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cache, nil
}

func runCacheStats(ctx context.Context, out io.Writer, configPath, cachePath string) error {
	cfg, cache, err := openCacheOnly(ctx, configPath, cachePath)
	if err != nil {
		return err
	}
	defer cache.Close()

	stats, err := cache.Stats(ctx)
	if err != nil {
		return fmt.Errorf("cache stats: %w", err)
	}
	fmt.Fprintf(out, "backend:       %s\n", cfg.Cache.Backend)
	if cfg.Cache.Backend == "sqlite" {
		fmt.Fprintf(out, "path:          %s\n", cfg.Cache.Path)
	}
	fmt.Fprintf(out, "entries:       %d\n", stats.Entries)
	fmt.Fprintf(out, "presentations: %d\n", stats.Presentations)
	fmt.Fprintf(out, "size:          %s\n", humanize.Bytes(uint64(max(stats.Bytes, 0))))
	if !stats.Oldest.IsZero() {
		fmt.Fprintf(out, "oldest:        %s\n", humanize.Time(stats.Oldest))
	}
	fmt.Fprintf(out, "retention:     %s\n", cfg.Cache.Retention)
	return nil
}

func runCacheSweep(ctx context.Context, out io.Writer, configPath, cachePath string, retention time.Duration, schedule string) error {
	cfg, cache, err := openCacheOnly(ctx, configPath, cachePath)
	if err != nil {
		return err
	}
	defer cache.Close()

	if retention <= 0 {
		retention = cfg.Cache.Retention
	}
	sweeper := artifactcache.NewSweeper(cache, retention, nil)
	removed := sweeper.SweepOnce(ctx)
	fmt.Fprintf(out, "removed %d artifacts older than %s\n", removed, retention)
	if schedule == "" {
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := sweeper.Schedule(ctx, schedule); err != nil {
		return err
	}
	fmt.Fprintf(out, "sweeping on %q until interrupted\n", schedule)
	<-ctx.Done()
	sweeper.Stop()
	return nil
}

func runCacheClear(ctx context.Context, out io.Writer, configPath, cachePath, presentationID string) error {
	_, cache, err := openCacheOnly(ctx, configPath, cachePath)
	if err != nil {
		return err
	}
	defer cache.Close()

	removed := cache.ClearPresentation(ctx, presentationID)
	fmt.Fprintf(out, "removed %d artifacts of %s\n", removed, presentationID)
	return nil
}
