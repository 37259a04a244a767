package artifactcache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Sweeper evicts entries older than the retention period, once at startup
// and optionally on a cron schedule.
type Sweeper struct {
	cache     *Cache
	retention time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a sweeper. Zero retention uses DefaultRetention.
func NewSweeper(cache *Cache, retention time.Duration, logger *slog.Logger) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cache:     cache,
		retention: retention,
		logger:    logger.With("component", "sweeper"),
	}
}

// SweepOnce runs one eviction pass.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	return s.cache.EvictOlderThan(ctx, s.retention)
}

// Schedule starts periodic sweeps on a cron expression such as "@hourly"
// or "0 */6 * * *".
func (s *Sweeper) Schedule(ctx context.Context, spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fmt.Errorf("schedule is required")
	}
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already scheduled")
	}
	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(schedule, cron.FuncJob(func() {
		removed := s.SweepOnce(ctx)
		s.logger.Debug("scheduled sweep completed", "removed", removed)
	}))
	c.Start()
	s.cron = c
	s.logger.Info("artifact sweeper started", "schedule", spec, "retention", s.retention)
	return nil
}

// Stop halts scheduled sweeps and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("artifact sweeper stopped")
}
