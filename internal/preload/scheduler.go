package preload

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/slidecast/internal/observability"
	"github.com/haasonsaas/slidecast/internal/platform"
	"github.com/haasonsaas/slidecast/pkg/models"
)

// ArtifactCache is the subset of the artifact cache the scheduler drives.
type ArtifactCache interface {
	Has(ctx context.Context, presentationID string, slideNumber int) bool
	CacheSlide(ctx context.Context, presentationID string, slide models.Slide) bool
}

// Config tunes batch sizes.
type Config struct {
	// WindowConcurrency bounds parallel downloads of the initial window.
	WindowConcurrency int
	// BackgroundConcurrency bounds parallel downloads outside the window.
	BackgroundConcurrency int
	// BackgroundFill caches slides outside the window after Load.
	BackgroundFill bool
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		WindowConcurrency:     4,
		BackgroundConcurrency: 2,
		BackgroundFill:        true,
	}
}

// LoadResult reports the outcome of the initial window batch.
type LoadResult struct {
	Window Window
	Cached int
	Failed int
}

// Scheduler keeps the slides around the current position cached.
type Scheduler struct {
	presentationID string
	manifest       models.Manifest
	cache          ArtifactCache
	prefetcher     Prefetcher
	config         Config
	logger         *slog.Logger
	metrics        *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	position int
	quality  platform.Quality
	window   Window
	ready    bool
	closed   bool
	inflight map[int]struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig sets the batch tuning.
func WithConfig(config Config) Option {
	return func(s *Scheduler) {
		if config.WindowConcurrency > 0 {
			s.config.WindowConcurrency = config.WindowConcurrency
		}
		if config.BackgroundConcurrency > 0 {
			s.config.BackgroundConcurrency = config.BackgroundConcurrency
		}
		s.config.BackgroundFill = config.BackgroundFill
	}
}

// WithPrefetcher sets the HTTP warm-up path.
func WithPrefetcher(p Prefetcher) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.prefetcher = p
		}
	}
}

// WithQuality sets the starting network quality.
func WithQuality(q platform.Quality) Option {
	return func(s *Scheduler) { s.quality = q }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = metrics }
}

// New creates a scheduler for one presentation's manifest.
func New(presentationID string, manifest models.Manifest, cache ArtifactCache, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		presentationID: presentationID,
		manifest:       manifest,
		cache:          cache,
		prefetcher:     noopPrefetcher{},
		config:         DefaultConfig(),
		logger:         slog.Default(),
		ctx:            ctx,
		cancel:         cancel,
		quality:        platform.QualityUnknown,
		position:       1,
		window:         Window{First: 1, Last: 0},
		inflight:       make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "preload", "presentation_id", presentationID)
	return s
}

// Load caches every slide of the window around position as one bounded
// batch, marks the scheduler ready, and then fills the rest of the
// manifest in the background.
func (s *Scheduler) Load(ctx context.Context, position int) LoadResult {
	return s.loadWindow(ctx, s.place(position))
}

// Start runs Load in the background. The window is placed before Start
// returns, so position changes made while the batch downloads apply on
// top of it. Close cancels the batch and waits for it.
func (s *Scheduler) Start(position int) {
	window := s.place(position)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.loadWindow(s.ctx, window)
	}()
}

func (s *Scheduler) place(position int) Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = position
	s.window = ComputeWindow(position, s.manifest.Last(), s.quality)
	return s.window
}

func (s *Scheduler) loadWindow(ctx context.Context, window Window) LoadResult {
	var (
		mu     sync.Mutex
		result = LoadResult{Window: window}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.WindowConcurrency)
	for _, slide := range s.manifest {
		if !window.Contains(slide.SlideNumber) {
			continue
		}
		g.Go(func() error {
			ok := s.ensureCached(gctx, slide)
			mu.Lock()
			if ok {
				result.Cached++
			} else {
				result.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	s.ready = true
	fill := s.config.BackgroundFill && !s.closed
	if fill {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	s.logger.Info("preload window ready",
		"first", window.First,
		"last", window.Last,
		"cached", result.Cached,
		"failed", result.Failed)

	if fill {
		go s.backgroundFill(window)
	}
	return result
}

func (s *Scheduler) backgroundFill(window Window) {
	defer s.wg.Done()

	g, ctx := errgroup.WithContext(s.ctx)
	g.SetLimit(s.config.BackgroundConcurrency)
	for _, slide := range s.manifest {
		if window.Contains(slide.SlideNumber) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.ensureCached(ctx, slide)
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Debug("background preload finished")
}

// ensureCached reports whether the slide is cached after the call.
func (s *Scheduler) ensureCached(ctx context.Context, slide models.Slide) bool {
	if s.cache.Has(ctx, s.presentationID, slide.SlideNumber) {
		s.metrics.RecordPreload("present")
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	if s.cache.CacheSlide(ctx, s.presentationID, slide) {
		s.metrics.RecordPreload("cached")
		return true
	}
	s.metrics.RecordPreload("failed")
	return false
}

// SetPosition moves the window. Slides entering it are checked and cached
// asynchronously; nothing outside the window is fetched or evicted.
func (s *Scheduler) SetPosition(position int) {
	s.mu.Lock()
	s.position = position
	s.mu.Unlock()
	s.recompute()
}

// SetQuality changes the radius and recomputes the window.
func (s *Scheduler) SetQuality(q platform.Quality) {
	s.mu.Lock()
	s.quality = q
	s.mu.Unlock()
	s.recompute()
}

func (s *Scheduler) recompute() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	next := ComputeWindow(s.position, s.manifest.Last(), s.quality)
	entering := s.window.Entering(next)
	s.window = next
	var work []models.Slide
	for _, n := range entering {
		if _, busy := s.inflight[n]; busy {
			continue
		}
		slide, ok := s.manifest.Lookup(n)
		if !ok {
			continue
		}
		s.inflight[n] = struct{}{}
		work = append(work, slide)
	}
	s.wg.Add(len(work))
	s.mu.Unlock()

	for _, slide := range work {
		go s.fetchEntering(slide)
	}
}

func (s *Scheduler) fetchEntering(slide models.Slide) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, slide.SlideNumber)
		s.mu.Unlock()
	}()

	if s.cache.Has(s.ctx, s.presentationID, slide.SlideNumber) {
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.prefetcher.Prefetch(s.ctx, slide.ImageURL)
		}()
	}
	s.mu.Unlock()

	if s.cache.CacheSlide(s.ctx, s.presentationID, slide) {
		s.metrics.RecordPreload("cached")
		return
	}
	s.metrics.RecordPreload("failed")
}

// Window returns the current preload window.
func (s *Scheduler) Window() Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// Ready reports whether the initial window batch has completed.
func (s *Scheduler) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Wait blocks until background and position-driven work has drained.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels outstanding work and waits for it to stop.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
