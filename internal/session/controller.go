// Package session runs one viewing session: it keeps the live position in
// sync, preloads slide artifacts around it, counts viewers and resolves the
// artifact to display for the current slide.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/slidecast/internal/artifactcache"
	"github.com/haasonsaas/slidecast/internal/connection"
	"github.com/haasonsaas/slidecast/internal/observability"
	"github.com/haasonsaas/slidecast/internal/platform"
	"github.com/haasonsaas/slidecast/internal/preload"
	"github.com/haasonsaas/slidecast/internal/presence"
	"github.com/haasonsaas/slidecast/internal/realtime"
	"github.com/haasonsaas/slidecast/internal/rowstore"
	"github.com/haasonsaas/slidecast/pkg/models"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("session closed")

// Config tunes the session components.
type Config struct {
	Connection connection.Config
	Preload    preload.Config
	// Retention is the artifact age evicted by the start-up sweep.
	Retention time.Duration
	Role      presence.Role
	// InitialQuality is used when no quality source is wired.
	InitialQuality  platform.Quality
	DisablePresence bool
}

// Signals carries foreground and network quality changes.
type Signals interface {
	platform.VisibilitySource
	platform.QualitySource
}

// Deps are the collaborators of a session.
type Deps struct {
	Realtime   realtime.Client
	Rows       rowstore.Store
	Cache      *artifactcache.Cache
	Prefetcher preload.Prefetcher
	Signals    Signals
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// SlideChange is published whenever the live position is updated.
type SlideChange struct {
	PresentationID string
	Slide          int
	IsLive         bool
	Seq            uint64
	Source         connection.Source
}

// Terminal reports a session-ending fault: connection.ErrPresentationEnded
// or rowstore.ErrNotFound.
type Terminal struct {
	PresentationID string
	Err            error
}

// Controller owns the components of the active presentation. Starting a
// different presentation tears the previous one down first.
type Controller struct {
	config Config
	deps   Deps
	logger *slog.Logger

	sweep    sync.Once
	slides   *platform.Broadcaster[SlideChange]
	states   *platform.Broadcaster[models.ConnectionState]
	terminal *platform.Broadcaster[Terminal]

	// switching serializes Start, SwitchPresentation and Close.
	switching sync.Mutex

	mu     sync.RWMutex
	active *run
	closed bool
}

// NewController creates an idle controller.
func NewController(config Config, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if config.Role == "" {
		config.Role = presence.RoleViewer
	}
	if config.InitialQuality == "" {
		config.InitialQuality = platform.QualityUnknown
	}
	return &Controller{
		config:   config,
		deps:     deps,
		logger:   deps.Logger.With("component", "session"),
		slides:   platform.NewBroadcaster[SlideChange](),
		states:   platform.NewBroadcaster[models.ConnectionState](),
		terminal: platform.NewBroadcaster[Terminal](),
	}
}

// Start begins a session for presentationID. Starting the presentation that
// is already active is a no-op; any other id replaces the active one.
// rowstore.ErrNotFound is returned, and published as Terminal, when the
// presentation does not exist.
func (c *Controller) Start(ctx context.Context, presentationID string) error {
	return c.activate(ctx, presentationID, false)
}

// SwitchPresentation tears the active presentation down and starts
// presentationID, even if it is the same one.
func (c *Controller) SwitchPresentation(ctx context.Context, presentationID string) error {
	return c.activate(ctx, presentationID, true)
}

func (c *Controller) activate(ctx context.Context, presentationID string, replace bool) error {
	c.switching.Lock()
	defer c.switching.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.active
	if old != nil && old.id == presentationID && !replace {
		c.mu.Unlock()
		return nil
	}
	c.active = nil
	c.mu.Unlock()

	if old != nil {
		old.close()
		c.logger.Info("session stopped", "presentation_id", old.id)
	}

	c.sweep.Do(func() {
		if c.deps.Cache == nil {
			return
		}
		sweeper := artifactcache.NewSweeper(c.deps.Cache, c.config.Retention, c.deps.Logger)
		sweeper.SweepOnce(ctx)
	})

	r, err := c.open(ctx, presentationID)
	if err != nil {
		if errors.Is(err, rowstore.ErrNotFound) {
			c.terminal.Publish(Terminal{PresentationID: presentationID, Err: err})
		}
		return err
	}

	c.mu.Lock()
	c.active = r
	c.mu.Unlock()

	go c.pump(r)
	c.logger.Info("session started",
		"presentation_id", presentationID,
		"slides", len(r.manifest),
		"slide", r.presentation.Snapshot().CurrentSlideIndex)
	return nil
}

func (c *Controller) open(ctx context.Context, presentationID string) (*run, error) {
	// The session outlives the request that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	managerOpts := []connection.Option{
		connection.WithConfig(c.config.Connection),
		connection.WithLogger(c.deps.Logger),
		connection.WithMetrics(c.deps.Metrics),
	}
	if c.deps.Signals != nil {
		managerOpts = append(managerOpts, connection.WithVisibility(c.deps.Signals))
	}
	manager := connection.NewManager(presentationID, c.deps.Realtime, c.deps.Rows, managerOpts...)
	presentation, err := manager.Start(runCtx)
	if err != nil {
		cancel()
		_ = manager.Close()
		return nil, err
	}

	manifest, err := c.deps.Rows.FetchManifest(ctx, presentationID)
	if err != nil {
		cancel()
		_ = manager.Close()
		return nil, fmt.Errorf("fetch manifest %s: %w", presentationID, err)
	}

	quality := c.config.InitialQuality
	if c.deps.Signals != nil {
		quality = c.deps.Signals.CurrentQuality()
	}
	var cache preload.ArtifactCache = noCache{}
	if c.deps.Cache != nil {
		cache = c.deps.Cache
	}
	scheduler := preload.New(presentationID, manifest, cache,
		preload.WithConfig(c.config.Preload),
		preload.WithPrefetcher(c.deps.Prefetcher),
		preload.WithQuality(quality),
		preload.WithLogger(c.deps.Logger),
		preload.WithMetrics(c.deps.Metrics),
	)

	r := &run{
		id:           presentationID,
		presentation: presentation,
		manifest:     manifest,
		manager:      manager,
		scheduler:    scheduler,
		ctx:          runCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
		revoked:      make(map[int]struct{}),
	}
	if !c.config.DisablePresence && c.deps.Realtime != nil {
		r.tracker = presence.NewTracker(presentationID, c.deps.Realtime, c.config.Role,
			presence.WithLogger(c.deps.Logger),
			presence.WithMetrics(c.deps.Metrics),
		)
		r.tracker.Start(runCtx)
	}
	return r, nil
}

// pump forwards connection events to the scheduler and to subscribers.
func (c *Controller) pump(r *run) {
	defer close(r.done)

	updates, cancelUpdates := r.manager.Updates()
	defer cancelUpdates()
	states, cancelStates := r.manager.StateChanges()
	defer cancelStates()
	var qualities <-chan platform.Quality
	if c.deps.Signals != nil {
		ch, cancel := c.deps.Signals.SubscribeQuality()
		defer cancel()
		qualities = ch
	}

	var lastSeq uint64
	publish := func(u connection.Update) {
		if u.Seq <= lastSeq {
			return
		}
		lastSeq = u.Seq
		c.slides.Publish(SlideChange{
			PresentationID: r.id,
			Slide:          u.Snapshot.CurrentSlideIndex,
			IsLive:         u.Snapshot.IsLive,
			Seq:            u.Seq,
			Source:         u.Source,
		})
	}

	initial, _ := r.manager.Latest()
	publish(initial)
	c.states.Publish(r.manager.State())
	r.scheduler.Start(initial.Snapshot.CurrentSlideIndex)

	for {
		select {
		case <-r.ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			r.scheduler.SetPosition(u.Snapshot.CurrentSlideIndex)
			publish(u)
		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			c.states.Publish(s)
		case q, ok := <-qualities:
			if !ok {
				qualities = nil
				continue
			}
			r.scheduler.SetQuality(q)
		case <-r.manager.Done():
			if u, ok := r.manager.Latest(); ok {
				publish(u)
			}
			if err := r.manager.Err(); err != nil {
				c.logger.Info("session ended", "presentation_id", r.id, "reason", err)
				c.terminal.Publish(Terminal{PresentationID: r.id, Err: err})
			}
			// Nothing is fetched for a presentation that is over.
			r.cancel()
			r.scheduler.Close()
			if r.tracker != nil {
				_ = r.tracker.Close()
			}
			return
		}
	}
}

func (c *Controller) current() *run {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// PresentationID returns the active presentation, or "".
func (c *Controller) PresentationID() string {
	if r := c.current(); r != nil {
		return r.id
	}
	return ""
}

// Presentation returns the row fetched when the session started.
func (c *Controller) Presentation() *models.Presentation {
	if r := c.current(); r != nil {
		return r.presentation
	}
	return nil
}

// Manifest returns the slide list of the active presentation.
func (c *Controller) Manifest() models.Manifest {
	if r := c.current(); r != nil {
		return r.manifest
	}
	return nil
}

// CurrentSlide returns the live slide number, or 0 with no active session.
func (c *Controller) CurrentSlide() int {
	r := c.current()
	if r == nil {
		return 0
	}
	u, ok := r.manager.Latest()
	if !ok {
		return 0
	}
	return u.Snapshot.CurrentSlideIndex
}

// IsLive reports whether the active presentation is live.
func (c *Controller) IsLive() bool {
	r := c.current()
	if r == nil {
		return false
	}
	u, _ := r.manager.Latest()
	return u.Snapshot.IsLive
}

// CurrentArtifactURL returns the URL to display for the current slide.
func (c *Controller) CurrentArtifactURL(ctx context.Context) string {
	return c.ArtifactURL(ctx, c.CurrentSlide(), false)
}

// ArtifactURL prefers the cached artifact reference of a slide and falls
// back to its remote URL. A reference reported through ArtifactFailed is
// never offered again. It returns "" for slides not in the manifest.
func (c *Controller) ArtifactURL(ctx context.Context, slideNumber int, thumbnail bool) string {
	r := c.current()
	if r == nil {
		return ""
	}
	slide, ok := r.manifest.Lookup(slideNumber)
	if !ok {
		return ""
	}
	thumbnail = thumbnail && slide.ThumbnailURL != ""
	remote := slide.ImageURL
	if thumbnail {
		remote = slide.ThumbnailURL
	}
	if c.deps.Cache == nil || r.isRevoked(slideNumber) {
		return remote
	}
	if !c.deps.Cache.Has(ctx, r.id, slideNumber) {
		return remote
	}
	return c.deps.Cache.Reference(r.id, slideNumber, thumbnail)
}

// ArtifactFailed records that a cached reference could not be loaded and
// returns the remote URL to retry with. It returns false when ref is not a
// cached reference of the active presentation.
func (c *Controller) ArtifactFailed(ref string) (string, bool) {
	r := c.current()
	if r == nil || c.deps.Cache == nil {
		return "", false
	}
	for _, slide := range r.manifest {
		if ref == c.deps.Cache.Reference(r.id, slide.SlideNumber, false) {
			r.revoke(slide.SlideNumber)
			c.logger.Warn("cached artifact failed to load, using remote",
				"presentation_id", r.id, "slide", slide.SlideNumber)
			return slide.ImageURL, true
		}
		if slide.ThumbnailURL != "" && ref == c.deps.Cache.Reference(r.id, slide.SlideNumber, true) {
			r.revoke(slide.SlideNumber)
			c.logger.Warn("cached thumbnail failed to load, using remote",
				"presentation_id", r.id, "slide", slide.SlideNumber)
			return slide.ThumbnailURL, true
		}
	}
	return "", false
}

// ConnectionState returns the connectivity indicator of the active
// presentation.
func (c *Controller) ConnectionState() models.ConnectionState {
	r := c.current()
	if r == nil {
		return models.ConnectionDisconnected
	}
	return r.manager.State()
}

// ViewerCount returns the last observed number of viewers.
func (c *Controller) ViewerCount() int {
	r := c.current()
	if r == nil || r.tracker == nil {
		return 0
	}
	return r.tracker.Count()
}

// Ready reports whether the slides around the starting position are cached.
func (c *Controller) Ready() bool {
	r := c.current()
	return r != nil && r.scheduler.Ready()
}

// Window returns the current preload window.
func (c *Controller) Window() preload.Window {
	r := c.current()
	if r == nil {
		return preload.Window{First: 1, Last: 0}
	}
	return r.scheduler.Window()
}

// Err returns the terminal error of the active presentation, if any.
func (c *Controller) Err() error {
	r := c.current()
	if r == nil {
		return nil
	}
	return r.manager.Err()
}

// Done is closed when the active presentation's connection has torn down.
// It returns nil with no active session.
func (c *Controller) Done() <-chan struct{} {
	r := c.current()
	if r == nil {
		return nil
	}
	return r.manager.Done()
}

// SlideChanges subscribes to live position updates.
func (c *Controller) SlideChanges() (<-chan SlideChange, func()) {
	return c.slides.Subscribe()
}

// StateChanges subscribes to connectivity changes.
func (c *Controller) StateChanges() (<-chan models.ConnectionState, func()) {
	return c.states.Subscribe()
}

// Terminals subscribes to session-ending faults.
func (c *Controller) Terminals() (<-chan Terminal, func()) {
	return c.terminal.Subscribe()
}

// Close tears the active presentation down. The cache is left open; it
// belongs to the caller.
func (c *Controller) Close() error {
	c.switching.Lock()
	defer c.switching.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	r := c.active
	c.active = nil
	c.mu.Unlock()

	if r != nil {
		r.close()
	}
	c.slides.Close()
	c.states.Close()
	c.terminal.Close()
	return nil
}

// run is the component set of one presentation.
type run struct {
	id           string
	presentation *models.Presentation
	manifest     models.Manifest
	manager      *connection.Manager
	scheduler    *preload.Scheduler
	tracker      *presence.Tracker

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	revoked map[int]struct{}
}

func (r *run) revoke(slide int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[slide] = struct{}{}
}

func (r *run) isRevoked(slide int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.revoked[slide]
	return ok
}

func (r *run) close() {
	r.cancel()
	<-r.done
	r.scheduler.Close()
	if r.tracker != nil {
		_ = r.tracker.Close()
	}
	_ = r.manager.Close()
}

// noCache backs the scheduler when no artifact cache is configured.
type noCache struct{}

func (noCache) Has(context.Context, string, int) bool { return false }

func (noCache) CacheSlide(context.Context, string, models.Slide) bool { return false }
