package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/slidecast/internal/observability"
	"github.com/haasonsaas/slidecast/pkg/models"
)

// DefaultRetention is how long an entry survives the startup sweep.
const DefaultRetention = 7 * 24 * time.Hour

// Cache is the soft-failing facade over a Store. No method returns an
// error: failures are logged and reported as absent or false.
type Cache struct {
	store   Store
	fetcher Fetcher
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	baseURL string
	verify  bool

	locksMu sync.Mutex
	locks   map[Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = metrics }
}

// WithFetcher sets the downloader used by CacheSlide.
func WithFetcher(fetcher Fetcher) Option {
	return func(c *Cache) { c.fetcher = fetcher }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithBaseURL sets the prefix of references returned by Reference, usually
// the address the Handler is served on.
func WithBaseURL(base string) Option {
	return func(c *Cache) { c.baseURL = strings.TrimRight(base, "/") }
}

// WithImageCheck makes CacheSlide refuse downloads that do not decode as
// PNG, JPEG, GIF, WebP, BMP or TIFF.
func WithImageCheck() Option {
	return func(c *Cache) { c.verify = true }
}

// New creates a cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:   store,
		fetcher: NewHTTPFetcher(0),
		logger:  slog.Default(),
		now:     time.Now,
		locks:   make(map[Key]*keyLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "artifactcache")
	return c
}

// Put stores image and optional thumbnail for a slide.
func (c *Cache) Put(ctx context.Context, presentationID string, slideNumber int, image, thumbnail []byte) bool {
	key := Key{PresentationID: presentationID, SlideNumber: slideNumber}
	if presentationID == "" || slideNumber < 1 || len(image) == 0 {
		c.logger.Warn("refusing invalid cache entry", "key", key.String(), "image_bytes", len(image))
		return false
	}

	unlock := c.lock(key)
	defer unlock()

	err := c.store.Put(ctx, &Entry{
		Key:       key,
		Image:     image,
		Thumbnail: thumbnail,
		CachedAt:  c.now(),
	})
	c.metrics.RecordCacheWrite(err)
	if err != nil {
		c.logger.Warn("cache write failed", "key", key.String(), "error", err)
		return false
	}
	return true
}

// CacheSlide downloads a slide and stores it. Bytes are fetched before the
// store is touched, so a failed download writes nothing. A failed thumbnail
// download still caches the full image.
func (c *Cache) CacheSlide(ctx context.Context, presentationID string, slide models.Slide) bool {
	if slide.ImageURL == "" {
		return false
	}
	image, err := c.fetcher.Fetch(ctx, slide.ImageURL)
	if err != nil {
		c.logger.Warn("artifact fetch failed",
			"presentation_id", presentationID,
			"slide", slide.SlideNumber,
			"error", err)
		return false
	}
	if c.verify {
		if _, err := checkImage(image); err != nil {
			c.logger.Warn("artifact rejected",
				"presentation_id", presentationID,
				"slide", slide.SlideNumber,
				"error", err)
			return false
		}
	}

	var thumbnail []byte
	if slide.ThumbnailURL != "" {
		thumbnail, err = c.fetcher.Fetch(ctx, slide.ThumbnailURL)
		if err == nil && c.verify {
			_, err = checkImage(thumbnail)
		}
		if err != nil {
			c.logger.Debug("thumbnail fetch failed",
				"presentation_id", presentationID,
				"slide", slide.SlideNumber,
				"error", err)
			thumbnail = nil
		}
	}
	return c.Put(ctx, presentationID, slide.SlideNumber, image, thumbnail)
}

// Get returns the thumbnail when one is cached and preferThumbnail is set,
// the full image otherwise.
func (c *Cache) Get(ctx context.Context, presentationID string, slideNumber int, preferThumbnail bool) ([]byte, bool) {
	key := Key{PresentationID: presentationID, SlideNumber: slideNumber}
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("cache read failed", "key", key.String(), "error", err)
		}
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}
	c.metrics.RecordCacheLookup(true)
	if preferThumbnail && len(entry.Thumbnail) > 0 {
		return entry.Thumbnail, true
	}
	return entry.Image, true
}

// Has reports whether a slide is cached.
func (c *Cache) Has(ctx context.Context, presentationID string, slideNumber int) bool {
	key := Key{PresentationID: presentationID, SlideNumber: slideNumber}
	ok, err := c.store.Exists(ctx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed", "key", key.String(), "error", err)
		return false
	}
	return ok
}

// EvictOlderThan removes entries cached strictly before now-maxAge and
// returns how many were removed.
func (c *Cache) EvictOlderThan(ctx context.Context, maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	removed, err := c.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		c.logger.Warn("cache eviction failed", "max_age", maxAge, "error", err)
		return 0
	}
	c.metrics.RecordEvictions(removed)
	if removed > 0 {
		c.logger.Info("evicted stale artifacts", "removed", removed, "max_age", maxAge)
	}
	return removed
}

// ClearPresentation removes every entry of a presentation.
func (c *Cache) ClearPresentation(ctx context.Context, presentationID string) int {
	removed, err := c.store.DeleteByPresentation(ctx, presentationID)
	if err != nil {
		c.logger.Warn("cache clear failed", "presentation_id", presentationID, "error", err)
		return 0
	}
	c.metrics.RecordEvictions(removed)
	return removed
}

// SizeEstimate returns the cached payload bytes, or 0 if unknown.
func (c *Cache) SizeEstimate(ctx context.Context) int64 {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		c.logger.Warn("cache size estimate failed", "error", err)
		return 0
	}
	return stats.Bytes
}

// Stats returns store statistics.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	return c.store.Stats(ctx)
}

// Reference returns the URL the Handler serves a cached slide on.
func (c *Cache) Reference(presentationID string, slideNumber int, thumbnail bool) string {
	ref := fmt.Sprintf("%s/artifacts/%s/%d", c.baseURL, url.PathEscape(presentationID), slideNumber)
	if thumbnail {
		ref += "?thumb=1"
	}
	return ref
}

// Close closes the store.
func (c *Cache) Close() error {
	return c.store.Close()
}

// lock serializes writers of one key.
func (c *Cache) lock(key Key) func() {
	c.locksMu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &keyLock{}
		c.locks[key] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, key)
		}
		c.locksMu.Unlock()
	}
}
