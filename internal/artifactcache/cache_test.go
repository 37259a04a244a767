package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/slidecast/internal/observability"
	"github.com/haasonsaas/slidecast/pkg/models"
)

type fakeFetcher struct {
	mu    sync.Mutex
	data  map[string][]byte
	fail  map[string]error
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		data:  make(map[string][]byte),
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if err, ok := f.fail[url]; ok {
		return nil, err
	}
	data, ok := f.data[url]
	if !ok {
		return nil, fmt.Errorf("404 %s", url)
	}
	return data, nil
}

type failingStore struct {
	*MemoryStore
	err error
}

func (s *failingStore) Put(ctx context.Context, entry *Entry) error { return s.err }

func (s *failingStore) Get(ctx context.Context, key Key) (*Entry, error) { return nil, s.err }

func (s *failingStore) Exists(ctx context.Context, key Key) (bool, error) { return false, s.err }

func (s *failingStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, s.err
}

func (s *failingStore) Stats(ctx context.Context) (Stats, error) { return Stats{}, s.err }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCache_PutGet(t *testing.T) {
	ctx := context.Background()
	cache := New(NewMemoryStore(), WithLogger(quietLogger()))

	if cache.Put(ctx, "p1", 0, []byte("x"), nil) {
		t.Error("slide 0 should be rejected")
	}
	if cache.Put(ctx, "p1", 1, nil, nil) {
		t.Error("empty image should be rejected")
	}

	if !cache.Put(ctx, "p1", 1, []byte("full"), nil) {
		t.Fatal("Put failed")
	}
	if data, ok := cache.Get(ctx, "p1", 1, true); !ok || string(data) != "full" {
		t.Errorf("thumbnail preference without thumbnail = %q, %v", data, ok)
	}

	cache.Put(ctx, "p1", 2, []byte("full2"), []byte("thumb2"))
	if data, _ := cache.Get(ctx, "p1", 2, true); string(data) != "thumb2" {
		t.Errorf("preferred thumbnail = %q", data)
	}
	if data, _ := cache.Get(ctx, "p1", 2, false); string(data) != "full2" {
		t.Errorf("full image = %q", data)
	}
	if _, ok := cache.Get(ctx, "p1", 3, false); ok {
		t.Error("missing slide reported present")
	}
	if !cache.Has(ctx, "p1", 2) || cache.Has(ctx, "p2", 2) {
		t.Error("Has mismatch")
	}
	if got := cache.SizeEstimate(ctx); got != int64(len("full")+len("full2")+len("thumb2")) {
		t.Errorf("SizeEstimate = %d", got)
	}
}

func TestCache_CacheSlide(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.data["https://cdn/1.png"] = []byte("one")
	fetcher.data["https://cdn/1t.png"] = []byte("one-thumb")
	fetcher.data["https://cdn/2.png"] = []byte("two")
	fetcher.fail["https://cdn/3.png"] = errors.New("connection reset")

	cache := New(NewMemoryStore(), WithFetcher(fetcher), WithLogger(quietLogger()))

	if !cache.CacheSlide(ctx, "p1", models.Slide{SlideNumber: 1, ImageURL: "https://cdn/1.png", ThumbnailURL: "https://cdn/1t.png"}) {
		t.Fatal("CacheSlide(1) failed")
	}
	if data, _ := cache.Get(ctx, "p1", 1, true); string(data) != "one-thumb" {
		t.Errorf("thumbnail = %q", data)
	}

	// Thumbnail download failure still caches the full image.
	if !cache.CacheSlide(ctx, "p1", models.Slide{SlideNumber: 2, ImageURL: "https://cdn/2.png", ThumbnailURL: "https://cdn/missing.png"}) {
		t.Fatal("CacheSlide(2) failed")
	}
	if data, _ := cache.Get(ctx, "p1", 2, true); string(data) != "two" {
		t.Errorf("slide 2 = %q", data)
	}

	// Image download failure writes nothing.
	if cache.CacheSlide(ctx, "p1", models.Slide{SlideNumber: 3, ImageURL: "https://cdn/3.png"}) {
		t.Error("CacheSlide(3) should fail")
	}
	if cache.Has(ctx, "p1", 3) {
		t.Error("failed fetch left an entry behind")
	}
	if cache.CacheSlide(ctx, "p1", models.Slide{SlideNumber: 4}) {
		t.Error("slide without url should not cache")
	}
}

func TestCache_Idempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := NewMemoryStore()
	fetcher := newFakeFetcher()
	fetcher.data["u"] = []byte("bytes")
	cache := New(store, WithFetcher(fetcher), WithClock(clock), WithLogger(quietLogger()))

	slide := models.Slide{SlideNumber: 1, ImageURL: "u"}
	cache.CacheSlide(ctx, "p1", slide)
	now = now.Add(time.Hour)
	cache.CacheSlide(ctx, "p1", slide)

	stats, _ := store.Stats(ctx)
	if stats.Entries != 1 {
		t.Errorf("entries = %d, want 1", stats.Entries)
	}
	entry, _ := store.Get(ctx, Key{"p1", 1})
	if !entry.CachedAt.Equal(now) {
		t.Errorf("CachedAt = %v, want refreshed to %v", entry.CachedAt, now)
	}
}

func TestCache_EvictOlderThan(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cache := New(store, WithClock(func() time.Time { return now }), WithMetrics(metrics), WithLogger(quietLogger()))

	_ = store.Put(ctx, &Entry{Key: Key{"p1", 1}, Image: []byte("a"), CachedAt: now.Add(-8 * 24 * time.Hour)})
	_ = store.Put(ctx, &Entry{Key: Key{"p1", 2}, Image: []byte("b"), CachedAt: now.Add(-7 * 24 * time.Hour)})
	_ = store.Put(ctx, &Entry{Key: Key{"p1", 3}, Image: []byte("c"), CachedAt: now.Add(-time.Hour)})

	if removed := cache.EvictOlderThan(ctx, DefaultRetention); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if !cache.Has(ctx, "p1", 2) || !cache.Has(ctx, "p1", 3) {
		t.Error("entries within retention were evicted")
	}
	if got := testutil.ToFloat64(metrics.CacheEvictions); got != 1 {
		t.Errorf("eviction metric = %v", got)
	}

	if removed := cache.ClearPresentation(ctx, "p1"); removed != 2 {
		t.Errorf("ClearPresentation removed %d", removed)
	}
}

func TestCache_SoftFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk gone")
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cache := New(&failingStore{MemoryStore: NewMemoryStore(), err: boom}, WithMetrics(metrics), WithLogger(quietLogger()))

	if cache.Put(ctx, "p1", 1, []byte("x"), nil) {
		t.Error("Put should report failure")
	}
	if _, ok := cache.Get(ctx, "p1", 1, false); ok {
		t.Error("Get should report absent")
	}
	if cache.Has(ctx, "p1", 1) {
		t.Error("Has should report absent")
	}
	if cache.EvictOlderThan(ctx, time.Hour) != 0 {
		t.Error("EvictOlderThan should report 0")
	}
	if cache.SizeEstimate(ctx) != 0 {
		t.Error("SizeEstimate should report 0")
	}
	if got := testutil.ToFloat64(metrics.CacheWrites.WithLabelValues("error")); got != 1 {
		t.Errorf("write error metric = %v", got)
	}
	if got := testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("miss")); got != 1 {
		t.Errorf("miss metric = %v", got)
	}
}

func TestCache_ConcurrentWritesSameKey(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	cache := New(store, WithLogger(quietLogger()))
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if !cache.Put(ctx, "p1", 1, []byte(fmt.Sprintf("v%d", i)), nil) {
				t.Errorf("Put %d failed", i)
			}
		}(i)
	}
	wg.Wait()

	stats, err := cache.Stats(ctx)
	if err != nil || stats.Entries != 1 {
		t.Errorf("stats = %+v, %v", stats, err)
	}
	cache.locksMu.Lock()
	defer cache.locksMu.Unlock()
	if len(cache.locks) != 0 {
		t.Errorf("key locks leaked: %d", len(cache.locks))
	}
}

func TestCache_Reference(t *testing.T) {
	cache := New(NewMemoryStore(), WithBaseURL("http://127.0.0.1:8089/"))
	if got := cache.Reference("deck 1", 4, false); got != "http://127.0.0.1:8089/artifacts/deck%201/4" {
		t.Errorf("Reference = %q", got)
	}
	if got := cache.Reference("p1", 4, true); got != "http://127.0.0.1:8089/artifacts/p1/4?thumb=1" {
		t.Errorf("thumbnail Reference = %q", got)
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			_, _ = w.Write([]byte("\x89PNG\r\n\x1a\npayload"))
		case "/big.png":
			_, _ = w.Write(make([]byte, 64))
		case "/empty.png":
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var observed []time.Duration
	fetcher := NewHTTPFetcher(time.Second)
	fetcher.MaxBytes = 32
	fetcher.Observe = func(d time.Duration) { observed = append(observed, d) }

	data, err := fetcher.Fetch(context.Background(), srv.URL+"/ok.png")
	if err != nil || len(data) == 0 {
		t.Fatalf("Fetch ok = %d bytes, %v", len(data), err)
	}
	if len(observed) != 1 {
		t.Errorf("observed %d latencies, want 1", len(observed))
	}

	for _, path := range []string{"/big.png", "/empty.png", "/missing.png"} {
		if _, err := fetcher.Fetch(context.Background(), srv.URL+path); err == nil {
			t.Errorf("Fetch %s should fail", path)
		}
	}
	if len(observed) != 1 {
		t.Errorf("failed fetches must not be observed, got %d", len(observed))
	}
}
