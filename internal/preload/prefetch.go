package preload

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Prefetcher warms lower-level HTTP caches for an artifact URL.
type Prefetcher interface {
	Prefetch(ctx context.Context, url string)
}

// HTTPPrefetcher issues a GET and discards the body. Failures are logged at
// debug level only.
type HTTPPrefetcher struct {
	Client *http.Client
	Logger *slog.Logger
}

// NewHTTPPrefetcher creates a prefetcher with the given request timeout.
func NewHTTPPrefetcher(timeout time.Duration, logger *slog.Logger) *HTTPPrefetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPPrefetcher{Client: &http.Client{Timeout: timeout}, Logger: logger}
}

func (p *HTTPPrefetcher) Prefetch(ctx context.Context, url string) {
	// Object-store URLs have no HTTP cache to warm.
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.Logger.Debug("prefetch skipped", "url", url, "error", err)
		return
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		p.Logger.Debug("prefetch failed", "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
}

type noopPrefetcher struct{}

func (noopPrefetcher) Prefetch(context.Context, string) {}
