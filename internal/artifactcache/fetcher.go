package artifactcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haasonsaas/slidecast/internal/observability"
)

const defaultMaxArtifactBytes = 32 << 20

// Fetcher downloads artifact bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher downloads artifacts over HTTP.
type HTTPFetcher struct {
	Client   *http.Client
	MaxBytes int64
	Tracer   *observability.Tracer
	Metrics  *observability.Metrics

	// Observe, when set, receives the latency of every successful download.
	Observe func(time.Duration)
}

// NewHTTPFetcher creates a fetcher with a bounded per-request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		Client:   &http.Client{Timeout: timeout},
		MaxBytes: defaultMaxArtifactBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (data []byte, err error) {
	ctx, span := f.Tracer.Start(ctx, "fetch.artifact", "http.url", url)
	defer func() { observability.End(span, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch artifact: status %d", resp.StatusCode)
	}

	limit := f.MaxBytes
	if limit <= 0 {
		limit = defaultMaxArtifactBytes
	}
	data, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("artifact exceeds %d bytes", limit)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("artifact is empty")
	}

	elapsed := time.Since(start)
	f.Metrics.ObserveFetch(elapsed.Seconds())
	if f.Observe != nil {
		f.Observe(elapsed)
	}
	return data, nil
}
