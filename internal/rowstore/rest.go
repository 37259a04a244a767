package rowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/slidecast/internal/observability"
	"github.com/haasonsaas/slidecast/pkg/models"
)

const (
	presentationColumns = "id,title,current_slide_index,is_live,slide_count,updated_at"
	snapshotColumns     = "current_slide_index,is_live"
	slideColumns        = "slide_number,image_url,thumbnail_url"
	maxErrorBody        = 512
)

// RESTConfig configures a RESTStore.
type RESTConfig struct {
	// BaseURL is the project URL; /rest/v1 is appended.
	BaseURL string
	APIKey  string
	Timeout time.Duration

	HTTPClient *http.Client
	Tracer     *observability.Tracer
}

// RESTStore reads rows through a PostgREST gateway.
type RESTStore struct {
	base   string
	apiKey string
	client *http.Client
	tracer *observability.Tracer
}

// NewRESTStore creates a REST-backed store.
func NewRESTStore(config RESTConfig) (*RESTStore, error) {
	base := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	client := config.HTTPClient
	if client == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &RESTStore{
		base:   base + "/rest/v1",
		apiKey: config.APIKey,
		client: client,
		tracer: config.Tracer,
	}, nil
}

func (s *RESTStore) FetchSnapshot(ctx context.Context, presentationID string) (snap models.Snapshot, err error) {
	ctx, span := s.tracer.TraceFetch(ctx, "snapshot", presentationID)
	defer func() { observability.End(span, err) }()

	var rows []models.Snapshot
	if err = s.get(ctx, "presentations", url.Values{
		"id":     {"eq." + presentationID},
		"select": {snapshotColumns},
	}, &rows); err != nil {
		return models.Snapshot{}, err
	}
	if len(rows) == 0 {
		return models.Snapshot{}, ErrNotFound
	}
	return rows[0].Normalize(), nil
}

func (s *RESTStore) FetchPresentation(ctx context.Context, presentationID string) (p *models.Presentation, err error) {
	ctx, span := s.tracer.TraceFetch(ctx, "presentation", presentationID)
	defer func() { observability.End(span, err) }()

	var rows []models.Presentation
	if err = s.get(ctx, "presentations", url.Values{
		"id":     {"eq." + presentationID},
		"select": {presentationColumns},
	}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	p = &rows[0]
	if p.CurrentSlideIndex < 1 {
		p.CurrentSlideIndex = 1
	}
	return p, nil
}

func (s *RESTStore) FetchManifest(ctx context.Context, presentationID string) (m models.Manifest, err error) {
	ctx, span := s.tracer.TraceFetch(ctx, "manifest", presentationID)
	defer func() { observability.End(span, err) }()

	var rows []models.Slide
	if err = s.get(ctx, "slides", url.Values{
		"presentation_id": {"eq." + presentationID},
		"select":          {slideColumns},
		"order":           {"slide_number.asc"},
	}, &rows); err != nil {
		return nil, err
	}
	return models.NewManifest(rows), nil
}

func (s *RESTStore) get(ctx context.Context, table string, query url.Values, out any) error {
	endpoint := s.base + "/" + table + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("fetch %s: status %d: %s", table, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", table, err)
	}
	return nil
}
