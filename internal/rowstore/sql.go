package rowstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/slidecast/internal/observability"
	"github.com/haasonsaas/slidecast/pkg/models"
)

// SQLStore reads rows directly from Postgres.
type SQLStore struct {
	db     *sql.DB
	tracer *observability.Tracer
}

// NewSQLStoreFromDSN opens a Postgres connection pool and pings it.
func NewSQLStoreFromDSN(dsn string, config *PoolConfig, tracer *observability.Tracer) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPoolConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &SQLStore{db: db, tracer: tracer}, nil
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, tracer *observability.Tracer) *SQLStore {
	return &SQLStore{db: db, tracer: tracer}
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) FetchSnapshot(ctx context.Context, presentationID string) (snap models.Snapshot, err error) {
	ctx, span := s.tracer.TraceFetch(ctx, "snapshot", presentationID)
	defer func() { observability.End(span, err) }()

	row := s.db.QueryRowContext(ctx, `
		SELECT current_slide_index, is_live
		FROM presentations WHERE id = $1
	`, presentationID)
	if err = row.Scan(&snap.CurrentSlideIndex, &snap.IsLive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Snapshot{}, ErrNotFound
		}
		return models.Snapshot{}, fmt.Errorf("fetch snapshot: %w", err)
	}
	return snap.Normalize(), nil
}

func (s *SQLStore) FetchPresentation(ctx context.Context, presentationID string) (p *models.Presentation, err error) {
	ctx, span := s.tracer.TraceFetch(ctx, "presentation", presentationID)
	defer func() { observability.End(span, err) }()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, current_slide_index, is_live, slide_count, updated_at
		FROM presentations WHERE id = $1
	`, presentationID)

	var presentation models.Presentation
	var title sql.NullString
	if err = row.Scan(
		&presentation.ID,
		&title,
		&presentation.CurrentSlideIndex,
		&presentation.IsLive,
		&presentation.SlideCount,
		&presentation.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch presentation: %w", err)
	}
	presentation.Title = title.String
	if presentation.CurrentSlideIndex < 1 {
		presentation.CurrentSlideIndex = 1
	}
	return &presentation, nil
}

func (s *SQLStore) FetchManifest(ctx context.Context, presentationID string) (m models.Manifest, err error) {
	ctx, span := s.tracer.TraceFetch(ctx, "manifest", presentationID)
	defer func() { observability.End(span, err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT slide_number, image_url, thumbnail_url
		FROM slides WHERE presentation_id = $1
		ORDER BY slide_number ASC
	`, presentationID)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer rows.Close()

	var slides []models.Slide
	for rows.Next() {
		var slide models.Slide
		var thumb sql.NullString
		if err = rows.Scan(&slide.SlideNumber, &slide.ImageURL, &thumb); err != nil {
			return nil, fmt.Errorf("scan slide: %w", err)
		}
		slide.ThumbnailURL = thumb.String
		slides = append(slides, slide)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slides: %w", err)
	}
	return models.NewManifest(slides), nil
}
