package artifactcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists entries in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path. An empty
// path or ":memory:" keeps the cache in memory.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection shares the in-memory database and serializes writers.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// newSQLiteStoreWithDB wraps an open handle without running migrations.
func newSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) init(ctx context.Context) error {
	statements := []string{
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS slide_artifacts (
			presentation_id TEXT NOT NULL,
			slide_number INTEGER NOT NULL,
			image BLOB NOT NULL,
			thumbnail BLOB,
			cached_at INTEGER NOT NULL,
			PRIMARY KEY (presentation_id, slide_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_slide_artifacts_presentation ON slide_artifacts(presentation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_slide_artifacts_cached_at ON slide_artifacts(cached_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize cache schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, entry *Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var thumb any
	if entry.Thumbnail != nil {
		thumb = entry.Thumbnail
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO slide_artifacts (presentation_id, slide_number, image, thumbnail, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (presentation_id, slide_number) DO UPDATE SET
			image = excluded.image,
			thumbnail = excluded.thumbnail,
			cached_at = MAX(slide_artifacts.cached_at, excluded.cached_at)
	`, entry.PresentationID, entry.SlideNumber, entry.Image, thumb, entry.CachedAt.UnixNano()); err != nil {
		return fmt.Errorf("upsert artifact %s: %w", entry.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit artifact %s: %w", entry.Key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT image, thumbnail, cached_at
		FROM slide_artifacts WHERE presentation_id = ? AND slide_number = ?
	`, key.PresentationID, key.SlideNumber)

	entry := &Entry{Key: key}
	var cachedAt int64
	if err := row.Scan(&entry.Image, &entry.Thumbnail, &cachedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get artifact %s: %w", key, err)
	}
	entry.CachedAt = time.Unix(0, cachedAt)
	return entry, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key Key) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM slide_artifacts WHERE presentation_id = ? AND slide_number = ?
	`, key.PresentationID, key.SlideNumber).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check artifact %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM slide_artifacts WHERE cached_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("evict artifacts: %w", err)
	}
	return rowsAffected(res), nil
}

func (s *SQLiteStore) DeleteByPresentation(ctx context.Context, presentationID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM slide_artifacts WHERE presentation_id = ?`, presentationID)
	if err != nil {
		return 0, fmt.Errorf("clear presentation %s: %w", presentationID, err)
	}
	return rowsAffected(res), nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT presentation_id),
			COALESCE(SUM(LENGTH(image) + COALESCE(LENGTH(thumbnail), 0)), 0),
			MIN(cached_at)
		FROM slide_artifacts
	`).Scan(&stats.Entries, &stats.Presentations, &stats.Bytes, &oldest)
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	if oldest.Valid {
		stats.Oldest = time.Unix(0, oldest.Int64)
	}
	return stats, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func rowsAffected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
