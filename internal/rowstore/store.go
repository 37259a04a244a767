// Package rowstore reads presentation and slide rows from the hosted
// database, either through its REST gateway or directly over Postgres.
package rowstore

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/slidecast/pkg/models"
)

// ErrNotFound is returned when the presentation row does not exist.
var ErrNotFound = errors.New("presentation not found")

// Store is a point-query view of the presentation tables.
type Store interface {
	// FetchSnapshot reads only the live position of a presentation.
	FetchSnapshot(ctx context.Context, presentationID string) (models.Snapshot, error)
	// FetchPresentation reads the full presentation row.
	FetchPresentation(ctx context.Context, presentationID string) (*models.Presentation, error)
	// FetchManifest reads the slides of a presentation in order.
	FetchManifest(ctx context.Context, presentationID string) (models.Manifest, error)
}

// PoolConfig configures the SQL connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPoolConfig returns pool settings sized for a single viewer.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}
