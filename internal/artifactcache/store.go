// Package artifactcache keeps rendered slide images on local storage so that
// slide transitions render without a network round trip.
package artifactcache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by stores when no entry exists for a key.
var ErrNotFound = errors.New("artifact not cached")

// Key identifies one cached slide.
type Key struct {
	PresentationID string
	SlideNumber    int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.PresentationID, k.SlideNumber)
}

// Entry is a cached slide. A nil Thumbnail means none was cached.
type Entry struct {
	Key
	Image     []byte
	Thumbnail []byte
	CachedAt  time.Time
}

// Size returns the payload bytes held by the entry.
func (e *Entry) Size() int64 {
	return int64(len(e.Image) + len(e.Thumbnail))
}

// Stats summarizes store contents.
type Stats struct {
	Entries       int
	Presentations int
	Bytes         int64
	Oldest        time.Time
}

// Store persists cache entries. Put replaces the payload of an existing
// key and keeps the later of the two CachedAt values.
type Store interface {
	Put(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, key Key) (*Entry, error)
	Exists(ctx context.Context, key Key) (bool, error)
	// DeleteOlderThan removes entries cached strictly before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	DeleteByPresentation(ctx context.Context, presentationID string) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
