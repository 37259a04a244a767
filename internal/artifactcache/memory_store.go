package artifactcache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]*Entry)}
}

func (s *MemoryStore) Put(ctx context.Context, entry *Entry) error {
	stored := cloneEntry(entry)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[entry.Key]; ok && existing.CachedAt.After(stored.CachedAt) {
		stored.CachedAt = existing.CachedAt
	}
	s.entries[entry.Key] = stored
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (s *MemoryStore) Exists(ctx context.Context, key Key) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok, nil
}

func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if entry.CachedAt.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) DeleteByPresentation(ctx context.Context, presentationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.entries {
		if key.PresentationID == presentationID {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats Stats
	presentations := make(map[string]struct{})
	for key, entry := range s.entries {
		stats.Entries++
		stats.Bytes += entry.Size()
		presentations[key.PresentationID] = struct{}{}
		if stats.Oldest.IsZero() || entry.CachedAt.Before(stats.Oldest) {
			stats.Oldest = entry.CachedAt
		}
	}
	stats.Presentations = len(presentations)
	return stats, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneEntry(entry *Entry) *Entry {
	clone := *entry
	clone.Image = append([]byte(nil), entry.Image...)
	if entry.Thumbnail != nil {
		clone.Thumbnail = append([]byte(nil), entry.Thumbnail...)
	}
	return &clone
}
