package rowstore

import (
	"context"
	"sync"

	"github.com/haasonsaas/slidecast/pkg/models"
)

// MemoryStore is an in-process Store for tests and offline runs.
type MemoryStore struct {
	mu            sync.Mutex
	presentations map[string]models.Presentation
	manifests     map[string]models.Manifest
	err           error
	snapshotCalls int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		presentations: make(map[string]models.Presentation),
		manifests:     make(map[string]models.Manifest),
	}
}

// Put stores a presentation and its slides.
func (s *MemoryStore) Put(p models.Presentation, slides []models.Slide) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presentations[p.ID] = p
	s.manifests[p.ID] = models.NewManifest(slides)
}

// SetSnapshot updates the live position of an existing presentation.
func (s *MemoryStore) SetSnapshot(presentationID string, snap models.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.presentations[presentationID]
	p.ID = presentationID
	p.CurrentSlideIndex = snap.CurrentSlideIndex
	p.IsLive = snap.IsLive
	s.presentations[presentationID] = p
}

// SetError makes every fetch fail with err until cleared with nil.
func (s *MemoryStore) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// SnapshotCalls reports how many snapshot fetches were served.
func (s *MemoryStore) SnapshotCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotCalls
}

func (s *MemoryStore) FetchSnapshot(ctx context.Context, presentationID string) (models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotCalls++
	if s.err != nil {
		return models.Snapshot{}, s.err
	}
	p, ok := s.presentations[presentationID]
	if !ok {
		return models.Snapshot{}, ErrNotFound
	}
	return p.Snapshot(), nil
}

func (s *MemoryStore) FetchPresentation(ctx context.Context, presentationID string) (*models.Presentation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.presentations[presentationID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.CurrentSlideIndex < 1 {
		p.CurrentSlideIndex = 1
	}
	return &p, nil
}

func (s *MemoryStore) FetchManifest(ctx context.Context, presentationID string) (models.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if _, ok := s.presentations[presentationID]; !ok {
		return nil, ErrNotFound
	}
	return append(models.Manifest(nil), s.manifests[presentationID]...), nil
}
