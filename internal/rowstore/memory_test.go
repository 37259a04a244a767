package rowstore

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/slidecast/pkg/models"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.FetchSnapshot(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store err = %v", err)
	}

	store.Put(models.Presentation{ID: "p1", CurrentSlideIndex: 2, IsLive: true}, []models.Slide{
		{SlideNumber: 2, ImageURL: "b"},
		{SlideNumber: 1, ImageURL: "a"},
	})
	store.SetSnapshot("p1", models.Snapshot{CurrentSlideIndex: 5, IsLive: true})

	snap, err := store.FetchSnapshot(ctx, "p1")
	if err != nil || snap.CurrentSlideIndex != 5 {
		t.Errorf("snapshot = %+v, %v", snap, err)
	}
	m, err := store.FetchManifest(ctx, "p1")
	if err != nil || len(m) != 2 || m[0].SlideNumber != 1 {
		t.Errorf("manifest = %+v, %v", m, err)
	}

	boom := errors.New("boom")
	store.SetError(boom)
	if _, err := store.FetchPresentation(ctx, "p1"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	store.SetError(nil)
	if store.SnapshotCalls() != 2 {
		t.Errorf("SnapshotCalls = %d, want 2", store.SnapshotCalls())
	}
}
