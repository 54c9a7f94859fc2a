package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	snap *Snapshot
	err  error
	hits int
}

func (f *fakeStore) LoadSnapshot(_ context.Context, userID string) (*Snapshot, error) {
	f.hits++
	if f.err != nil {
		return nil, f.err
	}
	s := *f.snap
	s.UserID = userID
	return &s, nil
}

func TestGetSnapshotDegradedWithoutCache(t *testing.T) {
	store := &fakeStore{snap: &Snapshot{Tier: TierPro, AccountType: "individual", UpdatedAt: time.Now()}}
	cache := New(nil, store, 0)

	snap, err := cache.GetSnapshot(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.Tier != TierPro {
		t.Errorf("tier = %s, want %s", snap.Tier, TierPro)
	}
	if snap.V != schemaVersion {
		t.Errorf("schema version = %d, want %d", snap.V, schemaVersion)
	}
	if store.hits != 1 {
		t.Errorf("facade hits = %d, want 1", store.hits)
	}
}

func TestGetSnapshotFacadeError(t *testing.T) {
	store := &fakeStore{err: errors.New("db unreachable")}
	cache := New(nil, store, 0)

	_, err := cache.GetSnapshot(context.Background(), "user-1")
	if err == nil {
		t.Fatal("expected error when facade fails")
	}
}

func TestInvalidateWithoutCacheIsNoop(t *testing.T) {
	cache := New(nil, &fakeStore{}, 0)

	if err := cache.Invalidate(context.Background(), "user-1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
}

func TestCacheKey(t *testing.T) {
	if got := cacheKey("abc"); got != "auth:snapshot:user:abc" {
		t.Errorf("cacheKey = %q", got)
	}
}
