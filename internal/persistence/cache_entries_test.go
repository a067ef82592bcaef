package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/leafy/internal/persistence"
)

func TestCacheResponse_FreshThenExpired(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()

	mustNil(t, store.CacheResponse(ctx, "h", "wikipedia", "Python is a language", 3600))

	got, err := store.CachedResponse(ctx, "h")
	mustNil(t, err)
	if got != "Python is a language" {
		t.Fatalf("got %q", got)
	}

	clock.Advance(2 * time.Hour)
	if _, err := store.CachedResponse(ctx, "h"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected expired entry to read as not found, got %v", err)
	}
	// The row stays until a sweep.
	if _, err := store.CacheEntry(ctx, "h"); err != nil {
		t.Fatalf("expected expired row to remain on disk: %v", err)
	}
}

func TestCache_ReadAndSweepAgreeAtClockEdge(t *testing.T) {
	tests := []struct {
		name      string
		advance   time.Duration
		wantFresh bool
	}{
		{"one millisecond before expiry", 60*time.Second - time.Millisecond, true},
		{"exactly at expiry", 60 * time.Second, false},
		{"after expiry", 61 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, clock := openTestStore(t)
			ctx := context.Background()
			mustNil(t, store.CacheResponse(ctx, "edge", "calc", "42", 60))
			clock.Advance(tt.advance)

			entry, err := store.CacheEntry(ctx, "edge")
			mustNil(t, err)
			if entry.FreshAt(clock.Now()) != tt.wantFresh {
				t.Fatalf("FreshAt = %v, want %v", !tt.wantFresh, tt.wantFresh)
			}

			_, readErr := store.CachedResponse(ctx, "edge")
			readFresh := readErr == nil

			removed, err := store.ClearExpiredCache(ctx)
			mustNil(t, err)
			sweptAsExpired := removed == 1

			if readFresh != tt.wantFresh {
				t.Fatalf("read path fresh = %v, want %v", readFresh, tt.wantFresh)
			}
			if sweptAsExpired == tt.wantFresh {
				t.Fatalf("sweep removed=%d disagrees with read path fresh=%v", removed, readFresh)
			}
		})
	}
}

func TestClearExpiredCache_LeavesFreshRows(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()

	mustNil(t, store.CacheResponse(ctx, "news", "news", "a", 60))
	mustNil(t, store.CacheResponse(ctx, "calc", "calculation", "b", 3600))
	mustNil(t, store.CacheResponse(ctx, "zero", "misc", "c", 0))
	clock.Advance(5 * time.Minute)

	removed, err := store.ClearExpiredCache(ctx)
	mustNil(t, err)
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if got, err := store.CachedResponse(ctx, "calc"); err != nil || got != "b" {
		t.Fatalf("fresh row disturbed: %q, %v", got, err)
	}
}

func TestCacheResponse_UpsertRestartsWindow(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()

	mustNil(t, store.CacheResponse(ctx, "h", "news", "old", 60))
	clock.Advance(50 * time.Second)
	mustNil(t, store.CacheResponse(ctx, "h", "news", "new", 60))
	clock.Advance(30 * time.Second)

	got, err := store.CachedResponse(ctx, "h")
	mustNil(t, err)
	if got != "new" {
		t.Fatalf("got %q", got)
	}
	st, err := store.Stats(ctx)
	mustNil(t, err)
	if st.CacheEntries != 1 {
		t.Fatalf("expected 1 cache row, got %d", st.CacheEntries)
	}
}

func TestCacheResponse_NegativeTTLUsesDefault(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustNil(t, store.CacheResponse(ctx, "h", "misc", "x", -1))
	entry, err := store.CacheEntry(ctx, "h")
	mustNil(t, err)
	if entry.TTLSeconds != persistence.DefaultCacheTTLSeconds {
		t.Fatalf("ttl = %d", entry.TTLSeconds)
	}
}

func TestClearAllCache(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustNil(t, store.CacheResponse(ctx, "a", "x", "1", 60))
	mustNil(t, store.CacheResponse(ctx, "b", "x", "2", 60))
	removed, err := store.ClearAllCache(ctx)
	mustNil(t, err)
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, err := store.CacheEntry(ctx, "a"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected not found after clear, got %v", err)
	}
}
