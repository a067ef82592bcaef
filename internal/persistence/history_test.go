package persistence_test

import (
	"context"
	"testing"
	"time"
)

func TestAddCommand_SearchFindsEntry(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustNil(t, store.AddCommand(ctx, "open browser", "", 1500*time.Millisecond, "ok"))
	mustNil(t, store.AddCommand(ctx, "what time is it", "", 0, ""))

	entries, err := store.SearchCommands(ctx, "browser", 0)
	mustNil(t, err)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Command != "open browser" || e.Status != "executed" || e.Result != "ok" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Duration != 1500*time.Millisecond {
		t.Fatalf("duration = %v", e.Duration)
	}
}

func TestCommandHistory_NewestFirst(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()

	for _, cmd := range []string{"one", "two", "three"} {
		mustNil(t, store.AddCommand(ctx, cmd, "executed", 0, ""))
		clock.Advance(time.Second)
	}
	// Same timestamp falls back to insertion order.
	mustNil(t, store.AddCommand(ctx, "four", "failed", 0, ""))
	mustNil(t, store.AddCommand(ctx, "five", "executed", 0, ""))

	entries, err := store.CommandHistory(ctx, 3)
	mustNil(t, err)
	got := []string{entries[0].Command, entries[1].Command, entries[2].Command}
	want := []string{"five", "four", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history = %v, want %v", got, want)
		}
	}
	if entries[1].Status != "failed" {
		t.Fatalf("status = %q", entries[1].Status)
	}
}

func TestClearOldHistory(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()

	mustNil(t, store.AddCommand(ctx, "ancient", "", 0, ""))
	clock.Advance(40 * 24 * time.Hour)
	mustNil(t, store.AddCommand(ctx, "recent", "", 0, ""))
	clock.Advance(24 * time.Hour)

	removed, err := store.ClearOldHistory(ctx, 30)
	mustNil(t, err)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	entries, err := store.CommandHistory(ctx, 10)
	mustNil(t, err)
	if len(entries) != 1 || entries[0].Command != "recent" {
		t.Fatalf("unexpected remaining history: %+v", entries)
	}

	if _, err := store.ClearOldHistory(ctx, -1); err == nil {
		t.Fatal("expected negative days to be rejected")
	}
}

func TestMostUsedCommands(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, cmd := range []string{"weather", "time", "weather", "news", "weather", "time"} {
		mustNil(t, store.AddCommand(ctx, cmd, "", 0, ""))
	}
	top, err := store.MostUsedCommands(ctx, 2)
	mustNil(t, err)
	if len(top) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(top))
	}
	if top[0].Command != "weather" || top[0].Count != 3 {
		t.Fatalf("top[0] = %+v", top[0])
	}
	if top[1].Command != "time" || top[1].Count != 2 {
		t.Fatalf("top[1] = %+v", top[1])
	}
}

func TestRunRetention(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()

	mustNil(t, store.AddCommand(ctx, "old", "", 0, ""))
	mustNil(t, store.CacheResponse(ctx, "short", "news", "x", 60))
	mustNil(t, store.CacheResponse(ctx, "long", "knowledge", "y", 604800))
	clock.Advance(10 * 24 * time.Hour)
	mustNil(t, store.AddCommand(ctx, "new", "", 0, ""))

	res, err := store.RunRetention(ctx, 7)
	mustNil(t, err)
	if res.PurgedCommands != 1 {
		t.Fatalf("purged commands = %d", res.PurgedCommands)
	}
	if res.PurgedCacheEntries != 2 {
		t.Fatalf("purged cache entries = %d", res.PurgedCacheEntries)
	}

	// Idempotent.
	res, err = store.RunRetention(ctx, 7)
	mustNil(t, err)
	if res.PurgedCommands != 0 || res.PurgedCacheEntries != 0 {
		t.Fatalf("second run purged %+v", res)
	}
}
