package cache

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/leafy/internal/bus"
	"github.com/basket/leafy/internal/persistence"
	"github.com/basket/leafy/internal/tasks"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, cfg Config) (*Cache, *persistence.Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "leafy.db"), persistence.Options{Clock: clock.Now})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cfg.Store = store
	return New(cfg), store, clock
}

func countingFetch(calls *atomic.Int32, result any) FetchFunc {
	return func(context.Context) (any, error) {
		calls.Add(1)
		return result, nil
	}
}

func TestHashQuery(t *testing.T) {
	base := HashQuery("python", "wikipedia")
	if len(base) != 64 {
		t.Fatalf("hash length = %d", len(base))
	}
	for _, variant := range []string{"PYTHON", "  python ", "\tPyThOn\n"} {
		if got := HashQuery(variant, "wikipedia"); got != base {
			t.Errorf("HashQuery(%q) = %s, want %s", variant, got, base)
		}
	}
	if HashQuery("python", "news") == base {
		t.Fatal("different types must not share a hash")
	}
	if HashQuery("python snake", "wikipedia") == base {
		t.Fatal("different queries must not share a hash")
	}
}

func TestCacheResult_GetCachedNormalizesQuery(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	ctx := context.Background()

	if err := c.CacheResult(ctx, "python", "Python is a language", "wikipedia", 3600); err != nil {
		t.Fatalf("CacheResult: %v", err)
	}
	got, ok := c.GetCached(ctx, "  PYTHON ", "wikipedia")
	if !ok || got != "Python is a language" {
		t.Fatalf("GetCached = %q, %v", got, ok)
	}
	if _, ok := c.GetCached(ctx, "python", "news"); ok {
		t.Fatal("lookup under another type should miss")
	}
}

func TestGetCached_ExpiresWithClock(t *testing.T) {
	c, store, clock := newTestCache(t, Config{})
	ctx := context.Background()

	if err := c.CacheResult(ctx, "headline", "rates unchanged", "news", 60); err != nil {
		t.Fatal(err)
	}
	clock.Advance(59 * time.Second)
	if _, ok := c.GetCached(ctx, "headline", "news"); !ok {
		t.Fatal("expected hit inside the ttl window")
	}
	clock.Advance(time.Second)
	if _, ok := c.GetCached(ctx, "headline", "news"); ok {
		t.Fatal("expected miss at expiry")
	}
	if _, err := store.CacheEntry(ctx, HashQuery("headline", "news")); err != nil {
		t.Fatalf("row should remain until swept: %v", err)
	}
	n, err := c.ClearExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ClearExpired = %d, %v", n, err)
	}
}

func TestCacheResult_EncodesValues(t *testing.T) {
	c, store, _ := newTestCache(t, Config{})
	ctx := context.Background()

	type article struct {
		Title string `json:"title"`
	}
	tests := []struct {
		name   string
		result any
		want   string
	}{
		{"string", "plain", "plain"},
		{"int", 42, "42"},
		{"float", 0.5, "0.5"},
		{"bool", true, "true"},
		{"map", map[string]int{"a": 1}, `{"a":1}`},
		{"slice", []string{"x", "y"}, `["x","y"]`},
		{"struct pointer", &article{Title: "t"}, `{"title":"t"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.CacheResult(ctx, tt.name, tt.result, "misc", 60); err != nil {
				t.Fatal(err)
			}
			entry, err := store.CacheEntry(ctx, HashQuery(tt.name, "misc"))
			if err != nil {
				t.Fatal(err)
			}
			if entry.Response != tt.want {
				t.Fatalf("stored %q, want %q", entry.Response, tt.want)
			}
		})
	}
}

func TestCacheResult_RejectsNilValues(t *testing.T) {
	c, store, _ := newTestCache(t, Config{})
	ctx := context.Background()

	type article struct{ Title string }
	var missing *article
	for name, result := range map[string]any{"untyped nil": nil, "nil pointer": missing} {
		if err := c.CacheResult(ctx, name, result, "misc", 60); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
		if _, err := store.CacheEntry(ctx, HashQuery(name, "misc")); !errors.Is(err, persistence.ErrNotFound) {
			t.Fatalf("%s: stored anyway (err=%v)", name, err)
		}
	}
}

func TestCacheResult_DefaultTTLFromPolicy(t *testing.T) {
	c, store, _ := newTestCache(t, Config{})
	ctx := context.Background()

	tests := []struct {
		queryType string
		want      int64
	}{
		{"wikipedia", DefaultKnowledgeTTL},
		{"calculation", DefaultCalculationTTL},
		{"news", DefaultNewsTTL},
		{"weather", DefaultTTL},
	}
	for _, tt := range tests {
		if err := c.CacheResult(ctx, "q", "r", tt.queryType, TTLDefault); err != nil {
			t.Fatal(err)
		}
		entry, err := store.CacheEntry(ctx, HashQuery("q", tt.queryType))
		if err != nil {
			t.Fatal(err)
		}
		if entry.TTLSeconds != tt.want {
			t.Errorf("%s ttl = %d, want %d", tt.queryType, entry.TTLSeconds, tt.want)
		}
	}

	c.SetPolicy(Policy{News: 120})
	if err := c.CacheResult(ctx, "q2", "r", "news", TTLDefault); err != nil {
		t.Fatal(err)
	}
	entry, _ := store.CacheEntry(ctx, HashQuery("q2", "news"))
	if entry.TTLSeconds != 120 {
		t.Fatalf("ttl after SetPolicy = %d", entry.TTLSeconds)
	}
}

func TestGetCachedOrFetch(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{
			name: "fetches once within the ttl window",
			fn: func(t *testing.T) {
				c, _, clock := newTestCache(t, Config{})
				var calls atomic.Int32
				fetch := countingFetch(&calls, "Paris")
				for i := 0; i < 3; i++ {
					got, ok := c.GetCachedOrFetch(ctx, "capital of france", "knowledge", fetch, 3600)
					if !ok || got != "Paris" {
						t.Fatalf("call %d = %v, %v", i, got, ok)
					}
					clock.Advance(time.Minute)
				}
				if calls.Load() != 1 {
					t.Fatalf("fetch called %d times", calls.Load())
				}
			},
		},
		{
			name: "refetches after expiry",
			fn: func(t *testing.T) {
				c, _, clock := newTestCache(t, Config{})
				var calls atomic.Int32
				fetch := countingFetch(&calls, "sunny")
				c.GetCachedOrFetch(ctx, "weather", "news", fetch, 60)
				clock.Advance(2 * time.Minute)
				c.GetCachedOrFetch(ctx, "weather", "news", fetch, 60)
				if calls.Load() != 2 {
					t.Fatalf("fetch called %d times", calls.Load())
				}
			},
		},
		{
			name: "structured hit decodes json",
			fn: func(t *testing.T) {
				c, _, _ := newTestCache(t, Config{})
				var calls atomic.Int32
				fetch := countingFetch(&calls, map[string]any{"answer": 42, "unit": "none"})
				c.GetCachedOrFetch(ctx, "meaning", "calculation", fetch, 3600)
				got, ok := c.GetCachedOrFetch(ctx, "meaning", "calculation", fetch, 3600)
				if !ok {
					t.Fatal("expected hit")
				}
				m, isMap := got.(map[string]any)
				if !isMap || m["answer"] != float64(42) || m["unit"] != "none" {
					t.Fatalf("decoded %#v", got)
				}
			},
		},
		{
			name: "fetch error is absent and not cached",
			fn: func(t *testing.T) {
				c, store, _ := newTestCache(t, Config{})
				got, ok := c.GetCachedOrFetch(ctx, "q", "news", func(context.Context) (any, error) {
					return nil, errors.New("upstream down")
				}, 60)
				if ok || got != nil {
					t.Fatalf("got %v, %v", got, ok)
				}
				st, _ := store.Stats(ctx)
				if st.CacheEntries != 0 {
					t.Fatalf("failure was cached: %+v", st)
				}
			},
		},
		{
			name: "fetch panic is absent",
			fn: func(t *testing.T) {
				c, _, _ := newTestCache(t, Config{})
				got, ok := c.GetCachedOrFetch(ctx, "q", "news", func(context.Context) (any, error) {
					panic("boom")
				}, 60)
				if ok || got != nil {
					t.Fatalf("got %v, %v", got, ok)
				}
			},
		},
		{
			name: "empty results are not cached",
			fn: func(t *testing.T) {
				c, _, _ := newTestCache(t, Config{})
				for _, empty := range []any{nil, "", []string{}, map[string]any{}} {
					var calls atomic.Int32
					fetch := countingFetch(&calls, empty)
					c.GetCachedOrFetch(ctx, "empty", "misc", fetch, 60)
					if _, ok := c.GetCachedOrFetch(ctx, "empty", "misc", fetch, 60); ok {
						t.Fatalf("empty result %#v reported ok", empty)
					}
					if calls.Load() != 2 {
						t.Fatalf("empty result %#v was cached", empty)
					}
				}
			},
		},
		{
			name: "storage failure still returns fetched value",
			fn: func(t *testing.T) {
				c, store, _ := newTestCache(t, Config{})
				_ = store.Close()
				var calls atomic.Int32
				got, ok := c.GetCachedOrFetch(ctx, "q", "news", countingFetch(&calls, "fresh"), 60)
				if !ok || got != "fresh" {
					t.Fatalf("got %v, %v", got, ok)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func TestGetCachedOrFetch_CollapsesConcurrentMisses(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "shared answer", nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan any, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _ := c.GetCachedOrFetch(ctx, "slow question", "knowledge", fetch, 3600)
			results <- v
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for v := range results {
		if v != "shared answer" {
			t.Fatalf("caller got %v", v)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("fetch ran %d times for concurrent misses", calls.Load())
	}
}

func TestGetCachedOrFetch_CanceledCallerDoesNotFailOthers(t *testing.T) {
	c, _, _ := newTestCache(t, Config{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	slowFetch := func(fctx context.Context) (any, error) {
		close(started)
		select {
		case <-release:
			return "Paris", nil
		case <-fctx.Done():
			return nil, fctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(ctx)
	firstDone := make(chan bool, 1)
	go func() {
		_, ok := c.GetCachedOrFetch(firstCtx, "capital of france", "knowledge", slowFetch, 3600)
		firstDone <- ok
	}()
	<-started

	var calls atomic.Int32
	type outcome struct {
		v  any
		ok bool
	}
	secondDone := make(chan outcome, 1)
	go func() {
		v, ok := c.GetCachedOrFetch(ctx, "capital of france", "knowledge", countingFetch(&calls, "other"), 3600)
		secondDone <- outcome{v, ok}
	}()

	cancelFirst()
	select {
	case ok := <-firstDone:
		if ok {
			t.Fatal("canceled caller should report no result")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canceled caller kept waiting")
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	select {
	case got := <-secondDone:
		if !got.ok || got.v != "Paris" {
			t.Fatalf("live caller got (%v, %v), want (Paris, true)", got.v, got.ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live caller never got a result")
	}
	if calls.Load() != 0 {
		t.Fatalf("second fetch ran %d times; the shared fetch should serve it", calls.Load())
	}
	if got, ok := c.GetCached(ctx, "capital of france", "knowledge"); !ok || got != "Paris" {
		t.Fatalf("shared result not cached: %q %v", got, ok)
	}
}

func TestGetCachedOrFetch_FetchTimeout(t *testing.T) {
	c, _, _ := newTestCache(t, Config{FetchTimeout: 20 * time.Millisecond})
	hung := func(fctx context.Context) (any, error) {
		<-fctx.Done()
		return nil, fctx.Err()
	}
	done := make(chan bool, 1)
	go func() {
		_, ok := c.GetCachedOrFetch(context.Background(), "stuck", "news", hung, 60)
		done <- ok
	}()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("timed out fetch should report no result")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch timeout not applied")
	}
}

func TestGetCachedOrFetchAsync(t *testing.T) {
	mgr := tasks.New(tasks.Config{Workers: 2})
	t.Cleanup(func() { _ = mgr.Close(5 * time.Second) })
	c, _, _ := newTestCache(t, Config{Tasks: mgr})
	ctx := context.Background()

	task, err := c.GetCachedOrFetchAsync(ctx, "2+2", "calculation", func(context.Context) (any, error) {
		return "4", nil
	}, TTLDefault)
	if err != nil {
		t.Fatalf("async: %v", err)
	}
	got, ok := task.Wait(5 * time.Second)
	if !ok || got != "4" {
		t.Fatalf("Wait = %v, %v", got, ok)
	}
	if cached, ok := c.GetCached(ctx, "2+2", "calculation"); !ok || cached != "4" {
		t.Fatalf("async result not cached: %q %v", cached, ok)
	}

	failing, err := c.GetCachedOrFetchAsync(ctx, "x", "news", func(context.Context) (any, error) {
		return nil, errors.New("nope")
	}, 60)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := failing.Wait(5 * time.Second); ok {
		t.Fatal("expected failed task")
	}
	if !errors.Is(failing.Err(), ErrNoResult) {
		t.Fatalf("err = %v", failing.Err())
	}

	bare, _, _ := newTestCache(t, Config{})
	if _, err := bare.GetCachedOrFetchAsync(ctx, "x", "news", nil, 60); !errors.Is(err, ErrNoTaskManager) {
		t.Fatalf("expected ErrNoTaskManager, got %v", err)
	}
}

func TestCacheEventsPublished(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sub := b.Subscribe("cache.")
	c, _, _ := newTestCache(t, Config{Bus: b})
	ctx := context.Background()

	c.GetCached(ctx, "q", "news")
	_ = c.CacheResult(ctx, "q", "v", "news", 60)
	c.GetCached(ctx, "q", "news")

	var topics []string
	timeout := time.After(2 * time.Second)
	for len(topics) < 3 {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
		case <-timeout:
			t.Fatalf("got topics %v", topics)
		}
	}
	want := []string{bus.TopicCacheMiss, bus.TopicCacheStore, bus.TopicCacheHit}
	if strings.Join(topics, ",") != strings.Join(want, ",") {
		t.Fatalf("topics = %v, want %v", topics, want)
	}
}

func TestPolicy(t *testing.T) {
	if got := Classify(" Wikipedia "); got != CategoryKnowledge {
		t.Fatalf("Classify = %s", got)
	}
	if got := Classify("weather"); got != CategoryDefault {
		t.Fatalf("Classify = %s", got)
	}
	p := Policy{Knowledge: 10}
	if p.TTL("wiki") != 10 {
		t.Fatal("explicit ttl ignored")
	}
	if p.TTL("news") != DefaultNewsTTL {
		t.Fatal("zero ttl should fall back to the default")
	}
}
