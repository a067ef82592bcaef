// Package cache is the response cache: content-addressed query results with
// per-category TTLs, stored in the persistence layer's cache table.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/basket/leafy/internal/bus"
	"github.com/basket/leafy/internal/otel"
	"github.com/basket/leafy/internal/persistence"
	"github.com/basket/leafy/internal/tasks"
	"github.com/basket/leafy/internal/telemetry"
)

// Store is the slice of the storage engine the cache needs.
type Store interface {
	CacheResponse(ctx context.Context, hash, queryType, response string, ttlSeconds int64) error
	CachedResponse(ctx context.Context, hash string) (string, error)
	ClearExpiredCache(ctx context.Context) (int64, error)
	ClearAllCache(ctx context.Context) (int64, error)
}

// DefaultFetchTimeout bounds a shared fetch when Config.FetchTimeout is unset.
const DefaultFetchTimeout = 30 * time.Second

// Config wires a Cache. Store is required; the rest is optional.
type Config struct {
	Store        Store
	Policy       Policy
	FetchTimeout time.Duration

	Tasks   *tasks.Manager
	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Cache layers hashing, TTL policy and get-or-fetch over a Store.
type Cache struct {
	store   Store
	policy  atomic.Pointer[Policy]
	tasks   *tasks.Manager
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer

	fetchTimeout time.Duration
	flights      singleflight.Group
}

// New builds a Cache. A zero Policy uses DefaultPolicy.
func New(cfg Config) *Cache {
	c := &Cache{
		store:   cfg.Store,
		tasks:   cfg.Tasks,
		logger:  telemetry.Category(cfg.Logger, telemetry.CategoryCache),
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,

		fetchTimeout: cfg.FetchTimeout,
	}
	if c.fetchTimeout <= 0 {
		c.fetchTimeout = DefaultFetchTimeout
	}
	if c.tracer == nil {
		c.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	policy := cfg.Policy
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}
	c.policy.Store(&policy)
	return c
}

// SetPolicy swaps the TTL policy; used on config reload.
func (c *Cache) SetPolicy(p Policy) {
	c.policy.Store(&p)
	c.logger.Info("cache ttl policy updated",
		"knowledge", p.Knowledge, "calculation", p.Calculation, "news", p.News, "default", p.Default)
}

// Policy returns the active TTL policy.
func (c *Cache) Policy() Policy {
	return *c.policy.Load()
}

func (c *Cache) resolveTTL(queryType string, ttl int64) int64 {
	if ttl == TTLDefault {
		return c.Policy().TTL(queryType)
	}
	return ttl
}

// CacheResult stores result for (query, queryType). Maps, slices, arrays and
// structs are JSON-encoded; other values are stored as their fmt.Sprint
// text. ttl of TTLDefault uses the policy.
func (c *Cache) CacheResult(ctx context.Context, query string, result any, queryType string, ttl int64) error {
	text, err := encodeResult(result)
	if err != nil {
		c.logger.ErrorContext(ctx, "cache encode failed", "query_type", queryType, "query", preview(query), "error", err)
		return err
	}
	hash := HashQuery(query, queryType)
	ttl = c.resolveTTL(queryType, ttl)
	if err := c.store.CacheResponse(ctx, hash, queryType, text, ttl); err != nil {
		c.logger.ErrorContext(ctx, "cache store failed", "query_type", queryType, "query", preview(query), "error", err)
		return err
	}
	c.logger.InfoContext(ctx, "cached response", "query_type", queryType, "query", preview(query), "ttl_seconds", ttl)
	c.bus.Publish(bus.TopicCacheStore, bus.CacheEvent{QueryHash: hash, QueryType: queryType})
	return nil
}

// GetCached returns the fresh stored text for (query, queryType). Misses,
// expired entries and storage failures all report ok=false.
func (c *Cache) GetCached(ctx context.Context, query, queryType string) (string, bool) {
	hash := HashQuery(query, queryType)
	ctx, span := otel.StartSpan(ctx, c.tracer, "cache.get",
		otel.AttrQueryType.String(queryType),
		otel.AttrQueryHash.String(hash),
	)
	defer span.End()

	text, err := c.store.CachedResponse(ctx, hash)
	hit := err == nil
	span.SetAttributes(otel.AttrCacheHit.Bool(hit))

	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		c.logger.ErrorContext(ctx, "cache lookup failed", "query_type", queryType, "query", preview(query), "error", err)
	}
	c.record(ctx, hit, hash, queryType, query)
	return text, hit
}

func (c *Cache) record(ctx context.Context, hit bool, hash, queryType, query string) {
	ev := bus.CacheEvent{QueryHash: hash, QueryType: queryType}
	typeAttr := metric.WithAttributes(attribute.String("query_type", queryType))
	if hit {
		c.logger.InfoContext(ctx, "cache hit", "query_type", queryType, "query", preview(query))
		c.bus.Publish(bus.TopicCacheHit, ev)
		if c.metrics != nil {
			c.metrics.CacheHits.Add(ctx, 1, typeAttr)
		}
		return
	}
	c.logger.DebugContext(ctx, "cache miss", "query_type", queryType, "query", preview(query))
	c.bus.Publish(bus.TopicCacheMiss, ev)
	if c.metrics != nil {
		c.metrics.CacheMisses.Add(ctx, 1, typeAttr)
	}
}

// ClearExpired removes entries that are no longer fresh.
func (c *Cache) ClearExpired(ctx context.Context) (int64, error) {
	n, err := c.store.ClearExpiredCache(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "clear expired cache failed", "error", err)
		return 0, err
	}
	if n > 0 {
		c.logger.InfoContext(ctx, "cleared expired cache entries", "count", n)
	}
	return n, nil
}

// ClearAll removes every entry.
func (c *Cache) ClearAll(ctx context.Context) (int64, error) {
	n, err := c.store.ClearAllCache(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "clear cache failed", "error", err)
		return 0, err
	}
	c.logger.InfoContext(ctx, "cleared all cache entries", "count", n)
	return n, nil
}

func encodeResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "", errors.New("nil result")
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}
	rv := reflect.ValueOf(result)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Pointer {
		return "", errors.New("nil pointer result")
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		b, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("encode result: %w", err)
		}
		return string(b), nil
	}
	return fmt.Sprint(rv.Interface()), nil
}

// decodeResult parses stored JSON, falling back to the raw text.
func decodeResult(text string) any {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return text
	}
	return v
}

// isEmpty reports whether a fetch result carries nothing worth caching.
func isEmpty(result any) bool {
	if result == nil {
		return true
	}
	rv := reflect.ValueOf(result)
	switch rv.Kind() {
	case reflect.String, reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func preview(query string) string {
	const limit = 50
	r := []rune(query)
	if len(r) <= limit {
		return query
	}
	return string(r[:limit])
}
