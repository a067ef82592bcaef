package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/leafy/internal/otel"
	"github.com/basket/leafy/internal/tasks"
)

// FetchFunc produces a fresh result on a cache miss. It may return a string
// or any JSON-encodable value.
type FetchFunc func(ctx context.Context) (any, error)

var (
	// ErrNoResult is the failure of an async get-or-fetch that produced
	// nothing.
	ErrNoResult = errors.New("no result available")

	// ErrNoTaskManager is returned by GetCachedOrFetchAsync when the cache
	// was built without a task manager.
	ErrNoTaskManager = errors.New("cache has no task manager")

	errEmptyResult = errors.New("fetch returned an empty result")
)

// GetCachedOrFetch returns the cached value for (query, queryType) or calls
// fetch on a miss and caches a non-empty result with ttl. Stored JSON comes
// back decoded; other text comes back as a string.
//
// Concurrent misses for the same key share a single fetch. The shared fetch
// runs detached from the caller that started it, bounded by the cache's
// fetch timeout, so a caller that gives up does not fail the others. A
// fetch that errors, panics or returns an empty value is logged, never
// cached, and yields ok=false: callers cannot tell "no result" from "not
// yet cached".
func (c *Cache) GetCachedOrFetch(ctx context.Context, query, queryType string, fetch FetchFunc, ttl int64) (any, bool) {
	if text, ok := c.GetCached(ctx, query, queryType); ok {
		return decodeResult(text), true
	}

	hash := HashQuery(query, queryType)
	ch := c.flights.DoChan(hash, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		// A flight that finished just before this one may have stored it.
		if text, ok := c.GetCached(flightCtx, query, queryType); ok {
			return decodeResult(text), nil
		}
		result, err := c.fetch(flightCtx, query, queryType, fetch)
		if err != nil {
			return nil, err
		}
		if err := c.CacheResult(flightCtx, query, result, queryType, ttl); err != nil {
			// The fetched value is still good; only persistence failed.
			c.logger.WarnContext(flightCtx, "serving uncached result", "query_type", queryType, "query", preview(query))
		}
		return result, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false
		}
		if res.Shared {
			c.logger.DebugContext(ctx, "fetch shared with concurrent caller", "query_type", queryType, "query", preview(query))
		}
		return res.Val, true
	case <-ctx.Done():
		c.logger.InfoContext(ctx, "caller left before fetch finished", "query_type", queryType, "query", preview(query), "error", ctx.Err())
		return nil, false
	}
}

func (c *Cache) fetch(ctx context.Context, query, queryType string, fetch FetchFunc) (result any, err error) {
	ctx, span := otel.StartClientSpan(ctx, c.tracer, "cache.fetch",
		otel.AttrQueryType.String(queryType),
	)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("fetch panicked: %v", r)
		}
		if err == nil && isEmpty(result) {
			result, err = nil, errEmptyResult
		}
		if err != nil {
			span.RecordError(err)
			c.logger.ErrorContext(ctx, "fetch failed", "query_type", queryType, "query", preview(query), "error", err)
		}
		if c.metrics != nil {
			attrs := metric.WithAttributes(
				attribute.String("query_type", queryType),
				attribute.Bool("ok", err == nil),
			)
			c.metrics.FetchDuration.Record(ctx, time.Since(start).Seconds(), attrs)
			if err != nil {
				c.metrics.FetchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("query_type", queryType)))
			}
		}
		span.End()
	}()

	if fetch == nil {
		return nil, errors.New("nil fetch function")
	}
	return fetch(ctx)
}

// GetCachedOrFetchAsync runs GetCachedOrFetch on the task manager so the
// caller is not blocked by a slow fetch. The task completes with the value,
// or fails with ErrNoResult.
func (c *Cache) GetCachedOrFetchAsync(ctx context.Context, query, queryType string, fetch FetchFunc, ttl int64) (*tasks.Task, error) {
	if c.tasks == nil {
		return nil, ErrNoTaskManager
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.tasks.Go(func(taskCtx context.Context, _ ...any) (any, error) {
		// The task's own context carries its id; the caller's ctx may end
		// before the worker picks this up.
		v, ok := c.GetCachedOrFetch(taskCtx, query, queryType, fetch, ttl)
		if !ok {
			return nil, fmt.Errorf("%s %q: %w", queryType, preview(query), ErrNoResult)
		}
		return v, nil
	})
}
