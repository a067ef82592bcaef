package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// DefaultCacheTTLSeconds applies when CacheResponse is given a negative TTL.
const DefaultCacheTTLSeconds = 86400

// CacheEntry is a stored response row, fresh or not.
type CacheEntry struct {
	QueryHash  string    `json:"query_hash"`
	QueryType  string    `json:"query_type"`
	Response   string    `json:"response"`
	CreatedAt  time.Time `json:"created_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

// ExpiresAt is the first instant at which the entry is no longer fresh.
func (e CacheEntry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// FreshAt reports whether the entry may be served at now. The entry is
// expired from ExpiresAt onward.
func (e CacheEntry) FreshAt(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}

// CacheResponse upserts the response under hash. A replace resets
// created_at, restarting the TTL window.
func (s *Store) CacheResponse(ctx context.Context, hash, queryType, response string, ttlSeconds int64) error {
	if hash == "" {
		return s.fail(ctx, "cache_response", newError("cache_response", KindInvalidArgument, errors.New("hash is required")))
	}
	if ttlSeconds < 0 {
		ttlSeconds = DefaultCacheTTLSeconds
	}
	_, err := s.exec(ctx, `
		INSERT INTO response_cache (query_hash, query_type, response, created_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(query_hash) DO UPDATE SET
			query_type = excluded.query_type,
			response = excluded.response,
			created_at = excluded.created_at,
			ttl_seconds = excluded.ttl_seconds;
	`, hash, queryType, response, s.nowMillis(), ttlSeconds)
	if err != nil {
		return s.fail(ctx, "cache_response", err, "hash", hash, "type", queryType)
	}
	return nil
}

// CachedResponse returns the payload stored under hash if it is still fresh.
// Missing and expired rows both report KindNotFound; expired rows stay on
// disk until ClearExpiredCache runs.
func (s *Store) CachedResponse(ctx context.Context, hash string) (string, error) {
	var response string
	err := s.db.QueryRowContext(ctx, `
		SELECT response FROM response_cache
		WHERE query_hash = ? AND created_at + ttl_seconds * 1000 > ?;
	`, hash, s.nowMillis()).Scan(&response)
	if errors.Is(err, sql.ErrNoRows) {
		return "", newError("cached_response", KindNotFound, err)
	}
	if err != nil {
		return "", s.fail(ctx, "cached_response", err, "hash", hash)
	}
	return response, nil
}

// CacheEntry returns the raw row for hash regardless of freshness.
func (s *Store) CacheEntry(ctx context.Context, hash string) (CacheEntry, error) {
	var (
		e       CacheEntry
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT query_hash, query_type, response, created_at, ttl_seconds
		FROM response_cache WHERE query_hash = ?;
	`, hash).Scan(&e.QueryHash, &e.QueryType, &e.Response, &created, &e.TTLSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, newError("cache_entry", KindNotFound, err)
	}
	if err != nil {
		return CacheEntry{}, s.fail(ctx, "cache_entry", err, "hash", hash)
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	return e, nil
}

// ClearExpiredCache deletes every row that is not fresh right now, using the
// same boundary as CachedResponse.
func (s *Store) ClearExpiredCache(ctx context.Context) (int64, error) {
	n, err := s.exec(ctx, `
		DELETE FROM response_cache
		WHERE created_at + ttl_seconds * 1000 <= ?;
	`, s.nowMillis())
	if err != nil {
		return 0, s.fail(ctx, "clear_expired_cache", err)
	}
	return n, nil
}

// ClearAllCache empties the response cache.
func (s *Store) ClearAllCache(ctx context.Context) (int64, error) {
	n, err := s.exec(ctx, `DELETE FROM response_cache;`)
	if err != nil {
		return 0, s.fail(ctx, "clear_all_cache", err)
	}
	return n, nil
}
