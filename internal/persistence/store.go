// Package persistence is the storage engine: one sqlite file holding notes,
// command history, settings and the response cache. Every exported method is
// a single atomic statement against its own pooled connection; methods are
// never composed into a larger transaction.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/leafy/internal/telemetry"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "leafy-v1-2026-10-01-four-tables"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	defaultMaxOpenConns = 4
	busyRetries         = 5
)

// Options tunes a Store. The zero value is usable.
type Options struct {
	// Logger receives categorized failure records. Nil uses slog.Default().
	Logger *slog.Logger

	// Meter, when set, records storage failures by op and kind.
	Meter metric.Meter

	// Clock overrides wall-clock time for timestamps and cache freshness.
	Clock func() time.Time

	// MaxOpenConns caps the connection pool. Zero uses 4.
	MaxOpenConns int
}

// Store owns the sqlite database.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time

	errCounter metric.Int64Counter

	schemaMu sync.RWMutex
	schemas  map[string]*settingSchema
}

// DefaultDBPath returns ~/.leafy/leafy.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".leafy", "leafy.db")
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	maxConns := opts.MaxOpenConns
	if maxConns <= 0 {
		maxConns = defaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	store := &Store{
		db:      db,
		path:    path,
		logger:  telemetry.Category(opts.Logger, telemetry.CategoryDatabase),
		now:     opts.Clock,
		schemas: map[string]*settingSchema{},
	}
	if store.now == nil {
		store.now = time.Now
	}
	if opts.Meter != nil {
		counter, err := opts.Meter.Int64Counter("leafy.storage.errors",
			metric.WithDescription("Storage operations that returned an error"),
		)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create storage error counter: %w", err)
		}
		store.errCounter = counter
	}

	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// fail classifies err, logs it under the DATABASE category and returns the
// typed *Error handed to callers.
func (s *Store) fail(ctx context.Context, op string, err error, attrs ...any) error {
	kind := classify(err)
	args := append([]any{"op", op, "kind", string(kind), "error", err}, attrs...)
	s.logger.ErrorContext(ctx, "storage operation failed", args...)
	if s.errCounter != nil {
		s.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("kind", string(kind)),
		))
	}
	if se, ok := err.(*Error); ok {
		return se
	}
	return newError(op, kind, err)
}

// nowMillis is the store's clock in unix milliseconds, the unit of every
// timestamp column.
func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// exec runs one write statement with busy retries and returns rows affected.
func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for v%d: have %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS notes (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			title      TEXT NOT NULL UNIQUE,
			content    TEXT NOT NULL,
			tags       TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS command_history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			command     TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'executed',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			timestamp   INTEGER NOT NULL,
			result      TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			type       TEXT NOT NULL DEFAULT 'string'
			           CHECK (type IN ('string', 'int', 'float', 'bool', 'json')),
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS response_cache (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			query_hash  TEXT NOT NULL UNIQUE,
			query_type  TEXT NOT NULL,
			response    TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL DEFAULT 86400 CHECK (ttl_seconds >= 0)
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_notes_title ON notes(title);`,
		`CREATE INDEX IF NOT EXISTS idx_notes_updated ON notes(updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_command_history_timestamp ON command_history(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_cache_query_hash ON response_cache(query_hash);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	if maxVersion < schemaVersionLatest {
		s.logger.Info("schema migrated", "from", maxVersion, "to", schemaVersionLatest, "checksum", schemaChecksumLatest)
	}
	return nil
}

// Stats holds row counts per table.
type Stats struct {
	Notes        int64 `json:"notes"`
	Commands     int64 `json:"commands"`
	CacheEntries int64 `json:"cache_entries"`
	Settings     int64 `json:"settings"`
}

// Stats counts rows in all four tables in one statement.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM notes),
			(SELECT COUNT(*) FROM command_history),
			(SELECT COUNT(*) FROM response_cache),
			(SELECT COUNT(*) FROM settings);
	`).Scan(&st.Notes, &st.Commands, &st.CacheEntries, &st.Settings)
	if err != nil {
		return Stats{}, s.fail(ctx, "stats", err)
	}
	return st, nil
}
