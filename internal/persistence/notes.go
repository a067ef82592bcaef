package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// DefaultNoteListLimit is used by ListNotes when limit <= 0.
const DefaultNoteListLimit = 50

// Note is a titled free-text note. Title is unique.
type Note struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      string    `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const noteColumns = `id, title, content, tags, created_at, updated_at`

// SaveNote inserts a note or replaces the content and tags of the note with
// the same title. created_at survives the replace.
func (s *Store) SaveNote(ctx context.Context, title, content, tags string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return s.fail(ctx, "save_note", newError("save_note", KindInvalidArgument, errors.New("title is required")))
	}
	now := s.nowMillis()
	_, err := s.exec(ctx, `
		INSERT INTO notes (title, content, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(title) DO UPDATE SET
			content = excluded.content,
			tags = excluded.tags,
			updated_at = excluded.updated_at;
	`, title, content, tags, now, now)
	if err != nil {
		return s.fail(ctx, "save_note", err, "title", title)
	}
	return nil
}

// GetNote returns the note with the given title, or an error of kind
// KindNotFound.
func (s *Store) GetNote(ctx context.Context, title string) (Note, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE title = ?;`, strings.TrimSpace(title))
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, newError("get_note", KindNotFound, err)
	}
	if err != nil {
		return Note{}, s.fail(ctx, "get_note", err, "title", title)
	}
	return n, nil
}

// SearchNotes matches keyword as a substring of title, content or tags,
// most recently updated first.
func (s *Store) SearchNotes(ctx context.Context, keyword string) ([]Note, error) {
	pattern := likePattern(keyword)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+noteColumns+` FROM notes
		WHERE title LIKE ? ESCAPE '\' OR content LIKE ? ESCAPE '\' OR tags LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC, id DESC;
	`, pattern, pattern, pattern)
	if err != nil {
		return nil, s.fail(ctx, "search_notes", err, "keyword", keyword)
	}
	notes, err := collectNotes(rows)
	if err != nil {
		return nil, s.fail(ctx, "search_notes", err, "keyword", keyword)
	}
	return notes, nil
}

// ListNotes returns up to limit notes, most recently updated first.
func (s *Store) ListNotes(ctx context.Context, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = DefaultNoteListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+noteColumns+` FROM notes
		ORDER BY updated_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, s.fail(ctx, "list_notes", err)
	}
	notes, err := collectNotes(rows)
	if err != nil {
		return nil, s.fail(ctx, "list_notes", err)
	}
	return notes, nil
}

// DeleteNote removes the note and reports whether one existed.
func (s *Store) DeleteNote(ctx context.Context, title string) (bool, error) {
	n, err := s.exec(ctx, `DELETE FROM notes WHERE title = ?;`, strings.TrimSpace(title))
	if err != nil {
		return false, s.fail(ctx, "delete_note", err, "title", title)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (Note, error) {
	var (
		n                Note
		created, updated int64
	)
	if err := row.Scan(&n.ID, &n.Title, &n.Content, &n.Tags, &created, &updated); err != nil {
		return Note{}, err
	}
	n.CreatedAt = time.UnixMilli(created).UTC()
	n.UpdatedAt = time.UnixMilli(updated).UTC()
	return n, nil
}

func collectNotes(rows *sql.Rows) ([]Note, error) {
	defer rows.Close()
	var out []Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// likePattern wraps keyword for a substring LIKE match, escaping the LIKE
// metacharacters so they match literally.
func likePattern(keyword string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(keyword) + "%"
}
