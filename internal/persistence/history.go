package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const (
	// DefaultCommandStatus is recorded when AddCommand gets an empty status.
	DefaultCommandStatus = "executed"

	DefaultHistoryLimit       = 50
	DefaultSearchCommandLimit = 20
	DefaultHistoryRetention   = 30 // days
)

// CommandEntry is one executed voice command.
type CommandEntry struct {
	ID        int64         `json:"id"`
	Command   string        `json:"command"`
	Status    string        `json:"status"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Result    string        `json:"result"`
}

// CommandCount pairs a command with how often it was issued.
type CommandCount struct {
	Command string `json:"command"`
	Count   int64  `json:"count"`
}

const commandColumns = `id, command, status, duration_ms, timestamp, result`

// AddCommand appends a command to the history.
func (s *Store) AddCommand(ctx context.Context, command, status string, duration time.Duration, result string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return s.fail(ctx, "add_command", newError("add_command", KindInvalidArgument, errors.New("command is required")))
	}
	if status == "" {
		status = DefaultCommandStatus
	}
	if duration < 0 {
		duration = 0
	}
	_, err := s.exec(ctx, `
		INSERT INTO command_history (command, status, duration_ms, timestamp, result)
		VALUES (?, ?, ?, ?, ?);
	`, command, status, duration.Milliseconds(), s.nowMillis(), result)
	if err != nil {
		return s.fail(ctx, "add_command", err, "command", command)
	}
	return nil
}

// CommandHistory returns up to limit entries, newest first.
func (s *Store) CommandHistory(ctx context.Context, limit int) ([]CommandEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM command_history
		ORDER BY timestamp DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, s.fail(ctx, "command_history", err)
	}
	entries, err := collectCommands(rows)
	if err != nil {
		return nil, s.fail(ctx, "command_history", err)
	}
	return entries, nil
}

// SearchCommands returns up to limit entries whose command text contains
// keyword, newest first.
func (s *Store) SearchCommands(ctx context.Context, keyword string, limit int) ([]CommandEntry, error) {
	if limit <= 0 {
		limit = DefaultSearchCommandLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM command_history
		WHERE command LIKE ? ESCAPE '\'
		ORDER BY timestamp DESC, id DESC
		LIMIT ?;
	`, likePattern(keyword), limit)
	if err != nil {
		return nil, s.fail(ctx, "search_commands", err, "keyword", keyword)
	}
	entries, err := collectCommands(rows)
	if err != nil {
		return nil, s.fail(ctx, "search_commands", err, "keyword", keyword)
	}
	return entries, nil
}

// ClearOldHistory deletes entries recorded more than days ago and returns
// the number removed.
func (s *Store) ClearOldHistory(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, s.fail(ctx, "clear_old_history", newError("clear_old_history", KindInvalidArgument, errors.New("days must be >= 0")))
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	n, err := s.exec(ctx, `DELETE FROM command_history WHERE timestamp < ?;`, cutoff)
	if err != nil {
		return 0, s.fail(ctx, "clear_old_history", err, "days", days)
	}
	return n, nil
}

// MostUsedCommands ranks commands by how many times they were issued.
// Ties break alphabetically.
func (s *Store) MostUsedCommands(ctx context.Context, n int) ([]CommandCount, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT command, COUNT(*) AS uses FROM command_history
		GROUP BY command
		ORDER BY uses DESC, command ASC
		LIMIT ?;
	`, n)
	if err != nil {
		return nil, s.fail(ctx, "most_used_commands", err)
	}
	defer rows.Close()
	var out []CommandCount
	for rows.Next() {
		var c CommandCount
		if err := rows.Scan(&c.Command, &c.Count); err != nil {
			return nil, s.fail(ctx, "most_used_commands", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(ctx, "most_used_commands", err)
	}
	return out, nil
}

func collectCommands(rows *sql.Rows) ([]CommandEntry, error) {
	defer rows.Close()
	var out []CommandEntry
	for rows.Next() {
		var (
			e          CommandEntry
			durationMS int64
			ts         int64
		)
		if err := rows.Scan(&e.ID, &e.Command, &e.Status, &durationMS, &ts, &e.Result); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
