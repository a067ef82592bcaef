package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/leafy/internal/shared"
)

// Log categories attached to records as the "category" attribute.
const (
	CategoryDatabase    = "DATABASE"
	CategoryCache       = "CACHE"
	CategoryAsync       = "ASYNC"
	CategoryMaintenance = "MAINTENANCE"
	CategoryConfig      = "CONFIG"
)

const redacted = "[REDACTED]"

// Sink is the open log file behind a logger built by NewLogger. Its level
// can be changed while the logger is in use.
type Sink struct {
	file  *os.File
	level *slog.LevelVar
}

// SetLevel applies a level name (debug, info, warn, error). Unknown names
// mean info.
func (s *Sink) SetLevel(level string) {
	s.level.Set(parseLevel(level))
}

// Level returns the active level.
func (s *Sink) Level() slog.Level {
	return s.level.Level()
}

func (s *Sink) Close() error {
	return s.file.Close()
}

// NewLogger writes JSON records to <homeDir>/logs/system.jsonl and, unless
// quiet, to stdout as well. Records logged with a context carry its
// trace_id and task_id.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, *Sink, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	sink := &Sink{file: file, level: new(slog.LevelVar)}
	sink.SetLevel(level)

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       sink.level,
		ReplaceAttr: replaceAttr,
	})
	logger := slog.New(contextHandler{handler}).With("component", "leafy")
	return logger, sink, nil
}

// Category returns logger tagged with the given category. A nil logger
// falls back to slog.Default().
func Category(logger *slog.Logger, category string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("category", category)
}

// contextHandler copies request-scoped ids from the context onto records.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
	if taskID := shared.TaskID(ctx); taskID != "" {
		r.AddAttrs(slog.String("task_id", taskID))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		if v, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, v)
		}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok && err != nil {
			if v, ok := redactStringValue(err.Error()); ok {
				return slog.String(a.Key, v)
			}
		}
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// redactStringValue hides whole values that look like auth headers and
// masks embedded keys in anything else, such as fetch URLs in errors.
func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return redacted, true
	}
	if out := shared.Redact(v); out != v {
		return out, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
