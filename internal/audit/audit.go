// Package audit appends a JSONL trail of destructive data operations such
// as restores, cache clears and deletions to <home>/logs/audit.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/leafy/internal/shared"
)

// Outcomes recorded with each entry.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

type Entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

// Log is an append-only audit file. A nil *Log drops records.
type Log struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

// Open creates <homeDir>/logs/audit.jsonl if needed and opens it for append.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, now: time.Now}, nil
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Record appends one entry. err selects the outcome and, when non-nil,
// becomes the detail. Secrets are redacted from subject and detail.
func (l *Log) Record(action, subject, detail string, err error) {
	if l == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFailed
		detail = err.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	b, mErr := json.Marshal(Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Subject:   shared.Redact(subject),
		Outcome:   outcome,
		Detail:    shared.Redact(detail),
	})
	if mErr == nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}
