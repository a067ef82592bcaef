package persistence

import (
	"database/sql"
	"errors"
	"os"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// ErrorKind classifies storage failures so callers can branch on cause
// without parsing driver messages.
type ErrorKind string

const (
	// KindNotFound means the addressed row or file does not exist.
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindInvalidArgument means the caller passed something unusable
	// (empty key, malformed JSON, unknown setting kind).
	KindInvalidArgument ErrorKind = "INVALID_ARGUMENT"

	// KindConstraint means sqlite rejected a write on a constraint.
	KindConstraint ErrorKind = "CONSTRAINT_VIOLATION"

	// KindBusy means the database stayed locked past the retry budget.
	KindBusy ErrorKind = "BUSY"

	// KindDecode means a stored value could not be coerced back to its kind.
	KindDecode ErrorKind = "DECODE_FAILURE"

	// KindIOFailure is the default for driver, disk and schema errors.
	KindIOFailure ErrorKind = "IO_FAILURE"
)

// Sentinels for errors.Is. A *Error matches the sentinel of its Kind.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConstraint      = errors.New("constraint violation")
	ErrBusy            = errors.New("database busy")
	ErrDecode          = errors.New("decode failure")
	ErrIOFailure       = errors.New("io failure")
)

var kindSentinels = map[ErrorKind]error{
	KindNotFound:        ErrNotFound,
	KindInvalidArgument: ErrInvalidArgument,
	KindConstraint:      ErrConstraint,
	KindBusy:            ErrBusy,
	KindDecode:          ErrDecode,
	KindIOFailure:       ErrIOFailure,
}

// Error is returned by every Store method that fails.
type Error struct {
	Op   string    // store operation, e.g. "save_note"
	Kind ErrorKind // failure class
	Err  error     // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(strings.ToLower(string(e.Kind)))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf returns the ErrorKind carried by err, or "" when err is nil or
// did not come from this package.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func newError(op string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// classify maps a raw driver/os error onto an ErrorKind.
func classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if k := KindOf(err); k != "" {
		return k
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, os.ErrNotExist) {
		return KindNotFound
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrConstraint:
			return KindConstraint
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return KindBusy
		}
	}
	return KindIOFailure
}

// isSQLiteBusy reports whether err carries the driver's BUSY or LOCKED code.
// Only the typed error counts; message text is not inspected.
func isSQLiteBusy(err error) bool {
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
}
