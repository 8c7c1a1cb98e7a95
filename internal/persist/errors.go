package persist

import (
	"errors"

	"github.com/AltynCore/keste/internal/workbook"
	"github.com/AltynCore/keste/pkg/database"
)

// ErrInvalidRequest marks a request rejected before the engine ran.
var ErrInvalidRequest = errors.New("invalid request")

// Error is what callers see: one message per failed operation. The cause
// stays reachable through errors.Is and errors.As.
type Error struct {
	Op  string // "write" or "read"
	Err error
}

func (e *Error) Error() string {
	return "SQLite " + e.Op + " error: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func writeError(err error) error {
	return &Error{Op: "write", Err: err}
}

func readError(err error) error {
	return &Error{Op: "read", Err: err}
}

// kind names the failure class of err for metrics labels.
func kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, workbook.ErrInvalidWorkbook):
		return "invalid"
	case errors.Is(err, database.ErrNotFound):
		return "not_found"
	case errors.Is(err, database.ErrFormat),
		errors.Is(err, workbook.ErrNotWorkbook),
		errors.Is(err, workbook.ErrNotXLSX),
		errors.Is(err, workbook.ErrUnsupportedVersion):
		return "format"
	case errors.Is(err, database.ErrExecution):
		return "execution"
	case errors.Is(err, database.ErrCommit):
		return "commit"
	case errors.Is(err, database.ErrStaging):
		return "staging"
	case errors.Is(err, database.ErrRead):
		return "read"
	default:
		return "error"
	}
}
