package database

import (
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Error kinds. Match with errors.Is.
var (
	// ErrStaging: the staging file could not be prepared, created or
	// cleaned up.
	ErrStaging = errors.New("staging failed")
	// ErrExecution: the dump did not apply in full. Nothing was committed.
	ErrExecution = errors.New("sql execution failed")
	// ErrCommit: the populated staging file could not be renamed onto the
	// destination. The destination is unchanged.
	ErrCommit = errors.New("commit failed")
	// ErrFormat: the source file is not a SQLite database.
	ErrFormat = errors.New("invalid database format")
	// ErrNotFound: the source file does not exist.
	ErrNotFound = errors.New("database file not found")
	// ErrRead: introspection failed partway through a dump.
	ErrRead = errors.New("dump read failed")
)

type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op + " " + e.Path + ": "
	if e.Err == nil {
		return msg + e.Kind.Error()
	}
	return msg + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// sqliteCode returns the primary SQLite result code carried by err, or 0.
func sqliteCode(err error) int {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() & 0xff
	}
	return 0
}

func isFormatCode(err error) bool {
	switch sqliteCode(err) {
	case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
		return true
	}
	return false
}
