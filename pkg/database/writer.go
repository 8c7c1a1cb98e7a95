package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/AltynCore/keste/pkg/atomicfile"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteSidecars are the files SQLite may create next to a database. A hot
// journal left by a crashed attempt would be rolled back into a fresh staging
// database, so they are cleared along with the staging file.
var sqliteSidecars = []string{"-journal", "-wal", "-shm"}

type WriterOptions struct {
	// Suffix names the staging file: <out_path><Suffix>. Defaults to ".tmp".
	Suffix string

	// KeepFailedStaging leaves a fully populated staging file in place when
	// the final rename fails, for inspection. Staging files from failed
	// executions are always removed.
	KeepFailedStaging bool

	// DenyAttach sets the attached-database limit to zero while the dump
	// runs, so ATTACH and VACUUM INTO cannot reach files other than the
	// staging database.
	DenyAttach bool

	Logger *slog.Logger
}

// Writer materializes SQL dumps into new database files.
type Writer struct {
	opts   WriterOptions
	logger *slog.Logger
}

func NewWriter(opts WriterOptions) *Writer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Writer{opts: opts, logger: logger}
}

// WriteDump writes dump to outPath with default options.
func WriteDump(ctx context.Context, dump, outPath string) (int64, error) {
	return NewWriter(WriterOptions{}).Write(ctx, dump, outPath)
}

// StagingPath returns the staging file used while writing outPath.
func (w *Writer) StagingPath(outPath string) string {
	return atomicfile.StagingPath(outPath, w.opts.Suffix)
}

// Write executes dump against a brand-new database built next to outPath and
// renames it into place. On success outPath holds exactly the result of the
// dump and the returned count is its size in bytes. On failure outPath is
// left as it was.
//
// ctx is only consulted before any file is touched: once population starts
// the write runs to completion or fails.
func (w *Writer) Write(ctx context.Context, dump, outPath string) (n int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, newError(ErrStaging, "write", outPath, err)
	}
	ctx = context.WithoutCancel(ctx)

	staged, err := atomicfile.Stage(outPath, atomicfile.Options{
		Suffix:   w.opts.Suffix,
		Sidecars: sqliteSidecars,
	})
	if err != nil {
		return 0, newError(ErrStaging, "stage", outPath, err)
	}

	keep := false
	defer func() {
		if err == nil || keep {
			return
		}
		if derr := staged.Discard(); derr != nil {
			w.logger.Warn("failed to discard staging file", "path", staged.Path(), "error", derr)
		}
	}()

	if err := populate(ctx, staged.Path(), dump, w.opts.DenyAttach); err != nil {
		return 0, err
	}

	size, err := staged.Size()
	if err != nil {
		return 0, newError(ErrStaging, "stat", staged.Path(), err)
	}

	if err := staged.Commit(); err != nil {
		keep = w.opts.KeepFailedStaging
		return 0, newError(ErrCommit, "commit", outPath, err)
	}

	w.logger.Debug("dump written", "path", outPath, "bytes", size)
	return size, nil
}

// populate creates a new database at path, applies dump as one batch and
// closes the handle on every exit path.
func populate(ctx context.Context, path, dump string, denyAttach bool) (err error) {
	db, err := sql.Open("sqlite", fileURI(path, "rwc"))
	if err != nil {
		return newError(ErrStaging, "create", path, err)
	}
	db.SetMaxOpenConns(1)

	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = newError(ErrStaging, "close", path, cerr)
		}
	}()

	conn, err := db.Conn(ctx)
	if err != nil {
		return newError(ErrStaging, "create", path, err)
	}
	defer conn.Close()

	if err := conn.PingContext(ctx); err != nil {
		return newError(ErrStaging, "create", path, err)
	}

	if denyAttach {
		if _, err := sqlite.Limit(conn, sqlite3.SQLITE_LIMIT_ATTACHED, 0); err != nil {
			return newError(ErrStaging, "limit", path, err)
		}
	}

	if strings.TrimSpace(dump) == "" {
		return nil
	}

	if _, err := conn.ExecContext(ctx, dump); err != nil {
		return newError(ErrExecution, "execute", path, err)
	}

	return nil
}

// fileURI builds a SQLite file: URI. The path is cleaned first so a leading
// "//" is never read as a URI authority, and characters with meaning inside
// a URI are percent-encoded.
func fileURI(path, mode string) string {
	path = filepath.ToSlash(filepath.Clean(path))
	r := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")
	if strings.HasPrefix(path, "/") {
		return fmt.Sprintf("file://%s?mode=%s", r.Replace(path), mode)
	}
	return fmt.Sprintf("file:%s?mode=%s", r.Replace(path), mode)
}

// IsExecutionError reports whether err means the dump itself was rejected.
func IsExecutionError(err error) bool {
	return errors.Is(err, ErrExecution)
}
