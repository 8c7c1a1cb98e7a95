// Package atomicfile replaces files in two phases: content is built in a
// staging file next to the destination and then renamed onto it, so the
// destination is never observed half-written.
package atomicfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultSuffix is appended to the destination path to form the staging path.
const DefaultSuffix = ".tmp"

type Options struct {
	// Suffix is appended to the destination to name the staging file.
	// Empty means DefaultSuffix.
	Suffix string

	// Sidecars are suffixes of companion files that live next to the staging
	// file (for SQLite: "-journal", "-wal", "-shm"). They are removed together
	// with the staging file.
	Sidecars []string

	// Perm is applied to the staging file before commit. Zero leaves the
	// mode chosen by whoever created the file.
	Perm os.FileMode
}

func (o Options) suffix() string {
	if o.Suffix == "" {
		return DefaultSuffix
	}
	return o.Suffix
}

type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StagingPath derives the staging path from the destination alone. Writers
// to different destinations never share a staging file, and the staging file
// lands in the destination's directory so the final rename stays on one volume.
func StagingPath(final, suffix string) string {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	return final + suffix
}

// Staged is a staging file awaiting Commit or Discard.
type Staged struct {
	final     string
	path      string
	opts      Options
	committed bool
}

// Stage clears any staging file left behind by an earlier attempt and returns
// a handle for the new one. The staging file itself is not created; the
// caller populates Path() however it likes.
func Stage(final string, opts Options) (*Staged, error) {
	if final == "" {
		return nil, &Error{Op: "stage", Path: final, Err: fmt.Errorf("empty destination path")}
	}

	s := &Staged{
		final: final,
		path:  StagingPath(final, opts.suffix()),
		opts:  opts,
	}

	if err := s.removeAll(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Staged) Path() string {
	return s.path
}

func (s *Staged) Final() string {
	return s.final
}

func (s *Staged) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, &Error{Op: "stat", Path: s.path, Err: err}
	}
	return info.Size(), nil
}

// Commit flushes the staging file to disk and renames it onto the
// destination. The rename is the commit point.
func (s *Staged) Commit() error {
	if s.committed {
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return &Error{Op: "commit", Path: s.path, Err: err}
	}
	if s.opts.Perm != 0 {
		if err := f.Chmod(s.opts.Perm); err != nil {
			f.Close()
			return &Error{Op: "commit", Path: s.path, Err: err}
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &Error{Op: "sync", Path: s.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &Error{Op: "commit", Path: s.path, Err: err}
	}

	if err := os.Rename(s.path, s.final); err != nil {
		return &Error{Op: "rename", Path: s.final, Err: err}
	}
	s.committed = true

	syncDir(filepath.Dir(s.final))
	return nil
}

// Discard removes the staging file and its sidecars. It is a no-op once the
// file has been committed, so it can always be deferred.
func (s *Staged) Discard() error {
	if s.committed {
		return nil
	}
	return s.removeAll()
}

func (s *Staged) removeAll() error {
	paths := []string{s.path}
	for _, sc := range s.opts.Sidecars {
		paths = append(paths, s.path+sc)
	}

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return &Error{Op: "remove", Path: p, Err: err}
		}
	}
	return nil
}

// WriteFile copies r into a staging file and commits it onto final.
func WriteFile(final string, r io.Reader, opts Options) (n int64, err error) {
	s, err := Stage(final, opts)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			s.Discard()
		}
	}()

	f, err := os.OpenFile(s.Path(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, &Error{Op: "create", Path: s.Path(), Err: err}
	}

	n, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return 0, &Error{Op: "write", Path: s.Path(), Err: err}
	}

	if err := s.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// syncDir persists the rename itself. Some platforms cannot fsync a
// directory; the rename has already happened, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
