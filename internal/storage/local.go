package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AltynCore/keste/pkg/atomicfile"
)

// LocalStorage keeps objects as files under a base directory. Writes go
// through a staging file and a rename, so a reader never sees a partial
// snapshot.
type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

func (l *LocalStorage) fullPath(op, path string) (string, error) {
	if !filepath.IsLocal(path) {
		return "", &StorageError{Op: op, Path: path, Err: ErrInvalidPath}
	}
	return filepath.Join(l.basePath, path), nil
}

func (l *LocalStorage) Write(ctx context.Context, path string, reader io.Reader) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	fullPath, err := l.fullPath("write", path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	if _, err := atomicfile.WriteFile(fullPath, reader, atomicfile.Options{Perm: 0644}); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}

	return nil
}

func (l *LocalStorage) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	fullPath, err := l.fullPath("read", path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &StorageError{Op: "read", Path: path, Err: ErrNotFound}
		}
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}

	return f, nil
}

func (l *LocalStorage) Delete(ctx context.Context, path string) error {
	fullPath, err := l.fullPath("delete", path)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &StorageError{Op: "delete", Path: path, Err: err}
	}

	return nil
}

// List returns committed objects whose path starts with prefix, newest
// first. In-flight staging files are not listed.
func (l *LocalStorage) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	var files []FileInfo

	err := filepath.Walk(l.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() || strings.HasSuffix(path, atomicfile.DefaultSuffix) {
			return nil
		}

		relPath, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		if prefix != "" && !matchPrefix(relPath, prefix) {
			return nil
		}

		files = append(files, FileInfo{
			Path:         relPath,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})

		return nil
	})

	if err != nil {
		if os.IsNotExist(err) {
			return files, nil
		}
		return nil, &StorageError{Op: "list", Path: prefix, Err: err}
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].LastModified.After(files[j].LastModified)
	})

	return files, nil
}

func (l *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	fullPath, err := l.fullPath("exists", path)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &StorageError{Op: "exists", Path: path, Err: err}
	}

	return true, nil
}

func (l *LocalStorage) Size(ctx context.Context, path string) (int64, error) {
	fullPath, err := l.fullPath("size", path)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, &StorageError{Op: "size", Path: path, Err: ErrNotFound}
		}
		return 0, &StorageError{Op: "size", Path: path, Err: err}
	}

	return info.Size(), nil
}

func matchPrefix(path, prefix string) bool {
	return strings.HasPrefix(path, prefix)
}
