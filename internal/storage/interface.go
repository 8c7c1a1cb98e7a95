// Package storage keeps snapshot objects on the local disk or in an
// S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

type Backend interface {
	Write(ctx context.Context, path string, reader io.Reader) error
	Read(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]FileInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
	Size(ctx context.Context, path string) (int64, error)
}

type FileInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
	IsDir        bool
}

type S3Config struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// New returns the backend named by kind: "local" rooted at path, or "s3".
func New(kind, path string, s3Config *S3Config) (Backend, error) {
	switch kind {
	case "local":
		return NewLocalStorage(path)
	case "s3":
		if s3Config == nil {
			return nil, ErrS3ConfigRequired
		}
		return NewS3Storage(*s3Config)
	default:
		return nil, &StorageError{Op: "open", Path: kind, Err: ErrUnknownBackend}
	}
}

type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

var (
	ErrNotFound         = errors.New("object not found")
	ErrInvalidPath      = errors.New("invalid object path")
	ErrS3ConfigRequired = errors.New("s3 config required")
	ErrUnknownBackend   = errors.New("unknown backend")
)
