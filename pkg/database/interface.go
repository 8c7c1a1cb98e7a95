package database

import (
	"context"
	"io"
)

// Driver reads a database file. Writing goes through Writer.
type Driver interface {
	Type() string
	Path() string
	Connect(ctx context.Context) error
	Close() error
	Version(ctx context.Context) (string, error)
	Tables(ctx context.Context) ([]string, error)
	Dump(ctx context.Context, w io.Writer) error
}

type Config struct {
	Type string
	Path string
	Name string // Alias for Path
}
