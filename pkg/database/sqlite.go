package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

var _ Driver = (*SQLiteDriver)(nil)

type SQLiteDriver struct {
	path string
	db   *sql.DB
	// cleanWAL is set when Connect found no -wal or -shm next to the file.
	cleanWAL bool
}

func NewSQLiteDriver(cfg Config) (*SQLiteDriver, error) {
	path := cfg.Path
	if path == "" {
		path = cfg.Name
	}

	if path == "" {
		return nil, fmt.Errorf("sqlite database path is required")
	}

	return &SQLiteDriver{
		path: path,
	}, nil
}

func (s *SQLiteDriver) Type() string {
	return "sqlite"
}

// Connect opens the database read-only. It fails with ErrNotFound when the
// file is missing and ErrFormat when it is not a SQLite database.
func (s *SQLiteDriver) Connect(ctx context.Context) error {
	if err := checkFile(s.path); err != nil {
		return err
	}
	s.cleanWAL = !exists(s.path+"-wal") && !exists(s.path+"-shm")

	db, err := sql.Open("sqlite", fileURI(s.path, "ro"))
	if err != nil {
		return newError(ErrRead, "open", s.path, err)
	}
	db.SetMaxOpenConns(1)

	var n int
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		db.Close()
		return s.readError("open", err)
	}

	s.db = db
	return nil
}

// Close releases the handle. Reading a WAL database makes SQLite create
// -wal and -shm files even on a read-only connection; when those were absent
// at Connect and the log is still empty they are removed again.
func (s *SQLiteDriver) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil

	if s.cleanWAL {
		s.cleanWAL = false
		if info, serr := os.Stat(s.path + "-wal"); serr == nil && info.Size() == 0 {
			os.Remove(s.path + "-wal")
			os.Remove(s.path + "-shm")
		} else if os.IsNotExist(serr) {
			os.Remove(s.path + "-shm")
		}
	}
	return err
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func (s *SQLiteDriver) Version(ctx context.Context) (string, error) {
	if s.db == nil {
		return "", fmt.Errorf("database not connected")
	}

	var version string
	err := s.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version)
	if err != nil {
		return "", fmt.Errorf("failed to get sqlite version: %w", err)
	}

	return version, nil
}

// Tables lists user tables by name.
func (s *SQLiteDriver) Tables(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not connected")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name
		FROM sqlite_master
		WHERE type = 'table'
		AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}

	return tables, rows.Err()
}

func (s *SQLiteDriver) Path() string {
	return s.path
}

// DB exposes the read-only handle opened by Connect, or nil.
func (s *SQLiteDriver) DB() *sql.DB {
	return s.db
}
