package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewDriver(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantType    string
		wantErr     bool
		errContains string
	}{
		{
			name:     "sqlite type",
			cfg:      Config{Type: "sqlite", Path: "/tmp/test.db"},
			wantType: "sqlite",
		},
		{
			name:     "sqlite3 alias",
			cfg:      Config{Type: "sqlite3", Path: "/tmp/test.db"},
			wantType: "sqlite",
		},
		{
			name:     "kst alias",
			cfg:      Config{Type: "kst", Path: "/tmp/book.kst"},
			wantType: "sqlite",
		},
		{
			name:     "empty type defaults to sqlite",
			cfg:      Config{Path: "/tmp/test.db"},
			wantType: "sqlite",
		},
		{
			name:     "sqlite with name instead of path",
			cfg:      Config{Type: "sqlite", Name: "/tmp/test.db"},
			wantType: "sqlite",
		},
		{
			name:        "sqlite missing path",
			cfg:         Config{Type: "sqlite"},
			wantErr:     true,
			errContains: "path is required",
		},
		{
			name:        "unsupported database type",
			cfg:         Config{Type: "postgres", Path: "x"},
			wantErr:     true,
			errContains: "unsupported database type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, err := NewDriver(tt.cfg)

			if tt.wantErr {
				if err == nil {
					t.Errorf("NewDriver() expected error, got nil")
					return
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("NewDriver() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}

			if err != nil {
				t.Errorf("NewDriver() unexpected error: %v", err)
				return
			}

			if driver.Type() != tt.wantType {
				t.Errorf("NewDriver().Type() = %v, want %v", driver.Type(), tt.wantType)
			}
		})
	}
}

func TestSQLiteDriver_Path(t *testing.T) {
	path := "/tmp/test.db"
	driver, _ := NewSQLiteDriver(Config{Path: path})

	if driver.Path() != path {
		t.Errorf("Path() = %v, want %v", driver.Path(), path)
	}
}

func TestSQLiteDriver_PathFromName(t *testing.T) {
	path := "/tmp/test.db"
	driver, _ := NewSQLiteDriver(Config{Name: path})

	if driver.Path() != path {
		t.Errorf("Path() = %v, want %v", driver.Path(), path)
	}
}

func TestSQLiteDriver_Connect_FileNotFound(t *testing.T) {
	driver, _ := NewSQLiteDriver(Config{Path: "/nonexistent/path/to/db.sqlite"})
	err := driver.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() should error when file doesn't exist")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Connect() error = %v, want ErrNotFound", err)
	}
	if errors.Is(err, ErrFormat) {
		t.Error("missing file must not be reported as a format error")
	}
}

func TestSQLiteDriver_Connect_NotADatabase(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"text file", "this is not a database, just some text padding it out"},
		{"short file", "SQL"},
		{"spreadsheet zip", "PK\x03\x04 xlsx payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.kst")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}

			driver, _ := NewSQLiteDriver(Config{Path: path})
			err := driver.Connect(context.Background())
			if !errors.Is(err, ErrFormat) {
				t.Errorf("Connect() error = %v, want ErrFormat", err)
			}
		})
	}
}

func TestSQLiteDriver_Connect_Directory(t *testing.T) {
	driver, _ := NewSQLiteDriver(Config{Path: t.TempDir()})
	if err := driver.Connect(context.Background()); !errors.Is(err, ErrFormat) {
		t.Errorf("Connect() error = %v, want ErrFormat", err)
	}
}

func TestSQLiteDriver_Close_NilDB(t *testing.T) {
	driver, _ := NewSQLiteDriver(Config{Path: "/tmp/test.db"})
	err := driver.Close()
	if err != nil {
		t.Errorf("Close() with nil db should not error, got: %v", err)
	}
}

func TestSQLiteDriver_Version_NotConnected(t *testing.T) {
	driver, _ := NewSQLiteDriver(Config{Path: "/tmp/test.db"})
	_, err := driver.Version(context.Background())
	if err == nil {
		t.Error("Version() should error when not connected")
	}
	if !strings.Contains(err.Error(), "not connected") {
		t.Errorf("Version() error = %v, want error containing 'not connected'", err)
	}
}

func TestSQLiteDriver_ConnectAndVersion(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	// An empty file is a valid, empty SQLite database.
	f, err := os.Create(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test db: %v", err)
	}
	f.Close()

	driver, err := NewSQLiteDriver(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("NewSQLiteDriver() error: %v", err)
	}
	defer driver.Close()

	ctx := context.Background()
	if err := driver.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	version, err := driver.Version(ctx)
	if err != nil {
		t.Fatalf("Version() error: %v", err)
	}

	if version == "" {
		t.Error("Version() returned empty string")
	}
}

func TestSQLiteDriver_Tables(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	if _, err := WriteDump(context.Background(), `
		CREATE TABLE zeta(id INTEGER);
		CREATE TABLE alpha(id INTEGER PRIMARY KEY AUTOINCREMENT);
		INSERT INTO alpha DEFAULT VALUES;
	`, dbPath); err != nil {
		t.Fatal(err)
	}

	driver, _ := NewSQLiteDriver(Config{Path: dbPath})
	ctx := context.Background()
	if err := driver.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer driver.Close()

	tables, err := driver.Tables(ctx)
	if err != nil {
		t.Fatalf("Tables() error: %v", err)
	}

	if strings.Join(tables, ",") != "alpha,zeta" {
		t.Errorf("Tables() = %v, want [alpha zeta]", tables)
	}
}

func TestError_Message(t *testing.T) {
	err := newError(ErrExecution, "execute", "/tmp/out.kst.tmp", errors.New("near \"INSERT\": syntax error"))

	want := `execute /tmp/out.kst.tmp: near "INSERT": syntax error`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, ErrExecution) {
		t.Error("errors.Is(err, ErrExecution) = false")
	}
	if errors.Is(err, ErrCommit) {
		t.Error("errors.Is(err, ErrCommit) = true")
	}

	bare := newError(ErrNotFound, "open", "/x", nil)
	if bare.Error() != "open /x: "+ErrNotFound.Error() {
		t.Errorf("Error() = %q", bare.Error())
	}
}
