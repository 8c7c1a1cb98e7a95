package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AltynCore/keste/internal/manifest"
	"github.com/AltynCore/keste/internal/storage"
	"github.com/AltynCore/keste/pkg/database"
)

// Mock storage backend for testing
type mockStorage struct {
	mu        sync.Mutex
	files     map[string][]byte
	writes    int
	writeErrs []error // returned by successive Write calls before succeeding
	sizeErr   error
	existsErr error
	readErr   error
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		files: make(map[string][]byte),
	}
}

func (m *mockStorage) Write(ctx context.Context, path string, reader io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++
	if len(m.writeErrs) > 0 {
		err := m.writeErrs[0]
		m.writeErrs = m.writeErrs[1:]
		return err
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.files[path] = data
	return nil
}

func (m *mockStorage) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readErr != nil {
		return nil, m.readErr
	}
	data, ok := m.files[path]
	if !ok {
		return nil, &storage.StorageError{Op: "read", Path: path, Err: storage.ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockStorage) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, path)
	return nil
}

func (m *mockStorage) List(ctx context.Context, prefix string) ([]storage.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var files []storage.FileInfo
	for path, data := range m.files {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		files = append(files, storage.FileInfo{
			Path:         path,
			Size:         int64(len(data)),
			LastModified: time.Now(),
		})
	}
	return files, nil
}

func (m *mockStorage) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.existsErr != nil {
		return false, m.existsErr
	}
	_, ok := m.files[path]
	return ok, nil
}

func (m *mockStorage) Size(ctx context.Context, path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sizeErr != nil {
		return 0, m.sizeErr
	}
	data, ok := m.files[path]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return int64(len(data)), nil
}

func (m *mockStorage) paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		InitialWait: 10 * time.Millisecond,
		MaxWait:     100 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %v, want 3", cfg.MaxAttempts)
	}
	if cfg.InitialWait != 1*time.Second {
		t.Errorf("InitialWait = %v, want 1s", cfg.InitialWait)
	}
	if cfg.MaxWait != 30*time.Second {
		t.Errorf("MaxWait = %v, want 30s", cfg.MaxWait)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
}

func TestWithRetry_Success(t *testing.T) {
	callCount := 0
	result, err := WithRetry(context.Background(), fastRetry(), testLogger(), "test-op", func() (string, error) {
		callCount++
		return "success", nil
	})

	if err != nil {
		t.Errorf("WithRetry() error = %v, want nil", err)
	}
	if result != "success" {
		t.Errorf("WithRetry() result = %v, want success", result)
	}
	if callCount != 1 {
		t.Errorf("WithRetry() callCount = %v, want 1", callCount)
	}
}

func TestWithRetry_SuccessAfterRetries(t *testing.T) {
	callCount := 0
	result, err := WithRetry(context.Background(), fastRetry(), testLogger(), "test-op", func() (string, error) {
		callCount++
		if callCount < 3 {
			return "", errors.New("temporary error")
		}
		return "success", nil
	})

	if err != nil {
		t.Errorf("WithRetry() error = %v, want nil", err)
	}
	if result != "success" {
		t.Errorf("WithRetry() result = %v, want success", result)
	}
	if callCount != 3 {
		t.Errorf("WithRetry() callCount = %v, want 3", callCount)
	}
}

func TestWithRetry_MaxAttemptsExceeded(t *testing.T) {
	callCount := 0
	expectedErr := errors.New("persistent error")
	_, err := WithRetry(context.Background(), fastRetry(), testLogger(), "test-op", func() (string, error) {
		callCount++
		return "", expectedErr
	})

	if err != expectedErr {
		t.Errorf("WithRetry() error = %v, want %v", err, expectedErr)
	}
	if callCount != 3 {
		t.Errorf("WithRetry() callCount = %v, want 3", callCount)
	}
}

func TestWithRetry_NonRetryableError(t *testing.T) {
	callCount := 0
	execErr := fmt.Errorf("replay: %w", database.ErrExecution)
	_, err := WithRetry(context.Background(), fastRetry(), testLogger(), "test-op", func() (string, error) {
		callCount++
		return "", execErr
	})

	if err != execErr {
		t.Errorf("WithRetry() error = %v, want %v", err, execErr)
	}
	if callCount != 1 {
		t.Errorf("WithRetry() callCount = %v, want 1 (should not retry)", callCount)
	}
}

func TestWithRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithRetry(ctx, fastRetry(), testLogger(), "test-op", func() (string, error) {
		return "success", nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("WithRetry() error = %v, want context.Canceled", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline exceeded", context.DeadlineExceeded, false},
		{"sql execution", fmt.Errorf("x: %w", database.ErrExecution), false},
		{"invalid format", fmt.Errorf("x: %w", database.ErrFormat), false},
		{"missing workbook", fmt.Errorf("x: %w", database.ErrNotFound), false},
		{"invalid object path", &storage.StorageError{Op: "write", Path: "../x", Err: storage.ErrInvalidPath}, false},
		{"permission denied", errors.New("open /snapshots/x: Permission Denied"), false},
		{"access denied", errors.New("Access Denied."), false},
		{"no such bucket", errors.New("The specified bucket does not exist: no such bucket"), false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"timeout", errors.New("i/o timeout"), true},
		{"generic error", errors.New("something went wrong"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCompression_RoundTrip(t *testing.T) {
	payload := strings.Repeat("INSERT INTO \"t\"(\"x\") VALUES('Юникод');\n", 200)

	tests := []struct {
		compression string
		ext         string
	}{
		{CompressionGzip, ".gz"},
		{CompressionZstd, ".zst"},
		{CompressionNone, ""},
	}

	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			if got := Extension(tt.compression); got != tt.ext {
				t.Fatalf("Extension(%q) = %q, want %q", tt.compression, got, tt.ext)
			}

			var buf bytes.Buffer
			w, err := NewCompressor(&buf, tt.compression)
			if err != nil {
				t.Fatalf("NewCompressor() error: %v", err)
			}
			if _, err := io.WriteString(w, payload); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}

			if tt.compression != CompressionNone && buf.Len() >= len(payload) {
				t.Errorf("compressed %d bytes into %d", len(payload), buf.Len())
			}

			r, err := Decompress(&buf, "snap.sql"+tt.ext)
			if err != nil {
				t.Fatalf("Decompress() error: %v", err)
			}
			defer r.Close()

			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != payload {
				t.Error("decompressed payload differs")
			}
		})
	}
}

func TestNewCompressor_Unsupported(t *testing.T) {
	if _, err := NewCompressor(io.Discard, "lz4"); err == nil {
		t.Error("NewCompressor(lz4) should error")
	}
}

func TestDecompress_CorruptGzip(t *testing.T) {
	if _, err := Decompress(strings.NewReader("not gzip"), "x.sql.gz"); err == nil {
		t.Error("Decompress() should error on corrupt gzip header")
	}
}

func TestValidator_Validate_NoFiles(t *testing.T) {
	v := NewValidator(newMockStorage(), testLogger())

	result, err := v.Validate(context.Background(), &manifest.Manifest{ID: "snap-001"})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.Valid {
		t.Error("Validate() Valid = true, want false for no files")
	}
	if len(result.Errors) == 0 {
		t.Error("Validate() should have errors for no files")
	}
}

func TestValidator_Validate_OnlyManifestFile(t *testing.T) {
	v := NewValidator(newMockStorage(), testLogger())

	m := &manifest.Manifest{ID: "snap-001", Files: []string{manifest.Path("snap-001")}}
	result, err := v.Validate(context.Background(), m)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.Valid {
		t.Error("Validate() Valid = true, want false when only the manifest is listed")
	}
}

func TestValidator_Validate_FileNotExists(t *testing.T) {
	v := NewValidator(newMockStorage(), testLogger())

	m := &manifest.Manifest{ID: "snap-001", Files: []string{"snap-001.sql.gz", manifest.Path("snap-001")}}
	result, err := v.Validate(context.Background(), m)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.Valid {
		t.Error("Validate() Valid = true, want false when file doesn't exist")
	}
	if result.FileExists {
		t.Error("Validate() FileExists = true, want false")
	}
}

func TestValidator_Validate_SizeMismatch(t *testing.T) {
	store := newMockStorage()
	store.files["snap-001.sql.gz"] = []byte("small")
	v := NewValidator(store, testLogger())

	m := &manifest.Manifest{
		ID:       "snap-001",
		Files:    []string{"snap-001.sql.gz"},
		Snapshot: manifest.SnapshotInfo{CompressedSize: 1000},
	}

	result, err := v.Validate(context.Background(), m)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.Valid || result.SizeMatch {
		t.Errorf("Validate() = %+v, want size mismatch", result)
	}
}

func TestValidator_Validate_Checksum(t *testing.T) {
	content := []byte("snapshot content")
	good, _ := manifest.Checksum(bytes.NewReader(content))

	tests := []struct {
		name     string
		checksum string
		wantOK   bool
	}{
		{"matching checksum", good, true},
		{"no checksum recorded", "", true},
		{"wrong checksum", "sha256:0000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStorage()
			store.files["snap-001.sql"] = content
			v := NewValidator(store, testLogger())

			m := &manifest.Manifest{
				ID:    "snap-001",
				Files: []string{"snap-001.sql", manifest.Path("snap-001")},
				Snapshot: manifest.SnapshotInfo{
					CompressedSize: int64(len(content)),
					Checksum:       tt.checksum,
				},
			}

			result, err := v.Validate(context.Background(), m)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if result.ChecksumOK != tt.wantOK || result.Valid != tt.wantOK {
				t.Errorf("Validate() = %+v, want ChecksumOK=%v", result, tt.wantOK)
			}
			if !result.FileExists || !result.SizeMatch {
				t.Errorf("Validate() = %+v, want file present with matching size", result)
			}
		})
	}
}

func TestValidator_Validate_ExistsError(t *testing.T) {
	store := newMockStorage()
	store.existsErr = errors.New("storage error")
	v := NewValidator(store, testLogger())

	m := &manifest.Manifest{ID: "snap-001", Files: []string{"snap-001.sql.gz"}}
	if _, err := v.Validate(context.Background(), m); err == nil {
		t.Error("Validate() error = nil, want error")
	}
}

func TestValidator_VerifyReplay(t *testing.T) {
	canonical := "PRAGMA foreign_keys=OFF;\nBEGIN TRANSACTION;\n" +
		"CREATE TABLE t(x INTEGER);\n" +
		"INSERT INTO \"t\"(\"x\") VALUES(1);\n" +
		"COMMIT;\n"

	tests := []struct {
		name    string
		dump    string
		wantErr error
	}{
		{"canonical dump", canonical, nil},
		{"non canonical dump", "CREATE TABLE t(x INTEGER); INSERT INTO t VALUES (1);", ErrReplayMismatch},
		{"malformed dump", "CREATE TABLE t(x INTEGER); INSERT INTO t VALUES (", database.ErrExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStorage()
			var buf bytes.Buffer
			w, _ := NewCompressor(&buf, CompressionZstd)
			io.WriteString(w, tt.dump)
			w.Close()
			store.files["snap-001.sql.zst"] = buf.Bytes()

			m := &manifest.Manifest{ID: "snap-001", Files: []string{"snap-001.sql.zst"}}
			err := NewValidator(store, testLogger()).VerifyReplay(context.Background(), m)

			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("VerifyReplay() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyReplay() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidator_VerifyReplay_DumpChecksumMismatch(t *testing.T) {
	store := newMockStorage()
	store.files["snap-001.sql"] = []byte("PRAGMA foreign_keys=OFF;\nBEGIN TRANSACTION;\nCOMMIT;\n")

	m := &manifest.Manifest{
		ID:       "snap-001",
		Files:    []string{"snap-001.sql"},
		Snapshot: manifest.SnapshotInfo{DumpChecksum: manifest.ChecksumString("something else")},
	}

	err := NewValidator(store, testLogger()).VerifyReplay(context.Background(), m)
	if err == nil || !strings.Contains(err.Error(), "dump checksum mismatch") {
		t.Errorf("VerifyReplay() error = %v, want dump checksum mismatch", err)
	}
}

func TestNewScheduler(t *testing.T) {
	s := NewScheduler(nil, "0 2 * * *", testLogger())

	if s == nil {
		t.Fatal("NewScheduler() returned nil")
	}
	if s.schedule != "0 2 * * *" {
		t.Errorf("schedule = %v, want 0 2 * * *", s.schedule)
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true, want false for new scheduler")
	}
	if s.Engine() != nil {
		t.Error("Engine() should return nil for scheduler created with nil engine")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(nil, "0 2 * * *", testLogger())

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start(), want true")
	}
	if s.NextRun().IsZero() {
		t.Error("NextRun() returned zero time after Start()")
	}

	// Start again should be idempotent
	if err := s.Start(ctx); err != nil {
		t.Errorf("Start() second call error = %v", err)
	}

	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop(), want false")
	}

	// Stop again should be idempotent
	s.Stop()
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := NewScheduler(nil, "every day", testLogger())

	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("Start() should reject an invalid cron expression")
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after a failed Start()")
	}
}

func TestScheduler_Tick(t *testing.T) {
	source := createSource(t)
	store := newMockStorage()
	e, _ := newTestEngine(testConfig(source, "gzip"), store)
	s := NewScheduler(e, "0 2 * * *", testLogger())
	ctx := context.Background()

	if got := s.tick(ctx); got != TickSnapshot {
		t.Fatalf("first tick = %s, want %s", got, TickSnapshot)
	}
	if got := s.tick(ctx); got != TickUnchanged {
		t.Fatalf("tick on unchanged workbook = %s, want %s", got, TickUnchanged)
	}
	if s.LastOutcome() != TickUnchanged {
		t.Errorf("LastOutcome() = %s", s.LastOutcome())
	}

	if _, err := database.WriteDump(ctx, sourceDump+"INSERT INTO sheets(name) VALUES ('Extra');", source); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(source, later, later); err != nil {
		t.Fatal(err)
	}

	if got := s.tick(ctx); got != TickSnapshot {
		t.Fatalf("tick after edit = %s, want %s", got, TickSnapshot)
	}

	snaps, err := e.ListSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 {
		t.Errorf("ListSnapshots() = %d snapshots, want 2", len(snaps))
	}
}

func TestScheduler_TickSkipsAndFailures(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   TickOutcome
	}{
		{"no source", "", TickNoSource},
		{"missing workbook", filepath.Join(os.TempDir(), "keste-no-such-book.kst"), TickFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStorage()
			e, _ := newTestEngine(testConfig(tt.source, "none"), store)
			s := NewScheduler(e, "0 2 * * *", testLogger())

			if got := s.tick(context.Background()); got != tt.want {
				t.Errorf("tick() = %s, want %s", got, tt.want)
			}
			if len(store.files) != 0 {
				t.Errorf("storage has %d files, want 0", len(store.files))
			}
		})
	}
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	s := NewScheduler(nil, "0 2 * * *", testLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Start(ctx); err != nil {
			t.Fatalf("Start() #%d error = %v", i+1, err)
		}
		if n := len(s.cron.Entries()); n != 1 {
			t.Errorf("Start() #%d registered %d entries, want 1", i+1, n)
		}
		s.Stop()
	}
}
