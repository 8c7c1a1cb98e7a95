package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AltynCore/keste/internal/config"
	"github.com/AltynCore/keste/internal/manifest"
	"github.com/AltynCore/keste/internal/metrics"
	"github.com/AltynCore/keste/internal/storage"
	"github.com/AltynCore/keste/pkg/database"
)

const sourceDump = `
PRAGMA application_id=1263752241;
CREATE TABLE sheets(id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL);
CREATE TABLE cells(sheet INTEGER, ref TEXT, value, PRIMARY KEY(sheet, ref)) WITHOUT ROWID;
INSERT INTO sheets(name) VALUES ('Budget'), ('Notes');
INSERT INTO cells VALUES (1, 'A1', 12.5), (1, 'B1', 'Total'), (2, 'A1', X'00FF');
CREATE INDEX idx_cells_value ON cells(value);
`

func createSource(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "book.kst")
	if _, err := database.WriteDump(context.Background(), sourceDump, path); err != nil {
		t.Fatalf("failed to create source workbook: %v", err)
	}
	return path
}

func testConfig(source, compression string) *config.Config {
	cfg := config.Default()
	cfg.Snapshot.Source = source
	cfg.Snapshot.Compression = compression
	return cfg
}

func newTestEngine(cfg *config.Config, store storage.Backend) (*Engine, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	e := NewEngine(cfg, store, nil, metrics.NewWithRegisterer("keste", reg), testLogger())
	e.SetRetryConfig(fastRetry())
	return e, reg
}

func gauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func TestEngine_Run(t *testing.T) {
	tests := []struct {
		compression string
		dataFile    string
	}{
		{CompressionGzip, ".sql.gz"},
		{CompressionZstd, ".sql.zst"},
		{CompressionNone, ".sql"},
	}

	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			source := createSource(t)
			store := newMockStorage()
			e, reg := newTestEngine(testConfig(source, tt.compression), store)
			ctx := context.Background()

			result, err := e.Run(ctx)
			if err != nil {
				t.Fatalf("Run() error: %v", err)
			}

			if !strings.HasPrefix(result.ID, "snapshot_") {
				t.Errorf("ID = %q, want snapshot_ prefix", result.ID)
			}
			if result.Size == 0 || result.CompressedSize == 0 {
				t.Errorf("Size = %d, CompressedSize = %d, want both non-zero", result.Size, result.CompressedSize)
			}
			if !strings.HasPrefix(result.Checksum, "sha256:") {
				t.Errorf("Checksum = %q", result.Checksum)
			}

			want := []string{result.ID + tt.dataFile, manifest.Path(result.ID)}
			got := store.paths()
			if strings.Join(got, ",") != strings.Join(want, ",") {
				t.Errorf("stored %v, want %v", got, want)
			}

			m, err := e.GetSnapshot(ctx, result.ID)
			if err != nil {
				t.Fatalf("GetSnapshot() error: %v", err)
			}
			if m.Source.Path != source {
				t.Errorf("Source.Path = %q, want %q", m.Source.Path, source)
			}
			if strings.Join(m.Source.Tables, ",") != "cells,sheets" {
				t.Errorf("Source.Tables = %v, want [cells sheets]", m.Source.Tables)
			}
			if m.Snapshot.Compression != tt.compression {
				t.Errorf("Compression = %q, want %q", m.Snapshot.Compression, tt.compression)
			}
			if m.Snapshot.CompressedSize != result.CompressedSize {
				t.Errorf("CompressedSize = %d, want %d", m.Snapshot.CompressedSize, result.CompressedSize)
			}
			if len(m.Files) != 2 || m.Files[1] != manifest.Path(result.ID) {
				t.Errorf("Files = %v, want data file then manifest", m.Files)
			}

			dump, err := database.ReadDump(ctx, source)
			if err != nil {
				t.Fatal(err)
			}
			if m.Snapshot.DumpChecksum != manifest.ChecksumString(dump) {
				t.Error("DumpChecksum does not match a fresh dump of the source")
			}

			v := e.Validator()
			vr, err := v.Validate(ctx, m)
			if err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
			if !vr.Valid {
				t.Errorf("Validate() errors: %v", vr.Errors)
			}
			if err := v.VerifyReplay(ctx, m); err != nil {
				t.Errorf("VerifyReplay() error: %v", err)
			}

			if e.LastRun().IsZero() || e.LastError() != nil {
				t.Errorf("LastRun() = %v, LastError() = %v", e.LastRun(), e.LastError())
			}
			if got := gauge(t, reg, "keste_last_snapshot_success"); got != 1 {
				t.Errorf("last_snapshot_success = %v, want 1", got)
			}
			if got := gauge(t, reg, "keste_storage_used_bytes"); got <= float64(result.CompressedSize) {
				t.Errorf("storage_used_bytes = %v, want more than %d", got, result.CompressedSize)
			}
		})
	}
}

func TestEngine_Run_VerifyAfterSnapshot(t *testing.T) {
	cfg := testConfig(createSource(t), CompressionGzip)
	cfg.Snapshot.VerifyAfterSnapshot = true

	e, _ := newTestEngine(cfg, newMockStorage())

	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !result.Verified || result.VerifyError != nil {
		t.Errorf("Verified = %v, VerifyError = %v", result.Verified, result.VerifyError)
	}
}

func TestEngine_Run_NoSource(t *testing.T) {
	e, reg := newTestEngine(testConfig("", CompressionGzip), newMockStorage())

	_, err := e.Run(context.Background())
	if !errors.Is(err, ErrNoSource) {
		t.Errorf("Run() error = %v, want ErrNoSource", err)
	}
	if got := gauge(t, reg, "keste_snapshot_failures_total"); got != 1 {
		t.Errorf("snapshot_failures_total = %v, want 1", got)
	}
}

func TestEngine_Run_MissingSource(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone.kst")
	store := newMockStorage()
	e, _ := newTestEngine(testConfig(missing, CompressionGzip), store)

	_, err := e.Run(context.Background())
	if !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Run() error = %v, want ErrNotFound", err)
	}
	if e.LastError() == nil {
		t.Error("LastError() = nil after a failed run")
	}
	if len(store.paths()) != 0 {
		t.Errorf("storage written after failure: %v", store.paths())
	}
}

func TestEngine_Run_RetriesStorageWrite(t *testing.T) {
	store := newMockStorage()
	store.writeErrs = []error{errors.New("connection reset by peer")}
	e, _ := newTestEngine(testConfig(createSource(t), CompressionNone), store)

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	// One failed data write, the retried data write, the manifest write.
	if store.writes != 3 {
		t.Errorf("writes = %d, want 3", store.writes)
	}
}

func TestEngine_Run_PermanentStorageError(t *testing.T) {
	store := newMockStorage()
	store.writeErrs = []error{&storage.StorageError{Op: "write", Path: "x", Err: storage.ErrInvalidPath}}
	e, _ := newTestEngine(testConfig(createSource(t), CompressionNone), store)

	_, err := e.Run(context.Background())
	if !errors.Is(err, storage.ErrInvalidPath) {
		t.Errorf("Run() error = %v, want ErrInvalidPath", err)
	}
	if store.writes != 1 {
		t.Errorf("writes = %d, want 1 (no retry)", store.writes)
	}
}

func TestEngine_GetSnapshot_NotFound(t *testing.T) {
	e, _ := newTestEngine(testConfig("", CompressionGzip), newMockStorage())

	_, err := e.GetSnapshot(context.Background(), "snapshot_missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSnapshot() error = %v, want ErrNotFound", err)
	}
}

func putManifest(t *testing.T, store *mockStorage, id string, ts time.Time) {
	t.Helper()

	m := manifest.New(id, "/books/a.kst", "3.50.0")
	m.Timestamp = ts
	m.AddFile(id + ".sql.gz")
	m.AddFile(manifest.Path(id))

	data, err := m.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	store.files[id+".sql.gz"] = []byte("data")
	store.files[manifest.Path(id)] = data
}

func TestEngine_ListSnapshots(t *testing.T) {
	store := newMockStorage()
	putManifest(t, store, "snap-a", time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC))
	putManifest(t, store, "snap-c", time.Date(2026, 3, 12, 2, 0, 0, 0, time.UTC))
	putManifest(t, store, "snap-b", time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC))
	store.files["broken"+manifest.Suffix] = []byte("{not json")

	e, _ := newTestEngine(testConfig("", CompressionGzip), store)

	snapshots, err := e.ListSnapshots(context.Background())
	if err != nil {
		t.Fatalf("ListSnapshots() error: %v", err)
	}

	var ids []string
	for _, m := range snapshots {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "snap-c,snap-b,snap-a" {
		t.Errorf("ListSnapshots() = %v, want newest first without the broken manifest", ids)
	}
}

func TestEngine_Cleanup(t *testing.T) {
	store := newMockStorage()
	putManifest(t, store, "snap-tue", time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC))
	putManifest(t, store, "snap-wed", time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC))
	putManifest(t, store, "snap-thu", time.Date(2026, 3, 12, 2, 0, 0, 0, time.UTC))

	cfg := testConfig("", CompressionGzip)
	cfg.Retention = config.RetentionConfig{Daily: 1}
	e, _ := newTestEngine(cfg, store)

	deleted, err := e.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Cleanup() = %d, want 2", deleted)
	}

	want := "snap-thu.meta.json,snap-thu.sql.gz"
	if got := strings.Join(store.paths(), ","); got != want {
		t.Errorf("remaining = %s, want %s", got, want)
	}
}

func TestEngine_Cleanup_KeepsNewest(t *testing.T) {
	store := newMockStorage()
	putManifest(t, store, "snap-old", time.Now().AddDate(-2, 0, 0))

	cfg := testConfig("", CompressionGzip)
	cfg.Retention = config.RetentionConfig{MaxAgeDays: 1}
	e, _ := newTestEngine(cfg, store)

	deleted, err := e.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	if deleted != 0 || len(store.paths()) != 2 {
		t.Errorf("Cleanup() deleted %d, remaining %v; the only snapshot must stay", deleted, store.paths())
	}
}
