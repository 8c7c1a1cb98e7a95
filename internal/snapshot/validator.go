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

	"github.com/AltynCore/keste/internal/manifest"
	"github.com/AltynCore/keste/internal/storage"
	"github.com/AltynCore/keste/pkg/database"
)

// ErrReplayMismatch means a stored dump did not survive a write and re-read
// unchanged.
var ErrReplayMismatch = errors.New("replayed dump differs from stored dump")

type Validator struct {
	storage storage.Backend
	logger  *slog.Logger
	suffix  string
}

func NewValidator(store storage.Backend, logger *slog.Logger) *Validator {
	return &Validator{
		storage: store,
		logger:  logger,
	}
}

// WithStagingSuffix sets the staging suffix used when replaying dumps.
func (v *Validator) WithStagingSuffix(suffix string) *Validator {
	v.suffix = suffix
	return v
}

type ValidationResult struct {
	SnapshotID string
	Valid      bool
	FileExists bool
	SizeMatch  bool
	ChecksumOK bool
	Errors     []string
}

// Validate checks the stored object against its manifest: presence, size
// and checksum.
func (v *Validator) Validate(ctx context.Context, m *manifest.Manifest) (*ValidationResult, error) {
	result := &ValidationResult{
		SnapshotID: m.ID,
		Valid:      true,
	}

	if len(m.Files) == 0 {
		result.Valid = false
		result.Errors = append(result.Errors, "no files listed in manifest")
		return result, nil
	}

	dataFile, err := m.DataFile()
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, "snapshot file not found in manifest")
		return result, nil
	}

	exists, err := v.storage.Exists(ctx, dataFile)
	if err != nil {
		return nil, fmt.Errorf("failed to check file existence: %w", err)
	}
	result.FileExists = exists

	if !exists {
		result.Valid = false
		result.Errors = append(result.Errors, "snapshot file does not exist")
		return result, nil
	}

	size, err := v.storage.Size(ctx, dataFile)
	if err != nil {
		return nil, fmt.Errorf("failed to get file size: %w", err)
	}

	result.SizeMatch = size == m.Snapshot.CompressedSize
	if !result.SizeMatch {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(
			"size mismatch: expected %d, got %d",
			m.Snapshot.CompressedSize, size,
		))
	}

	if m.Snapshot.Checksum == "" {
		result.ChecksumOK = true
		return result, nil
	}

	reader, err := v.storage.Read(ctx, dataFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	defer reader.Close()

	checksum, err := manifest.Checksum(reader)
	if err != nil {
		return nil, err
	}

	result.ChecksumOK = checksum == m.Snapshot.Checksum
	if !result.ChecksumOK {
		result.Valid = false
		result.Errors = append(result.Errors, "checksum mismatch")
	}

	return result, nil
}

// VerifyReplay proves a snapshot restorable: the stored dump is written to
// a scratch database and read back, and the two dumps must be identical.
func (v *Validator) VerifyReplay(ctx context.Context, m *manifest.Manifest) error {
	dump, err := v.fetchDump(ctx, m)
	if err != nil {
		return err
	}

	if m.Snapshot.DumpChecksum != "" && manifest.ChecksumString(dump) != m.Snapshot.DumpChecksum {
		return fmt.Errorf("snapshot %s: dump checksum mismatch", m.ID)
	}

	tmpDir, err := os.MkdirTemp("", "keste-verify-*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	scratch := filepath.Join(tmpDir, m.ID+".kst")
	w := database.NewWriter(database.WriterOptions{Suffix: v.suffix, Logger: v.logger})
	if _, err := w.Write(ctx, dump, scratch); err != nil {
		return fmt.Errorf("snapshot %s does not replay: %w", m.ID, err)
	}

	replayed, err := database.ReadDump(ctx, scratch)
	if err != nil {
		return fmt.Errorf("snapshot %s: failed to read replayed database: %w", m.ID, err)
	}

	if replayed != dump {
		return fmt.Errorf("snapshot %s: %w", m.ID, ErrReplayMismatch)
	}

	v.logger.Debug("snapshot replay verified", "id", m.ID, "bytes", len(dump))
	return nil
}

// fetchDump reads and decompresses the dump stored for m.
func (v *Validator) fetchDump(ctx context.Context, m *manifest.Manifest) (string, error) {
	dataFile, err := m.DataFile()
	if err != nil {
		return "", err
	}

	reader, err := v.storage.Read(ctx, dataFile)
	if err != nil {
		return "", fmt.Errorf("failed to read snapshot file: %w", err)
	}
	defer reader.Close()

	dec, err := Decompress(reader, dataFile)
	if err != nil {
		return "", err
	}
	defer dec.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, dec); err != nil {
		return "", fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	return buf.String(), nil
}
