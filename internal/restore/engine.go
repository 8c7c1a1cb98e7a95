// Package restore rebuilds a workbook file from a stored snapshot.
package restore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/AltynCore/keste/internal/config"
	"github.com/AltynCore/keste/internal/manifest"
	"github.com/AltynCore/keste/internal/snapshot"
	"github.com/AltynCore/keste/internal/storage"
	"github.com/AltynCore/keste/pkg/database"
)

var ErrChecksumMismatch = errors.New("checksum mismatch")

type Engine struct {
	cfg     *config.Config
	storage storage.Backend
	logger  *slog.Logger
}

func NewEngine(cfg *config.Config, store storage.Backend, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		storage: store,
		logger:  logger,
	}
}

type Options struct {
	SnapshotID     string
	TargetPath     string // defaults to the snapshot's source path
	DryRun         bool
	VerifyChecksum bool // verify checksums before writing
}

type Result struct {
	SnapshotID    string
	TargetPath    string
	Success       bool
	ChecksumValid bool
	BytesWritten  int64
	Error         error
}

// Restore writes the snapshot's dump to the target through the atomic dump
// writer. A failed restore leaves the target untouched.
func (e *Engine) Restore(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{
		SnapshotID: opts.SnapshotID,
		TargetPath: opts.TargetPath,
	}

	e.logger.Info("starting restore", "snapshot_id", opts.SnapshotID, "path", opts.TargetPath)

	m, err := e.readManifest(ctx, opts.SnapshotID)
	if err != nil {
		result.Error = err
		return result, result.Error
	}

	dataFile, err := m.DataFile()
	if err != nil {
		result.Error = err
		return result, result.Error
	}

	target := opts.TargetPath
	if target == "" {
		target = m.Source.Path
	}
	if target == "" {
		result.Error = fmt.Errorf("no restore target for snapshot %s", m.ID)
		return result, result.Error
	}
	result.TargetPath = target

	if opts.DryRun {
		e.logger.Info("dry run: would restore", "file", dataFile, "path", target)
		result.Success = true
		return result, nil
	}

	data, err := e.readObject(ctx, dataFile)
	if err != nil {
		result.Error = fmt.Errorf("failed to read snapshot file: %w", err)
		return result, result.Error
	}

	verify := opts.VerifyChecksum || e.cfg.Snapshot.VerifyChecksum
	if verify {
		if err := e.verifyChecksum(m, data); err != nil {
			result.Error = err
			return result, result.Error
		}
		result.ChecksumValid = m.Snapshot.Checksum != ""
	}

	dec, err := snapshot.Decompress(bytes.NewReader(data), dataFile)
	if err != nil {
		result.Error = err
		return result, result.Error
	}
	defer dec.Close()

	dump, err := io.ReadAll(dec)
	if err != nil {
		result.Error = fmt.Errorf("failed to decompress snapshot: %w", err)
		return result, result.Error
	}

	if verify && m.Snapshot.DumpChecksum != "" && manifest.ChecksumString(string(dump)) != m.Snapshot.DumpChecksum {
		result.Error = fmt.Errorf("dump of snapshot %s: %w", m.ID, ErrChecksumMismatch)
		return result, result.Error
	}

	w := database.NewWriter(database.WriterOptions{
		Suffix:            e.cfg.Engine.StagingSuffix,
		KeepFailedStaging: e.cfg.Engine.KeepFailedStaging,
		Logger:            e.logger,
	})
	n, err := w.Write(ctx, string(dump), target)
	if err != nil {
		result.Error = fmt.Errorf("restore failed: %w", err)
		e.logger.Error("restore failed", "snapshot_id", m.ID, "path", target, "error", err)
		return result, result.Error
	}

	result.Success = true
	result.BytesWritten = n

	e.logger.Info("restore completed",
		"snapshot_id", m.ID,
		"path", target,
		"bytes", n,
	)

	return result, nil
}

func (e *Engine) readManifest(ctx context.Context, id string) (*manifest.Manifest, error) {
	data, err := e.readObject(ctx, manifest.Path(id))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	return manifest.Parse(data)
}

func (e *Engine) readObject(ctx context.Context, path string) ([]byte, error) {
	reader, err := e.storage.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

func (e *Engine) verifyChecksum(m *manifest.Manifest, data []byte) error {
	if m.Snapshot.Checksum == "" {
		e.logger.Warn("no checksum in snapshot manifest, skipping verification", "snapshot_id", m.ID)
		return nil
	}

	actual, err := manifest.Checksum(bytes.NewReader(data))
	if err != nil {
		return err
	}

	if actual != m.Snapshot.Checksum {
		e.logger.Error("checksum verification failed",
			"snapshot_id", m.ID,
			"expected", m.Snapshot.Checksum,
			"actual", actual)
		return fmt.Errorf("snapshot %s: %w: expected %s, got %s", m.ID, ErrChecksumMismatch, m.Snapshot.Checksum, actual)
	}

	e.logger.Info("checksum verified", "snapshot_id", m.ID)
	return nil
}
