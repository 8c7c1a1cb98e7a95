// Package snapshot archives a workbook as a compressed SQL dump with a JSON
// manifest, on a schedule or on demand.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AltynCore/keste/internal/config"
	"github.com/AltynCore/keste/internal/manifest"
	"github.com/AltynCore/keste/internal/metrics"
	"github.com/AltynCore/keste/internal/notify"
	"github.com/AltynCore/keste/internal/rotation"
	"github.com/AltynCore/keste/internal/storage"
	"github.com/AltynCore/keste/pkg/database"
)

var ErrNoSource = errors.New("no snapshot source configured")

type Engine struct {
	cfg      *config.Config
	storage  storage.Backend
	rotator  *rotation.GFSRotator
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	retry    RetryConfig

	mu        sync.Mutex
	lastRun   time.Time
	lastError error
}

func NewEngine(cfg *config.Config, store storage.Backend, notifier *notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Engine {
	policy := rotation.NewPolicy(
		cfg.Retention.Daily,
		cfg.Retention.Weekly,
		cfg.Retention.Monthly,
		cfg.Retention.MaxAgeDays,
	)

	return &Engine{
		cfg:      cfg,
		storage:  store,
		rotator:  rotation.NewGFSRotator(policy),
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		retry:    DefaultRetryConfig(),
	}
}

// SetRetryConfig replaces the backoff used for storage writes.
func (e *Engine) SetRetryConfig(cfg RetryConfig) {
	e.retry = cfg
}

type Result struct {
	ID             string
	Timestamp      time.Time
	Size           int64
	CompressedSize int64
	Duration       time.Duration
	Checksum       string
	Verified       bool  // replay verification passed
	VerifyError    error // replay verification failed
	Error          error
}

func (e *Engine) Run(ctx context.Context) (*Result, error) {
	startTime := time.Now()
	id := manifest.GenerateID(startTime)
	source := e.cfg.Snapshot.Source

	e.logger.Info("starting snapshot", "id", id, "path", source)

	result := &Result{
		ID:        id,
		Timestamp: startTime,
	}

	if source == "" {
		result.Error = ErrNoSource
		e.handleError(result)
		return result, result.Error
	}

	driver, err := database.NewDriver(database.Config{Type: "kst", Path: source})
	if err != nil {
		result.Error = fmt.Errorf("failed to create database driver: %w", err)
		e.handleError(result)
		return result, result.Error
	}

	if err := driver.Connect(ctx); err != nil {
		result.Error = fmt.Errorf("failed to open workbook: %w", err)
		e.handleError(result)
		return result, result.Error
	}
	defer driver.Close()

	version, err := driver.Version(ctx)
	if err != nil {
		e.logger.Warn("failed to get sqlite version", "error", err)
		version = "unknown"
	}

	tables, err := driver.Tables(ctx)
	if err != nil {
		e.logger.Warn("failed to list tables", "error", err)
	}

	var dump bytes.Buffer
	if err := driver.Dump(ctx, &dump); err != nil {
		result.Error = fmt.Errorf("workbook dump failed: %w", err)
		e.handleError(result)
		return result, result.Error
	}
	driver.Close()
	result.Size = int64(dump.Len())
	dumpChecksum := manifest.ChecksumString(dump.String())

	compression := e.cfg.Snapshot.Compression
	var data bytes.Buffer
	cw, err := NewCompressor(&data, compression)
	if err != nil {
		result.Error = err
		e.handleError(result)
		return result, result.Error
	}
	if _, err := io.Copy(cw, &dump); err != nil {
		cw.Close()
		result.Error = fmt.Errorf("compression failed: %w", err)
		e.handleError(result)
		return result, result.Error
	}
	if err := cw.Close(); err != nil {
		result.Error = fmt.Errorf("compression failed: %w", err)
		e.handleError(result)
		return result, result.Error
	}
	result.CompressedSize = int64(data.Len())

	checksum, err := manifest.Checksum(bytes.NewReader(data.Bytes()))
	if err != nil {
		e.logger.Warn("failed to calculate checksum", "error", err)
	}
	result.Checksum = checksum

	storagePath := id + "." + manifest.FormatSQL + Extension(compression)
	if err := e.write(ctx, storagePath, data.Bytes()); err != nil {
		result.Error = fmt.Errorf("failed to write snapshot to storage: %w", err)
		e.handleError(result)
		return result, result.Error
	}

	m := manifest.New(id, source, version)
	m.Timestamp = startTime.UTC()
	if tables != nil {
		m.Source.Tables = tables
	}
	m.Snapshot.Compression = compression
	m.Snapshot.DumpChecksum = dumpChecksum

	result.Duration = time.Since(startTime)
	m.SetSnapshotInfo(result.Size, result.CompressedSize, result.Duration, result.Checksum)

	keepUntil, policy := e.rotator.RetentionInfo(startTime)
	m.SetRetention(keepUntil, policy)
	m.Type = policy
	m.AddFile(storagePath)
	m.AddFile(manifest.Path(id))

	metaJSON, err := m.ToJSON()
	if err != nil {
		result.Error = fmt.Errorf("failed to serialize manifest: %w", err)
		e.handleError(result)
		return result, result.Error
	}
	if err := e.write(ctx, manifest.Path(id), metaJSON); err != nil {
		result.Error = fmt.Errorf("failed to write manifest: %w", err)
		e.handleError(result)
		return result, result.Error
	}

	if e.cfg.Snapshot.VerifyAfterSnapshot {
		e.logger.Info("verifying snapshot", "id", id)
		if err := e.Validator().VerifyReplay(ctx, m); err != nil {
			result.VerifyError = err
			e.logger.Error("snapshot verification failed", "id", id, "error", err)
			e.notifier.SnapshotFailed(id, fmt.Errorf("snapshot verification failed: %w", err))
		} else {
			result.Verified = true
			e.logger.Info("snapshot verified", "id", id)
		}
	}

	e.mu.Lock()
	e.lastRun = startTime
	e.lastError = nil
	e.mu.Unlock()

	e.logger.Info("snapshot completed",
		"id", id,
		"bytes", result.Size,
		"compressed_bytes", result.CompressedSize,
		"duration", result.Duration,
		"type", m.Type,
		"verified", result.Verified,
	)

	e.metrics.RecordSnapshotSuccess(result.Duration, result.CompressedSize)
	e.updateStorageUsed(ctx)
	e.notifier.SnapshotCompleted(id, result.Size, result.Duration)

	return result, nil
}

func (e *Engine) write(ctx context.Context, path string, data []byte) error {
	_, err := WithRetry(ctx, e.retry, e.logger, "storage write "+path, func() (struct{}, error) {
		return struct{}{}, e.storage.Write(ctx, path, bytes.NewReader(data))
	})
	return err
}

// Validator returns a validator over the engine's storage.
func (e *Engine) Validator() *Validator {
	return NewValidator(e.storage, e.logger).WithStagingSuffix(e.cfg.Engine.StagingSuffix)
}

// Cleanup deletes the snapshots the retention policy lets go and returns how
// many were removed.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	e.logger.Info("running snapshot cleanup")

	snapshots, err := e.ListSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshots: %w", err)
	}

	expired := e.rotator.Expired(snapshots, time.Now())

	deleted := 0
	for _, m := range expired {
		e.logger.Info("deleting expired snapshot", "id", m.ID)

		files := m.Files
		if !containsString(files, manifest.Path(m.ID)) {
			files = append(files, manifest.Path(m.ID))
		}

		ok := true
		for _, file := range files {
			if err := e.storage.Delete(ctx, file); err != nil {
				ok = false
				e.logger.Warn("failed to delete snapshot file", "file", file, "error", err)
			}
		}
		if ok {
			deleted++
		}
	}

	e.logger.Info("cleanup completed", "deleted", deleted)
	e.updateStorageUsed(ctx)

	return deleted, nil
}

// ListSnapshots returns every readable manifest, newest first.
func (e *Engine) ListSnapshots(ctx context.Context) ([]*manifest.Manifest, error) {
	files, err := e.storage.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var snapshots []*manifest.Manifest

	for _, file := range files {
		if !strings.HasSuffix(file.Path, manifest.Suffix) {
			continue
		}

		m, err := e.readManifest(ctx, file.Path)
		if err != nil {
			e.logger.Warn("failed to read manifest", "path", file.Path, "error", err)
			continue
		}

		snapshots = append(snapshots, m)
	}

	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})

	return snapshots, nil
}

// GetSnapshot loads the manifest of one snapshot. A missing snapshot wraps
// storage.ErrNotFound.
func (e *Engine) GetSnapshot(ctx context.Context, id string) (*manifest.Manifest, error) {
	m, err := e.readManifest(ctx, manifest.Path(id))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	return m, nil
}

func (e *Engine) readManifest(ctx context.Context, path string) (*manifest.Manifest, error) {
	reader, err := e.storage.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	return manifest.Parse(data)
}

func (e *Engine) LastRun() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRun
}

func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

func (e *Engine) handleError(result *Result) {
	e.mu.Lock()
	e.lastError = result.Error
	e.mu.Unlock()

	e.logger.Error("snapshot failed", "id", result.ID, "error", result.Error)
	e.metrics.RecordSnapshotFailure()
	e.notifier.SnapshotFailed(result.ID, result.Error)
}

func (e *Engine) updateStorageUsed(ctx context.Context) {
	if e.metrics == nil {
		return
	}

	files, err := e.storage.List(ctx, "")
	if err != nil {
		e.logger.Warn("failed to measure storage", "error", err)
		return
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	e.metrics.SetStorageUsed(total)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
