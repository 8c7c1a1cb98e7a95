// Package persist is the caller-facing side of the dump engine: it turns
// save and load requests into dump writes and reads, one save per path at a
// time, and reports every failure as a single message.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/AltynCore/keste/internal/config"
	"github.com/AltynCore/keste/internal/metrics"
	"github.com/AltynCore/keste/internal/notify"
	"github.com/AltynCore/keste/internal/workbook"
	"github.com/AltynCore/keste/pkg/database"
)

type SaveRequest struct {
	SQLDump string `json:"sql_dump"`
	OutPath string `json:"out_path"`
}

type SaveResult struct {
	BytesWritten int64 `json:"bytes_written"`
}

type LoadRequest struct {
	FilePath string `json:"file_path"`
}

type Options struct {
	StagingSuffix     string
	KeepFailedStaging bool
	// Root confines every path to one directory tree. Relative paths are
	// resolved against it, and dumps may not ATTACH other databases or
	// VACUUM INTO another file. Empty accepts any path.
	Root string
}

// OptionsFrom takes the engine section of cfg.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		StagingSuffix:     cfg.Engine.StagingSuffix,
		KeepFailedStaging: cfg.Engine.KeepFailedStaging,
		Root:              cfg.Engine.Root,
	}
}

type Engine struct {
	writer   *database.Writer
	root     string
	locks    *pathLocks
	metrics  *metrics.Metrics
	notifier *notify.Notifier
	logger   *slog.Logger
}

func NewEngine(opts Options, m *metrics.Metrics, notifier *notify.Notifier, logger *slog.Logger) *Engine {
	return &Engine{
		writer: database.NewWriter(database.WriterOptions{
			Suffix:            opts.StagingSuffix,
			KeepFailedStaging: opts.KeepFailedStaging,
			DenyAttach:        opts.Root != "",
			Logger:            logger,
		}),
		root:     opts.Root,
		locks:    newPathLocks(),
		metrics:  m,
		notifier: notifier,
		logger:   logger,
	}
}

// Save writes req.SQLDump to req.OutPath atomically. Concurrent saves to the
// same path run one after the other; the last to finish wins.
func (e *Engine) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	start := time.Now()

	path, err := e.resolve(req.OutPath)
	if err != nil {
		return nil, e.saveFailed(req.OutPath, start, err)
	}

	unlock := e.locks.lock(path)
	n, err := e.writer.Write(ctx, req.SQLDump, path)
	unlock()
	if err != nil {
		return nil, e.saveFailed(path, start, err)
	}

	duration := time.Since(start)
	e.metrics.RecordSave(duration, n, metrics.ResultSuccess)
	e.logger.Info("workbook saved", "path", path, "bytes", n, "duration", duration)
	go e.notifier.SaveCompleted(path, n, duration)

	return &SaveResult{BytesWritten: n}, nil
}

func (e *Engine) saveFailed(path string, start time.Time, err error) error {
	e.metrics.RecordSave(time.Since(start), 0, kind(err))
	e.logger.Error("workbook save failed", "path", path, "error", err)
	go e.notifier.SaveFailed(path, err)
	return writeError(err)
}

// Load returns the dump of the file at req.FilePath.
func (e *Engine) Load(ctx context.Context, req LoadRequest) (string, error) {
	start := time.Now()

	path, err := e.resolve(req.FilePath)
	if err != nil {
		return "", e.loadFailed(req.FilePath, start, err)
	}

	dump, err := database.ReadDump(ctx, path)
	if err != nil {
		return "", e.loadFailed(path, start, err)
	}

	e.metrics.RecordLoad(time.Since(start), metrics.ResultSuccess)
	e.logger.Info("workbook loaded", "path", path, "bytes", len(dump))
	return dump, nil
}

func (e *Engine) loadFailed(path string, start time.Time, err error) error {
	e.metrics.RecordLoad(time.Since(start), kind(err))
	e.logger.Error("workbook load failed", "path", path, "error", err)
	return readError(err)
}

// SaveWorkbook encodes wb and saves it to path.
func (e *Engine) SaveWorkbook(ctx context.Context, wb *workbook.Workbook, path string) (*SaveResult, error) {
	dump, err := workbook.Encode(wb)
	if err != nil {
		return nil, e.saveFailed(path, time.Now(), err)
	}
	return e.Save(ctx, SaveRequest{SQLDump: dump, OutPath: path})
}

// ImportXLSX reads the .xlsx file at src and saves it as a workbook at dst.
// Both paths follow the engine's path rules.
func (e *Engine) ImportXLSX(ctx context.Context, src, dst string) (*workbook.Workbook, *SaveResult, error) {
	start := time.Now()

	path, err := e.resolve(src)
	if err != nil {
		return nil, nil, e.saveFailed(src, start, err)
	}

	wb, err := workbook.ReadXLSXFile(path)
	if err != nil {
		return nil, nil, e.saveFailed(path, start, err)
	}

	res, err := e.SaveWorkbook(ctx, wb, dst)
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("xlsx imported", "source", path, "sheets", len(wb.Sheets), "bytes", res.BytesWritten)
	return wb, res, nil
}

// LoadWorkbook decodes the workbook stored at path.
func (e *Engine) LoadWorkbook(ctx context.Context, path string) (*workbook.Workbook, error) {
	start := time.Now()

	resolved, err := e.resolve(path)
	if err != nil {
		return nil, e.loadFailed(path, start, err)
	}

	wb, err := workbook.Decode(ctx, resolved)
	if err != nil {
		return nil, e.loadFailed(resolved, start, err)
	}

	e.metrics.RecordLoad(time.Since(start), metrics.ResultSuccess)
	return wb, nil
}

// Resolve applies the engine's path rules to path.
func (e *Engine) Resolve(path string) (string, error) {
	return e.resolve(path)
}

func (e *Engine) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidRequest)
	}

	if e.root == "" {
		return filepath.Clean(path), nil
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(e.root, path)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(e.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidRequest, path, e.root)
	}
	return path, nil
}
