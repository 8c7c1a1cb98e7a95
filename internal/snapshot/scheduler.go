package snapshot

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TickOutcome says what a scheduled tick did.
type TickOutcome string

const (
	TickSnapshot  TickOutcome = "snapshot"
	TickFailed    TickOutcome = "failed"
	TickNoSource  TickOutcome = "no_source"
	TickUnchanged TickOutcome = "unchanged"
)

// sourceState identifies one version of the source workbook on disk.
type sourceState struct {
	modTime time.Time
	size    int64
}

// Scheduler takes snapshots of the configured workbook on a cron schedule.
// A tick is skipped when no source is configured or when the workbook has
// not changed since the last successful snapshot. Ticks never overlap.
type Scheduler struct {
	engine   *Engine
	schedule string
	logger   *slog.Logger

	mu      sync.RWMutex
	cron    *cron.Cron
	running bool
	nextRun time.Time

	// last is the source state captured by the last successful snapshot.
	last    sourceState
	lastTry TickOutcome
	current time.Time
}

func NewScheduler(engine *Engine, schedule string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		engine:   engine,
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the five-field cron schedule and starts the cron loop.
// Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	entryID, err := c.AddFunc("0 "+s.schedule, func() {
		s.tick(ctx)
	})
	if err != nil {
		return err
	}

	c.Start()

	s.cron = c
	s.running = true
	s.nextRun = c.Entry(entryID).Next

	s.logger.Info("snapshot scheduler started",
		"schedule", s.schedule,
		"next_run", s.nextRun,
	)
	return nil
}

// Stop halts the cron loop and waits for a tick in progress to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.running = false
	s.mu.Unlock()

	<-c.Stop().Done()
	s.logger.Info("snapshot scheduler stopped")
}

// RunNow takes a snapshot immediately, outside the schedule and without the
// unchanged-source check.
func (s *Scheduler) RunNow(ctx context.Context) (*Result, error) {
	return s.engine.Run(ctx)
}

func (s *Scheduler) NextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextRun
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// LastOutcome reports what the most recent scheduled tick did, or "" before
// the first tick.
func (s *Scheduler) LastOutcome() TickOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTry
}

// LastCurrent is when a tick last found the newest snapshot matching the
// workbook, either by taking it or by seeing the workbook unchanged.
func (s *Scheduler) LastCurrent() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Scheduler) Engine() *Engine {
	return s.engine
}

func (s *Scheduler) tick(ctx context.Context) TickOutcome {
	outcome := s.snapshotIfChanged(ctx)

	s.mu.Lock()
	s.lastTry = outcome
	if outcome == TickSnapshot || outcome == TickUnchanged {
		s.current = time.Now()
	}
	if s.cron != nil {
		if entries := s.cron.Entries(); len(entries) > 0 {
			s.nextRun = entries[0].Next
		}
	}
	s.mu.Unlock()

	return outcome
}

func (s *Scheduler) snapshotIfChanged(ctx context.Context) TickOutcome {
	source := s.engine.cfg.Snapshot.Source
	if source == "" {
		s.logger.Warn("scheduled snapshot skipped, no source configured")
		return TickNoSource
	}

	state, err := statSource(source)
	if err != nil {
		// Run anyway: the engine records the failure, which surfaces in
		// health checks and alerts.
		s.logger.Warn("cannot stat snapshot source", "path", source, "error", err)
	} else if s.unchanged(state) {
		s.logger.Info("scheduled snapshot skipped, workbook unchanged",
			"path", source,
			"modified", state.modTime,
		)
		return TickUnchanged
	}

	result, err := s.engine.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled snapshot failed", "path", source, "error", err)
		return TickFailed
	}

	s.mu.Lock()
	s.last = state
	s.mu.Unlock()

	s.logger.Info("scheduled snapshot completed",
		"id", result.ID,
		"bytes", result.Size,
		"compressed_bytes", result.CompressedSize,
		"duration", result.Duration,
		"verified", result.Verified,
	)

	if n, err := s.engine.Cleanup(ctx); err != nil {
		s.logger.Error("snapshot cleanup failed", "error", err)
	} else if n > 0 {
		s.logger.Info("expired snapshots removed", "count", n)
	}

	return TickSnapshot
}

func (s *Scheduler) unchanged(state sourceState) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.last.modTime.IsZero() &&
		s.last.size == state.size &&
		s.last.modTime.Equal(state.modTime)
}

// statSource captures the workbook and its WAL, since writes in WAL mode
// land in the -wal file first.
func statSource(path string) (sourceState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return sourceState{}, err
	}
	state := sourceState{modTime: info.ModTime(), size: info.Size()}

	if wal, err := os.Stat(path + "-wal"); err == nil {
		if wal.ModTime().After(state.modTime) {
			state.modTime = wal.ModTime()
		}
		state.size += wal.Size()
	}
	return state, nil
}

// cronLogger routes cron's own messages, such as skipped overlapping
// ticks, to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
