package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AltynCore/keste/internal/api"
	"github.com/AltynCore/keste/internal/config"
	"github.com/AltynCore/keste/internal/mcp"
	"github.com/AltynCore/keste/internal/mcp/oauth"
	"github.com/AltynCore/keste/internal/mcp/tools"
	"github.com/AltynCore/keste/internal/metrics"
	"github.com/AltynCore/keste/internal/persist"
	"github.com/AltynCore/keste/internal/restore"
	"github.com/AltynCore/keste/internal/snapshot"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and MCP endpoint, and run scheduled snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m := metrics.New("keste")

			store, err := openStore()
			if err != nil {
				return err
			}

			persistEngine := persist.NewEngine(persist.OptionsFrom(cfg), m, notifier, logger)
			snapshots := snapshot.NewEngine(cfg, store, notifier, m, logger)

			var scheduler *snapshot.Scheduler
			if cfg.SnapshotsEnabled() {
				scheduler = snapshot.NewScheduler(snapshots, cfg.Snapshot.Schedule, logger)
				if err := scheduler.Start(ctx); err != nil {
					return fmt.Errorf("failed to start scheduler: %w", err)
				}
				defer scheduler.Stop()
			} else {
				logger.Info("no snapshot source configured, scheduler disabled")
			}

			apiMux := http.NewServeMux()
			api.NewHandler(persistEngine, logger).RegisterRoutes(apiMux)

			baseURL := cfg.MCP.BaseURL
			if baseURL == "" {
				baseURL = "http://localhost" + cfg.API.Listen
			}

			mcpHandler := mcp.NewHandler(&tools.ToolContext{
				Config:    cfg,
				Storage:   store,
				Persist:   persistEngine,
				Snapshots: snapshots,
				Restore:   restore.NewEngine(cfg, store, logger),
				Logger:    logger,
			}, cfg.MCP.APIKey, baseURL)
			if mcpHandler.Enabled() {
				apiMux.Handle("/mcp", mcpHandler)
				oauth.NewHandler(baseURL).RegisterRoutes(apiMux)
				logger.Info("MCP endpoint enabled", "path", "/mcp")
			}

			healthMux := http.NewServeMux()
			healthMux.HandleFunc("/health", healthHandler(snapshots, scheduler))
			healthMux.Handle("/metrics", metrics.Handler())

			servers := []*http.Server{
				{Addr: cfg.API.Listen, Handler: apiMux},
				{Addr: fmt.Sprintf(":%d", cfg.Monitoring.HealthPort), Handler: healthMux},
				{Addr: fmt.Sprintf(":%d", cfg.Monitoring.MetricsPort), Handler: metrics.Handler()},
			}

			errCh := make(chan error, len(servers))
			for _, srv := range servers {
				go func() {
					logger.Info("server starting", "addr", srv.Addr)
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						errCh <- fmt.Errorf("server %s: %w", srv.Addr, err)
					}
				}()
			}

			if scheduler != nil {
				go alertMonitor(ctx, snapshots, scheduler, cfg, m)
			}

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
				logger.Error("server failed", "error", serveErr)
			}

			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()

			for _, srv := range servers {
				srv.Shutdown(shutdownCtx)
			}

			return serveErr
		},
	}
}

func healthHandler(engine *snapshot.Engine, scheduler *snapshot.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		lastRun := engine.LastRun()
		lastErr := engine.LastError()

		if lastErr != nil {
			status = "unhealthy"
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		fmt.Fprintf(w, "status: %s\n", status)
		if !lastRun.IsZero() {
			fmt.Fprintf(w, "last_snapshot: %s\n", lastRun.Format(time.RFC3339))
		}
		if lastErr != nil {
			fmt.Fprintf(w, "last_error: %s\n", lastErr.Error())
		}
		if scheduler != nil {
			if nextRun := scheduler.NextRun(); !nextRun.IsZero() {
				fmt.Fprintf(w, "next_snapshot: %s\n", nextRun.Format(time.RFC3339))
			}
		}
	}
}

// alertMonitor refreshes the storage gauge hourly and raises an alert when
// no snapshot has succeeded within the configured window. Ticks that found
// the workbook unchanged count as current.
func alertMonitor(ctx context.Context, engine *snapshot.Engine, scheduler *snapshot.Scheduler, cfg *config.Config, m *metrics.Metrics) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkOverdue(ctx, engine, cfg, m, scheduler.LastCurrent(), time.Now())
		}
	}
}

func checkOverdue(ctx context.Context, engine *snapshot.Engine, cfg *config.Config, m *metrics.Metrics, current, now time.Time) bool {
	snapshots, err := engine.ListSnapshots(ctx)
	if err != nil {
		logger.Warn("failed to list snapshots", "error", err)
		return false
	}

	var totalSize int64
	var last time.Time
	for _, s := range snapshots {
		totalSize += s.Snapshot.CompressedSize
		if s.Timestamp.After(last) {
			last = s.Timestamp
		}
	}
	m.SetStorageUsed(totalSize)

	if last.IsZero() || now.Sub(last) <= cfg.AlertDuration() {
		return false
	}
	if !current.IsZero() && now.Sub(current) <= cfg.AlertDuration() {
		return false
	}

	notifier.Alert(fmt.Sprintf(
		"No snapshot in %d hours. Last snapshot: %s",
		cfg.Monitoring.AlertAfterHours,
		last.Format(time.RFC3339),
	))
	return true
}

