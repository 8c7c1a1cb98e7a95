package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/AltynCore/keste/internal/restore"
	"github.com/AltynCore/keste/internal/snapshot"
)

func snapshotEngine() (*snapshot.Engine, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	return snapshot.NewEngine(cfg, store, notifier, nil, logger), nil
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Take a snapshot of the configured workbook now",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := snapshotEngine()
			if err != nil {
				return err
			}

			result, err := engine.Run(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Snapshot completed successfully\n")
			fmt.Fprintf(out, "  ID: %s\n", result.ID)
			fmt.Fprintf(out, "  Size: %s\n", humanize.IBytes(uint64(result.Size)))
			fmt.Fprintf(out, "  Compressed: %s\n", humanize.IBytes(uint64(result.CompressedSize)))
			fmt.Fprintf(out, "  Duration: %s\n", result.Duration.Round(time.Millisecond))
			if cfg.Snapshot.VerifyAfterSnapshot {
				fmt.Fprintf(out, "  Replay verified: %v\n", result.Verified)
			}

			return nil
		},
	}
}

func snapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List stored snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := snapshotEngine()
			if err != nil {
				return err
			}

			snapshots, err := engine.ListSnapshots(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(snapshots) == 0 {
				fmt.Fprintln(out, "No snapshots found")
				return nil
			}

			fmt.Fprintf(out, "%-30s %-20s %-12s %-6s %s\n", "ID", "DATE", "SIZE", "COMP", "SOURCE")
			for _, m := range snapshots {
				fmt.Fprintf(out, "%-30s %-20s %-12s %-6s %s\n",
					m.ID,
					m.Timestamp.Format("2006-01-02 15:04"),
					humanize.IBytes(uint64(m.Snapshot.CompressedSize)),
					m.Snapshot.Compression,
					m.Source.Path,
				)
			}

			return nil
		},
	}

	cmd.AddCommand(snapshotVerifyCmd())

	return cmd
}

func snapshotVerifyCmd() *cobra.Command {
	var skipReplay bool

	cmd := &cobra.Command{
		Use:   "verify <snapshot-id>",
		Short: "Validate a stored snapshot and replay it into a scratch database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			engine, err := snapshotEngine()
			if err != nil {
				return err
			}

			m, err := engine.GetSnapshot(ctx, args[0])
			if err != nil {
				return err
			}

			validator := engine.Validator()
			result, err := validator.Validate(ctx, m)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !result.Valid {
				fmt.Fprintf(out, "Snapshot %s is INVALID\n", args[0])
				for _, e := range result.Errors {
					fmt.Fprintf(out, "  - %s\n", e)
				}
				return fmt.Errorf("snapshot validation failed")
			}

			fmt.Fprintf(out, "Snapshot %s is valid\n", args[0])
			fmt.Fprintf(out, "  File exists: %v\n", result.FileExists)
			fmt.Fprintf(out, "  Size match: %v\n", result.SizeMatch)
			fmt.Fprintf(out, "  Checksum OK: %v\n", result.ChecksumOK)

			if skipReplay {
				return nil
			}
			if err := validator.VerifyReplay(ctx, m); err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}
			fmt.Fprintf(out, "  Replay OK: true\n")

			return nil
		},
	}

	cmd.Flags().BoolVar(&skipReplay, "skip-replay", false, "only check file, size and checksum")

	return cmd
}

func restoreCmd() *cobra.Command {
	var target string
	var dryRun bool
	var verifyChecksum bool

	cmd := &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Restore a workbook from a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			result, err := restore.NewEngine(cfg, store, logger).Restore(cmd.Context(), restore.Options{
				SnapshotID:     args[0],
				TargetPath:     target,
				DryRun:         dryRun,
				VerifyChecksum: verifyChecksum,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintf(out, "Dry run completed - %s would be restored to %s\n", result.SnapshotID, result.TargetPath)
				return nil
			}

			fmt.Fprintf(out, "Restore completed successfully\n")
			fmt.Fprintf(out, "  Snapshot: %s\n", result.SnapshotID)
			fmt.Fprintf(out, "  Target: %s\n", result.TargetPath)
			fmt.Fprintf(out, "  Written: %s\n", humanize.IBytes(uint64(result.BytesWritten)))

			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "restore to this file instead of the snapshot's source")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "check the snapshot without writing")
	cmd.Flags().BoolVar(&verifyChecksum, "verify", false, "verify checksums before writing")

	return cmd
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete snapshots the retention policy no longer keeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := snapshotEngine()
			if err != nil {
				return err
			}

			count, err := engine.Cleanup(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cleanup completed: %d snapshots deleted\n", count)
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check snapshot archive health",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := snapshotEngine()
			if err != nil {
				return err
			}

			snapshots, err := engine.ListSnapshots(cmd.Context())
			if err != nil {
				return err
			}

			var totalSize int64
			var lastSnapshot time.Time
			for _, m := range snapshots {
				totalSize += m.Snapshot.CompressedSize
				if m.Timestamp.After(lastSnapshot) {
					lastSnapshot = m.Timestamp
				}
			}

			status := "healthy"
			if len(snapshots) == 0 {
				status = "warning: no snapshots found"
			} else if time.Since(lastSnapshot) > cfg.AlertDuration() {
				status = "warning: snapshot overdue"
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %s\n", status)
			if !lastSnapshot.IsZero() {
				fmt.Fprintf(out, "Last snapshot: %s (%s)\n", lastSnapshot.Format("2006-01-02 15:04:05"), humanize.Time(lastSnapshot))
			}
			fmt.Fprintf(out, "Total snapshots: %d\n", len(snapshots))
			fmt.Fprintf(out, "Storage used: %s\n", humanize.IBytes(uint64(totalSize)))

			return nil
		},
	}
}
