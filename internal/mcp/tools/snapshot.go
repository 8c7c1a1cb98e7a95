package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/AltynCore/keste/internal/restore"
)

type EmptyInput struct{}

type SnapshotNowOutput struct {
	SnapshotID     string `json:"snapshot_id"`
	Timestamp      string `json:"timestamp"`
	SizeBytes      int64  `json:"size_bytes"`
	CompressedSize int64  `json:"compressed_size"`
	DurationMs     int64  `json:"duration_ms"`
	Checksum       string `json:"checksum"`
	Verified       bool   `json:"verified"`
}

type ListSnapshotsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of snapshots to return (default: 20)"`
}

type SnapshotItem struct {
	ID             string `json:"id"`
	Timestamp      string `json:"timestamp"`
	Source         string `json:"source"`
	SizeBytes      int64  `json:"size_bytes"`
	CompressedSize int64  `json:"compressed_size"`
	Compression    string `json:"compression"`
	Checksum       string `json:"checksum"`
}

type ListSnapshotsOutput struct {
	Count     int            `json:"count"`
	Snapshots []SnapshotItem `json:"snapshots"`
}

type SnapshotIDInput struct {
	SnapshotID string `json:"snapshot_id" jsonschema:"The snapshot ID"`
}

type GetSnapshotOutput struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Source    map[string]any `json:"source"`
	Snapshot  map[string]any `json:"snapshot"`
	Files     []string       `json:"files"`
	Retention map[string]any `json:"retention"`
}

type RestoreSnapshotInput struct {
	SnapshotID string `json:"snapshot_id" jsonschema:"The snapshot ID to restore from"`
	TargetPath string `json:"target_path,omitempty" jsonschema:"Optional: restore to this file instead of the snapshot's source"`
	DryRun     bool   `json:"dry_run,omitempty" jsonschema:"If true, check the snapshot without writing anything"`
}

type RestoreSnapshotOutput struct {
	SnapshotID    string `json:"snapshot_id"`
	TargetPath    string `json:"target_path"`
	Success       bool   `json:"success"`
	DryRun        bool   `json:"dry_run"`
	ChecksumValid bool   `json:"checksum_valid"`
	BytesWritten  int64  `json:"bytes_written"`
}

type VerifySnapshotOutput struct {
	SnapshotID string   `json:"snapshot_id"`
	Valid      bool     `json:"valid"`
	FileExists bool     `json:"file_exists"`
	SizeMatch  bool     `json:"size_match"`
	ChecksumOK bool     `json:"checksum_ok"`
	ReplayOK   bool     `json:"replay_ok"`
	Errors     []string `json:"errors,omitempty"`
}

type CleanupOutput struct {
	DeletedCount int    `json:"deleted_count"`
	Message      string `json:"message"`
}

type SnapshotStatusOutput struct {
	Status         string `json:"status"`
	TotalSnapshots int    `json:"total_snapshots"`
	StorageBytes   int64  `json:"storage_bytes"`
	LastSnapshot   string `json:"last_snapshot,omitempty"`
	LastRun        string `json:"last_run,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// RegisterSnapshotTools registers the snapshot archive tools.
func RegisterSnapshotTools(server *mcp.Server, toolCtx *ToolContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "snapshot_now",
		Description: "Take a snapshot of the configured source workbook now",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (*mcp.CallToolResult, SnapshotNowOutput, error) {
		result, err := toolCtx.Snapshots.Run(ctx)
		if err != nil {
			return nil, SnapshotNowOutput{}, err
		}

		return nil, SnapshotNowOutput{
			SnapshotID:     result.ID,
			Timestamp:      result.Timestamp.Format(time.RFC3339),
			SizeBytes:      result.Size,
			CompressedSize: result.CompressedSize,
			DurationMs:     result.Duration.Milliseconds(),
			Checksum:       result.Checksum,
			Verified:       result.Verified,
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_snapshots",
		Description: "List stored snapshots, newest first",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input ListSnapshotsInput) (*mcp.CallToolResult, ListSnapshotsOutput, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 20
		}

		snapshots, err := toolCtx.Snapshots.ListSnapshots(ctx)
		if err != nil {
			return nil, ListSnapshotsOutput{}, err
		}
		if len(snapshots) > limit {
			snapshots = snapshots[:limit]
		}

		items := make([]SnapshotItem, len(snapshots))
		for i, m := range snapshots {
			items[i] = SnapshotItem{
				ID:             m.ID,
				Timestamp:      m.Timestamp.Format(time.RFC3339),
				Source:         m.Source.Path,
				SizeBytes:      m.Snapshot.SizeBytes,
				CompressedSize: m.Snapshot.CompressedSize,
				Compression:    m.Snapshot.Compression,
				Checksum:       m.Snapshot.Checksum,
			}
		}

		return nil, ListSnapshotsOutput{Count: len(items), Snapshots: items}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_snapshot",
		Description: "Get the manifest of a specific snapshot",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input SnapshotIDInput) (*mcp.CallToolResult, GetSnapshotOutput, error) {
		m, err := toolCtx.Snapshots.GetSnapshot(ctx, input.SnapshotID)
		if err != nil {
			return nil, GetSnapshotOutput{}, err
		}

		return nil, GetSnapshotOutput{
			ID:        m.ID,
			Timestamp: m.Timestamp.Format(time.RFC3339),
			Type:      m.Type,
			Source: map[string]any{
				"path":           m.Source.Path,
				"tables":         m.Source.Tables,
				"sqlite_version": m.Source.SQLiteVersion,
			},
			Snapshot: map[string]any{
				"format":          m.Snapshot.Format,
				"compression":     m.Snapshot.Compression,
				"size_bytes":      m.Snapshot.SizeBytes,
				"compressed_size": m.Snapshot.CompressedSize,
				"duration_s":      m.Snapshot.DurationSeconds,
				"checksum":        m.Snapshot.Checksum,
				"dump_checksum":   m.Snapshot.DumpChecksum,
			},
			Files: m.Files,
			Retention: map[string]any{
				"keep_until": m.Retention.KeepUntil.Format(time.RFC3339),
				"policy":     m.Retention.Policy,
			},
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "restore_snapshot",
		Description: "Restore a workbook from a snapshot. The target is replaced atomically or left untouched.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input RestoreSnapshotInput) (*mcp.CallToolResult, RestoreSnapshotOutput, error) {
		target := input.TargetPath
		if target != "" {
			resolved, err := toolCtx.Persist.Resolve(target)
			if err != nil {
				return nil, RestoreSnapshotOutput{}, err
			}
			target = resolved
		}

		result, err := toolCtx.Restore.Restore(ctx, restore.Options{
			SnapshotID: input.SnapshotID,
			TargetPath: target,
			DryRun:     input.DryRun,
		})
		if err != nil {
			return nil, RestoreSnapshotOutput{}, err
		}

		return nil, RestoreSnapshotOutput{
			SnapshotID:    result.SnapshotID,
			TargetPath:    result.TargetPath,
			Success:       result.Success,
			DryRun:        input.DryRun,
			ChecksumValid: result.ChecksumValid,
			BytesWritten:  result.BytesWritten,
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "verify_snapshot",
		Description: "Check a snapshot's file, size and checksum, then replay it into a scratch database",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input SnapshotIDInput) (*mcp.CallToolResult, VerifySnapshotOutput, error) {
		m, err := toolCtx.Snapshots.GetSnapshot(ctx, input.SnapshotID)
		if err != nil {
			return nil, VerifySnapshotOutput{}, err
		}

		validator := toolCtx.Snapshots.Validator()
		result, err := validator.Validate(ctx, m)
		if err != nil {
			return nil, VerifySnapshotOutput{}, err
		}

		out := VerifySnapshotOutput{
			SnapshotID: input.SnapshotID,
			Valid:      result.Valid,
			FileExists: result.FileExists,
			SizeMatch:  result.SizeMatch,
			ChecksumOK: result.ChecksumOK,
			Errors:     result.Errors,
		}

		if result.Valid {
			if err := validator.VerifyReplay(ctx, m); err != nil {
				out.Valid = false
				out.Errors = append(out.Errors, err.Error())
			} else {
				out.ReplayOK = true
			}
		}

		return nil, out, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cleanup_snapshots",
		Description: "Delete snapshots the retention policy no longer keeps",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (*mcp.CallToolResult, CleanupOutput, error) {
		count, err := toolCtx.Snapshots.Cleanup(ctx)
		if err != nil {
			return nil, CleanupOutput{}, err
		}

		return nil, CleanupOutput{
			DeletedCount: count,
			Message:      fmt.Sprintf("Cleaned up %d old snapshots", count),
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "snapshot_status",
		Description: "Get the current status of the snapshot archive",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input EmptyInput) (*mcp.CallToolResult, SnapshotStatusOutput, error) {
		snapshots, err := toolCtx.Snapshots.ListSnapshots(ctx)
		if err != nil {
			return nil, SnapshotStatusOutput{}, err
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
		} else if time.Since(lastSnapshot) > toolCtx.Config.AlertDuration() {
			status = "warning: snapshot overdue"
		}

		out := SnapshotStatusOutput{
			Status:         status,
			TotalSnapshots: len(snapshots),
			StorageBytes:   totalSize,
		}
		if !lastSnapshot.IsZero() {
			out.LastSnapshot = lastSnapshot.Format(time.RFC3339)
		}
		if lastRun := toolCtx.Snapshots.LastRun(); !lastRun.IsZero() {
			out.LastRun = lastRun.Format(time.RFC3339)
		}
		if lastErr := toolCtx.Snapshots.LastError(); lastErr != nil {
			out.LastError = lastErr.Error()
		}

		return nil, out, nil
	})
}
