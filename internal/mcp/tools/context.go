package tools

import (
	"log/slog"

	"github.com/AltynCore/keste/internal/config"
	"github.com/AltynCore/keste/internal/persist"
	"github.com/AltynCore/keste/internal/restore"
	"github.com/AltynCore/keste/internal/snapshot"
	"github.com/AltynCore/keste/internal/storage"
)

// ToolContext carries the engines shared by every MCP tool.
type ToolContext struct {
	Config    *config.Config
	Storage   storage.Backend
	Persist   *persist.Engine
	Snapshots *snapshot.Engine
	Restore   *restore.Engine
	Logger    *slog.Logger
}
