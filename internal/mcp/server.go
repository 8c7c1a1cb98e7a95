package mcp

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/AltynCore/keste/internal/mcp/tools"
)

// NewServer creates an MCP server with the workbook and snapshot tools
// registered.
func NewServer(toolCtx *tools.ToolContext) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "keste",
		Version: "1.0.0",
	}, nil)

	tools.RegisterWorkbookTools(server, toolCtx)
	tools.RegisterSnapshotTools(server, toolCtx)

	return server
}
