package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/AltynCore/keste/internal/persist"
	"github.com/AltynCore/keste/internal/workbook"
)

type SaveInput struct {
	SQLDump string `json:"sql_dump" jsonschema:"SQL script that recreates the database"`
	OutPath string `json:"out_path" jsonschema:"Destination .kst file"`
}

type SaveOutput struct {
	Path         string `json:"path"`
	BytesWritten int64  `json:"bytes_written"`
}

type LoadInput struct {
	FilePath string `json:"file_path" jsonschema:"The .kst file to read"`
}

type LoadOutput struct {
	Path    string `json:"path"`
	SQLDump string `json:"sql_dump"`
}

type ImportInput struct {
	XLSXPath string `json:"xlsx_path" jsonschema:"The .xlsx file to convert"`
	OutPath  string `json:"out_path" jsonschema:"Destination .kst file"`
}

type ImportOutput struct {
	Path         string `json:"path"`
	BytesWritten int64  `json:"bytes_written"`
	Sheets       int    `json:"sheets"`
	Cells        int    `json:"cells"`
}

// RegisterWorkbookTools registers save_sql_dump, load_sql_dump,
// inspect_workbook and import_xlsx.
func RegisterWorkbookTools(server *mcp.Server, toolCtx *ToolContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "save_sql_dump",
		Description: "Replay a SQL dump into a fresh SQLite file and atomically replace the destination",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input SaveInput) (*mcp.CallToolResult, SaveOutput, error) {
		if input.OutPath == "" {
			return nil, SaveOutput{}, fmt.Errorf("%w: out_path is required", persist.ErrInvalidRequest)
		}

		res, err := toolCtx.Persist.Save(ctx, persist.SaveRequest{
			SQLDump: input.SQLDump,
			OutPath: input.OutPath,
		})
		if err != nil {
			return nil, SaveOutput{}, err
		}

		return nil, SaveOutput{Path: input.OutPath, BytesWritten: res.BytesWritten}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "load_sql_dump",
		Description: "Read a SQLite file and return a SQL dump that recreates it",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input LoadInput) (*mcp.CallToolResult, LoadOutput, error) {
		dump, err := toolCtx.Persist.Load(ctx, persist.LoadRequest{FilePath: input.FilePath})
		if err != nil {
			return nil, LoadOutput{}, err
		}
		return nil, LoadOutput{Path: input.FilePath, SQLDump: dump}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "inspect_workbook",
		Description: "Summarize the sheets, cells and formulas of a .kst workbook",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input LoadInput) (*mcp.CallToolResult, workbook.Summary, error) {
		wb, err := toolCtx.Persist.LoadWorkbook(ctx, input.FilePath)
		if err != nil {
			return nil, workbook.Summary{}, err
		}
		return nil, wb.Summary(), nil
	})
	mcp.AddTool(server, &mcp.Tool{
		Name:        "import_xlsx",
		Description: "Convert an Excel .xlsx file into a .kst workbook",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input ImportInput) (*mcp.CallToolResult, ImportOutput, error) {
		if input.XLSXPath == "" || input.OutPath == "" {
			return nil, ImportOutput{}, fmt.Errorf("%w: xlsx_path and out_path are required", persist.ErrInvalidRequest)
		}

		wb, res, err := toolCtx.Persist.ImportXLSX(ctx, input.XLSXPath, input.OutPath)
		if err != nil {
			return nil, ImportOutput{}, err
		}

		sum := wb.Summary()
		return nil, ImportOutput{
			Path:         input.OutPath,
			BytesWritten: res.BytesWritten,
			Sheets:       len(sum.Sheets),
			Cells:        sum.Cells,
		}, nil
	})
}
