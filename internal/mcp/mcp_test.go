package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/xuri/excelize/v2"

	"github.com/AltynCore/keste/internal/config"
	"github.com/AltynCore/keste/internal/mcp/tools"
	"github.com/AltynCore/keste/internal/persist"
	"github.com/AltynCore/keste/internal/restore"
	"github.com/AltynCore/keste/internal/snapshot"
	"github.com/AltynCore/keste/internal/storage"
	"github.com/AltynCore/keste/internal/workbook"
)

func newToolContext(t *testing.T) (*tools.ToolContext, string) {
	t.Helper()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Engine.Root = root
	cfg.Snapshot.Source = filepath.Join(root, "book.kst")
	cfg.Storage.Path = t.TempDir()

	store, err := storage.New("local", cfg.Storage.Path, nil)
	if err != nil {
		t.Fatal(err)
	}

	return &tools.ToolContext{
		Config:    cfg,
		Storage:   store,
		Persist:   persist.NewEngine(persist.OptionsFrom(cfg), nil, nil, logger),
		Snapshots: snapshot.NewEngine(cfg, store, nil, nil, logger),
		Restore:   restore.NewEngine(cfg, store, logger),
		Logger:    logger,
	}, root
}

func connect(t *testing.T, toolCtx *tools.ToolContext) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	if _, err := NewServer(toolCtx).Connect(ctx, serverTransport, nil); err != nil {
		t.Fatal(err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func call(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if out != nil && !res.IsError {
		data, err := json.Marshal(res.StructuredContent)
		if err != nil {
			t.Fatal(err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s output: %v", name, err)
		}
	}
	return res
}

func errorText(res *mcp.CallToolResult) string {
	if !res.IsError || len(res.Content) == 0 {
		return ""
	}
	if text, ok := res.Content[0].(*mcp.TextContent); ok {
		return text.Text
	}
	return ""
}

func TestServer_ListTools(t *testing.T) {
	toolCtx, _ := newToolContext(t)
	session := connect(t, toolCtx)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	got := map[string]bool{}
	for _, tool := range res.Tools {
		got[tool.Name] = true
	}

	for _, name := range []string{
		"save_sql_dump", "load_sql_dump", "inspect_workbook", "import_xlsx",
		"snapshot_now", "list_snapshots", "get_snapshot", "restore_snapshot",
		"verify_snapshot", "cleanup_snapshots", "snapshot_status",
	} {
		if !got[name] {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestWorkbookTools(t *testing.T) {
	toolCtx, root := newToolContext(t)
	session := connect(t, toolCtx)

	var saved tools.SaveOutput
	res := call(t, session, "save_sql_dump", map[string]any{
		"sql_dump": "CREATE TABLE t(x INTEGER); INSERT INTO t VALUES (1);",
		"out_path": "book.kst",
	}, &saved)
	if res.IsError {
		t.Fatalf("save_sql_dump failed: %s", errorText(res))
	}

	info, err := os.Stat(filepath.Join(root, "book.kst"))
	if err != nil {
		t.Fatal(err)
	}
	if saved.BytesWritten != info.Size() {
		t.Errorf("bytes_written = %d, file has %d", saved.BytesWritten, info.Size())
	}

	var loaded tools.LoadOutput
	res = call(t, session, "load_sql_dump", map[string]any{"file_path": "book.kst"}, &loaded)
	if res.IsError {
		t.Fatalf("load_sql_dump failed: %s", errorText(res))
	}
	if !strings.Contains(loaded.SQLDump, `INSERT INTO "t"("x") VALUES(1);`) {
		t.Errorf("sql_dump = %q", loaded.SQLDump)
	}

	res = call(t, session, "inspect_workbook", map[string]any{"file_path": "book.kst"}, nil)
	if !strings.Contains(errorText(res), "not a keste workbook") {
		t.Errorf("inspect_workbook on a plain database: %q", errorText(res))
	}
}

func TestImportTool(t *testing.T) {
	toolCtx, root := newToolContext(t)
	session := connect(t, toolCtx)

	f := excelize.NewFile()
	if err := f.SetCellValue("Sheet1", "A1", "Rent"); err != nil {
		t.Fatal(err)
	}
	if err := f.SetCellValue("Sheet1", "B1", 980); err != nil {
		t.Fatal(err)
	}
	if err := f.SaveAs(filepath.Join(root, "rent.xlsx")); err != nil {
		t.Fatal(err)
	}
	f.Close()

	var imported tools.ImportOutput
	res := call(t, session, "import_xlsx", map[string]any{"xlsx_path": "rent.xlsx", "out_path": "book.kst"}, &imported)
	if res.IsError {
		t.Fatalf("import_xlsx failed: %s", errorText(res))
	}
	if imported.Sheets != 1 || imported.Cells != 2 || imported.BytesWritten == 0 {
		t.Errorf("import_xlsx = %+v", imported)
	}

	var sum workbook.Summary
	res = call(t, session, "inspect_workbook", map[string]any{"file_path": "book.kst"}, &sum)
	if res.IsError {
		t.Fatalf("inspect_workbook failed: %s", errorText(res))
	}
	if sum.Cells != 2 {
		t.Errorf("inspect_workbook cells = %d, want 2", sum.Cells)
	}
}

func TestWorkbookTools_Errors(t *testing.T) {
	toolCtx, root := newToolContext(t)
	session := connect(t, toolCtx)

	tests := []struct {
		name       string
		tool       string
		args       map[string]any
		wantPrefix string
	}{
		{"malformed sql", "save_sql_dump", map[string]any{"sql_dump": "CREATE TABLE t(", "out_path": "bad.kst"}, "SQLite write error: "},
		{"outside root", "save_sql_dump", map[string]any{"sql_dump": "", "out_path": "../x.kst"}, "SQLite write error: "},
		{"missing out_path", "save_sql_dump", map[string]any{"sql_dump": "", "out_path": ""}, "invalid request"},
		{"missing file", "load_sql_dump", map[string]any{"file_path": "missing.kst"}, "SQLite read error: "},
		{"import missing xlsx", "import_xlsx", map[string]any{"xlsx_path": "missing.xlsx", "out_path": "bad.kst"}, "SQLite write error: "},
		{"import without out_path", "import_xlsx", map[string]any{"xlsx_path": "book.xlsx", "out_path": ""}, "invalid request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, session, tt.tool, tt.args, nil)
			if !res.IsError {
				t.Fatal("expected a tool error")
			}
			if msg := errorText(res); !strings.HasPrefix(msg, tt.wantPrefix) {
				t.Errorf("error = %q, want prefix %q", msg, tt.wantPrefix)
			}
		})
	}

	if _, err := os.Stat(filepath.Join(root, "bad.kst")); !os.IsNotExist(err) {
		t.Error("failed save created the destination")
	}
}

func TestSnapshotTools(t *testing.T) {
	toolCtx, root := newToolContext(t)
	session := connect(t, toolCtx)

	res := call(t, session, "save_sql_dump", map[string]any{
		"sql_dump": "CREATE TABLE t(x INTEGER); INSERT INTO t VALUES (1); INSERT INTO t VALUES (2);",
		"out_path": "book.kst",
	}, nil)
	if res.IsError {
		t.Fatalf("save_sql_dump failed: %s", errorText(res))
	}

	var snap tools.SnapshotNowOutput
	res = call(t, session, "snapshot_now", map[string]any{}, &snap)
	if res.IsError {
		t.Fatalf("snapshot_now failed: %s", errorText(res))
	}
	if snap.SnapshotID == "" || snap.Checksum == "" {
		t.Fatalf("snapshot_now = %+v", snap)
	}

	var list tools.ListSnapshotsOutput
	call(t, session, "list_snapshots", map[string]any{}, &list)
	if list.Count != 1 || list.Snapshots[0].ID != snap.SnapshotID {
		t.Errorf("list_snapshots = %+v", list)
	}

	var got tools.GetSnapshotOutput
	res = call(t, session, "get_snapshot", map[string]any{"snapshot_id": snap.SnapshotID}, &got)
	if res.IsError {
		t.Fatalf("get_snapshot failed: %s", errorText(res))
	}
	if got.Source["path"] != filepath.Join(root, "book.kst") {
		t.Errorf("source path = %v", got.Source["path"])
	}

	var verified tools.VerifySnapshotOutput
	call(t, session, "verify_snapshot", map[string]any{"snapshot_id": snap.SnapshotID}, &verified)
	if !verified.Valid || !verified.ReplayOK {
		t.Errorf("verify_snapshot = %+v", verified)
	}

	var restored tools.RestoreSnapshotOutput
	res = call(t, session, "restore_snapshot", map[string]any{
		"snapshot_id": snap.SnapshotID,
		"target_path": "restored.kst",
	}, &restored)
	if res.IsError {
		t.Fatalf("restore_snapshot failed: %s", errorText(res))
	}
	if restored.TargetPath != filepath.Join(root, "restored.kst") || restored.BytesWritten == 0 {
		t.Errorf("restore_snapshot = %+v", restored)
	}

	var loaded tools.LoadOutput
	call(t, session, "load_sql_dump", map[string]any{"file_path": "restored.kst"}, &loaded)
	if !strings.Contains(loaded.SQLDump, `VALUES(2);`) {
		t.Errorf("restored dump = %q", loaded.SQLDump)
	}

	res = call(t, session, "restore_snapshot", map[string]any{
		"snapshot_id": snap.SnapshotID,
		"target_path": "../outside.kst",
	}, nil)
	if !res.IsError {
		t.Error("restore outside the root should fail")
	}

	var status tools.SnapshotStatusOutput
	call(t, session, "snapshot_status", map[string]any{}, &status)
	if status.Status != "healthy" || status.TotalSnapshots != 1 || status.LastRun == "" {
		t.Errorf("snapshot_status = %+v", status)
	}

	var cleanup tools.CleanupOutput
	call(t, session, "cleanup_snapshots", map[string]any{}, &cleanup)
	if cleanup.DeletedCount != 0 {
		t.Errorf("cleanup_snapshots deleted %d, want 0", cleanup.DeletedCount)
	}
}

func TestSnapshotTools_UnknownSnapshot(t *testing.T) {
	toolCtx, _ := newToolContext(t)
	session := connect(t, toolCtx)

	for _, tool := range []string{"get_snapshot", "verify_snapshot", "restore_snapshot"} {
		res := call(t, session, tool, map[string]any{"snapshot_id": "nope"}, nil)
		if !res.IsError {
			t.Errorf("%s on an unknown snapshot should fail", tool)
		}
	}

	var status tools.SnapshotStatusOutput
	call(t, session, "snapshot_status", map[string]any{}, &status)
	if status.Status != "warning: no snapshots found" {
		t.Errorf("status = %q", status.Status)
	}
}

func TestHandler_Auth(t *testing.T) {
	toolCtx, _ := newToolContext(t)

	initialize := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`

	tests := []struct {
		name       string
		apiKey     string
		header     string
		wantStatus int
	}{
		{"not configured", "", "Bearer anything", http.StatusServiceUnavailable},
		{"missing token", "secret", "", http.StatusUnauthorized},
		{"wrong token", "secret", "Bearer wrong", http.StatusUnauthorized},
		{"valid token", "secret", "Bearer secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(toolCtx, tt.apiKey, "https://keste.example.com/")
			if h.Enabled() != (tt.apiKey != "") {
				t.Errorf("Enabled() = %v", h.Enabled())
			}

			req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(initialize))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json, text/event-stream")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %q)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusUnauthorized {
				want := `Bearer resource_metadata="https://keste.example.com/.well-known/oauth-protected-resource", scope="mcp:full"`
				if got := w.Header().Get("WWW-Authenticate"); got != want {
					t.Errorf("WWW-Authenticate = %q, want %q", got, want)
				}
			}
		})
	}
}
