package api

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/mhx/internal/pipeline"
	"github.com/kalambet/mhx/internal/synapse"
	"github.com/kalambet/mhx/internal/table"
)

// --- mocks ---

type mockConverter struct {
	calls [][]string
	err   error
}

func (m *mockConverter) Convert(_ context.Context, inputs []string) ([]string, error) {
	m.calls = append(m.calls, inputs)
	if m.err != nil {
		return nil, m.err
	}
	out := make([]string, len(inputs))
	for i, in := range inputs {
		out[i] = strings.TrimSuffix(in, filepath.Ext(in)) + ".wav"
	}
	return out, nil
}

// --- helpers ---

// newTestMCPDeps returns deps whose sessions talk to a fresh emulator.
func newTestMCPDeps(t *testing.T) (MCPDeps, *testEmulator) {
	t.Helper()
	te := newTestEmulator(t, EmulatorDeps{})
	cache := t.TempDir()
	return MCPDeps{
		Open: func(ctx context.Context) (MCPSession, error) {
			return synapse.Open(ctx, synapse.Options{
				BaseURL:      te.srv.URL,
				CacheDir:     cache,
				PollInterval: 5 * time.Millisecond,
			}, synapse.Credentials{Username: "alice", Password: "pw"})
		},
		OutDir: t.TempDir(),
	}, te
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := handler(context.Background(), makeCallToolRequest(name, args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return result
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// --- tools ---

func TestMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if NewMCPServer(deps) == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_QueryTable(t *testing.T) {
	deps, te := newTestMCPDeps(t)
	id, err := te.session(t).UploadTable(context.Background(), synapse.TableSpec{
		ParentID: te.projectID, Name: "scores", Table: scoreTable(t),
	})
	if err != nil {
		t.Fatalf("UploadTable: %v", err)
	}

	result := callTool(t, mcpQueryTable(deps), "query_table", map[string]interface{}{
		"table_id": id,
		"limit":    2,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var out struct {
		TableID   string   `json:"table_id"`
		Columns   []string `json:"columns"`
		TotalRows int      `json:"total_rows"`
		Rows      []struct {
			RowID   int64          `json:"row_id"`
			Version int64          `json:"version"`
			Values  map[string]any `json:"values"`
		} `json:"rows"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if out.TableID != id || out.TotalRows != 3 || len(out.Rows) != 2 {
		t.Fatalf("unexpected result: %+v", out)
	}
	if strings.Join(out.Columns, ",") != "healthCode,score,taps" {
		t.Errorf("columns = %v", out.Columns)
	}
	if out.Rows[0].RowID != 1 || out.Rows[0].Version != 1 || out.Rows[0].Values["healthCode"] != "hc-1" {
		t.Errorf("first row = %+v", out.Rows[0])
	}
	if out.Rows[1].Values["score"] != nil {
		t.Errorf("null score = %v, want nil", out.Rows[1].Values["score"])
	}
}

func TestMCPTool_QueryTable_Errors(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpQueryTable(deps)

	if r := callTool(t, handler, "query_table", map[string]interface{}{}); !r.IsError {
		t.Error("expected error without table_id")
	}
	r := callTool(t, handler, "query_table", map[string]interface{}{"table_id": "syn404"})
	if !r.IsError || !strings.Contains(toolText(t, r), "query failed") {
		t.Errorf("unknown table: %s", toolText(t, r))
	}
}

func TestMCPTool_OpenFailure(t *testing.T) {
	deps := MCPDeps{Open: func(context.Context) (MCPSession, error) {
		return nil, synapse.ErrAuthentication
	}}
	r := callTool(t, mcpQueryTable(deps), "query_table", map[string]interface{}{"table_id": "syn1"})
	if !r.IsError || !strings.Contains(toolText(t, r), "failed to open session") {
		t.Errorf("result = %s", toolText(t, r))
	}
}

func TestMCPTool_DownloadFiles(t *testing.T) {
	deps, te := newTestMCPDeps(t)
	s := te.session(t)
	ctx := context.Background()

	handle, err := s.UploadFile(ctx, writeFile(t, t.TempDir(), "countdown.m4a", "audio"))
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	tbl, _ := table.FromValues([]table.Column{
		{Name: "healthCode", Type: table.TypeString},
		{Name: "audio", Type: table.TypeFileHandleID},
	}, [][]any{{"hc-1", handle}, {"hc-2", nil}})
	id, err := s.UploadTable(ctx, synapse.TableSpec{ParentID: te.projectID, Name: "voice", Table: tbl})
	if err != nil {
		t.Fatalf("UploadTable: %v", err)
	}

	outDir := t.TempDir()
	result := callTool(t, mcpDownloadFiles(deps), "download_files", map[string]interface{}{
		"table_id": id,
		"columns":  []interface{}{"audio"},
		"out_dir":  outDir,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var rows []map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &rows); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	want := filepath.Join(outDir, handle, "countdown.m4a")
	if rows[0]["audio"] != want {
		t.Errorf("audio = %v, want %s", rows[0]["audio"], want)
	}
	if rows[1]["audio"] != "" {
		t.Errorf("empty cell = %v, want \"\"", rows[1]["audio"])
	}
	if b, err := os.ReadFile(want); err != nil || string(b) != "audio" {
		t.Errorf("content = %q, %v", b, err)
	}
}

func TestMCPTool_DownloadFiles_RequiresColumns(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	r := callTool(t, mcpDownloadFiles(deps), "download_files", map[string]interface{}{"table_id": "syn2"})
	if !r.IsError {
		t.Error("expected error without columns")
	}
}

func TestMCPTool_ConvertAudio(t *testing.T) {
	conv := &mockConverter{}
	handler := mcpConvertAudio(MCPDeps{Converter: conv})

	result := callTool(t, handler, "convert_audio", map[string]interface{}{
		"paths": []interface{}{"/tmp/a.m4a", "/tmp/b.m4a"},
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var out []string
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if strings.Join(out, ",") != "/tmp/a.wav,/tmp/b.wav" {
		t.Errorf("outputs = %v", out)
	}
	if len(conv.calls) != 1 {
		t.Errorf("converter called %d times, want 1", len(conv.calls))
	}
}

func TestMCPTool_ConvertAudio_Errors(t *testing.T) {
	r := callTool(t, mcpConvertAudio(MCPDeps{}), "convert_audio", map[string]interface{}{
		"paths": []interface{}{"a.m4a"},
	})
	if !r.IsError || !strings.Contains(toolText(t, r), "not configured") {
		t.Errorf("no converter: %s", toolText(t, r))
	}

	conv := &mockConverter{err: errors.New("ffmpeg exploded")}
	r = callTool(t, mcpConvertAudio(MCPDeps{Converter: conv}), "convert_audio", map[string]interface{}{
		"paths": []interface{}{"a.m4a"},
	})
	if !r.IsError || !strings.Contains(toolText(t, r), "ffmpeg exploded") {
		t.Errorf("converter failure: %s", toolText(t, r))
	}
}

func TestMCPTool_ConcatCSV(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.csv", "recordId,taps\nr1,1\nr2,2\n")
	b := writeFile(t, dir, "b.csv", "recordId,taps\nr3,3\n")
	out := filepath.Join(dir, "all.csv")

	result := callTool(t, mcpConcatCSV(MCPDeps{}), "concat_csv", map[string]interface{}{
		"paths":  []interface{}{a, b},
		"output": out,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "Wrote 3 rows") {
		t.Errorf("result = %s", toolText(t, result))
	}

	got, err := table.ReadCSV(out)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if got.Len() != 3 {
		t.Errorf("output has %d rows, want 3", got.Len())
	}
}

func TestMCPTool_ConcatCSV_WidensTypes(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.csv", "recordId,score\nr1,1\nr2,\n")
	b := writeFile(t, dir, "b.csv", "score,recordId\n0.5,r3\n")
	out := filepath.Join(dir, "all.csv")

	result := callTool(t, mcpConcatCSV(MCPDeps{}), "concat_csv", map[string]interface{}{
		"paths":  []interface{}{a, b},
		"output": out,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	got, err := table.ReadCSV(out)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if got.Columns[1].Type != table.TypeDouble || got.Len() != 3 {
		t.Errorf("score type = %s, rows = %d", got.Columns[1].Type, got.Len())
	}
}

func TestMCPTool_ConcatCSV_MissingFile(t *testing.T) {
	r := callTool(t, mcpConcatCSV(MCPDeps{}), "concat_csv", map[string]interface{}{
		"paths":  []interface{}{filepath.Join(t.TempDir(), "nope.csv")},
		"output": filepath.Join(t.TempDir(), "out.csv"),
	})
	if !r.IsError {
		t.Error("expected error for missing input")
	}
}

func TestMCPTool_RecordProvenance(t *testing.T) {
	deps, te := newTestMCPDeps(t)
	s := te.session(t)
	ctx := context.Background()

	empty, err := table.New(pipeline.ProvenanceColumns(), nil)
	if err != nil {
		t.Fatalf("table.New: %v", err)
	}
	tracking, err := s.UploadTable(ctx, synapse.TableSpec{ParentID: te.projectID, Name: "provenance", Table: empty})
	if err != nil {
		t.Fatalf("UploadTable: %v", err)
	}

	dir := t.TempDir()
	result := callTool(t, mcpRecordProvenance(deps), "record_provenance", map[string]interface{}{
		"tracking_table":   tracking,
		"feature_file":     writeFile(t, dir, "features.csv", "f\n1\n"),
		"raw_feature_file": writeFile(t, dir, "raw.csv", "r\n1\n"),
		"source_handle":    "42",
		"command":          "extract",
		"command_line":     "extract --in a.wav",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	got, err := s.QueryTable(ctx, tracking)
	if err != nil {
		t.Fatalf("QueryTable: %v", err)
	}
	if got.Len() != 1 {
		t.Fatalf("tracking table has %d rows, want 1", got.Len())
	}
	row := got.RowMap(0)
	if row["source_handle"] != "42" || row["command"] != "extract" {
		t.Errorf("row = %v", row)
	}
}

func TestMCPTool_RecordProvenance_RequiresFiles(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	r := callTool(t, mcpRecordProvenance(deps), "record_provenance", map[string]interface{}{
		"tracking_table": "syn2",
		"feature_file":   "features.csv",
	})
	if !r.IsError || !strings.Contains(toolText(t, r), "raw_feature_file") {
		t.Errorf("result = %s", toolText(t, r))
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, te := newTestMCPDeps(t)
	id, err := te.session(t).UploadTable(context.Background(), synapse.TableSpec{
		ParentID: te.projectID, Name: "scores", Table: scoreTable(t),
	})
	if err != nil {
		t.Fatalf("UploadTable: %v", err)
	}
	handler := mcpQueryTable(deps)

	var wg sync.WaitGroup
	errs := make(chan string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := handler(context.Background(), makeCallToolRequest("query_table", map[string]interface{}{"table_id": id}))
			if err != nil {
				errs <- err.Error()
				return
			}
			if r.IsError {
				errs <- r.Content[0].(mcp.TextContent).Text
			}
		}()
	}
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Errorf("concurrent call failed: %s", msg)
	}
}
