package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/mhx/internal/pipeline"
	"github.com/kalambet/mhx/internal/table"
)

const defaultQueryRows = 50

// MCPSession is a remote session that the caller must close.
type MCPSession interface {
	pipeline.TableService
	Close() error
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	// Open starts a session for one tool call.
	Open func(ctx context.Context) (MCPSession, error)

	// Converter is optional; if nil, convert_audio returns an error.
	Converter pipeline.Converter

	// OutDir is where downloads go when a call names no directory.
	OutDir string
}

// NewMCPServer creates an MCP server with all mhx tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"mhx",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("mhx: query Synapse tables, fetch their attached files, convert audio and record feature provenance."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("query_table",
			mcp.WithDescription("Fetch the rows of a Synapse table."),
			mcp.WithString("table_id", mcp.Description("Table ID, e.g. syn12345"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of rows returned (default 50)")),
		),
		mcpQueryTable(deps),
	)

	s.AddTool(
		mcp.NewTool("download_files",
			mcp.WithDescription("Download the files attached to FILEHANDLEID columns of a table."),
			mcp.WithString("table_id", mcp.Description("Table ID"), mcp.Required()),
			mcp.WithArray("columns", mcp.Description("File column names"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Only the first N rows (default all)")),
			mcp.WithString("out_dir", mcp.Description("Destination directory (default the attachment cache)")),
		),
		mcpDownloadFiles(deps),
	)

	s.AddTool(
		mcp.NewTool("convert_audio",
			mcp.WithDescription("Convert audio files with the configured command; files already in the target format are returned as they are."),
			mcp.WithArray("paths", mcp.Description("Local input files"), mcp.Required()),
		),
		mcpConvertAudio(deps),
	)

	s.AddTool(
		mcp.NewTool("concat_csv",
			mcp.WithDescription("Concatenate CSV files with the same columns into one CSV file."),
			mcp.WithArray("paths", mcp.Description("CSV files to concatenate"), mcp.Required()),
			mcp.WithString("output", mcp.Description("Output CSV path"), mcp.Required()),
		),
		mcpConcatCSV(deps),
	)

	s.AddTool(
		mcp.NewTool("record_provenance",
			mcp.WithDescription("Upload a feature file and its raw counterpart and add one row to a provenance tracking table."),
			mcp.WithString("tracking_table", mcp.Description("Tracking table ID"), mcp.Required()),
			mcp.WithString("feature_file", mcp.Description("Local feature file"), mcp.Required()),
			mcp.WithString("raw_feature_file", mcp.Description("Local raw feature file"), mcp.Required()),
			mcp.WithString("source_handle", mcp.Description("File handle ID the features were computed from")),
			mcp.WithString("activity_id", mcp.Description("Activity ID")),
			mcp.WithString("command", mcp.Description("Program that produced the features")),
			mcp.WithString("command_line", mcp.Description("Full command line")),
		),
		mcpRecordProvenance(deps),
	)

	return s
}

// withSession opens a session, runs fn and closes the session.
func withSession(ctx context.Context, deps MCPDeps, fn func(MCPSession) *mcp.CallToolResult) *mcp.CallToolResult {
	sess, err := deps.Open(ctx)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to open session: %v", err))
	}
	defer sess.Close()
	return fn(sess)
}

type tableRowJSON struct {
	RowID   int64          `json:"row_id"`
	Version int64          `json:"version"`
	Values  map[string]any `json:"values"`
}

func mcpQueryTable(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tableID, err := req.RequireString("table_id")
		if err != nil {
			return mcpError("table_id is required"), nil
		}
		limit := req.GetInt("limit", defaultQueryRows)
		if limit <= 0 {
			limit = defaultQueryRows
		}

		return withSession(ctx, deps, func(sess MCPSession) *mcp.CallToolResult {
			t, err := sess.QueryTable(ctx, tableID)
			if err != nil {
				return mcpError(fmt.Sprintf("query failed: %v", err))
			}
			n := min(limit, t.Len())
			out := struct {
				TableID   string         `json:"table_id"`
				Columns   []string       `json:"columns"`
				TotalRows int            `json:"total_rows"`
				Rows      []tableRowJSON `json:"rows"`
			}{TableID: tableID, Columns: t.ColumnNames(), TotalRows: t.Len(), Rows: make([]tableRowJSON, n)}
			for i := 0; i < n; i++ {
				out.Rows[i] = tableRowJSON{RowID: t.Rows[i].ID, Version: t.Rows[i].Version, Values: t.RowMap(i)}
			}
			return mcpJSON(out)
		}), nil
	}
}

func mcpDownloadFiles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tableID, err := req.RequireString("table_id")
		if err != nil {
			return mcpError("table_id is required"), nil
		}
		columns := req.GetStringSlice("columns", nil)
		if len(columns) == 0 {
			return mcpError("columns is required"), nil
		}
		limit := req.GetInt("limit", 0)
		outDir := req.GetString("out_dir", deps.OutDir)

		return withSession(ctx, deps, func(sess MCPSession) *mcp.CallToolResult {
			t, files, err := pipeline.DownloadTableFiles(ctx, sess, tableID, columns, limit, outDir)
			if err != nil {
				return mcpError(fmt.Sprintf("download failed: %v", err))
			}
			rows := make([]map[string]any, len(files[0]))
			for ri := range rows {
				row := map[string]any{"row_id": t.Rows[ri].ID, "version": t.Rows[ri].Version}
				for ci, c := range columns {
					row[c] = files[ci][ri]
				}
				rows[ri] = row
			}
			return mcpJSON(rows)
		}), nil
	}
}

func mcpConvertAudio(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Converter == nil {
			return mcpError("audio conversion is not configured"), nil
		}
		paths := req.GetStringSlice("paths", nil)
		if len(paths) == 0 {
			return mcpError("paths is required"), nil
		}
		out, err := deps.Converter.Convert(ctx, paths)
		if err != nil {
			return mcpError(fmt.Sprintf("conversion failed: %v", err)), nil
		}
		return mcpJSON(out), nil
	}
}

func mcpConcatCSV(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		paths := req.GetStringSlice("paths", nil)
		if len(paths) == 0 {
			return mcpError("paths is required"), nil
		}
		output, err := req.RequireString("output")
		if err != nil {
			return mcpError("output is required"), nil
		}

		tables, err := table.ReadCSVFiles(paths...)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read csv files: %v", err)), nil
		}
		joined, err := pipeline.TablesToCSV(tables, output)
		if err != nil {
			return mcpError(fmt.Sprintf("concat failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Wrote %d rows to %s", joined.Len(), output)), nil
	}
}

func mcpRecordProvenance(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tracking, err := req.RequireString("tracking_table")
		if err != nil {
			return mcpError("tracking_table is required"), nil
		}
		feature, err := req.RequireString("feature_file")
		if err != nil {
			return mcpError("feature_file is required"), nil
		}
		raw, err := req.RequireString("raw_feature_file")
		if err != nil {
			return mcpError("raw_feature_file is required"), nil
		}
		rec := pipeline.ProvenanceRecord{
			FeatureFile:    feature,
			RawFeatureFile: raw,
			SourceHandle:   req.GetString("source_handle", ""),
			ActivityID:     req.GetString("activity_id", ""),
			Command:        req.GetString("command", ""),
			CommandLine:    req.GetString("command_line", ""),
		}

		return withSession(ctx, deps, func(sess MCPSession) *mcp.CallToolResult {
			id, err := pipeline.RecordFeatureProvenance(ctx, sess, rec, tracking)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to record provenance: %v", err))
			}
			return mcpText(fmt.Sprintf("Recorded provenance in %s", id))
		}), nil
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
