package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tandem/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Batch   BatchRunner
	Version string
}

// NewMCPServer creates an MCP server exposing the batch operations as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"tandem",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("tandem runs the daily suggestion batch over premium partners' journal entries."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("run_batch",
			mcp.WithDescription("Run the daily suggestion batch for a date. Re-running a completed date is a no-op."),
			mcp.WithString("date", mcp.Description("Batch date as YYYY-MM-DD (default: yesterday)")),
		),
		mcpRunBatch(deps),
	)

	s.AddTool(
		mcp.NewTool("batch_status",
			mcp.WithDescription("List the per-relationship ledger rows recorded for a batch date."),
			mcp.WithString("date", mcp.Description("Batch date as YYYY-MM-DD (default: yesterday)")),
		),
		mcpBatchStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_failed",
			mcp.WithDescription("Queue a retry for every relationship that failed on a batch date."),
			mcp.WithString("date", mcp.Description("Batch date as YYYY-MM-DD"), mcp.Required()),
		),
		mcpRetryFailed(deps),
	)

	return s
}

func mcpRunBatch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		date := req.GetString("date", "")
		if date == "" {
			date = deps.Batch.DefaultDate()
		}

		report, err := deps.Batch.Run(ctx, date)
		if errors.Is(err, storage.ErrRunInProgress) {
			return mcpError(fmt.Sprintf("batch for %s is already running", date)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("batch run failed: %v", err)), nil
		}

		b, err := json.Marshal(report)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		if report.Fatal {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpBatchStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		date := req.GetString("date", "")
		if date == "" {
			date = deps.Batch.DefaultDate()
		}

		runs, err := deps.Batch.Status(ctx, date)
		if err != nil {
			return mcpError(fmt.Sprintf("status failed: %v", err)), nil
		}
		if runs == nil {
			runs = []storage.BatchRun{}
		}

		b, err := json.Marshal(StatusResponse{BatchDate: date, Runs: runs})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal runs: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRetryFailed(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		date, err := req.RequireString("date")
		if err != nil {
			return mcpError("date is required"), nil
		}

		queued, err := deps.Batch.RetryFailed(ctx, date)
		if err != nil {
			return mcpError(fmt.Sprintf("retry failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued %d retries for %s", queued, date)), nil
	}
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
