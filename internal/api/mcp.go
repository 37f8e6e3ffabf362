package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/sqlagent/internal/agent"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Agent   Agent
	Runs    RunStore
	Search  Searcher // optional; if nil, search returns a tool error
	Version string
	Logger  *slog.Logger
}

// NewMCPServer creates an MCP server exposing the agent as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := server.NewMCPServer(
		"sqlagent",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions("sqlagent drives a local model through MCP tools and can store what it finds in SQLite tables."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("agent_run",
			mcp.WithDescription("Run the agent on a goal. With a table, collected data is extracted into that table; without one the final answer is returned."),
			mcp.WithString("goal", mcp.Description("What the agent should accomplish"), mcp.Required()),
			mcp.WithString("table", mcp.Description("Target table for extracted rows (optional)")),
			mcp.WithNumber("max_iterations", mcp.Description("Maximum model turns (default from config)")),
			mcp.WithString("system_prompt", mcp.Description("Replaces the built-in task prompt")),
		),
		mcpAgentRun(deps),
	)

	s.AddTool(
		mcp.NewTool("agent_version",
			mcp.WithDescription("Return the sqlagent version."),
		),
		mcpAgentVersion(deps),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Find the rows most similar to a query by an indexed embedding column."),
			mcp.WithString("table", mcp.Description("Table name"), mcp.Required()),
			mcp.WithString("column", mcp.Description("Embedding column"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search text"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearch(deps),
	)

	return s
}

func mcpAgentRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		goal, err := req.RequireString("goal")
		if err != nil {
			return mcpError("goal is required"), nil
		}
		g := agent.Goal{
			Text:          goal,
			Table:         req.GetString("table", ""),
			MaxIterations: req.GetInt("max_iterations", 0),
			SystemPrompt:  req.GetString("system_prompt", ""),
		}
		if g.MaxIterations < 0 {
			return mcpError("max_iterations must not be negative"), nil
		}

		res, rec, err := Execute(ctx, deps.Agent, deps.Runs, g, deps.Logger)
		if err != nil {
			return mcpError(fmt.Sprintf("run %s failed: %v", res.RunID, err)), nil
		}

		b, err := json.Marshal(resultJSON(rec, res))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAgentVersion(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpText(deps.Version), nil
	}
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Search == nil {
			return mcpError("search not available: no embedding model configured"), nil
		}
		table, err := req.RequireString("table")
		if err != nil {
			return mcpError("table is required"), nil
		}
		column, err := req.RequireString("column")
		if err != nil {
			return mcpError("column is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		matches, err := deps.Search.Retrieve(ctx, table, column, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(matches) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(toMatchJSON(matches))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
