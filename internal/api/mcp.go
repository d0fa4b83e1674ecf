package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"drillforge/internal/storage"
)

// NewMCPServer exposes the job queue and the corpus over MCP stdio, mirroring
// the HTTP surface: enqueue, status, search.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"drillforge",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("drillforge — adaptive generation queue with semantic deduplication over a persistent corpus."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("enqueue_generation",
			mcp.WithDescription("Queue a batch of content items for generation. Items are deduplicated against the corpus; the result may contain fewer items than requested."),
			mcp.WithString("prompt", mcp.Description("Generation prompt"), mcp.Required()),
			mcp.WithNumber("count", mcp.Description("Number of unique items to produce (default 1)")),
			mcp.WithNumber("priority", mcp.Description("Dispatch priority; higher runs first")),
		),
		mcpEnqueueGeneration(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Look up the state, progress and result of a queued generation job."),
			mcp.WithString("id", mcp.Description("Job id returned by enqueue_generation"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("search_corpus",
			mcp.WithDescription("Semantically search previously generated and seeded content."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchCorpus(deps),
	)

	return s
}

func mcpEnqueueGeneration(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		count := req.GetInt("count", 1)
		if count <= 0 {
			return mcpError("count must be positive"), nil
		}
		priority := req.GetInt("priority", 0)

		kind := storage.KindBatch
		if count == 1 {
			kind = storage.KindSingleItem
		}

		payload, err := json.Marshal(map[string]any{"prompt": prompt, "count": count})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create job payload: %v", err)), nil
		}

		id := uuid.New().String()
		job := storage.Job{
			ID:          id,
			Kind:        kind,
			PayloadJSON: string(payload),
			Priority:    priority,
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			return mcpError(fmt.Sprintf("failed to enqueue job: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued job %s", id)), nil
	}
}

func mcpJobStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		job, err := deps.Store.GetJob(id)
		if err != nil {
			return mcpError(fmt.Sprintf("job lookup failed: %v", err)), nil
		}

		b, err := json.Marshal(viewOf(job))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchCorpus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
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

		res, err := deps.Cache.Lookup(ctx, query, func(ctx context.Context) (string, error) {
			return searchCorpus(ctx, deps, query, limit)
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		return mcpText(res.Payload), nil
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
