package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/siteintel/internal/composer"
	"github.com/kalambet/siteintel/internal/memory"
	"github.com/kalambet/siteintel/internal/pipeline"
	"github.com/kalambet/siteintel/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. MCP clients run locally
// on behalf of a single user, so the user is fixed at construction.
type MCPDeps struct {
	Store        *storage.Store
	Memory       *memory.Manager
	Orchestrator TurnProcessor
	UserID       string
}

// NewMCPServer creates an MCP server exposing chat, memory and decision tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"siteintel",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("siteintel: real-estate deal assistant with per-user memory and a decision log."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message in a deal session and get the assistant's reply."),
			mcp.WithString("message", mcp.Description("The user message"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Session to continue; a new one is started when omitted")),
			mcp.WithString("data_context", mcp.Description("Optional JSON object of live market data")),
			mcp.WithString("model", mcp.Description("Model override")),
		),
		mcpSendMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("recall_memory",
			mcp.WithDescription("List what is remembered about the user, optionally for one category."),
			mcp.WithString("category", mcp.Description("Category filter, e.g. preference or topic_interest")),
		),
		mcpRecallMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("add_session_context",
			mcp.WithDescription("Attach a fact about the current deal to a session."),
			mcp.WithString("session_id", mcp.Description("Session ID"), mcp.Required()),
			mcp.WithString("type", mcp.Description("Context type, e.g. property or budget"), mcp.Required()),
			mcp.WithString("context", mcp.Description("JSON value describing the fact"), mcp.Required()),
			mcp.WithString("entity_id", mcp.Description("Optional entity the fact refers to")),
			mcp.WithNumber("ttl_seconds", mcp.Description("Expire the fact after this many seconds")),
		),
		mcpAddSessionContext(deps),
	)

	s.AddTool(
		mcp.NewTool("list_decisions",
			mcp.WithDescription("List the most recent decisions recorded in a session."),
			mcp.WithString("session_id", mcp.Description("Session ID"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of decisions (default 10)")),
		),
		mcpListDecisions(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"user://memory",
			"User Memory",
			mcp.WithResourceDescription("Long-term facts remembered about the user, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceMemory(deps),
	)

	return s
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msg, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		in := pipeline.Input{
			SessionID:     req.GetString("session_id", ""),
			UserID:        deps.UserID,
			UserMessage:   msg,
			SelectedModel: req.GetString("model", ""),
		}
		if raw := req.GetString("data_context", ""); raw != "" {
			if !json.Valid([]byte(raw)) {
				return mcpError("data_context must be valid JSON"), nil
			}
			in.DataContext = json.RawMessage(raw)
		}

		res, err := deps.Orchestrator.ProcessMessage(ctx, in)
		if err != nil {
			return mcpError(fmt.Sprintf("send failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"session_id": res.SessionID,
			"reply":      res.Reply.Content,
			"decision":   res.Decision,
			"fallback":   res.Fallback,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecallMemory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		facts, err := deps.Memory.Facts(deps.UserID, req.GetString("category", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		if len(facts) == 0 {
			return mcpText("[]"), nil
		}

		type fact struct {
			Category   string          `json:"category"`
			Key        string          `json:"key"`
			Value      json.RawMessage `json:"value"`
			Confidence float64         `json:"confidence"`
		}
		out := make([]fact, len(facts))
		for i, f := range facts {
			out[i] = fact{Category: f.Category, Key: f.Key, Value: f.Value, Confidence: f.Confidence}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal memory: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddSessionContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		typ, err := req.RequireString("type")
		if err != nil {
			return mcpError("type is required"), nil
		}
		raw, err := req.RequireString("context")
		if err != nil {
			return mcpError("context is required"), nil
		}
		if !json.Valid([]byte(raw)) {
			return mcpError("context must be valid JSON"), nil
		}
		ttl := req.GetInt("ttl_seconds", 0)
		if ttl < 0 {
			return mcpError("ttl_seconds must not be negative"), nil
		}

		if err := deps.Store.ClaimSession(sessionID, deps.UserID); err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}
		entry, err := deps.Memory.AddSessionContext(storage.SessionContext{
			SessionID: sessionID,
			UserID:    deps.UserID,
			Type:      typ,
			EntityID:  req.GetString("entity_id", ""),
			Context:   json.RawMessage(raw),
			Relevance: 1,
		}, time.Duration(ttl)*time.Second)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored %s context %s", entry.Type, entry.ID)), nil
	}
}

func mcpListDecisions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		limit := req.GetInt("limit", defaultListLimit)
		if limit <= 0 {
			limit = defaultListLimit
		}
		limit = min(limit, maxListLimit)

		if err := checkSessionOwner(deps.Store, sessionID, deps.UserID); err != nil {
			return mcpError(fmt.Sprintf("listing decisions failed: %v", err)), nil
		}
		decisions, err := deps.Store.GetRecentDecisions(sessionID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing decisions failed: %v", err)), nil
		}
		if len(decisions) == 0 {
			return mcpText("[]"), nil
		}

		type summary struct {
			ID         string   `json:"id"`
			Type       string   `json:"type"`
			Reasoning  string   `json:"reasoning"`
			Confidence float64  `json:"confidence"`
			Impact     *float64 `json:"impact_value,omitempty"`
			CreatedAt  string   `json:"created_at"`
		}
		out := make([]summary, len(decisions))
		for i, d := range decisions {
			out[i] = summary{
				ID:         d.ID,
				Type:       d.DecisionType,
				Reasoning:  composer.Truncate(d.Reasoning, 200),
				Confidence: d.Confidence,
				Impact:     d.ImpactValue,
				CreatedAt:  d.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal decisions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceMemory(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		facts, err := deps.Memory.Facts(deps.UserID, "")
		if err != nil {
			return nil, fmt.Errorf("failed to get memory: %w", err)
		}
		if facts == nil {
			facts = []storage.LongTermMemory{}
		}

		b, err := json.Marshal(facts)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal memory: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
