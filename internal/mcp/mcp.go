// Package mcp implements the Model Context Protocol server for Senken.
//
// The MCP server exposes the orchestration pipeline as tools so
// MCP-compatible AI agents can submit analyses, poll job status, and
// manage the cache without speaking the HTTP API.
package mcp

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/senken/internal/model"
)

// Store is the subset of storage the MCP tools need.
type Store interface {
	EnqueueJob(ctx context.Context, ownerID string, task model.TaskContext) (model.Job, error)
	GetJob(ctx context.Context, ownerID string, id uuid.UUID) (model.Job, error)
}

// Invalidator drops cached entries by key prefix.
type Invalidator interface {
	Invalidate(ctx context.Context, prefix string) (int, error)
}

// OwnerFunc resolves the authenticated owner from the request context.
// The HTTP transport carries JWT claims in the context; the wiring layer
// supplies a function that extracts them.
type OwnerFunc func(ctx context.Context) string

// Server wraps the MCP server with Senken's service layer.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	store       Store
	invalidator Invalidator
	owner       OwnerFunc
	logger      *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(store Store, invalidator Invalidator, owner OwnerFunc, logger *slog.Logger) *Server {
	s := &Server{
		store:       store,
		invalidator: invalidator,
		owner:       owner,
		logger:      logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"senken",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}
