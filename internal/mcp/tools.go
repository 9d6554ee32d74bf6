package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/senken/internal/model"
	"github.com/ashita-ai/senken/internal/storage"
)

func (s *Server) registerTools() {
	// senken_submit — queue an analysis run.
	s.mcpServer.AddTool(
		mcplib.NewTool("senken_submit",
			mcplib.WithDescription(`Submit a subject for asynchronous analysis.

The analysis gathers data from the selected modules in parallel, then runs
analysis and recommendation reasoning over whatever succeeded. Returns a
job_id immediately; poll senken_status for the result.

Repeated submissions of the same subject and modules are served from the
cache, including semantically similar descriptions.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("subject",
				mcplib.Description("What to analyze, e.g. a company or product name"),
				mcplib.Required(),
			),
			mcplib.WithString("modules",
				mcplib.Description("Comma-separated analysis modules: webSearch, marketTrend, financials. Defaults to all three."),
			),
			mcplib.WithString("description",
				mcplib.Description("Optional free-text intent, used for semantic cache matching"),
			),
		),
		s.handleSubmit,
	)

	// senken_status — poll a submitted job.
	s.mcpServer.AddTool(
		mcplib.NewTool("senken_status",
			mcplib.WithDescription(`Fetch the status and result of a submitted analysis job.

Returns the full job record. When status is "completed" the result field
holds the composite analysis, including per-section payloads, the overall
confidence score, and any degraded sections. When status is "failed" the
error field explains what went wrong in plain terms.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("job_id",
				mcplib.Description("The job identifier returned by senken_submit"),
				mcplib.Required(),
			),
		),
		s.handleStatus,
	)

	// senken_invalidate_cache — drop cached analyses by prefix.
	s.mcpServer.AddTool(
		mcplib.NewTool("senken_invalidate_cache",
			mcplib.WithDescription(`Invalidate cached analysis results whose keys match a prefix.

Use after the underlying data is known to have changed, so the next
submission re-runs the pipeline instead of serving a stale result.
A trailing "*" is accepted and ignored; matching is always by prefix.`),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("pattern",
				mcplib.Description(`Cache key prefix, e.g. "task:ACME" or "task:ACME*"`),
				mcplib.Required(),
			),
		),
		s.handleInvalidate,
	)
}

func (s *Server) handleSubmit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ownerID := s.owner(ctx)
	if ownerID == "" {
		return errorResult("no authenticated identity"), nil
	}

	subject := request.GetString("subject", "")
	if subject == "" {
		return errorResult("subject is required"), nil
	}

	modules := model.KnownModules
	if raw := request.GetString("modules", ""); raw != "" {
		modules = nil
		for _, m := range strings.Split(raw, ",") {
			modules = append(modules, model.Module(strings.TrimSpace(m)))
		}
	}

	task := model.TaskContext{
		Subject:     subject,
		Modules:     modules,
		Description: request.GetString("description", ""),
	}
	if err := task.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	job, err := s.store.EnqueueJob(ctx, ownerID, task)
	if err != nil {
		s.logger.Error("mcp submit failed", "owner_id", ownerID, "error", err)
		return errorResult("failed to enqueue analysis"), nil
	}

	data, _ := json.Marshal(model.SubmitResponse{JobID: job.ID, Status: job.Status})
	return textResult(string(data)), nil
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ownerID := s.owner(ctx)
	if ownerID == "" {
		return errorResult("no authenticated identity"), nil
	}

	id, err := uuid.Parse(request.GetString("job_id", ""))
	if err != nil {
		return errorResult("invalid job_id"), nil
	}

	job, err := s.store.GetJob(ctx, ownerID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("job not found"), nil
		}
		s.logger.Error("mcp status failed", "job_id", id, "error", err)
		return errorResult("failed to load job"), nil
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal job: %w", err)
	}
	return textResult(string(data)), nil
}

func (s *Server) handleInvalidate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.owner(ctx) == "" {
		return errorResult("no authenticated identity"), nil
	}

	prefix := strings.TrimSuffix(request.GetString("pattern", ""), "*")
	if prefix == "" {
		return errorResult("pattern is required"), nil
	}

	removed, err := s.invalidator.Invalidate(ctx, prefix)
	if err != nil {
		s.logger.Error("mcp invalidate failed", "prefix", prefix, "error", err)
		return errorResult("cache invalidation failed"), nil
	}

	data, _ := json.Marshal(model.InvalidateResponse{Removed: removed})
	return textResult(string(data)), nil
}
