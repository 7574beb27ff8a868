package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/dispatch/internal/orchestrator"
	"github.com/rendis/dispatch/pkg/schema"
)

// handleRun starts an execution from the catalog.
func (s *DispatchServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	run := orchestrator.RunRequest{
		Path:      req.GetString("path", ""),
		Version:   req.GetString("version", ""),
		CatalogID: req.GetString("catalog_id", ""),
		Workload:  mcp.ParseStringMap(req, "workload", nil),
	}
	if run.Path == "" && run.CatalogID == "" {
		return mcp.NewToolResultError("one of path or catalog_id is required"), nil
	}

	resp, err := s.backend.Run(ctx, run)
	if err != nil {
		return toolError("run failed", err), nil
	}
	s.logger.InfoContext(ctx, "mcp: execution started", "execution_id", resp.ExecutionID, "catalog_id", resp.CatalogID)
	return marshalResult(resp)
}

// handleStatus returns the summary of one execution.
func (s *DispatchServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	summary, err := s.backend.Execution(ctx, executionID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(summary)
}

// handleEvents lists an execution's events in log order.
func (s *DispatchServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	var types []string
	for _, t := range strings.Split(req.GetString("type", ""), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}

	events, err := s.backend.Events(ctx, executionID, types...)
	if err != nil {
		return toolError("events query failed", err), nil
	}
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"events":       events,
		"count":        len(events),
	})
}

// handleExecutions lists execution summaries.
func (s *DispatchServer) handleExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := orchestrator.ExecutionFilter{
		ParentExecutionID: req.GetString("parent_execution_id", ""),
		CatalogID:         req.GetString("catalog_id", ""),
		Limit:             req.GetInt("limit", 0),
	}
	if raw := req.GetString("status", ""); raw != "" {
		status, err := schema.NormalizeStatus(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid status %q", raw)), nil
		}
		filter.Status = status
	}

	list, err := s.backend.Executions(ctx, filter)
	if err != nil {
		return toolError("executions query failed", err), nil
	}
	return marshalResult(map[string]any{
		"executions": list,
		"count":      len(list),
	})
}

// handleRegister stores a playbook document in the catalog.
func (s *DispatchServer) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil || strings.TrimSpace(content) == "" {
		return mcp.NewToolResultError("content is required"), nil
	}

	resp, err := s.backend.RegisterPlaybook(ctx, []byte(content))
	if err != nil {
		return toolError("register failed", err), nil
	}
	return marshalResult(resp)
}

// handleCatalog lists catalog entries without their content.
func (s *DispatchServer) handleCatalog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.backend.Catalog(ctx, req.GetString("path", ""))
	if err != nil {
		return toolError("catalog query failed", err), nil
	}
	return marshalResult(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleWatch subscribes the calling session to an execution's notifications.
func (s *DispatchServer) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("watch requires an MCP session"), nil
	}

	summary, err := s.backend.Execution(ctx, executionID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	if !summary.Status.IsTerminal() {
		s.watchers.Watch(executionID, session.SessionID())
	}
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"status":       summary.Status,
		"watching":     !summary.Status.IsTerminal(),
	})
}

// toolError renders err as a tool error, keeping the dispatch error code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if code := schema.CodeOf(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s [%s]: %v", prefix, code, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
