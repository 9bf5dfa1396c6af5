package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/reelflow/pkg/schema"
)

func requireWorkflow(req mcp.CallToolRequest) (ownerID, workflowID string, errResult *mcp.CallToolResult) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil || ownerID == "" {
		return "", "", mcp.NewToolResultError("owner_id is required")
	}
	workflowID, err = req.RequireString("workflow_id")
	if err != nil || workflowID == "" {
		return "", "", mcp.NewToolResultError("workflow_id is required")
	}
	return ownerID, workflowID, nil
}

// handleActivate activates a workflow and dispatches its first run.
func (s *ReelflowServer) handleActivate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, workflowID, errResult := requireWorkflow(req)
	if errResult != nil {
		return errResult, nil
	}
	outcome, err := s.scheduler.Activate(ctx, ownerID, workflowID)
	if err != nil {
		return toolError("activate failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"dispatch":    outcome,
	})
}

func (s *ReelflowServer) handleDeactivate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, workflowID, errResult := requireWorkflow(req)
	if errResult != nil {
		return errResult, nil
	}
	if err := s.scheduler.Deactivate(ctx, ownerID, workflowID); err != nil {
		return toolError("deactivate failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID})
}

func (s *ReelflowServer) handleDeactivateAll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil || ownerID == "" {
		return mcp.NewToolResultError("owner_id is required"), nil
	}
	n, err := s.scheduler.DeactivateAll(ctx, ownerID)
	if err != nil {
		return toolError("deactivate all failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "deactivated": n})
}

// handleCancel stops a running workflow.
func (s *ReelflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, workflowID, errResult := requireWorkflow(req)
	if errResult != nil {
		return errResult, nil
	}
	st, err := s.scheduler.Cancel(ctx, ownerID, workflowID)
	if err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(st)
}

// handleStatus returns one state, or every state of the owner when no
// workflow_id is given.
func (s *ReelflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil || ownerID == "" {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	if workflowID := req.GetString("workflow_id", ""); workflowID != "" {
		st, err := s.scheduler.Status(ctx, ownerID, workflowID)
		if err != nil {
			return toolError("status query failed", err), nil
		}
		return marshalResult(st)
	}

	states, err := s.scheduler.StatusAll(ctx, ownerID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	if states == nil {
		states = []*schema.WorkflowState{}
	}
	return marshalResult(map[string]any{
		"workflows": states,
		"count":     len(states),
		"pool":      s.scheduler.PoolMetrics(),
	})
}

func (s *ReelflowServer) handleExecuteNow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, workflowID, errResult := requireWorkflow(req)
	if errResult != nil {
		return errResult, nil
	}
	outcome, err := s.scheduler.ExecuteNow(ctx, ownerID, workflowID)
	if err != nil {
		return toolError("execute failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"dispatch":    outcome,
	})
}

// handleSync replaces the owner's definitions. Validation problems are
// returned as a result, not as a tool error, so the caller sees every issue.
func (s *ReelflowServer) handleSync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil || ownerID == "" {
		return mcp.NewToolResultError("owner_id is required"), nil
	}
	raw, ok := req.GetArguments()["definitions"]
	if !ok {
		return mcp.NewToolResultError("definitions is required"), nil
	}
	defs, err := decodeDefinitions(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definitions: %v", err)), nil
	}

	result, err := s.scheduler.Sync(ctx, ownerID, defs)
	if err != nil {
		if result != nil && !result.Valid() {
			return marshalResult(map[string]any{
				"ok":       false,
				"errors":   result.Errors,
				"warnings": result.Warnings,
			})
		}
		return toolError("sync failed", err), nil
	}
	out := map[string]any{"ok": true, "synced": len(defs)}
	if result != nil && len(result.Warnings) > 0 {
		out["warnings"] = result.Warnings
	}
	return marshalResult(out)
}

func (s *ReelflowServer) handlePromptHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("prompt memory is not configured"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil || workflowID == "" {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	entries, err := s.history.History(ctx, workflowID)
	if err != nil {
		return toolError("history query failed", err), nil
	}
	// Embeddings are large and meaningless to a caller.
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"timestamp": e.Timestamp,
			"concept":   e.Concept,
			"prompts":   e.Prompts,
			"summary":   e.Summary,
		})
	}
	return marshalResult(map[string]any{"workflow_id": workflowID, "entries": out})
}

func (s *ReelflowServer) handleClearPromptHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("prompt memory is not configured"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil || workflowID == "" {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	n, err := s.history.Clear(ctx, workflowID)
	if err != nil {
		return toolError("clear history failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "deleted": n})
}

// handleBackendCheck pings the render backend and reports the breaker state.
func (s *ReelflowServer) handleBackendCheck(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.backend == nil {
		return mcp.NewToolResultError("render backend is not configured"), nil
	}
	out := map[string]any{"reachable": true}
	if err := s.backend.Ping(ctx); err != nil {
		out["reachable"] = false
		out["error"] = err.Error()
	}
	if s.scheduler != nil {
		out["breaker"] = s.scheduler.BackendState()
	}
	return marshalResult(out)
}

// decodeDefinitions converts the generic JSON argument into definitions.
func decodeDefinitions(raw any) ([]*schema.WorkflowDefinition, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var defs []*schema.WorkflowDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
