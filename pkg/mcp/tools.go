package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/ordo/pkg/schema"
)

// handleListWorkflows returns the discovered workflow definition names.
func (s *OrdoServer) handleListWorkflows(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names := s.engine.ListWorkflows()
	if names == nil {
		names = []string{}
	}
	return marshalResult(map[string]any{"workflows": names})
}

// handleStartWorkflow creates a new instance and returns its first step.
func (s *OrdoServer) handleStartWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowName, err := req.RequireString("workflow_name")
	if err != nil {
		return mcp.NewToolResultError("workflow_name is required"), nil
	}
	initialContext := mcp.ParseStringMap(req, "context", nil)

	result, startErr := s.engine.Start(ctx, workflowName, initialContext)
	if startErr != nil {
		return s.toolError(ctx, "start_workflow", startErr), nil
	}
	return marshalResult(result)
}

// handleGetStatus returns the full instance projection, optionally filtered
// through a jq expression.
func (s *OrdoServer) handleGetStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	inst, getErr := s.engine.GetStatus(ctx, instanceID)
	if getErr != nil {
		return s.toolError(ctx, "get_workflow_status", getErr), nil
	}

	query := req.GetString("query", "")
	if query == "" || s.query == nil {
		return marshalResult(inst)
	}

	projection, projErr := toJSONMap(inst)
	if projErr != nil {
		return s.toolError(ctx, "get_workflow_status", projErr), nil
	}
	filtered, qErr := s.query.Evaluate(ctx, query, projection)
	if qErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", qErr)), nil
	}
	return marshalResult(filtered)
}

// handleAdvanceWorkflow records a step report and returns the next step.
func (s *OrdoServer) handleAdvanceWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	report, err := parseReport(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	contextUpdates := mcp.ParseStringMap(req, "context_updates", nil)

	result, advErr := s.engine.Advance(ctx, instanceID, report, contextUpdates)
	if advErr != nil {
		return s.toolError(ctx, "advance_workflow", advErr), nil
	}
	return marshalResult(result)
}

// handleResumeWorkflow reconciles the client's assumed position and advances.
func (s *OrdoServer) handleResumeWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	assumedStep, err := req.RequireString("assumed_current_step_name")
	if err != nil {
		return mcp.NewToolResultError("assumed_current_step_name is required"), nil
	}
	report, err := parseReport(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	contextUpdates := mcp.ParseStringMap(req, "context_updates", nil)

	result, resErr := s.engine.Resume(ctx, instanceID, assumedStep, report, contextUpdates)
	if resErr != nil {
		return s.toolError(ctx, "resume_workflow", resErr), nil
	}
	return marshalResult(result)
}

// --- Helpers ---

// parseReport extracts the required report object from the request.
func parseReport(req mcp.CallToolRequest) (*schema.Report, error) {
	raw := mcp.ParseStringMap(req, "report", nil)
	if raw == nil {
		return nil, errors.New("report is required")
	}

	report := &schema.Report{}
	if v, ok := raw["status"].(string); ok {
		report.Status = v
	}
	if v, ok := raw["details"].(map[string]any); ok {
		report.Details = v
	}
	if v, ok := raw["message"].(string); ok {
		report.Message = v
	}
	if v, ok := raw["error"].(string); ok {
		report.Error = v
	}
	return report, nil
}

// toolError maps an engine error onto a tool result, logging server-side
// faults with their code.
func (s *OrdoServer) toolError(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	var oe *schema.OrdoError
	if errors.As(err, &oe) {
		s.logger.ErrorContext(ctx, "tool call failed",
			slog.String("tool", tool),
			slog.String("code", oe.Code),
			slog.String("error", oe.Message),
		)
		return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", oe.Code, oe.Message))
	}
	s.logger.ErrorContext(ctx, "tool call failed",
		slog.String("tool", tool),
		slog.String("error", err.Error()),
	)
	return mcp.NewToolResultError(err.Error())
}

// toJSONMap round-trips a value through JSON into a plain map for jq.
func toJSONMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
