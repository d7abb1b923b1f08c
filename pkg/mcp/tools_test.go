package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ordo/internal/ai"
	"github.com/rendis/ordo/internal/definition"
	"github.com/rendis/ordo/internal/engine"
	"github.com/rendis/ordo/internal/expressions"
	"github.com/rendis/ordo/internal/store"
	"github.com/rendis/ordo/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer wires a real engine over a temp GREET workflow, the
// in-memory repository, and the stub AI client.
func newTestServer(t *testing.T) (*OrdoServer, *ai.StubClient) {
	t.Helper()
	dir := t.TempDir()
	for _, step := range []string{"greet", "farewell"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "GREET", "steps"), 0o755))
		content := fmt.Sprintf("# Orchestrator Guidance\n\nguide %s\n\n# Client Instructions\n\nDo %s.\n", step, step)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "GREET", "steps", step+".md"), []byte(content), 0o644))
	}
	index := "1. [greet](steps/greet.md)\n2. [farewell](steps/farewell.md)\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "GREET", "index.md"), []byte(index), 0o644))

	stub := ai.NewStubClient()
	eng := engine.New(engine.Deps{
		Definitions: definition.NewService(dir, testLogger()),
		Repo:        store.NewMemoryRepository(),
		AI:          stub,
		Logger:      testLogger(),
	})
	s := NewOrdoServer(OrdoServerDeps{
		Engine: eng,
		Query:  expressions.NewGoJQEngine(),
		Logger: testLogger(),
	})
	return s, stub
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func decodeResult(t *testing.T, result *mcp.CallToolResult, into any) {
	t.Helper()
	require.False(t, result.IsError, "unexpected tool error: %s", resultText(t, result))
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), into))
}

func TestToolRegistration(t *testing.T) {
	s, _ := newTestServer(t)

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	expectedTools := []string{
		"list_workflows",
		"start_workflow",
		"get_workflow_status",
		"advance_workflow",
		"resume_workflow",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestListWorkflowsTool(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleListWorkflows(context.Background(), buildRequest("list_workflows", nil))
	require.NoError(t, err)

	var out struct {
		Workflows []string `json:"workflows"`
	}
	decodeResult(t, result, &out)
	assert.Equal(t, []string{"GREET"}, out.Workflows)
}

func TestStartAdvanceRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	startRes, err := s.handleStartWorkflow(ctx, buildRequest("start_workflow", map[string]any{
		"workflow_name": "GREET",
		"context":       map[string]any{"user": "ada"},
	}))
	require.NoError(t, err)

	var started schema.TransitionResult
	decodeResult(t, startRes, &started)
	assert.NotEmpty(t, started.InstanceID)
	assert.Equal(t, "greet", started.NextStep.StepName)
	assert.Equal(t, "Do greet.", started.NextStep.Instructions)
	assert.Equal(t, "ada", started.CurrentContext["user"])

	advRes, err := s.handleAdvanceWorkflow(ctx, buildRequest("advance_workflow", map[string]any{
		"instance_id": started.InstanceID,
		"report":      map[string]any{"status": "success", "message": "greeted"},
	}))
	require.NoError(t, err)

	var advanced schema.TransitionResult
	decodeResult(t, advRes, &advanced)
	assert.Equal(t, "farewell", advanced.NextStep.StepName)
}

func TestStartWorkflow_MissingName(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleStartWorkflow(context.Background(), buildRequest("start_workflow", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStartWorkflow_UnknownDefinition(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleStartWorkflow(context.Background(), buildRequest("start_workflow", map[string]any{
		"workflow_name": "NOPE",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), schema.ErrCodeDefinitionNotFound)
}

func TestAdvanceWorkflow_RequiresReport(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleAdvanceWorkflow(context.Background(), buildRequest("advance_workflow", map[string]any{
		"instance_id": "i-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "report is required")
}

func TestAdvanceWorkflow_InstanceNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleAdvanceWorkflow(context.Background(), buildRequest("advance_workflow", map[string]any{
		"instance_id": "missing",
		"report":      map[string]any{"status": "success"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), schema.ErrCodeInstanceNotFound)
}

func TestResumeWorkflowTool(t *testing.T) {
	s, stub := newTestServer(t)
	ctx := context.Background()

	startRes, err := s.handleStartWorkflow(ctx, buildRequest("start_workflow", map[string]any{
		"workflow_name": "GREET",
	}))
	require.NoError(t, err)
	var started schema.TransitionResult
	decodeResult(t, startRes, &started)

	stub.Script(ai.IntentReconcile, "greet", &schema.AIDecision{NextStepName: "farewell"})

	resumeRes, err := s.handleResumeWorkflow(ctx, buildRequest("resume_workflow", map[string]any{
		"instance_id":               started.InstanceID,
		"assumed_current_step_name": "greet",
		"report":                    map[string]any{"status": "resuming"},
	}))
	require.NoError(t, err)

	var resumed schema.TransitionResult
	decodeResult(t, resumeRes, &resumed)
	assert.Equal(t, "farewell", resumed.NextStep.StepName)
}

func TestGetWorkflowStatusTool(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	startRes, err := s.handleStartWorkflow(ctx, buildRequest("start_workflow", map[string]any{
		"workflow_name": "GREET",
		"context":       map[string]any{"user": "ada"},
	}))
	require.NoError(t, err)
	var started schema.TransitionResult
	decodeResult(t, startRes, &started)

	statusRes, err := s.handleGetStatus(ctx, buildRequest("get_workflow_status", map[string]any{
		"instance_id": started.InstanceID,
	}))
	require.NoError(t, err)

	var inst schema.WorkflowInstance
	decodeResult(t, statusRes, &inst)
	assert.Equal(t, started.InstanceID, inst.InstanceID)
	assert.Equal(t, schema.StatusRunning, inst.Status)
	assert.Equal(t, "greet", inst.CurrentStepName)
}

func TestGetWorkflowStatus_JQQuery(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	startRes, err := s.handleStartWorkflow(ctx, buildRequest("start_workflow", map[string]any{
		"workflow_name": "GREET",
	}))
	require.NoError(t, err)
	var started schema.TransitionResult
	decodeResult(t, startRes, &started)

	statusRes, err := s.handleGetStatus(ctx, buildRequest("get_workflow_status", map[string]any{
		"instance_id": started.InstanceID,
		"query":       ".current_step_name",
	}))
	require.NoError(t, err)

	var step string
	decodeResult(t, statusRes, &step)
	assert.Equal(t, "greet", step)
}
