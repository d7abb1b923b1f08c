// Package mcp exposes the orchestration engine to clients as five MCP tools
// over stdio: list_workflows, start_workflow, get_workflow_status,
// advance_workflow, and resume_workflow.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/ordo/internal/engine"
	"github.com/rendis/ordo/internal/expressions"
)

// OrdoServerDeps holds the dependencies for creating an OrdoServer.
type OrdoServerDeps struct {
	Engine *engine.Engine
	Query  expressions.Engine // jq engine for status projections; optional
	Logger *slog.Logger
}

// OrdoServer wraps an MCP server with the orchestrator tool handlers.
type OrdoServer struct {
	engine    *engine.Engine
	query     expressions.Engine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewOrdoServer creates a new OrdoServer with all 5 tools registered.
func NewOrdoServer(deps OrdoServerDeps) *OrdoServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &OrdoServer{
		engine: deps.Engine,
		query:  deps.Query,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"ordo",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Ordo drives AI-guided multi-step workflows. Use list_workflows to discover definitions, start_workflow to begin an instance, advance_workflow to report a step outcome and receive the next step, resume_workflow to reconnect after losing track of your position, and get_workflow_status to inspect an instance."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *OrdoServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *OrdoServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *OrdoServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listWorkflowsTool(), Handler: s.handleListWorkflows},
		{Tool: startWorkflowTool(), Handler: s.handleStartWorkflow},
		{Tool: getStatusTool(), Handler: s.handleGetStatus},
		{Tool: advanceWorkflowTool(), Handler: s.handleAdvanceWorkflow},
		{Tool: resumeWorkflowTool(), Handler: s.handleResumeWorkflow},
	}
}

// --- Tool definitions ---

func listWorkflowsTool() mcp.Tool {
	return mcp.NewTool("list_workflows",
		mcp.WithDescription("List the available workflow definitions"),
	)
}

func startWorkflowTool() mcp.Tool {
	return mcp.NewTool("start_workflow",
		mcp.WithDescription("Start a new instance of a workflow"),
		mcp.WithString("workflow_name", mcp.Required(), mcp.Description("Name of the workflow definition to start")),
		mcp.WithObject("context", mcp.Description("Initial key-value context for the instance")),
	)
}

func getStatusTool() mcp.Tool {
	return mcp.NewTool("get_workflow_status",
		mcp.WithDescription("Get the full state of a workflow instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
		mcp.WithString("query", mcp.Description("Optional jq expression applied to the instance projection")),
	)
}

func advanceWorkflowTool() mcp.Tool {
	return mcp.NewTool("advance_workflow",
		mcp.WithDescription("Report the outcome of the current step and receive the next step"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance to advance")),
		mcp.WithObject("report", mcp.Required(), mcp.Description("Outcome of the previous step: {status, details?, message?, error?}")),
		mcp.WithObject("context_updates", mcp.Description("Key-value changes to merge into the instance context")),
	)
}

func resumeWorkflowTool() mcp.Tool {
	return mcp.NewTool("resume_workflow",
		mcp.WithDescription("Reconnect to an instance, reconciling your assumed position with the persisted state"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance to resume")),
		mcp.WithString("assumed_current_step_name", mcp.Required(), mcp.Description("The step the client believes it is on")),
		mcp.WithObject("report", mcp.Required(), mcp.Description("The client's current situation: {status, details?, message?, error?}")),
		mcp.WithObject("context_updates", mcp.Description("Key-value changes to merge into the instance context")),
	)
}
