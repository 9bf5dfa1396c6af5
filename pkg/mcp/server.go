package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/reelflow/internal/engine"
	"github.com/rendis/reelflow/internal/scheduler"
	"github.com/rendis/reelflow/pkg/schema"
)

// Controller is the scheduler surface the tools drive. Satisfied by
// *scheduler.Scheduler.
type Controller interface {
	Activate(ctx context.Context, ownerID, workflowID string) (scheduler.DispatchOutcome, error)
	Deactivate(ctx context.Context, ownerID, workflowID string) error
	DeactivateAll(ctx context.Context, ownerID string) (int, error)
	Cancel(ctx context.Context, ownerID, workflowID string) (*schema.WorkflowState, error)
	Status(ctx context.Context, ownerID, workflowID string) (*schema.WorkflowState, error)
	StatusAll(ctx context.Context, ownerID string) ([]*schema.WorkflowState, error)
	ExecuteNow(ctx context.Context, ownerID, workflowID string) (scheduler.DispatchOutcome, error)
	Sync(ctx context.Context, ownerID string, defs []*schema.WorkflowDefinition) (*schema.ValidationResult, error)
	PoolMetrics() engine.PoolMetrics
	BackendState() map[string]any
}

// PromptHistory reads and clears remembered runs. Satisfied by *memory.Memory.
type PromptHistory interface {
	History(ctx context.Context, workflowID string) ([]*schema.PromptHistoryEntry, error)
	Clear(ctx context.Context, workflowID string) (int, error)
}

// BackendPinger checks that the render backend answers.
type BackendPinger interface {
	Ping(ctx context.Context) error
}

// ReelflowServerDeps holds the dependencies for creating a ReelflowServer.
type ReelflowServerDeps struct {
	Scheduler Controller
	History   PromptHistory
	Backend   BackendPinger
	Logger    *slog.Logger
}

// ReelflowServer wraps an MCP server with the workflow control tools.
type ReelflowServer struct {
	scheduler Controller
	history   PromptHistory
	backend   BackendPinger
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewReelflowServer creates a new ReelflowServer with every tool registered.
func NewReelflowServer(deps ReelflowServerDeps) *ReelflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ReelflowServer{
		scheduler: deps.Scheduler,
		history:   deps.History,
		backend:   deps.Backend,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"reelflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Reelflow schedules recurring video generation workflows per user. Use reelflow.sync to upload definitions, reelflow.activate to start one, reelflow.status to follow progress and reelflow.cancel to stop a run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ReelflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ReelflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ReelflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: activateTool(), Handler: s.handleActivate},
		{Tool: deactivateTool(), Handler: s.handleDeactivate},
		{Tool: deactivateAllTool(), Handler: s.handleDeactivateAll},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: executeNowTool(), Handler: s.handleExecuteNow},
		{Tool: syncTool(), Handler: s.handleSync},
		{Tool: promptHistoryTool(), Handler: s.handlePromptHistory},
		{Tool: clearPromptHistoryTool(), Handler: s.handleClearPromptHistory},
		{Tool: backendCheckTool(), Handler: s.handleBackendCheck},
	}
}

// --- Tool definitions ---

func workflowArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the user owning the workflow")),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition")),
	}
}

func activateTool() mcp.Tool {
	opts := append([]mcp.ToolOption{mcp.WithDescription("Activate a workflow and run it immediately")}, workflowArgs()...)
	return mcp.NewTool("reelflow.activate", opts...)
}

func deactivateTool() mcp.Tool {
	opts := append([]mcp.ToolOption{mcp.WithDescription("Stop scheduling a workflow; an in-flight run finishes")}, workflowArgs()...)
	return mcp.NewTool("reelflow.deactivate", opts...)
}

func deactivateAllTool() mcp.Tool {
	return mcp.NewTool("reelflow.deactivate_all",
		mcp.WithDescription("Deactivate every active workflow of a user"),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the user")),
	)
}

func cancelTool() mcp.Tool {
	opts := append([]mcp.ToolOption{mcp.WithDescription("Cancel the running execution of a workflow")}, workflowArgs()...)
	return mcp.NewTool("reelflow.cancel", opts...)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("reelflow.status",
		mcp.WithDescription("Get the scheduling state of one workflow, or of all workflows of a user"),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the user owning the workflow")),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID (omit to list every workflow of the user)")),
	)
}

func executeNowTool() mcp.Tool {
	opts := append([]mcp.ToolOption{mcp.WithDescription("Run a workflow now, outside its schedule")}, workflowArgs()...)
	return mcp.NewTool("reelflow.execute_now", opts...)
}

func syncTool() mcp.Tool {
	return mcp.NewTool("reelflow.sync",
		mcp.WithDescription("Replace a user's workflow definitions"),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the user")),
		mcp.WithArray("definitions", mcp.Required(), mcp.Description("Complete list of the user's workflow definitions")),
	)
}

func promptHistoryTool() mcp.Tool {
	return mcp.NewTool("reelflow.prompt_history",
		mcp.WithDescription("List the remembered prompts of a workflow, newest first"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func clearPromptHistoryTool() mcp.Tool {
	return mcp.NewTool("reelflow.clear_prompt_history",
		mcp.WithDescription("Forget every remembered prompt of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func backendCheckTool() mcp.Tool {
	return mcp.NewTool("reelflow.backend_check",
		mcp.WithDescription("Check that the render backend is reachable"),
	)
}
