package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/eventflow/internal/engine"
	"github.com/rendis/eventflow/internal/store"
)

// ServerDeps holds the dependencies for creating an EventflowServer.
type ServerDeps struct {
	Store    store.Store
	Queue    *engine.Queue
	Catalog  *engine.Catalog
	Worker   *engine.Worker
	Executor *engine.Executor
	Logger   *slog.Logger
}

// EventflowServer wraps an MCP server with the engine's admin tools.
type EventflowServer struct {
	store     store.Store
	queue     *engine.Queue
	catalog   *engine.Catalog
	worker    *engine.Worker
	executor  *engine.Executor
	watches   *WatchRegistry
	notifier  *ExecutionNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewEventflowServer creates a new EventflowServer with all tools registered.
// When an executor is supplied, sessions that trigger an event are notified
// as the resulting executions finish.
func NewEventflowServer(deps ServerDeps) *EventflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &EventflowServer{
		store:    deps.Store,
		queue:    deps.Queue,
		catalog:  deps.Catalog,
		worker:   deps.Worker,
		executor: deps.Executor,
		watches:  NewWatchRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"eventflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Eventflow runs workflows in response to named events. Use eventflow.trigger to record an event, eventflow.status to inspect an execution and its history, eventflow.query to list executions, workflows or step classes, eventflow.fields to see which fields a workflow's templates may reference, and eventflow.apply to store a workflow bundle."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = NewExecutionNotifier(mcpSrv, s.watches, logger)
	if deps.Executor != nil {
		s.notifier.Attach(deps.Executor.FSM())
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *EventflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *EventflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *EventflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: fieldsTool(), Handler: s.handleFields},
		{Tool: applyTool(), Handler: s.handleApply},
	}
}

// --- Tool definitions ---

func triggerTool() mcp.Tool {
	return mcp.NewTool("eventflow.trigger",
		mcp.WithDescription("Record an event and queue every active workflow bound to it"),
		mcp.WithString("eventname", mcp.Required(), mcp.Description("Name of the event")),
		mcp.WithObject("data", mcp.Description("Event payload")),
		mcp.WithObject("logextra", mcp.Description("Event extras; a nested 'other' object is flattened to other_<key> fields")),
		mcp.WithString("origin", mcp.Description("Where the event came from")),
		mcp.WithBoolean("run", mcp.Description("Run the queued executions before returning (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("eventflow.status",
		mcp.WithDescription("Get an execution with its history"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("eventflow.query",
		mcp.WithDescription("Query executions, workflows, or step classes"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "workflows", "steps"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, workflow_id, event_id, event_name, active, limit, offset)")),
	)
}

func fieldsTool() mcp.Tool {
	return mcp.NewTool("eventflow.fields",
		mcp.WithDescription("List the fields available to a workflow's templates"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func applyTool() mcp.Tool {
	return mcp.NewTool("eventflow.apply",
		mcp.WithDescription("Create or replace a workflow and its steps"),
		mcp.WithObject("bundle", mcp.Required(), mcp.Description("Workflow bundle: id, name, event_name, active, draft, steps[{class, config}]")),
	)
}
