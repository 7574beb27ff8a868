package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/dispatch/internal/bus"
	"github.com/rendis/dispatch/internal/client"
	"github.com/rendis/dispatch/internal/orchestrator"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/pkg/schema"
)

// Backend is the slice of the dispatch HTTP client the tools use.
type Backend interface {
	Run(ctx context.Context, req orchestrator.RunRequest) (*client.RunResponse, error)
	Execution(ctx context.Context, executionID string) (*orchestrator.Summary, error)
	Executions(ctx context.Context, filter orchestrator.ExecutionFilter) ([]*orchestrator.Summary, error)
	Events(ctx context.Context, executionID string, types ...string) ([]*schema.Event, error)
	RegisterPlaybook(ctx context.Context, content []byte) (*client.RegisterResponse, error)
	Catalog(ctx context.Context, path string) ([]*store.CatalogEntry, error)
	Stream(ctx context.Context, filter bus.Filter) (<-chan bus.Notification, error)
}

var _ Backend = (*client.Client)(nil)

// DispatchServerDeps holds the dependencies for creating a DispatchServer.
type DispatchServerDeps struct {
	Backend Backend
	Logger  *slog.Logger
}

// DispatchServer exposes the dispatch API to agents as MCP tools.
type DispatchServer struct {
	backend   Backend
	logger    *slog.Logger
	watchers  *WatchRegistry
	notifier  *Notifier
	mcpServer *server.MCPServer
}

// NewDispatchServer creates a DispatchServer with every tool registered.
func NewDispatchServer(deps DispatchServerDeps) *DispatchServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &DispatchServer{
		backend:  deps.Backend,
		logger:   logger,
		watchers: NewWatchRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"dispatch",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Dispatch is an event-sourced workflow orchestrator. Use dispatch.register to add a playbook, dispatch.run to start an execution, dispatch.status and dispatch.events to follow it, dispatch.watch to receive its notifications, and dispatch.executions or dispatch.catalog to browse."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.watchers, logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. Watched executions are forwarded while the server runs.
func (s *DispatchServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.backend != nil {
		if ch, err := s.backend.Stream(ctx, bus.Filter{}); err != nil {
			s.logger.Warn("mcp: event stream unavailable, watch disabled", "error", err)
		} else {
			go s.notifier.Forward(ctx, ch)
		}
	}

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *DispatchServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *DispatchServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: executionsTool(), Handler: s.handleExecutions},
		{Tool: registerTool(), Handler: s.handleRegister},
		{Tool: catalogTool(), Handler: s.handleCatalog},
		{Tool: watchTool(), Handler: s.handleWatch},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("dispatch.run",
		mcp.WithDescription("Start an execution of a registered playbook"),
		mcp.WithString("path", mcp.Description("Playbook path in the catalog")),
		mcp.WithString("version", mcp.Description("Playbook version (default: latest)")),
		mcp.WithString("catalog_id", mcp.Description("Catalog entry id; takes precedence over path")),
		mcp.WithObject("workload", mcp.Description("Workload merged over the playbook defaults")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("dispatch.status",
		mcp.WithDescription("Get an execution summary"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("dispatch.events",
		mcp.WithDescription("List the events of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("type", mcp.Description("Comma separated event types to keep")),
	)
}

func executionsTool() mcp.Tool {
	return mcp.NewTool("dispatch.executions",
		mcp.WithDescription("List executions, newest first"),
		mcp.WithString("status", mcp.Description("Only executions in this status")),
		mcp.WithString("parent_execution_id", mcp.Description("Only children of this execution")),
		mcp.WithString("catalog_id", mcp.Description("Only executions of this catalog entry")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of executions (default 50)")),
	)
}

func registerTool() mcp.Tool {
	return mcp.NewTool("dispatch.register",
		mcp.WithDescription("Register a playbook in the catalog"),
		mcp.WithString("content", mcp.Required(), mcp.Description("Playbook YAML document")),
	)
}

func catalogTool() mcp.Tool {
	return mcp.NewTool("dispatch.catalog",
		mcp.WithDescription("List catalog entries"),
		mcp.WithString("path", mcp.Description("Only versions of this playbook path")),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("dispatch.watch",
		mcp.WithDescription("Push notifications for an execution to this session until it completes"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}
