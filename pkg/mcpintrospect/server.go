// Package mcpintrospect implements a read-only Model Context Protocol
// server exposing a running Runtime's graph for external inspection:
// registered kinds, cell snapshots, task stats, and aggregated data.
// No tool here can mutate the graph.
package mcpintrospect

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vela-build/taskgraph/pkg/runtime"
)

const (
	serverName    = "taskgraph-introspect"
	serverVersion = "1.0.0"

	toolCount = 4
)

// ServerDeps holds injectable dependencies. Runtime must be set; a nil
// Logger keeps the MCP SDK's default logger and a nil Tracer leaves the
// tools untraced.
type ServerDeps struct {
	Runtime *runtime.Runtime
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Server wraps the MCP SDK server with taskgraph introspection tools.
type Server struct {
	inner *mcpsdk.Server
	rt    *runtime.Runtime

	mu     sync.RWMutex
	tools  []string
	tracer trace.Tracer
}

// NewServer creates an MCP server with every introspection tool
// registered against rt.
func NewServer(deps ServerDeps) *Server {
	opts := &mcpsdk.ServerOptions{}
	if deps.Logger != nil {
		opts.Logger = deps.Logger
	}

	inner := mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: serverName, Version: serverVersion},
		opts,
	)

	srv := &Server{
		inner:  inner,
		rt:     deps.Runtime,
		tools:  make([]string, 0, toolCount),
		tracer: deps.Tracer,
	}

	srv.registerTools()

	return srv
}

// ListToolNames returns the sorted names of every registered tool.
func (s *Server) ListToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.tools))
	copy(names, s.tools)
	sort.Strings(names)

	return names
}

// Run starts the server on stdio transport, blocking until ctx is
// canceled or the connection closes.
func (s *Server) Run(ctx context.Context) error {
	if err := s.inner.Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
		return fmt.Errorf("mcpintrospect: %w", err)
	}

	return nil
}

func (s *Server) registerTools() {
	s.registerListKinds()
	s.registerReadCell()
	s.registerTaskStats()
	s.registerTaskDatum()
}

func (s *Server) trackTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools = append(s.tools, name)
}

const (
	toolListKinds = "taskgraph_list_kinds"
	toolReadCell  = "taskgraph_read_cell"
	toolTaskStats = "taskgraph_task_stats"
	toolTaskDatum = "taskgraph_task_datum"
	mcpSpanPrefix = "mcpintrospect."
)

func (s *Server) registerListKinds() {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        toolListKinds,
		Description: "List every task kind registered with the runtime.",
	}, traced(s.tracer, s.rt, toolListKinds, handleListKinds))

	s.trackTool(toolListKinds)
}

func (s *Server) registerReadCell() {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        toolReadCell,
		Description: "Read a cell's current snapshot by owning task id and slot.",
	}, traced(s.tracer, s.rt, toolReadCell, handleReadCell))

	s.trackTool(toolReadCell)
}

func (s *Server) registerTaskStats() {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        toolTaskStats,
		Description: "Fetch a task's recorded execution stats by task id.",
	}, traced(s.tracer, s.rt, toolTaskStats, handleTaskStats))

	s.trackTool(toolTaskStats)
}

func (s *Server) registerTaskDatum() {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        toolTaskDatum,
		Description: "Read a task's current aggregated datum (merged over its transitive children).",
	}, traced(s.tracer, s.rt, toolTaskDatum, handleTaskDatum))

	s.trackTool(toolTaskDatum)
}

// traced binds rt into handler and, when tracer is non-nil, wraps the
// call in a per-invocation span. A free function rather than a method,
// since Go methods cannot carry their own type parameters.
func traced[Input any](
	tracer trace.Tracer,
	rt *runtime.Runtime,
	toolName string,
	handler func(context.Context, *runtime.Runtime, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error),
) func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
		if tracer == nil {
			return handler(ctx, rt, req, input)
		}

		ctx, span := tracer.Start(ctx, mcpSpanPrefix+toolName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("mcp.tool", toolName)),
		)
		defer span.End()

		return handler(ctx, rt, req, input)
	}
}
