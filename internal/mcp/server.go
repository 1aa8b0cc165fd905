package mcp

import (
	"context"
	"encoding/json"
	"sort"

	mcpsdk "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"switchboard/internal/approval"
	"switchboard/internal/domain"
)

// Registry is one butler's MCP tool surface: an mcp-go server plus the
// same tools addressable in-process as a domain.ToolExecutor, so
// route.Executor can dispatch a routed call straight to a tool without a
// round trip through the wire protocol.
type Registry struct {
	butlerName string
	srv        *server.MCPServer
	gate       *approval.Gate // nil if this butler gates no tools
	tools      map[string]domain.Tool
}

// NewRegistry constructs an empty per-butler MCP tool registry. gate may
// be nil for a butler with no gated tools.
func NewRegistry(butlerName string, gate *approval.Gate) *Registry {
	return &Registry{
		butlerName: butlerName,
		srv:        server.NewMCPServer(butlerName, "0.1.0", server.WithToolCapabilities(true)),
		gate:       gate,
		tools:      make(map[string]domain.Tool),
	}
}

// Register wraps t with tracing, then (when t.Name() is one of the
// butler's gated tools) the approval gate, and adds the result to both
// the mcp-go server and the in-process tool map. This is the one place
// the double-wrap happens — every tool above registers unaware of either
// concern.
func (r *Registry) Register(t domain.Tool) {
	wrapped := Traced(r.butlerName, t)
	if r.gate != nil {
		wrapped = r.gate.Wrap(wrapped)
	}
	r.tools[wrapped.Name()] = wrapped

	mcpTool := mcpsdk.NewToolWithRawSchema(wrapped.Name(), wrapped.Description(), wrapped.Schema().Parameters)
	r.srv.AddTool(mcpTool, func(ctx context.Context, req mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		raw, err := json.Marshal(req.Params.Arguments)
		if err != nil {
			return mcpsdk.NewToolResultError(err.Error()), nil
		}
		result, err := wrapped.Execute(ctx, raw)
		if err != nil {
			return mcpsdk.NewToolResultError(err.Error()), nil
		}
		if result.IsError {
			return mcpsdk.NewToolResultError(result.Content), nil
		}
		return mcpsdk.NewToolResultText(result.Content), nil
	})
}

// Get implements domain.ToolExecutor.
func (r *Registry) Get(name string) (domain.Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewSubSystemError("mcp", "Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// Schemas implements domain.ToolExecutor, sorted by name for a stable
// function-calling manifest.
func (r *Registry) Schemas() []domain.ToolSchema {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	schemas := make([]domain.ToolSchema, len(names))
	for i, name := range names {
		schemas[i] = r.tools[name].Schema()
	}
	return schemas
}

// Server returns the underlying mcp-go server, for whichever transport
// (stdio, SSE) the hosting process wires it to.
func (r *Registry) Server() *server.MCPServer {
	return r.srv
}
