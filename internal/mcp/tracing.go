// Package mcp builds the per-butler MCP server: it registers core tools
// (state, scheduling, routing) and each butler's module tools, wrapping
// every one in tracing and, where configured, the approval gate, before
// handing the registered set off as a domain.ToolExecutor.
package mcp

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/trace"

	"switchboard/internal/domain"
	"switchboard/internal/infra/tracer"
)

// traced wraps a tool so every call opens a span named "tool.<name>"
// carrying a butler.name attribute, records the error if any, and sets
// span status — independent of and in addition to any tracing the tool's
// own handler does internally.
type traced struct {
	original   domain.Tool
	butlerName string
}

// Traced decorates tool with registration-time tracing. Registry.Register
// calls this before Gate.Wrap, so the gate is the outer layer: the span
// covers the tool's own execution, and a gated call's approval flow runs
// outside it.
func Traced(butlerName string, tool domain.Tool) domain.Tool {
	return &traced{original: tool, butlerName: butlerName}
}

func (t *traced) Name() string             { return t.original.Name() }
func (t *traced) Description() string      { return t.original.Description() }
func (t *traced) Schema() domain.ToolSchema { return t.original.Schema() }

func (t *traced) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, "tool."+t.original.Name(),
		trace.WithAttributes(tracer.StringAttr("butler.name", t.butlerName)),
	)
	defer span.End()

	result, err := t.original.Execute(ctx, params)
	if err != nil {
		tracer.RecordError(span, err)
		return result, err
	}
	if result != nil && result.IsError {
		tracer.RecordError(span, errorResult(result))
	} else {
		tracer.SetOK(span)
	}
	return result, nil
}

type toolResultError struct{ content string }

func (e toolResultError) Error() string { return e.content }

func errorResult(r *domain.ToolResult) error { return toolResultError{content: r.Content} }
