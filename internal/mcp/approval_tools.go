package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"switchboard/internal/adapter/tool"
	"switchboard/internal/approval"
	"switchboard/internal/domain"
)

// approve_action / reject_action are the human-decision surface over a
// butler's pending action queue — the counterpart to the gate's own
// interception flow, which only ever queues or auto-resolves.

type approveActionParams struct {
	ActionID   string `json:"action_id"`
	ActorID    string `json:"actor_id"`
	CreateRule bool   `json:"create_rule,omitempty"`
}

type approveActionTool struct {
	gate   *approval.Gate
	logger *slog.Logger
}

// NewApproveActionTool exposes Gate.ApproveAction as approve_action.
func NewApproveActionTool(gate *approval.Gate, logger *slog.Logger) domain.Tool {
	return &approveActionTool{gate: gate, logger: logger}
}

func (t *approveActionTool) Name() string { return "approve_action" }
func (t *approveActionTool) Description() string {
	return "Approve a pending gated tool call, optionally creating a standing rule that auto-approves future matching calls."
}
func (t *approveActionTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action_id": {"type": "string"},
				"actor_id": {"type": "string"},
				"create_rule": {"type": "boolean", "description": "Also create a standing rule from this decision"}
			},
			"required": ["action_id", "actor_id"]
		}`),
	}
}

func (t *approveActionTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p approveActionParams) (any, error) {
			action, rule, err := t.gate.ApproveAction(ctx, p.ActionID, p.ActorID, p.CreateRule)
			if err != nil {
				return nil, err
			}
			return map[string]any{"action": action, "rule": rule}, nil
		},
	)
}

type rejectActionParams struct {
	ActionID string `json:"action_id"`
	Reason   string `json:"reason,omitempty"`
	ActorID  string `json:"actor_id"`
}

type rejectActionTool struct {
	gate   *approval.Gate
	logger *slog.Logger
}

// NewRejectActionTool exposes Gate.RejectAction as reject_action.
func NewRejectActionTool(gate *approval.Gate, logger *slog.Logger) domain.Tool {
	return &rejectActionTool{gate: gate, logger: logger}
}

func (t *rejectActionTool) Name() string { return "reject_action" }
func (t *rejectActionTool) Description() string {
	return "Reject a pending gated tool call."
}
func (t *rejectActionTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action_id": {"type": "string"},
				"reason": {"type": "string"},
				"actor_id": {"type": "string"}
			},
			"required": ["action_id", "actor_id"]
		}`),
	}
}

func (t *rejectActionTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p rejectActionParams) (any, error) {
			return t.gate.RejectAction(ctx, p.ActionID, p.Reason, p.ActorID)
		},
	)
}
