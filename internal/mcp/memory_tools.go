package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"switchboard/internal/adapter/tool"
	"switchboard/internal/domain"
	"switchboard/internal/memory"
)

type entityResolveParams struct {
	TenantID      string             `json:"tenant_id"`
	Name          string             `json:"name"`
	EntityKind    string             `json:"entity_kind,omitempty"`
	EnableFuzzy   bool               `json:"enable_fuzzy,omitempty"`
	Topic         string             `json:"topic,omitempty"`
	MentionedWith []string           `json:"mentioned_with,omitempty"`
	DomainScores  map[string]float64 `json:"domain_scores,omitempty"`
}

type entityResolveTool struct {
	resolver *memory.Resolver
	logger   *slog.Logger
}

// NewEntityResolveTool exposes the cross-butler entity resolver: tiered
// exact/alias/prefix/fuzzy discovery plus the graph-neighborhood boost.
func NewEntityResolveTool(resolver *memory.Resolver, logger *slog.Logger) domain.Tool {
	return &entityResolveTool{resolver: resolver, logger: logger}
}

func (t *entityResolveTool) Name() string { return "entity_resolve" }
func (t *entityResolveTool) Description() string {
	return "Resolve an ambiguous name (\"mom\", \"the dentist\") to a ranked list of entity candidates."
}
func (t *entityResolveTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"tenant_id": {"type": "string"},
				"name": {"type": "string"},
				"entity_kind": {"type": "string"},
				"enable_fuzzy": {"type": "boolean"},
				"topic": {"type": "string"},
				"mentioned_with": {"type": "array", "items": {"type": "string"}},
				"domain_scores": {"type": "object"}
			},
			"required": ["tenant_id", "name"]
		}`),
	}
}

func (t *entityResolveTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p entityResolveParams) (any, error) {
			hints := &memory.Hints{Topic: p.Topic, MentionedWith: p.MentionedWith, DomainScores: p.DomainScores}
			candidates, err := t.resolver.Resolve(ctx, p.TenantID, p.Name, p.EntityKind, hints, p.EnableFuzzy)
			if err != nil {
				return nil, err
			}
			return map[string]any{"candidates": candidates}, nil
		},
	)
}

type entityCreateParams struct {
	TenantID      string   `json:"tenant_id"`
	CanonicalName string   `json:"canonical_name"`
	Kind          string   `json:"kind"`
	Aliases       []string `json:"aliases,omitempty"`
}

type entityCreateTool struct {
	resolver *memory.Resolver
	logger   *slog.Logger
}

func NewEntityCreateTool(resolver *memory.Resolver, logger *slog.Logger) domain.Tool {
	return &entityCreateTool{resolver: resolver, logger: logger}
}

func (t *entityCreateTool) Name() string        { return "entity_create" }
func (t *entityCreateTool) Description() string { return "Create a new canonical entity in the shared entity graph, optionally seeded with aliases." }
func (t *entityCreateTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"tenant_id": {"type": "string"},
				"canonical_name": {"type": "string"},
				"kind": {"type": "string"},
				"aliases": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["tenant_id", "canonical_name", "kind"]
		}`),
	}
}

func (t *entityCreateTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p entityCreateParams) (any, error) {
			return t.resolver.Create(ctx, p.TenantID, p.CanonicalName, p.Kind, p.Aliases)
		},
	)
}

type entityMergeParams struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
}

type entityMergeTool struct {
	resolver *memory.Resolver
	logger   *slog.Logger
}

func NewEntityMergeTool(resolver *memory.Resolver, logger *slog.Logger) domain.Tool {
	return &entityMergeTool{resolver: resolver, logger: logger}
}

func (t *entityMergeTool) Name() string        { return "entity_merge" }
func (t *entityMergeTool) Description() string {
	return "Merge a duplicate entity into its canonical target: re-points facts, copies aliases, tombstones the source."
}
func (t *entityMergeTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {"source_id": {"type": "string"}, "target_id": {"type": "string"}}, "required": ["source_id", "target_id"]}`),
	}
}

func (t *entityMergeTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p entityMergeParams) (any, error) {
			return t.resolver.Merge(ctx, p.SourceID, p.TargetID)
		},
	)
}
