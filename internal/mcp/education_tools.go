package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"switchboard/internal/adapter/tool"
	"switchboard/internal/domain"
	"switchboard/internal/education"
	"switchboard/internal/store/sqlite"
)

// mindMapNodeCreateTool inserts a node (and, for non-root nodes, the
// prerequisite edge to its parent) directly against the education store:
// the Engine itself only operates on an already-populated graph.

type mindMapNodeCreateParams struct {
	MindMapID     string         `json:"mind_map_id"`
	Label         string         `json:"label"`
	Depth         int            `json:"depth"`
	EffortMinutes *int           `json:"effort_minutes,omitempty"`
	ParentNodeID  string         `json:"parent_node_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type mindMapNodeCreateTool struct {
	store  *sqlite.EducationStore
	logger *slog.Logger
}

// NewMindMapNodeCreateTool exposes EducationStore.InsertNode (and, when a
// parent is given, InsertEdge) as mind_map_node_create.
func NewMindMapNodeCreateTool(store *sqlite.EducationStore, logger *slog.Logger) domain.Tool {
	return &mindMapNodeCreateTool{store: store, logger: logger}
}

func (t *mindMapNodeCreateTool) Name() string { return "mind_map_node_create" }
func (t *mindMapNodeCreateTool) Description() string {
	return "Add a concept node to a mind map's curriculum graph, optionally linking it as a prerequisite child of an existing node."
}
func (t *mindMapNodeCreateTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"mind_map_id": {"type": "string"},
				"label": {"type": "string"},
				"depth": {"type": "integer"},
				"effort_minutes": {"type": "integer"},
				"parent_node_id": {"type": "string", "description": "If set, adds a prerequisite edge from this node to the new one"},
				"metadata": {"type": "object"}
			},
			"required": ["mind_map_id", "label"]
		}`),
	}
}

func (t *mindMapNodeCreateTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p mindMapNodeCreateParams) (any, error) {
			node := sqlite.MindMapNodeRow{
				ID:            uuid.NewString(),
				MindMapID:     p.MindMapID,
				Label:         p.Label,
				Depth:         p.Depth,
				EffortMinutes: p.EffortMinutes,
				MasteryStatus: "unseen",
				EaseFactor:    2.5,
				Metadata:      p.Metadata,
			}
			if err := t.store.InsertNode(ctx, node); err != nil {
				return nil, err
			}
			if p.ParentNodeID != "" {
				if err := t.store.InsertEdge(ctx, sqlite.MindMapEdgeRow{
					MindMapID: p.MindMapID, ParentNodeID: p.ParentNodeID, ChildNodeID: node.ID, EdgeType: "prerequisite",
				}); err != nil {
					return nil, err
				}
			}
			return node, nil
		},
	)
}

// curriculumGenerateTool / curriculumReplanTool / curriculumNextNodeTool
// wrap the three Engine curriculum operations directly — no action
// dispatch needed, each has its own fixed parameter shape.

type curriculumGenerateParams struct {
	MindMapID          string         `json:"mind_map_id"`
	Goal               *string        `json:"goal,omitempty"`
	DiagnosticResults  map[string]int `json:"diagnostic_results,omitempty"`
}

type curriculumGenerateTool struct {
	engine *education.Engine
	logger *slog.Logger
}

// NewCurriculumGenerateTool exposes Engine.GenerateCurriculum as curriculum_generate.
func NewCurriculumGenerateTool(engine *education.Engine, logger *slog.Logger) domain.Tool {
	return &curriculumGenerateTool{engine: engine, logger: logger}
}

func (t *curriculumGenerateTool) Name() string { return "curriculum_generate" }
func (t *curriculumGenerateTool) Description() string {
	return "Topologically order a mind map's nodes into a sequenced curriculum and activate it."
}
func (t *curriculumGenerateTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"mind_map_id": {"type": "string"},
				"goal": {"type": "string"},
				"diagnostic_results": {"type": "object", "description": "label -> quality (0-5)"}
			},
			"required": ["mind_map_id"]
		}`),
	}
}

func (t *curriculumGenerateTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p curriculumGenerateParams) (any, error) {
			return t.engine.GenerateCurriculum(ctx, p.MindMapID, p.Goal, p.DiagnosticResults)
		},
	)
}

type curriculumReplanParams struct {
	MindMapID string `json:"mind_map_id"`
}

type curriculumReplanTool struct {
	engine *education.Engine
	logger *slog.Logger
}

// NewCurriculumReplanTool exposes Engine.Replan as curriculum_replan.
func NewCurriculumReplanTool(engine *education.Engine, logger *slog.Logger) domain.Tool {
	return &curriculumReplanTool{engine: engine, logger: logger}
}

func (t *curriculumReplanTool) Name() string { return "curriculum_replan" }
func (t *curriculumReplanTool) Description() string {
	return "Re-sort a mind map's curriculum, skipping already-mastered nodes."
}
func (t *curriculumReplanTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {"mind_map_id": {"type": "string"}}, "required": ["mind_map_id"]}`),
	}
}

func (t *curriculumReplanTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p curriculumReplanParams) (any, error) {
			return t.engine.Replan(ctx, p.MindMapID)
		},
	)
}

type curriculumNextNodeParams struct {
	MindMapID string `json:"mind_map_id"`
}

type curriculumNextNodeTool struct {
	engine *education.Engine
	logger *slog.Logger
}

// NewCurriculumNextNodeTool exposes Engine.NextNode as curriculum_next_node.
func NewCurriculumNextNodeTool(engine *education.Engine, logger *slog.Logger) domain.Tool {
	return &curriculumNextNodeTool{engine: engine, logger: logger}
}

func (t *curriculumNextNodeTool) Name() string { return "curriculum_next_node" }
func (t *curriculumNextNodeTool) Description() string {
	return "Return the next frontier node due for teaching or review in a mind map."
}
func (t *curriculumNextNodeTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {"mind_map_id": {"type": "string"}}, "required": ["mind_map_id"]}`),
	}
}

func (t *curriculumNextNodeTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p curriculumNextNodeParams) (any, error) {
			node, err := t.engine.NextNode(ctx, p.MindMapID)
			if err != nil {
				return nil, err
			}
			if node == nil {
				return tool.TextResult("no frontier node due"), nil
			}
			return node, nil
		},
	)
}

// spacedRepetitionRecordResponseTool and masteryRecordResponseTool /
// masteryDetectStrugglesTool wrap the remaining three Engine operations.

type spacedRepetitionRecordResponseParams struct {
	NodeID    string `json:"node_id"`
	MindMapID string `json:"mind_map_id"`
	Quality   int    `json:"quality"`
}

type spacedRepetitionRecordResponseTool struct {
	engine *education.Engine
	logger *slog.Logger
}

// NewSpacedRepetitionRecordResponseTool exposes
// Engine.RecordSpacedRepetitionResponse as spaced_repetition_record_response.
func NewSpacedRepetitionRecordResponseTool(engine *education.Engine, logger *slog.Logger) domain.Tool {
	return &spacedRepetitionRecordResponseTool{engine: engine, logger: logger}
}

func (t *spacedRepetitionRecordResponseTool) Name() string {
	return "spaced_repetition_record_response"
}
func (t *spacedRepetitionRecordResponseTool) Description() string {
	return "Record a graded recall attempt and run the SM-2 update to reschedule the node's next review."
}
func (t *spacedRepetitionRecordResponseTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"node_id": {"type": "string"},
				"mind_map_id": {"type": "string"},
				"quality": {"type": "integer", "minimum": 0, "maximum": 5}
			},
			"required": ["node_id", "mind_map_id", "quality"]
		}`),
	}
}

func (t *spacedRepetitionRecordResponseTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p spacedRepetitionRecordResponseParams) (any, error) {
			return t.engine.RecordSpacedRepetitionResponse(ctx, p.NodeID, p.MindMapID, p.Quality)
		},
	)
}

type masteryRecordResponseParams struct {
	NodeID       string `json:"node_id"`
	MindMapID    string `json:"mind_map_id"`
	QuestionText string `json:"question_text"`
	UserAnswer   string `json:"user_answer"`
	Quality      int    `json:"quality"`
	ResponseType string `json:"response_type,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

type masteryRecordResponseTool struct {
	engine *education.Engine
	logger *slog.Logger
}

// NewMasteryRecordResponseTool exposes Engine.RecordMasteryResponse as mastery_record_response.
func NewMasteryRecordResponseTool(engine *education.Engine, logger *slog.Logger) domain.Tool {
	return &masteryRecordResponseTool{engine: engine, logger: logger}
}

func (t *masteryRecordResponseTool) Name() string { return "mastery_record_response" }
func (t *masteryRecordResponseTool) Description() string {
	return "Record a graded quiz response and recompute the node's recency-weighted mastery score and status."
}
func (t *masteryRecordResponseTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"node_id": {"type": "string"},
				"mind_map_id": {"type": "string"},
				"question_text": {"type": "string"},
				"user_answer": {"type": "string"},
				"quality": {"type": "integer", "minimum": 0, "maximum": 5},
				"response_type": {"type": "string", "enum": ["diagnostic", "teach", "review"]},
				"session_id": {"type": "string"}
			},
			"required": ["node_id", "mind_map_id", "quality"]
		}`),
	}
}

func (t *masteryRecordResponseTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p masteryRecordResponseParams) (any, error) {
			return t.engine.RecordMasteryResponse(ctx, p.NodeID, p.MindMapID, p.QuestionText, p.UserAnswer, p.Quality, p.ResponseType, p.SessionID)
		},
	)
}

type masteryDetectStrugglesParams struct {
	MindMapID string `json:"mind_map_id"`
}

type masteryDetectStrugglesTool struct {
	engine *education.Engine
	logger *slog.Logger
}

// NewMasteryDetectStrugglesTool exposes Engine.DetectStruggles as mastery_detect_struggles.
func NewMasteryDetectStrugglesTool(engine *education.Engine, logger *slog.Logger) domain.Tool {
	return &masteryDetectStrugglesTool{engine: engine, logger: logger}
}

func (t *masteryDetectStrugglesTool) Name() string { return "mastery_detect_struggles" }
func (t *masteryDetectStrugglesTool) Description() string {
	return "Flag non-mastered nodes in a mind map with consistently poor or declining recent performance."
}
func (t *masteryDetectStrugglesTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {"mind_map_id": {"type": "string"}}, "required": ["mind_map_id"]}`),
	}
}

func (t *masteryDetectStrugglesTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p masteryDetectStrugglesParams) (any, error) {
			reports, err := t.engine.DetectStruggles(ctx, p.MindMapID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"struggles": reports}, nil
		},
	)
}
