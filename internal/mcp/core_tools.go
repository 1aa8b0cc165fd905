package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel/trace"

	"switchboard/internal/adapter/tool"
	"switchboard/internal/domain"
	"switchboard/internal/route"
	"switchboard/internal/scheduler"
	"switchboard/internal/store/sqlite"
)

// stateTool implements state_get / state_set over a butler's StateStore.

type stateGetParams struct {
	Key string `json:"key"`
}

type stateGetTool struct {
	store  *sqlite.StateStore
	logger *slog.Logger
}

// NewStateGetTool exposes StateStore.Get as state_get.
func NewStateGetTool(store *sqlite.StateStore, logger *slog.Logger) domain.Tool {
	return &stateGetTool{store: store, logger: logger}
}

func (t *stateGetTool) Name() string        { return "state_get" }
func (t *stateGetTool) Description() string { return "Fetch a value previously stored under a key in this butler's key-value state store." }
func (t *stateGetTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"key": {"type": "string", "description": "State key"}},
			"required": ["key"]
		}`),
	}
}

func (t *stateGetTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p stateGetParams) (any, error) {
			value, version, err := t.store.Get(ctx, p.Key)
			if err != nil {
				if domain.ClassifyError(err).Class == domain.ClassNotFound {
					return tool.ErrResult("no value stored under key %q", p.Key)
				}
				return nil, err
			}
			return map[string]any{"key": p.Key, "value": json.RawMessage(value), "version": version}, nil
		},
	)
}

type stateSetParams struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type stateSetTool struct {
	store  *sqlite.StateStore
	logger *slog.Logger
}

// NewStateSetTool exposes StateStore.Set as state_set.
func NewStateSetTool(store *sqlite.StateStore, logger *slog.Logger) domain.Tool {
	return &stateSetTool{store: store, logger: logger}
}

func (t *stateSetTool) Name() string        { return "state_set" }
func (t *stateSetTool) Description() string {
	return "Store a JSON value under a key in this butler's key-value state store, last-writer-wins."
}
func (t *stateSetTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key": {"type": "string", "description": "State key"},
				"value": {"description": "Any JSON value to store"}
			},
			"required": ["key", "value"]
		}`),
	}
}

func (t *stateSetTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p stateSetParams) (any, error) {
			version, err := t.store.Set(ctx, p.Key, p.Value)
			if err != nil {
				return nil, err
			}
			return map[string]any{"key": p.Key, "version": version}, nil
		},
	)
}

// scheduleTools wrap a butler's Scheduler as schedule_create / schedule_delete / schedule_list.

type scheduleCreateParams struct {
	domain.ScheduledTask
}

type scheduleCreateTool struct {
	sched  *scheduler.Scheduler
	logger *slog.Logger
}

// NewScheduleCreateTool exposes Scheduler.Save as schedule_create (also handles updates: a
// task with an existing ID is overwritten).
func NewScheduleCreateTool(sched *scheduler.Scheduler, logger *slog.Logger) domain.Tool {
	return &scheduleCreateTool{sched: sched, logger: logger}
}

func (t *scheduleCreateTool) Name() string        { return "schedule_create" }
func (t *scheduleCreateTool) Description() string {
	return "Create or update a scheduled task (cron expression, dispatch prompt or job, optional start/end window)."
}
func (t *scheduleCreateTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string"},
				"name": {"type": "string"},
				"cron_expr": {"type": "string"},
				"timezone": {"type": "string"},
				"dispatch_mode": {"type": "string", "enum": ["prompt", "job"]},
				"prompt": {"type": "string"},
				"job_name": {"type": "string"},
				"job_args": {"type": "object"},
				"enabled": {"type": "boolean"}
			},
			"required": ["name", "cron_expr", "dispatch_mode"]
		}`),
	}
}

func (t *scheduleCreateTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p scheduleCreateParams) (any, error) {
			task := p.ScheduledTask
			if task.ID == "" {
				task.ID = newTaskID()
			}
			if task.Timezone == "" {
				task.Timezone = "UTC"
			}
			if err := t.sched.Save(ctx, task); err != nil {
				return nil, err
			}
			return task, nil
		},
	)
}

type scheduleDeleteParams struct {
	ID string `json:"id"`
}

type scheduleDeleteTool struct {
	sched  *scheduler.Scheduler
	logger *slog.Logger
}

// NewScheduleDeleteTool exposes Scheduler.Delete as schedule_delete.
func NewScheduleDeleteTool(sched *scheduler.Scheduler, logger *slog.Logger) domain.Tool {
	return &scheduleDeleteTool{sched: sched, logger: logger}
}

func (t *scheduleDeleteTool) Name() string        { return "schedule_delete" }
func (t *scheduleDeleteTool) Description() string { return "Delete a scheduled task by ID." }
func (t *scheduleDeleteTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {"id": {"type": "string"}}, "required": ["id"]}`),
	}
}

func (t *scheduleDeleteTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p scheduleDeleteParams) (any, error) {
			if err := t.sched.Delete(ctx, p.ID); err != nil {
				return nil, err
			}
			return map[string]any{"id": p.ID, "deleted": true}, nil
		},
	)
}

type scheduleListParams struct{}

type scheduleListTool struct {
	sched  *scheduler.Scheduler
	logger *slog.Logger
}

// NewScheduleListTool exposes Scheduler.List as schedule_list.
func NewScheduleListTool(sched *scheduler.Scheduler, logger *slog.Logger) domain.Tool {
	return &scheduleListTool{sched: sched, logger: logger}
}

func (t *scheduleListTool) Name() string        { return "schedule_list" }
func (t *scheduleListTool) Description() string { return "List every scheduled task for this butler." }
func (t *scheduleListTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: json.RawMessage(`{"type": "object", "properties": {}}`)}
}

func (t *scheduleListTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, _ scheduleListParams) (any, error) {
			return t.sched.List(ctx)
		},
	)
}

// routeExecuteTool exposes route.Executor.Execute as route_execute, the
// entry point other butlers and the Switchboard call to hand this butler
// work.

type routeExecuteParams struct {
	CallerIdentity string `json:"caller_identity"`
	domain.RouteV1
}

type routeExecuteTool struct {
	executor *route.Executor
	logger   *slog.Logger
}

// NewRouteExecuteTool exposes Executor.Execute as route_execute.
func NewRouteExecuteTool(executor *route.Executor, logger *slog.Logger) domain.Tool {
	return &routeExecuteTool{executor: executor, logger: logger}
}

func (t *routeExecuteTool) Name() string        { return "route_execute" }
func (t *routeExecuteTool) Description() string {
	return "Hand this butler a route.v1 request from a trusted caller (the Switchboard or another butler)."
}
func (t *routeExecuteTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"caller_identity": {"type": "string"},
				"schema_version": {"type": "string"},
				"request_context": {"type": "object"},
				"target": {"type": "object"},
				"input": {"type": "object"}
			},
			"required": ["caller_identity", "schema_version", "request_context", "target", "input"]
		}`),
	}
}

const routeSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["caller_identity", "schema_version", "request_context", "target", "input"],
  "properties": {
    "caller_identity": {"type": "string", "minLength": 1},
    "schema_version": {"type": "string"},
    "request_context": {
      "type": "object",
      "required": ["request_id", "source_channel", "source_endpoint_identity", "source_sender_identity"],
      "properties": {
        "request_id": {"type": "string", "minLength": 1},
        "source_channel": {"type": "string", "minLength": 1},
        "source_endpoint_identity": {"type": "string", "minLength": 1},
        "source_sender_identity": {"type": "string", "minLength": 1}
      }
    },
    "target": {
      "type": "object",
      "required": ["butler", "tool"],
      "properties": {
        "butler": {"type": "string", "minLength": 1},
        "tool": {"type": "string", "minLength": 1}
      }
    },
    "input": {
      "type": "object",
      "required": ["prompt"],
      "properties": {
        "prompt": {"type": "string"}
      }
    }
  }
}`

var routeSchema = compileRouteSchema("route.v1", routeSchemaDoc)

func compileRouteSchema(name, doc string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(doc))
	if err != nil {
		panic(fmt.Sprintf("mcp: invalid embedded %s schema: %v", name, err))
	}
	return schema
}

// validateRouteEnvelope enforces the route.v1 wire shape before a caller's
// raw params are unmarshaled into routeExecuteParams — a malformed
// request_context or target fails the call with no dispatch attempted,
// mirroring switchboard's ingest.v1/notify.v1 validation.
func validateRouteEnvelope(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return domain.NewSubSystemError("mcp", "route_execute", domain.ErrInvalidInput, "malformed JSON: "+err.Error())
	}
	if result := routeSchema.Validate(v); !result.IsValid() {
		return domain.NewSubSystemError("mcp", "route_execute", domain.ErrInvalidInput, result.Error())
	}
	return nil
}

func (t *routeExecuteTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if err := validateRouteEnvelope(params); err != nil {
		return nil, err
	}
	return tool.Execute(ctx, t.Name(), t.logger, params,
		func(ctx context.Context, _ trace.Span, p routeExecuteParams) (any, error) {
			return t.executor.Execute(ctx, p.CallerIdentity, p.RouteV1), nil
		},
	)
}

func newTaskID() string {
	return newEntityLikeID()
}
