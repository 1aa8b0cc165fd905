package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"switchboard/internal/butler"
	"switchboard/internal/route"
	"switchboard/internal/scheduler"
	"switchboard/internal/store/sqlite"
)

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	db, err := sqlite.Open(":memory:", "mcp-core-test")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := sqlite.NewTaskStore(db)
	require.NoError(t, err)
	return scheduler.New(store, nil, nil, testLogger())
}

func TestStateSetThenGetRoundTrips(t *testing.T) {
	db, err := sqlite.Open(":memory:", "mcp-state-test")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := sqlite.NewStateStore(db)
	require.NoError(t, err)

	setTool := NewStateSetTool(store, testLogger())
	_, err = setTool.Execute(context.Background(), json.RawMessage(`{"key":"mood","value":"curious"}`))
	require.NoError(t, err)

	getTool := NewStateGetTool(store, testLogger())
	result, err := getTool.Execute(context.Background(), json.RawMessage(`{"key":"mood"}`))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, result.Content, "curious")
}

func TestStateGetMissingKeyReturnsErrorResult(t *testing.T) {
	db, err := sqlite.Open(":memory:", "mcp-state-missing-test")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := sqlite.NewStateStore(db)
	require.NoError(t, err)

	getTool := NewStateGetTool(store, testLogger())
	result, err := getTool.Execute(context.Background(), json.RawMessage(`{"key":"missing"}`))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestScheduleCreateListDelete(t *testing.T) {
	sched := newTestScheduler(t)
	ctx := context.Background()

	create := NewScheduleCreateTool(sched, testLogger())
	result, err := create.Execute(ctx, json.RawMessage(`{
		"name": "morning-review",
		"cron_expr": "0 8 * * *",
		"dispatch_mode": "prompt",
		"prompt": "review due cards",
		"enabled": true
	}`))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var created map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Content), &created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	list := NewScheduleListTool(sched, testLogger())
	listResult, err := list.Execute(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Contains(t, listResult.Content, "morning-review")

	del := NewScheduleDeleteTool(sched, testLogger())
	delResult, err := del.Execute(ctx, json.RawMessage(`{"id":"`+id+`"}`))
	require.NoError(t, err)
	require.False(t, delResult.IsError)

	listResult, err = list.Execute(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NotContains(t, listResult.Content, "morning-review")
}

func newTestRouteExecutor(t *testing.T) *route.Executor {
	t.Helper()
	db, err := sqlite.Open(":memory:", "mcp-route-test")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := sqlite.NewButlerRegistryStore(db)
	require.NoError(t, err)
	registry, err := butler.NewRegistry(context.Background(), store, testLogger())
	require.NoError(t, err)
	return route.NewExecutor(registry, nil, testLogger())
}

func TestRouteExecuteRejectsEnvelopeMissingRequestContext(t *testing.T) {
	executeTool := NewRouteExecuteTool(newTestRouteExecutor(t), testLogger())

	_, err := executeTool.Execute(context.Background(), json.RawMessage(`{
		"caller_identity": "switchboard",
		"schema_version": "route.v1",
		"target": {"butler": "education", "tool": "route_execute"},
		"input": {"prompt": "quiz me on Go channels"}
	}`))
	require.Error(t, err)
}

func TestRouteExecuteRejectsEnvelopeWithEmptyTargetButler(t *testing.T) {
	executeTool := NewRouteExecuteTool(newTestRouteExecutor(t), testLogger())

	_, err := executeTool.Execute(context.Background(), json.RawMessage(`{
		"caller_identity": "switchboard",
		"schema_version": "route.v1",
		"request_context": {
			"request_id": "01HF00000000000000000000",
			"source_channel": "telegram",
			"source_endpoint_identity": "bot-1",
			"source_sender_identity": "user-1"
		},
		"target": {"butler": "", "tool": "route_execute"},
		"input": {"prompt": "quiz me on Go channels"}
	}`))
	require.Error(t, err)
}

func TestRouteExecuteAcceptsWellFormedEnvelope(t *testing.T) {
	executeTool := NewRouteExecuteTool(newTestRouteExecutor(t), testLogger())

	result, err := executeTool.Execute(context.Background(), json.RawMessage(`{
		"caller_identity": "switchboard",
		"schema_version": "route.v1",
		"request_context": {
			"request_id": "01HF00000000000000000000",
			"source_channel": "telegram",
			"source_endpoint_identity": "bot-1",
			"source_sender_identity": "user-1"
		},
		"target": {"butler": "education", "tool": "route_execute"},
		"input": {"prompt": "quiz me on Go channels"}
	}`))
	require.NoError(t, err)
	require.NotNil(t, result)
}
