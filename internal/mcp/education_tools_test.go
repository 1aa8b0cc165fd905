package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"switchboard/internal/education"
	"switchboard/internal/scheduler"
	"switchboard/internal/store/sqlite"
)

func newTestEducationEngine(t *testing.T) (*education.Engine, *sqlite.EducationStore) {
	t.Helper()
	db, err := sqlite.Open(":memory:", "mcp-education-test")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	eduStore, err := sqlite.NewEducationStore(db)
	require.NoError(t, err)
	taskStore, err := sqlite.NewTaskStore(db)
	require.NoError(t, err)
	sched := scheduler.New(taskStore, nil, nil, testLogger())

	engine := education.NewEngine(eduStore, sched, taskStore, nil, testLogger())
	return engine, eduStore
}

func TestMindMapNodeCreateThenCurriculumGenerate(t *testing.T) {
	engine, eduStore := newTestEducationEngine(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, eduStore.CreateMindMap(ctx, sqlite.MindMapRow{ID: "map-1", Topic: "Go channels", Status: "draft", CreatedAt: now, UpdatedAt: now}))

	createTool := NewMindMapNodeCreateTool(eduStore, testLogger())
	rootResult, err := createTool.Execute(ctx, json.RawMessage(`{"mind_map_id":"map-1","label":"channels basics","depth":0}`))
	require.NoError(t, err)
	require.False(t, rootResult.IsError)

	var root map[string]any
	require.NoError(t, json.Unmarshal([]byte(rootResult.Content), &root))
	rootID, _ := root["ID"].(string)
	require.NotEmpty(t, rootID)

	childResult, err := createTool.Execute(ctx, json.RawMessage(`{"mind_map_id":"map-1","label":"select statement","depth":1,"parent_node_id":"`+rootID+`"}`))
	require.NoError(t, err)
	require.False(t, childResult.IsError)

	generateTool := NewCurriculumGenerateTool(engine, testLogger())
	genResult, err := generateTool.Execute(ctx, json.RawMessage(`{"mind_map_id":"map-1"}`))
	require.NoError(t, err)
	require.False(t, genResult.IsError)
	require.Contains(t, genResult.Content, `"NodeCount": 2`)
}

func TestMasteryRecordResponseRequiresValidQuality(t *testing.T) {
	engine, eduStore := newTestEducationEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, eduStore.CreateMindMap(ctx, sqlite.MindMapRow{ID: "map-2", Topic: "Rust ownership", Status: "active", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, eduStore.InsertNode(ctx, sqlite.MindMapNodeRow{ID: "node-1", MindMapID: "map-2", Label: "borrowing", MasteryStatus: "unseen", EaseFactor: 2.5}))

	masteryTool := NewMasteryRecordResponseTool(engine, testLogger())
	result, err := masteryTool.Execute(ctx, json.RawMessage(`{"node_id":"node-1","mind_map_id":"map-2","quality":9}`))
	require.NoError(t, err)
	require.True(t, result.IsError)
}
