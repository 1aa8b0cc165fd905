package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"switchboard/internal/approval"
	"switchboard/internal/store/sqlite"
)

func seedPendingAction(t *testing.T, store *sqlite.ApprovalStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.CreatePending(context.Background(), sqlite.PendingActionRow{
		ID: id, ButlerName: "general", ToolName: "risky", Args: map[string]any{"x": 1},
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
}

func TestApproveActionTool(t *testing.T) {
	store := newTestApprovalStore(t)
	gate := approval.NewGate("general", store, approval.NewContactResolver(nil), approval.Config{}, nil, testLogger())
	seedPendingAction(t, store, "action-1")

	approveTool := NewApproveActionTool(gate, testLogger())
	result, err := approveTool.Execute(context.Background(), json.RawMessage(`{"action_id":"action-1","actor_id":"owner-1"}`))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, result.Content, "approved")
}

func TestRejectActionTool(t *testing.T) {
	store := newTestApprovalStore(t)
	gate := approval.NewGate("general", store, approval.NewContactResolver(nil), approval.Config{}, nil, testLogger())
	seedPendingAction(t, store, "action-2")

	rejectTool := NewRejectActionTool(gate, testLogger())
	result, err := rejectTool.Execute(context.Background(), json.RawMessage(`{"action_id":"action-2","actor_id":"owner-1","reason":"not now"}`))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, result.Content, "rejected")
}
