package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEducationStore(t *testing.T) *EducationStore {
	t.Helper()
	db, err := Open(":memory:", "education-test")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := NewEducationStore(db)
	require.NoError(t, err)
	return store
}

func TestEducationStoreMindMapRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestEducationStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.CreateMindMap(ctx, MindMapRow{
		ID: "map-1", Topic: "algebra", Status: "active",
		Metadata: map[string]any{"owner": "alice"}, CreatedAt: now, UpdatedAt: now,
	}))

	got, err := store.GetMindMap(ctx, "map-1")
	require.NoError(t, err)
	require.Equal(t, "algebra", got.Topic)
	require.Equal(t, "active", got.Status)
	require.Equal(t, "alice", got.Metadata["owner"])

	later := now.Add(time.Hour)
	require.NoError(t, store.UpdateMindMapStatus(ctx, "map-1", "completed", later))
	got, err = store.GetMindMap(ctx, "map-1")
	require.NoError(t, err)
	require.Equal(t, "completed", got.Status)

	require.NoError(t, store.MergeMindMapMetadata(ctx, "map-1", map[string]any{"goal": "pass exam"}, later))
	got, err = store.GetMindMap(ctx, "map-1")
	require.NoError(t, err)
	require.Equal(t, "pass exam", got.Metadata["goal"])
	require.Equal(t, "alice", got.Metadata["owner"])
}

func TestEducationStoreGetMindMapNotFound(t *testing.T) {
	store := newTestEducationStore(t)
	_, err := store.GetMindMap(context.Background(), "missing")
	require.Error(t, err)
}

func TestEducationStoreNodeAndEdgeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestEducationStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.CreateMindMap(ctx, MindMapRow{ID: "map-1", Topic: "t", CreatedAt: now, UpdatedAt: now}))

	effort := 15
	require.NoError(t, store.InsertNode(ctx, MindMapNodeRow{
		ID: "n1", MindMapID: "map-1", Label: "fractions", Depth: 0, EffortMinutes: &effort,
		MasteryStatus: "unseen", EaseFactor: 2.5,
	}))
	require.NoError(t, store.InsertNode(ctx, MindMapNodeRow{
		ID: "n2", MindMapID: "map-1", Label: "decimals", Depth: 1, MasteryStatus: "unseen", EaseFactor: 2.5,
	}))
	require.NoError(t, store.InsertEdge(ctx, MindMapEdgeRow{MindMapID: "map-1", ParentNodeID: "n1", ChildNodeID: "n2"}))

	nodes, err := store.ListNodes(ctx, "map-1")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, "n1", nodes[0].ID)
	require.NotNil(t, nodes[0].EffortMinutes)
	require.Equal(t, 15, *nodes[0].EffortMinutes)

	edges, err := store.ListEdges(ctx, "map-1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, "n1", edges[0].ParentNodeID)
	require.Equal(t, "n2", edges[0].ChildNodeID)

	got, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, "fractions", got.Label)
}

func TestEducationStoreUpdateSequences(t *testing.T) {
	ctx := context.Background()
	store := newTestEducationStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.CreateMindMap(ctx, MindMapRow{ID: "map-1", Topic: "t", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.InsertNode(ctx, MindMapNodeRow{ID: "n1", MindMapID: "map-1", Label: "a", EaseFactor: 2.5}))
	require.NoError(t, store.InsertNode(ctx, MindMapNodeRow{ID: "n2", MindMapID: "map-1", Label: "b", EaseFactor: 2.5}))

	require.NoError(t, store.UpdateSequences(ctx, []string{"n2", "n1"}))

	n1, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	n2, err := store.GetNode(ctx, "n2")
	require.NoError(t, err)
	require.NotNil(t, n1.Sequence)
	require.NotNil(t, n2.Sequence)
	require.Equal(t, 2, *n1.Sequence)
	require.Equal(t, 1, *n2.Sequence)
}

func TestEducationStoreMarkMasteredSkippable(t *testing.T) {
	ctx := context.Background()
	store := newTestEducationStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.CreateMindMap(ctx, MindMapRow{ID: "map-1", Topic: "t", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.InsertNode(ctx, MindMapNodeRow{
		ID: "n1", MindMapID: "map-1", Label: "a", MasteryStatus: "mastered", MasteryScore: 0.95, EaseFactor: 2.5,
	}))
	require.NoError(t, store.InsertNode(ctx, MindMapNodeRow{
		ID: "n2", MindMapID: "map-1", Label: "b", MasteryStatus: "learning", MasteryScore: 0.4, EaseFactor: 2.5,
	}))

	require.NoError(t, store.MarkMasteredSkippable(ctx, "map-1"))

	n1, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, true, n1.Metadata["skippable"])

	n2, err := store.GetNode(ctx, "n2")
	require.NoError(t, err)
	require.Nil(t, n2.Metadata["skippable"])
}

func TestEducationStoreQuizResponsesOrderedNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestEducationStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.CreateMindMap(ctx, MindMapRow{ID: "map-1", Topic: "t", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.InsertNode(ctx, MindMapNodeRow{ID: "n1", MindMapID: "map-1", Label: "a", EaseFactor: 2.5}))

	require.NoError(t, store.RecordQuizResponse(ctx, QuizResponseRow{
		ID: "r1", NodeID: "n1", MindMapID: "map-1", Quality: 3, ResponseType: "review", RespondedAt: now,
	}))
	require.NoError(t, store.RecordQuizResponse(ctx, QuizResponseRow{
		ID: "r2", NodeID: "n1", MindMapID: "map-1", Quality: 5, ResponseType: "review", RespondedAt: now.Add(time.Minute),
	}))

	recent, err := store.RecentResponses(ctx, "n1", 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "r2", recent[0].ID)
	require.Equal(t, "r1", recent[1].ID)
}

func TestEducationStoreDueNodes(t *testing.T) {
	ctx := context.Background()
	store := newTestEducationStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.CreateMindMap(ctx, MindMapRow{ID: "map-1", Topic: "t", CreatedAt: now, UpdatedAt: now}))

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	require.NoError(t, store.InsertNode(ctx, MindMapNodeRow{
		ID: "due", MindMapID: "map-1", Label: "a", EaseFactor: 2.5, NextReviewAt: &past,
	}))
	require.NoError(t, store.InsertNode(ctx, MindMapNodeRow{
		ID: "not-due", MindMapID: "map-1", Label: "b", EaseFactor: 2.5, NextReviewAt: &future,
	}))

	due, err := store.DueNodes(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "due", due[0].ID)
}

func TestEducationStoreUpdateNodeReviewState(t *testing.T) {
	ctx := context.Background()
	store := newTestEducationStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.CreateMindMap(ctx, MindMapRow{ID: "map-1", Topic: "t", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.InsertNode(ctx, MindMapNodeRow{ID: "n1", MindMapID: "map-1", Label: "a", EaseFactor: 2.5}))

	next := now.Add(24 * time.Hour)
	require.NoError(t, store.UpdateNodeReviewState(ctx, MindMapNodeRow{
		ID: "n1", MasteryScore: 0.7, MasteryStatus: "reviewing", EaseFactor: 2.6,
		Repetitions: 2, IntervalDays: 6, NextReviewAt: &next, LastReviewedAt: &now,
	}))

	got, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, "reviewing", got.MasteryStatus)
	require.Equal(t, 2, got.Repetitions)
	require.NotNil(t, got.NextReviewAt)
}
