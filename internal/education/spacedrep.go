package education

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/domain"
	"switchboard/internal/scheduler"
	"switchboard/internal/store/sqlite"
)

// Engine is the education butler's spaced-repetition, mastery, and
// curriculum-planning surface over one butler's mind-map tables.
type Engine struct {
	store  *sqlite.EducationStore
	sched  *scheduler.Scheduler
	tasks  domain.TaskStore
	bus    domain.EventBus
	logger *slog.Logger
}

// NewEngine constructs an Engine. tasks is the same task store backing
// sched — the engine reads it directly to count pending review schedules,
// a query the Scheduler type itself does not expose.
func NewEngine(store *sqlite.EducationStore, sched *scheduler.Scheduler, tasks domain.TaskStore, bus domain.EventBus, logger *slog.Logger) *Engine {
	return &Engine{store: store, sched: sched, tasks: tasks, bus: bus, logger: logger}
}

// SpacedRepetitionResult is returned from RecordSpacedRepetitionResponse.
type SpacedRepetitionResult struct {
	IntervalDays float64
	EaseFactor   float64
	Repetitions  int
	NextReviewAt time.Time
}

// RecordSpacedRepetitionResponse runs the SM-2 update for a graded recall
// attempt, persists the node's new review state, and reschedules its next
// review — an individual one-shot schedule, or a per-map batch schedule
// once the map has at least batchCap reviews already pending.
func (e *Engine) RecordSpacedRepetitionResponse(ctx context.Context, nodeID, mindMapID string, quality int) (*SpacedRepetitionResult, error) {
	if quality < 0 || quality > 5 {
		return nil, domain.NewSubSystemError("education", "Engine.RecordSpacedRepetitionResponse", domain.ErrInvalidInput,
			fmt.Sprintf("quality must be between 0 and 5, got %d", quality))
	}

	node, err := e.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.MindMapID != mindMapID {
		return nil, domain.NewSubSystemError("education", "Engine.RecordSpacedRepetitionResponse", domain.ErrInvalidInput,
			fmt.Sprintf("node %s does not belong to mind map %s", nodeID, mindMapID))
	}

	var lastInterval *float64
	if node.NextReviewAt != nil && node.LastReviewedAt != nil {
		d := node.NextReviewAt.Sub(*node.LastReviewedAt).Hours() / 24.0
		lastInterval = &d
	}

	result := SM2Update(node.EaseFactor, node.Repetitions, quality, lastInterval)

	now := time.Now().UTC()
	nextReviewAt := now.Add(time.Duration(result.IntervalDays * float64(24*time.Hour)))

	node.EaseFactor = result.NewEaseFactor
	node.Repetitions = result.NewRepetitions
	node.IntervalDays = result.IntervalDays
	node.NextReviewAt = &nextReviewAt
	node.LastReviewedAt = &now
	if newStatus := determineSRStatus(node.MasteryStatus, quality); newStatus != "" {
		node.MasteryStatus = newStatus
	}

	if err := e.store.UpdateNodeReviewState(ctx, *node); err != nil {
		return nil, err
	}

	if err := e.reschedule(ctx, *node, nextReviewAt); err != nil {
		e.logger.Warn("education: failed to reschedule spaced-repetition review", "node_id", nodeID, "error", err)
	}

	e.publish(ctx, domain.EventReviewScheduled, map[string]any{
		"node_id": nodeID, "mind_map_id": mindMapID, "next_review_at": nextReviewAt, "repetitions": node.Repetitions,
	})

	return &SpacedRepetitionResult{
		IntervalDays: result.IntervalDays,
		EaseFactor:   result.NewEaseFactor,
		Repetitions:  result.NewRepetitions,
		NextReviewAt: nextReviewAt,
	}, nil
}

// determineSRStatus returns the mastery_status regression triggered by a
// spaced-repetition response, or "" for no change. Only a failing recall
// (quality < 3) on a 'reviewing' or 'mastered' node regresses it — this is
// the only path by which 'mastered' is ever demoted.
func determineSRStatus(current string, quality int) string {
	if quality >= 3 {
		return ""
	}
	switch current {
	case "reviewing":
		return "learning"
	case "mastered":
		return "reviewing"
	default:
		return ""
	}
}

func (e *Engine) reschedule(ctx context.Context, node sqlite.MindMapNodeRow, nextReviewAt time.Time) error {
	individualName := reviewSchedulePrefix + node.ID
	if existing, err := e.tasks.GetByName(ctx, individualName); err == nil {
		_ = e.sched.Delete(ctx, existing.ID)
	}

	pending, err := e.pendingReviewCount(ctx, node.MindMapID)
	if err != nil {
		return err
	}

	untilAt := nextReviewAt.Add(24 * time.Hour)
	cron := datetimeToCron(nextReviewAt.Minute(), nextReviewAt.Hour(), nextReviewAt.Day(), int(nextReviewAt.Month()))

	if pending >= batchCap {
		batchName := reviewSchedulePrefix + node.MindMapID + "-batch"
		task := domain.ScheduledTask{
			ID: uuid.NewString(), Name: batchName, CronExpr: cron, Timezone: "UTC",
			DispatchMode: domain.DispatchPrompt,
			Prompt: fmt.Sprintf(
				"Batch spaced-repetition review for mind map %s. There are %d pending reviews. "+
					"Call the spaced-repetition pending-reviews tool for this mind map to get all due nodes and review each one.",
				node.MindMapID, pending+1),
			UntilAt: &untilAt, Enabled: true,
		}
		if existing, err := e.tasks.GetByName(ctx, batchName); err == nil {
			task.ID = existing.ID
		}
		return e.sched.Save(ctx, task)
	}

	task := domain.ScheduledTask{
		ID: uuid.NewString(), Name: individualName, CronExpr: cron, Timezone: "UTC",
		DispatchMode: domain.DispatchPrompt,
		Prompt: fmt.Sprintf(
			"Spaced repetition review for node %q (node_id=%s, mind_map_id=%s). Repetition #%d, ease_factor=%.2f. "+
				"Ask the user a focused recall question for this concept.",
			node.Label, node.ID, node.MindMapID, node.Repetitions, node.EaseFactor),
		UntilAt: &untilAt, Enabled: true,
	}
	return e.sched.Save(ctx, task)
}

// pendingReviewCount counts enabled individual review schedules belonging
// to a mind map's nodes, driving the individual-vs-batch scheduling
// decision. The batch schedule itself, if one already exists, is excluded:
// it represents the map as a whole, not one more pending node review.
func (e *Engine) pendingReviewCount(ctx context.Context, mindMapID string) (int, error) {
	nodes, err := e.store.ListNodes(ctx, mindMapID)
	if err != nil {
		return 0, err
	}
	all, err := e.tasks.List(ctx)
	if err != nil {
		return 0, err
	}
	names := make(map[string]bool, len(all))
	for _, t := range all {
		if t.Enabled {
			names[t.Name] = true
		}
	}
	count := 0
	for _, n := range nodes {
		if names[reviewSchedulePrefix+n.ID] {
			count++
		}
	}
	return count, nil
}

func (e *Engine) publish(ctx context.Context, eventType domain.EventType, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, domain.Event{Type: eventType, Timestamp: time.Now().UTC(), Payload: domain.MustMarshalPayload(payload)})
}
