package education

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/domain"
	"switchboard/internal/store/sqlite"
)

var masteryWeights = [5]float64{1.0, 2.0, 4.0, 8.0, 16.0}

// computeMasteryScore returns an exponential recency-weighted mastery score
// in [0,1] from a list of quality scores ordered oldest to newest. At most
// the last 5 entries are used.
func computeMasteryScore(qualities []int) float64 {
	if len(qualities) == 0 {
		return 0.0
	}
	recent := qualities
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	n := len(recent)
	weights := masteryWeights[5-n:]

	var totalWeight, weightedSum float64
	for i, q := range recent {
		totalWeight += weights[i]
		weightedSum += float64(q) * weights[i]
	}
	score := weightedSum / (totalWeight * 5.0)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// determineMasteryStatus applies the mastery state machine. Returns "" when
// no transition should be applied. mastered is a terminal state here — it
// is only ever demoted by a spaced-repetition regression (determineSRStatus).
func determineMasteryStatus(current, responseType string, quality int, masteryScore float64, last3ReviewQualities []int) string {
	switch current {
	case "mastered":
		return ""
	case "unseen":
		switch responseType {
		case "diagnostic":
			return "diagnosed"
		case "teach":
			return "learning"
		}
		return ""
	case "diagnosed":
		if responseType == "teach" {
			return "learning"
		}
		if quality < 3 {
			return "learning"
		}
		return ""
	case "learning":
		if quality >= 3 {
			return "reviewing"
		}
		return ""
	case "reviewing":
		if quality < 3 {
			return "learning"
		}
		if masteryScore >= 0.85 && len(last3ReviewQualities) >= 3 && allAtLeast(last3ReviewQualities, 4) {
			return "mastered"
		}
		return ""
	default:
		return ""
	}
}

func allAtLeast(qualities []int, min int) bool {
	for _, q := range qualities {
		if q < min {
			return false
		}
	}
	return true
}

// MasteryResult is returned from RecordMasteryResponse.
type MasteryResult struct {
	ResponseID   string
	MasteryScore float64
	NewStatus    string // the status after this call, whether or not it changed
	MapCompleted bool
}

// RecordMasteryResponse appends a graded quiz response, recomputes the
// node's recency-weighted mastery score from its last 5 responses, and
// applies the mastery state-machine transition (if any). When a node
// transitions to mastered and every other node in its map is also
// mastered, the map itself transitions to completed.
func (e *Engine) RecordMasteryResponse(ctx context.Context, nodeID, mindMapID, questionText, userAnswer string, quality int, responseType, sessionID string) (*MasteryResult, error) {
	if quality < 0 || quality > 5 {
		return nil, domain.NewSubSystemError("education", "Engine.RecordMasteryResponse", domain.ErrInvalidInput, "quality must be between 0 and 5")
	}
	if responseType == "" {
		responseType = "review"
	}

	node, err := e.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.MindMapID != mindMapID {
		return nil, domain.NewSubSystemError("education", "Engine.RecordMasteryResponse", domain.ErrInvalidInput,
			"node does not belong to mind map")
	}

	now := time.Now().UTC()
	responseID := uuid.NewString()
	if err := e.store.RecordQuizResponse(ctx, sqlite.QuizResponseRow{
		ID: responseID, NodeID: nodeID, MindMapID: mindMapID, QuestionText: questionText,
		UserAnswer: userAnswer, Quality: quality, ResponseType: responseType, RespondedAt: now, SessionID: sessionID,
	}); err != nil {
		return nil, err
	}

	recent, err := e.store.RecentResponses(ctx, nodeID, 5)
	if err != nil {
		return nil, err
	}
	qualities := make([]int, len(recent))
	for i, r := range recent {
		qualities[len(recent)-1-i] = r.Quality // recent is newest-first; reverse to oldest-first
	}
	newScore := computeMasteryScore(qualities)

	last3Review, err := e.recentQualitiesByType(ctx, nodeID, "review", 3)
	if err != nil {
		return nil, err
	}

	newStatus := determineMasteryStatus(node.MasteryStatus, responseType, quality, newScore, last3Review)
	resultStatus := node.MasteryStatus
	node.MasteryScore = newScore
	if newStatus != "" && newStatus != node.MasteryStatus {
		node.MasteryStatus = newStatus
		resultStatus = newStatus
	}
	if err := e.store.UpdateNodeReviewState(ctx, *node); err != nil {
		return nil, err
	}

	e.publish(ctx, domain.EventMasteryUpdated, map[string]any{
		"node_id": nodeID, "mind_map_id": mindMapID, "mastery_score": newScore, "mastery_status": resultStatus,
	})

	mapCompleted := false
	if resultStatus == "mastered" {
		e.publish(ctx, domain.EventMasteryMastered, map[string]any{"node_id": nodeID, "mind_map_id": mindMapID})
		mapCompleted, err = e.completeMapIfFullyMastered(ctx, mindMapID)
		if err != nil {
			return nil, err
		}
	}

	return &MasteryResult{ResponseID: responseID, MasteryScore: newScore, NewStatus: resultStatus, MapCompleted: mapCompleted}, nil
}

func (e *Engine) recentQualitiesByType(ctx context.Context, nodeID, responseType string, limit int) ([]int, error) {
	// Over-fetch and filter in application code: the store's index is keyed
	// on (node_id, responded_at), and per-type history stays small enough
	// that a second round-trip or a type-specific query isn't worth the
	// extra store surface.
	all, err := e.store.RecentResponses(ctx, nodeID, limit*4+8)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, r := range all {
		if r.ResponseType != responseType {
			continue
		}
		out = append(out, r.Quality)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (e *Engine) completeMapIfFullyMastered(ctx context.Context, mindMapID string) (bool, error) {
	nodes, err := e.store.ListNodes(ctx, mindMapID)
	if err != nil {
		return false, err
	}
	if len(nodes) == 0 {
		return false, nil
	}
	for _, n := range nodes {
		if n.MasteryStatus != "mastered" {
			return false, nil
		}
	}
	if err := e.store.UpdateMindMapStatus(ctx, mindMapID, "completed", time.Now().UTC()); err != nil {
		return false, err
	}
	return true, nil
}

// StruggleReport flags a node as struggling, along with the reason(s).
type StruggleReport struct {
	NodeID        string
	Label         string
	MasteryScore  float64
	MasteryStatus string
	Reasons       []string
}

// DetectStruggles flags non-mastered nodes with at least 3 responses whose
// recent performance is either consistently poor or declining.
func (e *Engine) DetectStruggles(ctx context.Context, mindMapID string) ([]StruggleReport, error) {
	nodes, err := e.store.ListNodes(ctx, mindMapID)
	if err != nil {
		return nil, err
	}

	var out []StruggleReport
	for _, n := range nodes {
		if n.MasteryStatus == "mastered" {
			continue
		}
		recent, err := e.store.RecentResponses(ctx, n.ID, 3)
		if err != nil {
			return nil, err
		}
		if len(recent) < 3 {
			continue
		}
		qualities := []int{recent[0].Quality, recent[1].Quality, recent[2].Quality} // newest-first

		var reasons []string
		if allAtMost(qualities, 2) {
			reasons = append(reasons, "consecutive_low_quality")
		}

		score1 := computeMasteryScore([]int{qualities[0]})
		score2 := computeMasteryScore([]int{qualities[1], qualities[0]})
		score3 := computeMasteryScore([]int{qualities[2], qualities[1], qualities[0]})
		if score3 > score2 && score2 > score1 {
			reasons = append(reasons, "declining_score")
		}

		if len(reasons) == 0 {
			continue
		}
		report := StruggleReport{NodeID: n.ID, Label: n.Label, MasteryScore: n.MasteryScore, MasteryStatus: n.MasteryStatus, Reasons: reasons}
		out = append(out, report)
		e.publish(ctx, domain.EventStruggleDetected, map[string]any{
			"node_id": n.ID, "mind_map_id": mindMapID, "reason": strings.Join(reasons, ","),
		})
	}
	return out, nil
}

func allAtMost(qualities []int, max int) bool {
	for _, q := range qualities {
		if q > max {
			return false
		}
	}
	return true
}
