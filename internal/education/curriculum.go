package education

import (
	"context"
	"fmt"
	"sort"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/store/sqlite"
)

const (
	maxNodeDepth    = 5
	maxNodesPerMap  = 30
)

// masteryRank ranks "diagnosed" and "learning" ahead of every other mastery
// status in the topological-sort tie-break, biasing the order toward
// concepts the learner has already started.
func masteryRank(status string) int {
	if status == "diagnosed" || status == "learning" {
		return 0
	}
	return 1
}

// sortKey is the deterministic tie-break tuple for one node in the
// topological sort: (depth, effort_minutes or +inf, mastery_rank, label).
type sortKey struct {
	depth   int
	effort  int // sentinel noEffort stands in for "no effort_minutes"
	rank    int
	label   string
}

const noEffort = 1 << 30

func nodeSortKey(n sqlite.MindMapNodeRow) sortKey {
	effort := noEffort
	if n.EffortMinutes != nil {
		effort = *n.EffortMinutes
	}
	return sortKey{depth: n.Depth, effort: effort, rank: masteryRank(n.MasteryStatus), label: n.Label}
}

func (a sortKey) less(b sortKey) bool {
	if a.depth != b.depth {
		return a.depth < b.depth
	}
	if a.effort != b.effort {
		return a.effort < b.effort
	}
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	return a.label < b.label
}

// topologicalSort runs Kahn's algorithm over the prerequisite DAG with a
// priority-sorted frontier, re-sorted on every pop for full determinism.
// Returns an error if the graph contains a cycle.
func topologicalSort(nodes []sqlite.MindMapNodeRow, edges []sqlite.MindMapEdgeRow) ([]string, error) {
	nodeByID := make(map[string]sqlite.MindMapNodeRow, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	outEdges := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		nodeByID[n.ID] = n
		inDegree[n.ID] = 0
	}
	for _, e := range edges {
		outEdges[e.ParentNodeID] = append(outEdges[e.ParentNodeID], e.ChildNodeID)
		inDegree[e.ChildNodeID]++
	}

	var frontier []string
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	var ordered []string
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			return nodeSortKey(nodeByID[frontier[i]]).less(nodeSortKey(nodeByID[frontier[j]]))
		})
		current := frontier[0]
		frontier = frontier[1:]
		ordered = append(ordered, current)

		for _, neighbor := range outEdges[current] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				frontier = append(frontier, neighbor)
			}
		}
	}

	if len(ordered) != len(nodes) {
		return nil, domain.NewSubSystemError("education", "topologicalSort", domain.ErrInvalidInput,
			fmt.Sprintf("cycle detected: processed %d of %d nodes", len(ordered), len(nodes)))
	}
	return ordered, nil
}

// checkDAGAcyclic runs a DFS cycle check ahead of the sort, as a safety net
// independent of Kahn's algorithm's own detection.
func checkDAGAcyclic(nodes []sqlite.MindMapNodeRow, edges []sqlite.MindMapEdgeRow) error {
	adj := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		adj[n.ID] = nil
	}
	for _, e := range edges {
		if e.ParentNodeID == e.ChildNodeID {
			return domain.NewSubSystemError("education", "checkDAGAcyclic", domain.ErrInvalidInput,
				fmt.Sprintf("self-loop on node %s", e.ParentNodeID))
		}
		adj[e.ParentNodeID] = append(adj[e.ParentNodeID], e.ChildNodeID)
	}

	const white, gray, black = 0, 1, 2
	color := make(map[string]int, len(nodes))

	var dfs func(id string) error
	dfs = func(id string) error {
		color[id] = gray
		for _, neighbor := range adj[id] {
			switch color[neighbor] {
			case gray:
				return domain.NewSubSystemError("education", "checkDAGAcyclic", domain.ErrInvalidInput,
					fmt.Sprintf("cycle detected: traversal reached %s from %s", neighbor, id))
			case white:
				if err := dfs(neighbor); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range adj {
		if color[id] == white {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateStructure(nodes []sqlite.MindMapNodeRow, mindMapID string) error {
	if len(nodes) > maxNodesPerMap {
		return domain.NewSubSystemError("education", "validateStructure", domain.ErrInvalidInput,
			fmt.Sprintf("node count limit exceeded for mind map %s: %d nodes (max %d)", mindMapID, len(nodes), maxNodesPerMap))
	}
	for _, n := range nodes {
		if n.Depth > maxNodeDepth {
			return domain.NewSubSystemError("education", "validateStructure", domain.ErrInvalidInput,
				fmt.Sprintf("node depth limit exceeded for node %s (label=%q) in mind map %s: depth=%d (max %d)",
					n.ID, n.Label, mindMapID, n.Depth, maxNodeDepth))
		}
	}
	return nil
}

// CurriculumSummary is returned from GenerateCurriculum and Replan.
type CurriculumSummary struct {
	MindMapID string
	NodeCount int
	EdgeCount int
	Status    string
}

// GenerateCurriculum validates the concept graph already persisted for a
// mind map (via prior node/edge creation calls), runs the deterministic
// topological sort, writes 1-based sequence numbers, and transitions the
// map to active.
func (e *Engine) GenerateCurriculum(ctx context.Context, mindMapID string, goal *string, diagnosticResults map[string]int) (*CurriculumSummary, error) {
	m, err := e.store.GetMindMap(ctx, mindMapID)
	if err != nil {
		return nil, err
	}
	if m.Status == "completed" || m.Status == "abandoned" {
		return nil, domain.NewSubSystemError("education", "Engine.GenerateCurriculum", domain.ErrStateConflict,
			fmt.Sprintf("cannot generate curriculum for mind map %s with status=%s", mindMapID, m.Status))
	}

	nodes, err := e.store.ListNodes(ctx, mindMapID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, domain.NewSubSystemError("education", "Engine.GenerateCurriculum", domain.ErrInvalidInput,
			fmt.Sprintf("mind map %s has no nodes — cannot generate curriculum", mindMapID))
	}
	edges, err := e.store.ListEdges(ctx, mindMapID)
	if err != nil {
		return nil, err
	}

	if err := validateStructure(nodes, mindMapID); err != nil {
		return nil, err
	}
	if err := checkDAGAcyclic(nodes, edges); err != nil {
		return nil, err
	}

	if len(diagnosticResults) > 0 {
		nodes, err = e.applyDiagnosticSeeding(ctx, nodes, diagnosticResults)
		if err != nil {
			return nil, err
		}
	}

	ordered, err := topologicalSort(nodes, edges)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateSequences(ctx, ordered); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if goal != nil {
		if err := e.store.MergeMindMapMetadata(ctx, mindMapID, map[string]any{"goal": *goal}, now); err != nil {
			return nil, err
		}
	}
	if err := e.store.UpdateMindMapStatus(ctx, mindMapID, "active", now); err != nil {
		return nil, err
	}

	return &CurriculumSummary{MindMapID: mindMapID, NodeCount: len(nodes), EdgeCount: len(edges), Status: "active"}, nil
}

// applyDiagnosticSeeding seeds mastery_status/mastery_score for nodes whose
// label matches a diagnostic result with quality >= 3, ahead of the
// topological sort so diagnosed nodes influence the tie-break. Quality 3-5
// maps to mastery_score 0.54-0.9 (quality/5 scaled by 0.9, since a single
// diagnostic answer never counts as full mastery). Unmatched labels are
// silently skipped.
func (e *Engine) applyDiagnosticSeeding(ctx context.Context, nodes []sqlite.MindMapNodeRow, diagnosticResults map[string]int) ([]sqlite.MindMapNodeRow, error) {
	for i, n := range nodes {
		quality, ok := diagnosticResults[n.Label]
		if !ok || quality < 3 {
			continue
		}
		score := (float64(quality) / 5.0) * 0.9
		if score > 0.9 {
			score = 0.9
		}
		nodes[i].MasteryStatus = "diagnosed"
		nodes[i].MasteryScore = score
		if err := e.store.UpdateNodeReviewState(ctx, nodes[i]); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// Replan re-runs the topological sort against current mastery state without
// mutating the DAG, and marks fully-mastered nodes skippable in metadata.
func (e *Engine) Replan(ctx context.Context, mindMapID string) (*CurriculumSummary, error) {
	m, err := e.store.GetMindMap(ctx, mindMapID)
	if err != nil {
		return nil, err
	}
	if m.Status == "abandoned" || m.Status == "completed" {
		return nil, domain.NewSubSystemError("education", "Engine.Replan", domain.ErrStateConflict,
			fmt.Sprintf("cannot replan mind map %s: status is %s", mindMapID, m.Status))
	}

	nodes, err := e.store.ListNodes(ctx, mindMapID)
	if err != nil {
		return nil, err
	}
	edges, err := e.store.ListEdges(ctx, mindMapID)
	if err != nil {
		return nil, err
	}

	if err := e.store.MarkMasteredSkippable(ctx, mindMapID); err != nil {
		return nil, err
	}

	ordered, err := topologicalSort(nodes, edges)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateSequences(ctx, ordered); err != nil {
		return nil, err
	}

	e.publish(ctx, domain.EventCurriculumReplan, map[string]any{"mind_map_id": mindMapID})

	return &CurriculumSummary{MindMapID: mindMapID, NodeCount: len(nodes), EdgeCount: len(edges), Status: m.Status}, nil
}

// NextNode returns the frontier node with the lowest sequence number: a
// node not yet mastered whose every prerequisite parent is mastered.
// Returns (nil, nil) when the map is completed/abandoned or the frontier
// is empty.
func (e *Engine) NextNode(ctx context.Context, mindMapID string) (*sqlite.MindMapNodeRow, error) {
	m, err := e.store.GetMindMap(ctx, mindMapID)
	if err != nil {
		return nil, err
	}
	if m.Status == "completed" || m.Status == "abandoned" {
		return nil, nil
	}

	nodes, err := e.store.ListNodes(ctx, mindMapID)
	if err != nil {
		return nil, err
	}
	edges, err := e.store.ListEdges(ctx, mindMapID)
	if err != nil {
		return nil, err
	}

	statusByID := make(map[string]string, len(nodes))
	for _, n := range nodes {
		statusByID[n.ID] = n.MasteryStatus
	}
	blocked := make(map[string]bool, len(nodes))
	for _, edge := range edges {
		if statusByID[edge.ParentNodeID] != "mastered" {
			blocked[edge.ChildNodeID] = true
		}
	}

	var best *sqlite.MindMapNodeRow
	for i, n := range nodes {
		if blocked[n.ID] {
			continue
		}
		switch n.MasteryStatus {
		case "unseen", "diagnosed", "learning":
		default:
			continue
		}
		if n.Sequence == nil {
			continue
		}
		if best == nil || *n.Sequence < *best.Sequence {
			best = &nodes[i]
		}
	}
	return best, nil
}
