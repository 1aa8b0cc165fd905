package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"switchboard/internal/domain"
)

// MindMapRow is a curriculum graph header: a topic broken into a DAG of
// learning nodes.
type MindMapRow struct {
	ID        string
	Topic     string
	Status    string // "active" | "completed" | "abandoned"
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MindMapNodeRow is one node of a mind map's curriculum DAG, carrying both
// the curriculum position and the spaced-repetition/mastery state for that
// concept.
type MindMapNodeRow struct {
	ID             string
	MindMapID      string
	Label          string
	Depth          int
	EffortMinutes  *int
	MasteryStatus  string // "unseen" | "diagnosed" | "learning" | "reviewing" | "mastered"
	MasteryScore   float64
	EaseFactor     float64
	Repetitions    int
	IntervalDays   float64 // last computed SM-2 interval, in days; feeds the next SM-2 update
	NextReviewAt   *time.Time
	LastReviewedAt *time.Time
	Sequence       *int
	Metadata       map[string]any
}

// MindMapEdgeRow is one edge of a mind map's DAG. Only edges with
// EdgeType == "prerequisite" participate in the curriculum DAG invariant.
type MindMapEdgeRow struct {
	MindMapID    string
	ParentNodeID string
	ChildNodeID  string
	EdgeType     string
}

// QuizResponseRow is one graded response to a prompt for a node, feeding
// both the SM-2 update (for response_type "review") and the mastery score.
type QuizResponseRow struct {
	ID           string
	NodeID       string
	MindMapID    string
	QuestionText string
	UserAnswer   string
	Quality      int // 0-5
	ResponseType string // "diagnostic" | "teach" | "review"
	RespondedAt  time.Time
	SessionID    string
}

func migrateEducation(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS mind_maps (
	id         TEXT PRIMARY KEY,
	topic      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS mind_map_nodes (
	id                 TEXT PRIMARY KEY,
	mind_map_id        TEXT NOT NULL,
	label              TEXT NOT NULL,
	depth              INTEGER NOT NULL DEFAULT 0,
	effort_minutes     INTEGER,
	mastery_status     TEXT NOT NULL DEFAULT 'unseen',
	mastery_score      REAL NOT NULL DEFAULT 0,
	ease_factor        REAL NOT NULL DEFAULT 2.5,
	repetitions        INTEGER NOT NULL DEFAULT 0,
	interval_days      REAL NOT NULL DEFAULT 0,
	next_review_at     TEXT,
	last_reviewed_at   TEXT,
	sequence           INTEGER,
	metadata           TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_nodes_mindmap ON mind_map_nodes (mind_map_id);
CREATE INDEX IF NOT EXISTS idx_nodes_next_review ON mind_map_nodes (next_review_at);
CREATE TABLE IF NOT EXISTS mind_map_edges (
	mind_map_id     TEXT NOT NULL,
	parent_node_id  TEXT NOT NULL,
	child_node_id   TEXT NOT NULL,
	edge_type       TEXT NOT NULL DEFAULT 'prerequisite',
	PRIMARY KEY (mind_map_id, parent_node_id, child_node_id, edge_type)
);
CREATE TABLE IF NOT EXISTS quiz_responses (
	id            TEXT PRIMARY KEY,
	node_id       TEXT NOT NULL,
	mind_map_id   TEXT NOT NULL,
	question_text TEXT NOT NULL DEFAULT '',
	user_answer   TEXT NOT NULL DEFAULT '',
	quality       INTEGER NOT NULL,
	response_type TEXT NOT NULL DEFAULT 'review',
	responded_at  TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_responses_node ON quiz_responses (node_id, responded_at DESC);
CREATE INDEX IF NOT EXISTS idx_responses_mindmap ON quiz_responses (mind_map_id)`)
	return err
}

// EducationStore backs the education butler's curriculum graphs, per-node
// spaced-repetition state, and quiz history.
type EducationStore struct {
	db *DB
}

// NewEducationStore constructs an EducationStore, migrating its tables if needed.
func NewEducationStore(db *DB) (*EducationStore, error) {
	if err := migrateEducation(db.conn); err != nil {
		return nil, err
	}
	return &EducationStore{db: db}, nil
}

// CreateMindMap inserts a new mind map header.
func (s *EducationStore) CreateMindMap(ctx context.Context, m MindMapRow) error {
	meta, err := marshalMeta(m.Metadata)
	if err != nil {
		return err
	}
	status := m.Status
	if status == "" {
		status = "active"
	}
	_, err = s.db.conn.ExecContext(ctx,
		`INSERT INTO mind_maps (id, topic, status, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Topic, status, meta, m.CreatedAt.UTC().Format(timeLayout), m.UpdatedAt.UTC().Format(timeLayout))
	return err
}

// GetMindMap returns a mind map header by ID.
func (s *EducationStore) GetMindMap(ctx context.Context, id string) (*MindMapRow, error) {
	var m MindMapRow
	var created, updated, meta string
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT id, topic, status, metadata, created_at, updated_at FROM mind_maps WHERE id = ?`, id,
	).Scan(&m.ID, &m.Topic, &m.Status, &meta, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("education", "EducationStore.GetMindMap", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if m.Metadata, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMindMapStatus transitions a mind map's status.
func (s *EducationStore) UpdateMindMapStatus(ctx context.Context, id, status string, now time.Time) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE mind_maps SET status = ?, updated_at = ? WHERE id = ?`,
		status, now.UTC().Format(timeLayout), id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.NewSubSystemError("education", "EducationStore.UpdateMindMapStatus", domain.ErrNotFound, id)
	}
	return nil
}

// MergeMindMapMetadata merges the given keys into a mind map's metadata.
func (s *EducationStore) MergeMindMapMetadata(ctx context.Context, id string, patch map[string]any, now time.Time) error {
	m, err := s.GetMindMap(ctx, id)
	if err != nil {
		return err
	}
	merged := m.Metadata
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range patch {
		merged[k] = v
	}
	meta, err := marshalMeta(merged)
	if err != nil {
		return err
	}
	_, err = s.db.conn.ExecContext(ctx,
		`UPDATE mind_maps SET metadata = ?, updated_at = ? WHERE id = ?`,
		meta, now.UTC().Format(timeLayout), id)
	return err
}

// InsertNode inserts a curriculum node.
func (s *EducationStore) InsertNode(ctx context.Context, n MindMapNodeRow) error {
	meta, err := marshalMeta(n.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.conn.ExecContext(ctx, `
INSERT INTO mind_map_nodes (id, mind_map_id, label, depth, effort_minutes, mastery_status,
	mastery_score, ease_factor, repetitions, interval_days, next_review_at, last_reviewed_at, sequence, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, n.ID, n.MindMapID, n.Label, n.Depth, n.EffortMinutes, n.MasteryStatus, n.MasteryScore, n.EaseFactor,
		n.Repetitions, n.IntervalDays, formatTimePtr(n.NextReviewAt), formatTimePtr(n.LastReviewedAt),
		n.Sequence, meta)
	return err
}

// InsertEdge inserts one DAG edge.
func (s *EducationStore) InsertEdge(ctx context.Context, e MindMapEdgeRow) error {
	edgeType := e.EdgeType
	if edgeType == "" {
		edgeType = "prerequisite"
	}
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO mind_map_edges (mind_map_id, parent_node_id, child_node_id, edge_type) VALUES (?, ?, ?, ?)`,
		e.MindMapID, e.ParentNodeID, e.ChildNodeID, edgeType)
	return err
}

// GetNode returns a single node by ID.
func (s *EducationStore) GetNode(ctx context.Context, id string) (*MindMapNodeRow, error) {
	row := s.db.conn.QueryRowContext(ctx, `
SELECT id, mind_map_id, label, depth, effort_minutes, mastery_status, mastery_score, ease_factor,
	repetitions, interval_days, next_review_at, last_reviewed_at, sequence, metadata
FROM mind_map_nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("education", "EducationStore.GetNode", domain.ErrNotFound, id)
	}
	return n, err
}

// ListNodes returns every node belonging to a mind map, ordered for
// deterministic topological sort input (depth asc, label asc).
func (s *EducationStore) ListNodes(ctx context.Context, mindMapID string) ([]MindMapNodeRow, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
SELECT id, mind_map_id, label, depth, effort_minutes, mastery_status, mastery_score, ease_factor,
	repetitions, interval_days, next_review_at, last_reviewed_at, sequence, metadata
FROM mind_map_nodes WHERE mind_map_id = ? ORDER BY depth ASC, label ASC`, mindMapID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// ListEdges returns every prerequisite edge belonging to a mind map.
func (s *EducationStore) ListEdges(ctx context.Context, mindMapID string) ([]MindMapEdgeRow, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT mind_map_id, parent_node_id, child_node_id, edge_type FROM mind_map_edges
		 WHERE mind_map_id = ? AND edge_type = 'prerequisite'`, mindMapID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MindMapEdgeRow
	for rows.Next() {
		var e MindMapEdgeRow
		if err := rows.Scan(&e.MindMapID, &e.ParentNodeID, &e.ChildNodeID, &e.EdgeType); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DueNodes returns nodes across all mind maps whose next review has arrived,
// capped at limit.
func (s *EducationStore) DueNodes(ctx context.Context, now time.Time, limit int) ([]MindMapNodeRow, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
SELECT id, mind_map_id, label, depth, effort_minutes, mastery_status, mastery_score, ease_factor,
	repetitions, interval_days, next_review_at, last_reviewed_at, sequence, metadata
FROM mind_map_nodes
WHERE next_review_at IS NOT NULL AND next_review_at <= ?
ORDER BY next_review_at ASC LIMIT ?`, now.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func scanNode(row scanner) (*MindMapNodeRow, error) {
	var n MindMapNodeRow
	var nextReview, lastReviewed sql.NullString
	var effort sql.NullInt64
	var sequence sql.NullInt64
	var meta string
	if err := row.Scan(&n.ID, &n.MindMapID, &n.Label, &n.Depth, &effort, &n.MasteryStatus, &n.MasteryScore,
		&n.EaseFactor, &n.Repetitions, &n.IntervalDays, &nextReview, &lastReviewed, &sequence, &meta); err != nil {
		return nil, err
	}
	var err error
	if n.NextReviewAt, err = parseTimePtr(nextReview); err != nil {
		return nil, err
	}
	if n.LastReviewedAt, err = parseTimePtr(lastReviewed); err != nil {
		return nil, err
	}
	if effort.Valid {
		v := int(effort.Int64)
		n.EffortMinutes = &v
	}
	if sequence.Valid {
		v := int(sequence.Int64)
		n.Sequence = &v
	}
	if n.Metadata, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]MindMapNodeRow, error) {
	var out []MindMapNodeRow
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// UpdateNodeReviewState persists the SM-2 and mastery fields recomputed
// after a quiz response.
func (s *EducationStore) UpdateNodeReviewState(ctx context.Context, n MindMapNodeRow) error {
	res, err := s.db.conn.ExecContext(ctx, `
UPDATE mind_map_nodes SET mastery_score = ?, mastery_status = ?, ease_factor = ?,
	repetitions = ?, interval_days = ?, next_review_at = ?, last_reviewed_at = ?
WHERE id = ?`, n.MasteryScore, n.MasteryStatus, n.EaseFactor, n.Repetitions, n.IntervalDays,
		formatTimePtr(n.NextReviewAt), formatTimePtr(n.LastReviewedAt), n.ID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.NewSubSystemError("education", "EducationStore.UpdateNodeReviewState", domain.ErrNotFound, n.ID)
	}
	return nil
}

// UpdateSequences writes 1-based sequence numbers for a batch of nodes in a
// single transaction, mirroring the planner's one-shot batched update.
func (s *EducationStore) UpdateSequences(ctx context.Context, orderedIDs []string) error {
	if len(orderedIDs) == 0 {
		return nil
	}
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `UPDATE mind_map_nodes SET sequence = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, id := range orderedIDs {
		if _, err := stmt.ExecContext(ctx, i+1, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkMasteredSkippable flags every mastered node with mastery_score >= 0.9
// as skippable in metadata, used by curriculum replanning.
func (s *EducationStore) MarkMasteredSkippable(ctx context.Context, mindMapID string) error {
	nodes, err := s.ListNodes(ctx, mindMapID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.MasteryStatus != "mastered" || n.MasteryScore < 0.9 {
			continue
		}
		if skippable, _ := n.Metadata["skippable"].(bool); skippable {
			continue
		}
		meta := n.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		meta["skippable"] = true
		encoded, err := marshalMeta(meta)
		if err != nil {
			return err
		}
		if _, err := s.db.conn.ExecContext(ctx, `UPDATE mind_map_nodes SET metadata = ? WHERE id = ?`, encoded, n.ID); err != nil {
			return err
		}
	}
	return nil
}

// RecordQuizResponse appends one graded response.
func (s *EducationStore) RecordQuizResponse(ctx context.Context, r QuizResponseRow) error {
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO quiz_responses (id, node_id, mind_map_id, question_text, user_answer, quality, response_type, responded_at, session_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.NodeID, r.MindMapID, r.QuestionText, r.UserAnswer, r.Quality, r.ResponseType,
		r.RespondedAt.UTC().Format(timeLayout), r.SessionID)
	return err
}

// RecentResponses returns a node's most recent graded responses, newest
// first, used by mastery scoring and struggle detection.
func (s *EducationStore) RecentResponses(ctx context.Context, nodeID string, limit int) ([]QuizResponseRow, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, node_id, mind_map_id, question_text, user_answer, quality, response_type, responded_at, session_id
		 FROM quiz_responses WHERE node_id = ? ORDER BY responded_at DESC LIMIT ?`, nodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QuizResponseRow
	for rows.Next() {
		var r QuizResponseRow
		var respondedAt string
		if err := rows.Scan(&r.ID, &r.NodeID, &r.MindMapID, &r.QuestionText, &r.UserAnswer, &r.Quality,
			&r.ResponseType, &respondedAt, &r.SessionID); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, respondedAt)
		if err != nil {
			return nil, err
		}
		r.RespondedAt = t
		out = append(out, r)
	}
	return out, rows.Err()
}

func marshalMeta(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMeta(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
