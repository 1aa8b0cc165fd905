package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"switchboard/internal/domain"
)

func migrateSessions(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	prompt            TEXT NOT NULL,
	trigger_source    TEXT NOT NULL,
	model             TEXT,
	success           INTEGER NOT NULL,
	error             TEXT,
	result            TEXT,
	tool_calls        TEXT,
	duration_ms       INTEGER NOT NULL,
	trace_id          TEXT,
	request_id        TEXT,
	input_tokens      INTEGER NOT NULL DEFAULT 0,
	output_tokens     INTEGER NOT NULL DEFAULT 0,
	cost              REAL NOT NULL DEFAULT 0,
	parent_session_id TEXT,
	started_at        TEXT NOT NULL,
	completed_at      TEXT NOT NULL
)`)
	return err
}

// SessionRecord is one append-only row of a butler's sessions log — the
// audit trail of every LLM turn spawned, whether by the scheduler, the
// route worker, or an external caller.
type SessionRecord struct {
	ID              string
	Prompt          string
	TriggerSource   string // "schedule:<name>" | "trigger" | "tick" | "external" | "route"
	Model           string
	Success         bool
	Error           string
	Result          string
	ToolCalls       []domain.ToolCall
	DurationMS      int64
	TraceID         string
	RequestID       string
	InputTokens     int
	OutputTokens    int
	Cost            float64
	ParentSessionID string
	StartedAt       time.Time
	CompletedAt     time.Time
}

// SessionStore is the append-only store backing a butler's sessions table.
// Only Insert and read methods are exposed — there is no Update or Delete,
// enforcing the append-only invariant at the Go API surface as well as in
// SQL convention.
type SessionStore struct {
	db *DB
}

// NewSessionStore constructs a SessionStore, migrating its table if needed.
func NewSessionStore(db *DB) (*SessionStore, error) {
	if err := migrateSessions(db.conn); err != nil {
		return nil, err
	}
	return &SessionStore{db: db}, nil
}

// Insert appends one session record. Never updates or deletes existing rows.
func (s *SessionStore) Insert(ctx context.Context, rec SessionRecord) error {
	var toolCalls any
	if len(rec.ToolCalls) > 0 {
		b, err := json.Marshal(rec.ToolCalls)
		if err != nil {
			return err
		}
		toolCalls = string(b)
	}

	_, err := s.db.conn.ExecContext(ctx, `
INSERT INTO sessions (id, prompt, trigger_source, model, success, error, result, tool_calls,
	duration_ms, trace_id, request_id, input_tokens, output_tokens, cost, parent_session_id,
	started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.ID, rec.Prompt, rec.TriggerSource, nullIfEmpty(rec.Model), boolToInt(rec.Success),
		nullIfEmpty(rec.Error), nullIfEmpty(rec.Result), toolCalls, rec.DurationMS,
		nullIfEmpty(rec.TraceID), nullIfEmpty(rec.RequestID), rec.InputTokens, rec.OutputTokens,
		rec.Cost, nullIfEmpty(rec.ParentSessionID),
		rec.StartedAt.UTC().Format(timeLayout), rec.CompletedAt.UTC().Format(timeLayout))
	return err
}

// Get returns a session by ID, or domain.ErrNotFound.
func (s *SessionStore) Get(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.conn.QueryRowContext(ctx, `
SELECT id, prompt, trigger_source, model, success, error, result, tool_calls, duration_ms,
	trace_id, request_id, input_tokens, output_tokens, cost, parent_session_id, started_at, completed_at
FROM sessions WHERE id = ?`, id)

	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("session", "SessionStore.Get", domain.ErrNotFound, id)
	}
	return rec, err
}

// ListRecent returns up to limit of the most recent sessions, newest first.
func (s *SessionStore) ListRecent(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, fmt.Sprintf(`
SELECT id, prompt, trigger_source, model, success, error, result, tool_calls, duration_ms,
	trace_id, request_id, input_tokens, output_tokens, cost, parent_session_id, started_at, completed_at
FROM sessions ORDER BY started_at DESC LIMIT %d`, limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var model, errStr, result, toolCalls, traceID, requestID, parentID sql.NullString
	var success int
	var started, completed string

	err := row.Scan(&rec.ID, &rec.Prompt, &rec.TriggerSource, &model, &success, &errStr, &result,
		&toolCalls, &rec.DurationMS, &traceID, &requestID, &rec.InputTokens, &rec.OutputTokens,
		&rec.Cost, &parentID, &started, &completed)
	if err != nil {
		return nil, err
	}

	rec.Model = model.String
	rec.Success = success != 0
	rec.Error = errStr.String
	rec.Result = result.String
	rec.TraceID = traceID.String
	rec.RequestID = requestID.String
	rec.ParentSessionID = parentID.String

	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &rec.ToolCalls); err != nil {
			return nil, err
		}
	}
	if rec.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = time.Parse(timeLayout, completed); err != nil {
		return nil, err
	}
	return &rec, nil
}
