package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"switchboard/internal/domain"
)

func migrateRouteInbox(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS route_inbox (
	id              TEXT PRIMARY KEY,
	received_at     TEXT NOT NULL,
	route_envelope  TEXT NOT NULL,
	lifecycle_state TEXT NOT NULL,
	processed_at    TEXT,
	session_id      TEXT,
	error           TEXT
)`)
	return err
}

// RouteInboxStore is the SQLite-backed domain.RouteInboxStore for a single
// butler's route_inbox table.
type RouteInboxStore struct {
	db *DB
}

// NewRouteInboxStore constructs a RouteInboxStore, migrating its table if needed.
func NewRouteInboxStore(db *DB) (*RouteInboxStore, error) {
	if err := migrateRouteInbox(db.conn); err != nil {
		return nil, err
	}
	return &RouteInboxStore{db: db}, nil
}

// Insert creates a new row in the "accepted" state.
func (s *RouteInboxStore) Insert(ctx context.Context, row domain.RouteInboxRow) error {
	envelope, err := json.Marshal(row.RouteEnvelope)
	if err != nil {
		return err
	}
	_, err = s.db.conn.ExecContext(ctx, `
INSERT INTO route_inbox (id, received_at, route_envelope, lifecycle_state, processed_at, session_id, error)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, row.ID, row.ReceivedAt.UTC().Format(timeLayout), string(envelope), string(row.LifecycleState),
		formatTimePtr(row.ProcessedAt), nullIfEmpty(row.SessionID), nullIfEmpty(row.Error))
	return err
}

func scanRouteInboxRow(row scanner) (*domain.RouteInboxRow, error) {
	var r domain.RouteInboxRow
	var envelope, state, receivedAt string
	var processedAt, sessionID, errStr sql.NullString

	if err := row.Scan(&r.ID, &receivedAt, &envelope, &state, &processedAt, &sessionID, &errStr); err != nil {
		return nil, err
	}

	r.LifecycleState = domain.RouteInboxState(state)
	r.SessionID = sessionID.String
	r.Error = errStr.String

	if err := json.Unmarshal([]byte(envelope), &r.RouteEnvelope); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, receivedAt)
	if err != nil {
		return nil, err
	}
	r.ReceivedAt = t

	if p, err := parseTimePtr(processedAt); err != nil {
		return nil, err
	} else {
		r.ProcessedAt = p
	}
	return &r, nil
}

// Get returns a row by ID.
func (s *RouteInboxStore) Get(ctx context.Context, id string) (*domain.RouteInboxRow, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT id, received_at, route_envelope, lifecycle_state, processed_at, session_id, error
		 FROM route_inbox WHERE id = ?`, id)
	r, err := scanRouteInboxRow(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("route", "RouteInboxStore.Get", domain.ErrNotFound, id)
	}
	return r, err
}

// ListRecoverable returns accepted rows plus processing rows stuck past the
// liveness bound, used by each butler's startup recovery sweep.
func (s *RouteInboxStore) ListRecoverable(ctx context.Context, processingLivenessBound time.Duration, now time.Time) ([]domain.RouteInboxRow, error) {
	cutoff := now.Add(-processingLivenessBound).UTC().Format(timeLayout)
	rows, err := s.db.conn.QueryContext(ctx, `
SELECT id, received_at, route_envelope, lifecycle_state, processed_at, session_id, error
FROM route_inbox
WHERE lifecycle_state = 'accepted'
   OR (lifecycle_state = 'processing' AND received_at < ?)
ORDER BY received_at ASC
`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RouteInboxRow
	for rows.Next() {
		r, err := scanRouteInboxRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// TransitionToProcessing moves a row from accepted (or stuck processing) to
// processing. Uses a conditional UPDATE so a concurrent recovery sweep and
// worker can't both claim the same row.
func (s *RouteInboxStore) TransitionToProcessing(ctx context.Context, id string) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE route_inbox SET lifecycle_state = 'processing' WHERE id = ? AND lifecycle_state IN ('accepted','processing')`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("route", "RouteInboxStore.TransitionToProcessing", domain.ErrStateConflict, id)
	}
	return nil
}

// MarkProcessed makes the exactly-once terminal transition to processed.
// The WHERE clause guarantees this never fires on an already-terminal row.
func (s *RouteInboxStore) MarkProcessed(ctx context.Context, id, sessionID string, at time.Time) error {
	res, err := s.db.conn.ExecContext(ctx, `
UPDATE route_inbox SET lifecycle_state = 'processed', processed_at = ?, session_id = ?
WHERE id = ? AND lifecycle_state NOT IN ('processed', 'errored')
`, at.UTC().Format(timeLayout), sessionID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("route", "RouteInboxStore.MarkProcessed", domain.ErrStateConflict, id)
	}
	return nil
}

// MarkErrored makes the exactly-once terminal transition to errored.
func (s *RouteInboxStore) MarkErrored(ctx context.Context, id, errMsg string, at time.Time) error {
	res, err := s.db.conn.ExecContext(ctx, `
UPDATE route_inbox SET lifecycle_state = 'errored', processed_at = ?, error = ?
WHERE id = ? AND lifecycle_state NOT IN ('processed', 'errored')
`, at.UTC().Format(timeLayout), errMsg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("route", "RouteInboxStore.MarkErrored", domain.ErrStateConflict, id)
	}
	return nil
}
