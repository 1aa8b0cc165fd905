package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"switchboard/internal/domain"
)

// PendingActionRow is one row of a butler's pending_actions table: an action
// the owner-fast-path and standing rules couldn't resolve on their own,
// waiting on an explicit approve/deny.
type PendingActionRow struct {
	ID              string
	ButlerName      string
	ToolName        string
	Args            map[string]any
	RequesterIdentity string
	Channel         string
	Status          string // "pending" | "approved" | "rejected" | "expired" | "executed"
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ResolvedAt      *time.Time
	ResolvedBy      string
}

// ApprovalRuleRow is a standing rule letting future invocations of a tool
// auto-approve without a human decision, so the owner doesn't have to
// re-approve the same class of action every time.
type ApprovalRuleRow struct {
	ID             string
	ButlerName     string
	ToolName       string
	ArgConstraints map[string]any // e.g. {"recipient": "alice@example.com"}; {} matches any args
	Description    string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	MaxUses        *int
	UseCount       int
	Active         bool
	CreatedFrom    string // pending action id this rule was derived from, "" if none
}

// ApprovalEventRow is an append-only audit trail of every approval decision,
// automatic or manual.
type ApprovalEventRow struct {
	ActionID  string
	Decision  string
	Reason    string
	DecidedBy string
	DecidedAt time.Time
}

func migrateApprovals(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS pending_actions (
	id                 TEXT PRIMARY KEY,
	butler_name        TEXT NOT NULL,
	tool_name          TEXT NOT NULL,
	args               TEXT NOT NULL,
	requester_identity TEXT NOT NULL,
	channel            TEXT,
	status             TEXT NOT NULL,
	created_at         TEXT NOT NULL,
	expires_at         TEXT NOT NULL,
	resolved_at        TEXT,
	resolved_by        TEXT
);
CREATE TABLE IF NOT EXISTS approval_rules (
	id              TEXT PRIMARY KEY,
	butler_name     TEXT NOT NULL,
	tool_name       TEXT NOT NULL,
	arg_constraints TEXT NOT NULL DEFAULT '{}',
	description     TEXT,
	created_at      TEXT NOT NULL,
	expires_at      TEXT,
	max_uses        INTEGER,
	use_count       INTEGER NOT NULL DEFAULT 0,
	active          INTEGER NOT NULL DEFAULT 1,
	created_from    TEXT
);
CREATE INDEX IF NOT EXISTS idx_approval_rules_tool ON approval_rules (butler_name, tool_name, active);
CREATE TABLE IF NOT EXISTS approval_events (
	action_id   TEXT NOT NULL,
	decision    TEXT NOT NULL,
	reason      TEXT,
	decided_by  TEXT,
	decided_at  TEXT NOT NULL
)`)
	return err
}

// ApprovalStore backs the tool-approval gate: pending actions awaiting an
// owner decision, the standing rules that can auto-resolve future ones, and
// the append-only decision log.
type ApprovalStore struct {
	db *DB
}

// NewApprovalStore constructs an ApprovalStore, migrating its tables if needed.
func NewApprovalStore(db *DB) (*ApprovalStore, error) {
	if err := migrateApprovals(db.conn); err != nil {
		return nil, err
	}
	return &ApprovalStore{db: db}, nil
}

// CreatePending inserts a new pending action in the "pending" state.
func (s *ApprovalStore) CreatePending(ctx context.Context, row PendingActionRow) error {
	args, err := json.Marshal(row.Args)
	if err != nil {
		return err
	}
	_, err = s.db.conn.ExecContext(ctx, `
INSERT INTO pending_actions (id, butler_name, tool_name, args, requester_identity, channel,
	status, created_at, expires_at, resolved_at, resolved_by)
VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, NULL, NULL)
`, row.ID, row.ButlerName, row.ToolName, string(args), row.RequesterIdentity, nullIfEmpty(row.Channel),
		row.CreatedAt.UTC().Format(timeLayout), row.ExpiresAt.UTC().Format(timeLayout))
	return err
}

// Get returns a pending action by ID.
func (s *ApprovalStore) Get(ctx context.Context, id string) (*PendingActionRow, error) {
	row := s.db.conn.QueryRowContext(ctx, `
SELECT id, butler_name, tool_name, args, requester_identity, channel, status, created_at,
	expires_at, resolved_at, resolved_by
FROM pending_actions WHERE id = ?`, id)
	r, err := scanPendingAction(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("approval", "ApprovalStore.Get", domain.ErrNotFound, id)
	}
	return r, err
}

// ListPending returns all actions still awaiting a decision for a butler.
func (s *ApprovalStore) ListPending(ctx context.Context, butlerName string) ([]PendingActionRow, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
SELECT id, butler_name, tool_name, args, requester_identity, channel, status, created_at,
	expires_at, resolved_at, resolved_by
FROM pending_actions WHERE butler_name = ? AND status = 'pending' ORDER BY created_at ASC`, butlerName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingActionRow
	for rows.Next() {
		r, err := scanPendingAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListExpirable returns pending actions whose expiry has passed, for the
// approval sweep to mark expired.
func (s *ApprovalStore) ListExpirable(ctx context.Context, now time.Time) ([]PendingActionRow, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
SELECT id, butler_name, tool_name, args, requester_identity, channel, status, created_at,
	expires_at, resolved_at, resolved_by
FROM pending_actions WHERE status = 'pending' AND expires_at <= ?`, now.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingActionRow
	for rows.Next() {
		r, err := scanPendingAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Resolve transitions a pending action to approved/rejected/expired exactly
// once — the WHERE clause rejects a second resolution of the same action.
func (s *ApprovalStore) Resolve(ctx context.Context, id, status, resolvedBy string, at time.Time) error {
	res, err := s.db.conn.ExecContext(ctx, `
UPDATE pending_actions SET status = ?, resolved_at = ?, resolved_by = ?
WHERE id = ? AND status = 'pending'`, status, at.UTC().Format(timeLayout), nullIfEmpty(resolvedBy), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("approval", "ApprovalStore.Resolve", domain.ErrStateConflict, id)
	}
	return nil
}

// MarkExecuted transitions an approved action to executed after its tool
// function has run successfully. No-op (returns ErrStateConflict) if the
// action is not currently approved.
func (s *ApprovalStore) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.conn.ExecContext(ctx, `
UPDATE pending_actions SET status = 'executed', resolved_at = ?
WHERE id = ? AND status = 'approved'`, at.UTC().Format(timeLayout), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("approval", "ApprovalStore.MarkExecuted", domain.ErrStateConflict, id)
	}
	return nil
}

func scanPendingAction(row scanner) (*PendingActionRow, error) {
	var r PendingActionRow
	var args, createdAt, expiresAt string
	var channel, resolvedAt, resolvedBy sql.NullString

	if err := row.Scan(&r.ID, &r.ButlerName, &r.ToolName, &args, &r.RequesterIdentity, &channel,
		&r.Status, &createdAt, &expiresAt, &resolvedAt, &resolvedBy); err != nil {
		return nil, err
	}
	r.Channel = channel.String
	r.ResolvedBy = resolvedBy.String

	if err := json.Unmarshal([]byte(args), &r.Args); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = t
	if t, err = time.Parse(timeLayout, expiresAt); err != nil {
		return nil, err
	}
	r.ExpiresAt = t
	if r.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// AddRule inserts a standing approval rule.
func (s *ApprovalStore) AddRule(ctx context.Context, row ApprovalRuleRow) error {
	constraints, err := json.Marshal(row.ArgConstraints)
	if err != nil {
		return err
	}
	var expiresAt any
	if row.ExpiresAt != nil {
		expiresAt = row.ExpiresAt.UTC().Format(timeLayout)
	}
	_, err = s.db.conn.ExecContext(ctx, `
INSERT INTO approval_rules (id, butler_name, tool_name, arg_constraints, description, created_at,
	expires_at, max_uses, use_count, active, created_from)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 1, ?)
`, row.ID, row.ButlerName, row.ToolName, string(constraints), nullIfEmpty(row.Description),
		row.CreatedAt.UTC().Format(timeLayout), expiresAt, row.MaxUses, nullIfEmpty(row.CreatedFrom))
	return err
}

// ListActiveRules returns every active standing rule for a tool; precedence
// among candidates (constraint specificity, bounded-vs-unbounded scope,
// recency, id tie-break) is the caller's responsibility, not the store's.
func (s *ApprovalStore) ListActiveRules(ctx context.Context, butlerName, toolName string) ([]ApprovalRuleRow, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
SELECT id, butler_name, tool_name, arg_constraints, description, created_at, expires_at,
	max_uses, use_count, active, created_from
FROM approval_rules WHERE butler_name = ? AND tool_name = ? AND active = 1
ORDER BY created_at DESC, id ASC`, butlerName, toolName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalRuleRow
	for rows.Next() {
		r, err := scanApprovalRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// IncrementRuleUse bumps a rule's use_count and deactivates it once
// max_uses is reached.
func (s *ApprovalStore) IncrementRuleUse(ctx context.Context, id string) error {
	_, err := s.db.conn.ExecContext(ctx, `
UPDATE approval_rules SET use_count = use_count + 1,
	active = CASE WHEN max_uses IS NOT NULL AND use_count + 1 >= max_uses THEN 0 ELSE active END
WHERE id = ?`, id)
	return err
}

// RevokeRule deactivates a standing rule.
func (s *ApprovalStore) RevokeRule(ctx context.Context, id string) error {
	res, err := s.db.conn.ExecContext(ctx, `UPDATE approval_rules SET active = 0 WHERE id = ? AND active = 1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("approval", "ApprovalStore.RevokeRule", domain.ErrStateConflict, id)
	}
	return nil
}

func scanApprovalRule(row scanner) (*ApprovalRuleRow, error) {
	var r ApprovalRuleRow
	var constraints, createdAt string
	var description, createdFrom, expiresAt sql.NullString
	var maxUses sql.NullInt64
	var active int

	if err := row.Scan(&r.ID, &r.ButlerName, &r.ToolName, &constraints, &description, &createdAt,
		&expiresAt, &maxUses, &r.UseCount, &active, &createdFrom); err != nil {
		return nil, err
	}
	r.Description = description.String
	r.CreatedFrom = createdFrom.String
	r.Active = active != 0

	if err := json.Unmarshal([]byte(constraints), &r.ArgConstraints); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = t
	if t, err := parseTimePtr(expiresAt); err != nil {
		return nil, err
	} else {
		r.ExpiresAt = t
	}
	if maxUses.Valid {
		n := int(maxUses.Int64)
		r.MaxUses = &n
	}
	return &r, nil
}

// AppendEvent writes one append-only approval decision record.
func (s *ApprovalStore) AppendEvent(ctx context.Context, e ApprovalEventRow) error {
	_, err := s.db.conn.ExecContext(ctx, `
INSERT INTO approval_events (action_id, decision, reason, decided_by, decided_at)
VALUES (?, ?, ?, ?, ?)
`, e.ActionID, e.Decision, nullIfEmpty(e.Reason), nullIfEmpty(e.DecidedBy), e.DecidedAt.UTC().Format(timeLayout))
	return err
}
