package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"switchboard/internal/domain"
)

// MessageInboxRow is one row of the Switchboard's ingested-message log: the
// durable record of every inbound event before triage/classify/dispatch
// decides where it goes. Rows are partitioned by observed month to keep the
// table bounded, mirroring the monthly-partition note carried from the
// original ingestion design.
type MessageInboxRow struct {
	ID                string
	ReceivedAt        time.Time
	Envelope          domain.IngestV1
	IdempotencyKey    string
	Duplicate         bool
	RoutedButler      string
	RoutedAt          *time.Time
}

func migrateMessageInbox(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS message_inbox (
	id              TEXT PRIMARY KEY,
	received_month  TEXT NOT NULL,
	received_at     TEXT NOT NULL,
	envelope        TEXT NOT NULL,
	idempotency_key TEXT,
	duplicate       INTEGER NOT NULL DEFAULT 0,
	routed_butler   TEXT,
	routed_at       TEXT
);
CREATE INDEX IF NOT EXISTS idx_message_inbox_month ON message_inbox (received_month);
CREATE UNIQUE INDEX IF NOT EXISTS idx_message_inbox_idem ON message_inbox (idempotency_key)
	WHERE idempotency_key IS NOT NULL`)
	return err
}

// MessageInboxStore is the Switchboard's durable ingest log, keyed by
// request_id, with a unique index on the derived idempotency key so a
// duplicate delivery (webhook retry, provider replay) is detected at
// insert time rather than downstream.
type MessageInboxStore struct {
	db *DB
}

// NewMessageInboxStore constructs a MessageInboxStore, migrating its table if needed.
func NewMessageInboxStore(db *DB) (*MessageInboxStore, error) {
	if err := migrateMessageInbox(db.conn); err != nil {
		return nil, err
	}
	return &MessageInboxStore{db: db}, nil
}

// Insert records a newly-ingested message. If idempotencyKey collides with
// an existing row, the existing row's ID is returned with duplicate=true
// and no new row is written.
func (s *MessageInboxStore) Insert(ctx context.Context, row MessageInboxRow) (existingID string, duplicate bool, err error) {
	envelope, err := json.Marshal(row.Envelope)
	if err != nil {
		return "", false, err
	}

	if row.IdempotencyKey != "" {
		var existing string
		err := s.db.conn.QueryRowContext(ctx,
			`SELECT id FROM message_inbox WHERE idempotency_key = ?`, row.IdempotencyKey,
		).Scan(&existing)
		if err == nil {
			return existing, true, nil
		}
		if err != sql.ErrNoRows {
			return "", false, err
		}
	}

	_, err = s.db.conn.ExecContext(ctx, `
INSERT INTO message_inbox (id, received_month, received_at, envelope, idempotency_key, duplicate, routed_butler, routed_at)
VALUES (?, ?, ?, ?, ?, 0, ?, ?)
`, row.ID, row.ReceivedAt.UTC().Format("2006-01"), row.ReceivedAt.UTC().Format(timeLayout),
		string(envelope), nullIfEmpty(row.IdempotencyKey), nullIfEmpty(row.RoutedButler), formatTimePtr(row.RoutedAt))
	if err != nil {
		return "", false, err
	}
	return row.ID, false, nil
}

// MarkRouted records which butler the ingest pipeline dispatched a message to.
func (s *MessageInboxStore) MarkRouted(ctx context.Context, id, butler string, at time.Time) error {
	_, err := s.db.conn.ExecContext(ctx,
		`UPDATE message_inbox SET routed_butler = ?, routed_at = ? WHERE id = ?`,
		butler, at.UTC().Format(timeLayout), id)
	return err
}

// Get returns an ingested message by ID.
func (s *MessageInboxStore) Get(ctx context.Context, id string) (*MessageInboxRow, error) {
	row := s.db.conn.QueryRowContext(ctx, `
SELECT id, received_at, envelope, idempotency_key, duplicate, routed_butler, routed_at
FROM message_inbox WHERE id = ?`, id)
	r, err := scanMessageInboxRow(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("switchboard", "MessageInboxStore.Get", domain.ErrNotFound, id)
	}
	return r, err
}

func scanMessageInboxRow(row scanner) (*MessageInboxRow, error) {
	var r MessageInboxRow
	var receivedAt, envelope string
	var idemKey, routedButler, routedAt sql.NullString
	var dup int

	if err := row.Scan(&r.ID, &receivedAt, &envelope, &idemKey, &dup, &routedButler, &routedAt); err != nil {
		return nil, err
	}
	r.IdempotencyKey = idemKey.String
	r.Duplicate = dup != 0
	r.RoutedButler = routedButler.String

	t, err := time.Parse(timeLayout, receivedAt)
	if err != nil {
		return nil, err
	}
	r.ReceivedAt = t

	if err := json.Unmarshal([]byte(envelope), &r.Envelope); err != nil {
		return nil, err
	}
	if r.RoutedAt, err = parseTimePtr(routedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
