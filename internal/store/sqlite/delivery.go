package sqlite

import (
	"context"
	"database/sql"
	"time"

	"switchboard/internal/domain"
)

// DeliveryRequestRow is one row of the messenger's delivery_requests table:
// a single attempt to hand a message to a channel provider, keyed by a
// derived idempotency key so the same logical send is never dispatched to
// the provider twice even if the caller retries.
type DeliveryRequestRow struct {
	ID                 string
	IdempotencyKey     string
	Channel            string
	Recipient          string
	Message            string
	Subject            string
	Status             string // "pending" | "sent" | "failed"
	ProviderDeliveryID string
	Error              string
	Attempts           int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DeliveryReceiptRow records a provider's delivery confirmation or bounce,
// decoupled from the request row so a provider webhook can arrive well
// after the initial send returned.
type DeliveryReceiptRow struct {
	ID                 string
	DeliveryRequestID  string
	ProviderDeliveryID string
	Status             string
	ReceivedAt         time.Time
}

func migrateDelivery(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS delivery_requests (
	id                   TEXT PRIMARY KEY,
	idempotency_key      TEXT NOT NULL UNIQUE,
	channel              TEXT NOT NULL,
	recipient            TEXT,
	message              TEXT NOT NULL,
	subject              TEXT,
	status               TEXT NOT NULL,
	provider_delivery_id TEXT,
	error                TEXT,
	attempts             INTEGER NOT NULL DEFAULT 0,
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS delivery_receipts (
	id                   TEXT PRIMARY KEY,
	delivery_request_id  TEXT NOT NULL,
	provider_delivery_id TEXT,
	status               TEXT NOT NULL,
	received_at          TEXT NOT NULL
)`)
	return err
}

// DeliveryStore backs the messenger butler's idempotent-send ledger.
type DeliveryStore struct {
	db *DB
}

// NewDeliveryStore constructs a DeliveryStore, migrating its tables if needed.
func NewDeliveryStore(db *DB) (*DeliveryStore, error) {
	if err := migrateDelivery(db.conn); err != nil {
		return nil, err
	}
	return &DeliveryStore{db: db}, nil
}

// FindByIdempotencyKey returns the existing request for a key, if any, so
// callers can short-circuit a retried send instead of re-dispatching it.
func (s *DeliveryStore) FindByIdempotencyKey(ctx context.Context, key string) (*DeliveryRequestRow, error) {
	row := s.db.conn.QueryRowContext(ctx, `
SELECT id, idempotency_key, channel, recipient, message, subject, status, provider_delivery_id,
	error, attempts, created_at, updated_at
FROM delivery_requests WHERE idempotency_key = ?`, key)
	r, err := scanDeliveryRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// CreateRequest inserts a new pending delivery request.
func (s *DeliveryStore) CreateRequest(ctx context.Context, row DeliveryRequestRow) error {
	_, err := s.db.conn.ExecContext(ctx, `
INSERT INTO delivery_requests (id, idempotency_key, channel, recipient, message, subject, status,
	provider_delivery_id, error, attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, row.ID, row.IdempotencyKey, row.Channel, nullIfEmpty(row.Recipient), row.Message,
		nullIfEmpty(row.Subject), row.Status, nullIfEmpty(row.ProviderDeliveryID), nullIfEmpty(row.Error),
		row.Attempts, row.CreatedAt.UTC().Format(timeLayout), row.UpdatedAt.UTC().Format(timeLayout))
	return err
}

// RecordProviderDeliveryID attaches the provider's own ID to a request once
// the send call returns, and marks it sent.
func (s *DeliveryStore) RecordProviderDeliveryID(ctx context.Context, id, providerDeliveryID string, at time.Time) error {
	res, err := s.db.conn.ExecContext(ctx, `
UPDATE delivery_requests SET status = 'sent', provider_delivery_id = ?, attempts = attempts + 1, updated_at = ?
WHERE id = ?`, providerDeliveryID, at.UTC().Format(timeLayout), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("messenger", "DeliveryStore.RecordProviderDeliveryID", domain.ErrNotFound, id)
	}
	return nil
}

// UpdateStatus transitions a delivery request's status (e.g. to "failed"
// when the provider rejects a send, or "sent" on a webhook-confirmed receipt).
func (s *DeliveryStore) UpdateStatus(ctx context.Context, id, status, errMsg string, at time.Time) error {
	_, err := s.db.conn.ExecContext(ctx,
		`UPDATE delivery_requests SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, nullIfEmpty(errMsg), at.UTC().Format(timeLayout), id)
	return err
}

func scanDeliveryRequest(row scanner) (*DeliveryRequestRow, error) {
	var r DeliveryRequestRow
	var recipient, subject, providerID, errStr sql.NullString
	var created, updated string

	if err := row.Scan(&r.ID, &r.IdempotencyKey, &r.Channel, &recipient, &r.Message, &subject,
		&r.Status, &providerID, &errStr, &r.Attempts, &created, &updated); err != nil {
		return nil, err
	}
	r.Recipient = recipient.String
	r.Subject = subject.String
	r.ProviderDeliveryID = providerID.String
	r.Error = errStr.String

	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = t
	t, err = time.Parse(timeLayout, updated)
	if err != nil {
		return nil, err
	}
	r.UpdatedAt = t
	return &r, nil
}

// RecordReceipt appends a provider delivery receipt/bounce notification.
func (s *DeliveryStore) RecordReceipt(ctx context.Context, r DeliveryReceiptRow) error {
	_, err := s.db.conn.ExecContext(ctx, `
INSERT INTO delivery_receipts (id, delivery_request_id, provider_delivery_id, status, received_at)
VALUES (?, ?, ?, ?, ?)
`, r.ID, r.DeliveryRequestID, nullIfEmpty(r.ProviderDeliveryID), r.Status, r.ReceivedAt.UTC().Format(timeLayout))
	return err
}
