package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// NotificationRow is one row of the outbound delivery audit log — every
// notify.v1 call a butler made through the Switchboard, whether it
// succeeded, failed, or was dead-lettered.
type NotificationRow struct {
	ID                 string
	OriginButler       string
	Channel            string
	Intent             string
	Recipient          string
	Status             string // "ok" | "error" | "dead_lettered"
	DeliveryID         string
	ProviderDeliveryID string
	Error              string
	CreatedAt          time.Time
}

func migrateNotifications(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS notifications (
	id                   TEXT PRIMARY KEY,
	origin_butler        TEXT NOT NULL,
	channel              TEXT NOT NULL,
	intent               TEXT NOT NULL,
	recipient            TEXT,
	status               TEXT NOT NULL,
	delivery_id          TEXT,
	provider_delivery_id TEXT,
	error                TEXT,
	created_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_origin ON notifications (origin_butler, created_at)`)
	return err
}

// NotificationStore is the Switchboard's outbound delivery audit log.
type NotificationStore struct {
	db *DB
}

// NewNotificationStore constructs a NotificationStore, migrating its table if needed.
func NewNotificationStore(db *DB) (*NotificationStore, error) {
	if err := migrateNotifications(db.conn); err != nil {
		return nil, err
	}
	return &NotificationStore{db: db}, nil
}

// Insert appends one delivery audit record.
func (s *NotificationStore) Insert(ctx context.Context, row NotificationRow) error {
	_, err := s.db.conn.ExecContext(ctx, `
INSERT INTO notifications (id, origin_butler, channel, intent, recipient, status, delivery_id,
	provider_delivery_id, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, row.ID, row.OriginButler, row.Channel, row.Intent, nullIfEmpty(row.Recipient), row.Status,
		nullIfEmpty(row.DeliveryID), nullIfEmpty(row.ProviderDeliveryID), nullIfEmpty(row.Error),
		row.CreatedAt.UTC().Format(timeLayout))
	return err
}

// ListByButler returns the most recent deliveries originated by a butler.
func (s *NotificationStore) ListByButler(ctx context.Context, butler string, limit int) ([]NotificationRow, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
SELECT id, origin_butler, channel, intent, recipient, status, delivery_id, provider_delivery_id, error, created_at
FROM notifications WHERE origin_butler = ? ORDER BY created_at DESC LIMIT ?`, butler, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotificationRow
	for rows.Next() {
		var r NotificationRow
		var recipient, deliveryID, providerID, errStr sql.NullString
		var createdAt string
		if err := rows.Scan(&r.ID, &r.OriginButler, &r.Channel, &r.Intent, &recipient, &r.Status,
			&deliveryID, &providerID, &errStr, &createdAt); err != nil {
			return nil, err
		}
		r.Recipient = recipient.String
		r.DeliveryID = deliveryID.String
		r.ProviderDeliveryID = providerID.String
		r.Error = errStr.String
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, err
		}
		r.CreatedAt = t
		out = append(out, r)
	}
	return out, rows.Err()
}
