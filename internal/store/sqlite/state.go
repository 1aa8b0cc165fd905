package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

func migrateState(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	updated_at TEXT NOT NULL
)`)
	return err
}

// StateStore is the generic last-writer-wins KV store backing module-runtime
// flags, thread-affinity settings, and feature toggles.
type StateStore struct {
	db *DB
}

// NewStateStore constructs a StateStore, migrating the state table if needed.
func NewStateStore(db *DB) (*StateStore, error) {
	if err := migrateState(db.conn); err != nil {
		return nil, err
	}
	return &StateStore{db: db}, nil
}

// Get reads the raw JSON value for key, or sql.ErrNoRows if unset.
func (s *StateStore) Get(ctx context.Context, key string) (json.RawMessage, int64, error) {
	var raw string
	var version int64
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT value, version FROM state WHERE key = ?`, key,
	).Scan(&raw, &version)
	if err != nil {
		return nil, 0, err
	}
	return json.RawMessage(raw), version, nil
}

// Set writes value under key, bumping the monotonic version. Last write wins.
func (s *StateStore) Set(ctx context.Context, key string, value any) (int64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC().Format(timeLayout)

	_, err = s.db.conn.ExecContext(ctx, `
INSERT INTO state (key, value, version, updated_at)
VALUES (?, ?, 1, ?)
ON CONFLICT(key) DO UPDATE SET
	value = excluded.value,
	version = state.version + 1,
	updated_at = excluded.updated_at
`, key, string(raw), now)
	if err != nil {
		return 0, err
	}

	var version int64
	if err := s.db.conn.QueryRowContext(ctx, `SELECT version FROM state WHERE key = ?`, key).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// Delete removes a key. Used for module-runtime flag cleanup, not for the
// append-only tables elsewhere in this package.
func (s *StateStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key)
	return err
}
