package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"switchboard/internal/domain"
)

func migrateButlerRegistry(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS butler_registry (
	name                  TEXT PRIMARY KEY,
	modules               TEXT NOT NULL,
	eligibility_state     TEXT NOT NULL,
	liveness_ttl_seconds  INTEGER NOT NULL,
	last_seen_at          TEXT,
	quarantined_at        TEXT,
	quarantine_reason     TEXT,
	trusted_route_callers TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS butler_registry_eligibility_log (
	butler_name    TEXT NOT NULL,
	previous_state TEXT NOT NULL,
	new_state      TEXT NOT NULL,
	reason         TEXT NOT NULL,
	observed_at    TEXT NOT NULL
)`)
	return err
}

// ButlerRegistryStore is the SQLite-backed domain.ButlerStore, owned by the
// Switchboard schema (butlers other than Switchboard never write here).
type ButlerRegistryStore struct {
	db *DB
}

// NewButlerRegistryStore constructs a ButlerRegistryStore, migrating its
// tables if needed.
func NewButlerRegistryStore(db *DB) (*ButlerRegistryStore, error) {
	if err := migrateButlerRegistry(db.conn); err != nil {
		return nil, err
	}
	return &ButlerRegistryStore{db: db}, nil
}

func marshalStrings(ss []string) (string, error) {
	b, err := json.Marshal(ss)
	return string(b), err
}

func unmarshalStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	err := json.Unmarshal([]byte(s), &out)
	return out, err
}

// Upsert creates or replaces a butler's registration row.
func (s *ButlerRegistryStore) Upsert(ctx context.Context, reg domain.ButlerRegistration) error {
	modules, err := marshalStrings(reg.Modules)
	if err != nil {
		return err
	}
	callers := reg.TrustedRouteCallers
	if len(callers) == 0 {
		callers = []string{"switchboard"}
	}
	trustedJSON, err := marshalStrings(callers)
	if err != nil {
		return err
	}

	_, err = s.db.conn.ExecContext(ctx, `
INSERT INTO butler_registry (name, modules, eligibility_state, liveness_ttl_seconds,
	last_seen_at, quarantined_at, quarantine_reason, trusted_route_callers)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	modules=excluded.modules, eligibility_state=excluded.eligibility_state,
	liveness_ttl_seconds=excluded.liveness_ttl_seconds, last_seen_at=excluded.last_seen_at,
	quarantined_at=excluded.quarantined_at, quarantine_reason=excluded.quarantine_reason,
	trusted_route_callers=excluded.trusted_route_callers
`, reg.Name, modules, string(reg.EligibilityState), reg.LivenessTTLSeconds,
		formatTimePtr(reg.LastSeenAt), formatTimePtr(reg.QuarantinedAt),
		nullIfEmpty(reg.QuarantineReason), trustedJSON)
	return err
}

func scanButler(row scanner) (*domain.ButlerRegistration, error) {
	var r domain.ButlerRegistration
	var modules, state, trusted string
	var lastSeen, quarantinedAt, reason sql.NullString

	if err := row.Scan(&r.Name, &modules, &state, &r.LivenessTTLSeconds, &lastSeen,
		&quarantinedAt, &reason, &trusted); err != nil {
		return nil, err
	}

	r.EligibilityState = domain.EligibilityState(state)
	r.QuarantineReason = reason.String

	var err error
	if r.Modules, err = unmarshalStrings(modules); err != nil {
		return nil, err
	}
	if r.TrustedRouteCallers, err = unmarshalStrings(trusted); err != nil {
		return nil, err
	}
	if r.LastSeenAt, err = parseTimePtr(lastSeen); err != nil {
		return nil, err
	}
	if r.QuarantinedAt, err = parseTimePtr(quarantinedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

const butlerColumns = `name, modules, eligibility_state, liveness_ttl_seconds, last_seen_at,
	quarantined_at, quarantine_reason, trusted_route_callers`

// Get returns a butler's registration by name.
func (s *ButlerRegistryStore) Get(ctx context.Context, name string) (*domain.ButlerRegistration, error) {
	row := s.db.conn.QueryRowContext(ctx, "SELECT "+butlerColumns+" FROM butler_registry WHERE name = ?", name)
	r, err := scanButler(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("butler", "ButlerRegistryStore.Get", domain.ErrNotFound, name)
	}
	return r, err
}

// List returns every registered butler.
func (s *ButlerRegistryStore) List(ctx context.Context) ([]domain.ButlerRegistration, error) {
	rows, err := s.db.conn.QueryContext(ctx, "SELECT "+butlerColumns+" FROM butler_registry ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanAll(rows)
}

// ListEligible returns active butlers, optionally filtered to those
// advertising the given module (empty module matches all).
func (s *ButlerRegistryStore) ListEligible(ctx context.Context, module string) ([]domain.ButlerRegistration, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.ButlerRegistration
	for _, b := range all {
		if b.EligibilityState != domain.EligibilityActive {
			continue
		}
		if module == "" {
			out = append(out, b)
			continue
		}
		for _, m := range b.Modules {
			if m == module {
				out = append(out, b)
				break
			}
		}
	}
	return out, nil
}

func (s *ButlerRegistryStore) scanAll(rows *sql.Rows) ([]domain.ButlerRegistration, error) {
	var out []domain.ButlerRegistration
	for rows.Next() {
		r, err := scanButler(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Heartbeat updates last_seen_at, and reactivates a stale butler back to
// active (quarantined butlers require an explicit Transition, not a
// heartbeat, to clear).
func (s *ButlerRegistryStore) Heartbeat(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.conn.ExecContext(ctx, `
UPDATE butler_registry SET last_seen_at = ?,
	eligibility_state = CASE WHEN eligibility_state = 'stale' THEN 'active' ELSE eligibility_state END
WHERE name = ?`, at.UTC().Format(timeLayout), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("butler", "ButlerRegistryStore.Heartbeat", domain.ErrNotFound, name)
	}
	return nil
}

// Transition moves a butler to a new eligibility state, recording
// quarantine metadata when transitioning to quarantined.
func (s *ButlerRegistryStore) Transition(ctx context.Context, name string, newState domain.EligibilityState, reason string, at time.Time) error {
	var err error
	if newState == domain.EligibilityQuarantined {
		_, err = s.db.conn.ExecContext(ctx, `
UPDATE butler_registry SET eligibility_state = ?, quarantined_at = ?, quarantine_reason = ? WHERE name = ?`,
			string(newState), at.UTC().Format(timeLayout), reason, name)
	} else {
		_, err = s.db.conn.ExecContext(ctx, `UPDATE butler_registry SET eligibility_state = ? WHERE name = ?`, string(newState), name)
	}
	return err
}

// AppendEligibilityLog writes one append-only transition record.
func (s *ButlerRegistryStore) AppendEligibilityLog(ctx context.Context, entry domain.EligibilityLogEntry) error {
	_, err := s.db.conn.ExecContext(ctx, `
INSERT INTO butler_registry_eligibility_log (butler_name, previous_state, new_state, reason, observed_at)
VALUES (?, ?, ?, ?, ?)`,
		entry.ButlerName, string(entry.PreviousState), string(entry.NewState), entry.Reason,
		entry.ObservedAt.UTC().Format(timeLayout))
	return err
}
