package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"switchboard/internal/domain"
)

// EntityRow is one resolved entity in the shared cross-butler entity graph
// (a person, place, or recurring subject referenced across conversations).
type EntityRow struct {
	ID            string
	TenantID      string
	CanonicalName string
	Kind          string // "person" | "organization" | "place" | "topic"
	Tombstoned    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EntityAliasRow maps an alternate surface form (a nickname, a misspelling,
// a channel-specific handle) back to its canonical entity.
type EntityAliasRow struct {
	EntityID string
	Alias    string
	Source   string // which butler/channel observed this alias
}

// EntityFactRow is one fact attributed to an entity (e.g. "birthday",
// "works at"), with a confidence score.
type EntityFactRow struct {
	ID         string
	EntityID   string
	Key        string
	Value      string
	Confidence float64
	ObservedAt time.Time
}

func migrateEntities(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS entities (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL DEFAULT '',
	canonical_name TEXT NOT NULL,
	kind           TEXT NOT NULL,
	tombstoned     INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_tenant_name ON entities (tenant_id, canonical_name);
CREATE TABLE IF NOT EXISTS entity_aliases (
	entity_id TEXT NOT NULL,
	alias     TEXT NOT NULL,
	source    TEXT,
	PRIMARY KEY (entity_id, alias)
);
CREATE INDEX IF NOT EXISTS idx_entity_aliases_alias ON entity_aliases (alias);
CREATE TABLE IF NOT EXISTS entity_facts (
	id          TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL,
	key         TEXT NOT NULL,
	value       TEXT NOT NULL,
	confidence  REAL NOT NULL DEFAULT 1.0,
	observed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entity_facts_entity ON entity_facts (entity_id, key)`)
	return err
}

// EntityStore backs the shared cross-butler entity graph used for
// resolving a mention ("mom", "the dentist") to a canonical entity.
type EntityStore struct {
	db *DB
}

// NewEntityStore constructs an EntityStore, migrating its tables if needed.
func NewEntityStore(db *DB) (*EntityStore, error) {
	if err := migrateEntities(db.conn); err != nil {
		return nil, err
	}
	return &EntityStore{db: db}, nil
}

// Create inserts a new canonical entity.
func (s *EntityStore) Create(ctx context.Context, e EntityRow) error {
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO entities (id, tenant_id, canonical_name, kind, tombstoned, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.CanonicalName, e.Kind, boolToInt(e.Tombstoned), e.CreatedAt.UTC().Format(timeLayout), e.UpdatedAt.UTC().Format(timeLayout))
	return err
}

func scanEntity(row scanner) (EntityRow, error) {
	var e EntityRow
	var tombstoned int
	var created, updated string
	if err := row.Scan(&e.ID, &e.TenantID, &e.CanonicalName, &e.Kind, &tombstoned, &created, &updated); err != nil {
		return EntityRow{}, err
	}
	e.Tombstoned = tombstoned != 0
	var err error
	if e.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return EntityRow{}, err
	}
	if e.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return EntityRow{}, err
	}
	return e, nil
}

// Get returns an entity by ID, including tombstoned ones — callers that
// must exclude tombstones (resolution discovery) filter separately.
func (s *EntityStore) Get(ctx context.Context, id string) (*EntityRow, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT id, tenant_id, canonical_name, kind, tombstoned, created_at, updated_at FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("memory", "EntityStore.Get", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// AddAlias records an alternate surface form for an entity. Idempotent:
// re-adding the same (entity, alias) pair is a no-op.
func (s *EntityStore) AddAlias(ctx context.Context, a EntityAliasRow) error {
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO entity_aliases (entity_id, alias, source) VALUES (?, ?, ?)
		 ON CONFLICT(entity_id, alias) DO NOTHING`, a.EntityID, a.Alias, nullIfEmpty(a.Source))
	return err
}

// ResolveAlias returns the entity IDs that have registered the given alias,
// exact match only — ranking among multiple candidates is the caller's
// resolution-tier logic, not the store's.
func (s *EntityStore) ResolveAlias(ctx context.Context, alias string) ([]string, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT DISTINCT entity_id FROM entity_aliases WHERE alias = ?`, alias)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Aliases returns every alias registered for an entity.
func (s *EntityStore) Aliases(ctx context.Context, entityID string) ([]string, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT alias FROM entity_aliases WHERE entity_id = ?`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// AddFact appends a fact observation for an entity.
func (s *EntityStore) AddFact(ctx context.Context, f EntityFactRow) error {
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO entity_facts (id, entity_id, key, value, confidence, observed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.EntityID, f.Key, f.Value, f.Confidence, f.ObservedAt.UTC().Format(timeLayout))
	return err
}

// Facts returns every fact recorded for an entity, most recent first.
func (s *EntityStore) Facts(ctx context.Context, entityID string) ([]EntityFactRow, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, entity_id, key, value, confidence, observed_at FROM entity_facts
		 WHERE entity_id = ? ORDER BY observed_at DESC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EntityFactRow
	for rows.Next() {
		var f EntityFactRow
		var observedAt string
		if err := rows.Scan(&f.ID, &f.EntityID, &f.Key, &f.Value, &f.Confidence, &observedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, observedAt)
		if err != nil {
			return nil, err
		}
		f.ObservedAt = t
		out = append(out, f)
	}
	return out, rows.Err()
}

// FactsForEntities returns active facts across a set of candidate entities in
// one query, capped at limit rows — used by the resolver's graph-neighborhood
// boost so it never scans an unbounded number of facts per resolve call.
func (s *EntityStore) FactsForEntities(ctx context.Context, entityIDs []string, limit int) ([]EntityFactRow, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(entityIDs))
	placeholders = strings.TrimSuffix(placeholders, ",")
	args := make([]any, 0, len(entityIDs)+1)
	for _, id := range entityIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, entity_id, key, value, confidence, observed_at FROM entity_facts
		 WHERE entity_id IN (`+placeholders+`) ORDER BY observed_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EntityFactRow
	for rows.Next() {
		var f EntityFactRow
		var observedAt string
		if err := rows.Scan(&f.ID, &f.EntityID, &f.Key, &f.Value, &f.Confidence, &observedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, observedAt)
		if err != nil {
			return nil, err
		}
		f.ObservedAt = t
		out = append(out, f)
	}
	return out, rows.Err()
}

// MatchExactName returns non-tombstoned entities whose canonical_name matches
// nameLower case-insensitively, within tenant.
func (s *EntityStore) MatchExactName(ctx context.Context, tenantID, nameLower string) ([]EntityRow, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, tenant_id, canonical_name, kind, tombstoned, created_at, updated_at FROM entities
		 WHERE tenant_id = ? AND tombstoned = 0 AND LOWER(canonical_name) = ?`, tenantID, nameLower)
	return scanEntityRows(rows, err)
}

// MatchExactAlias returns non-tombstoned entities that registered nameLower
// as an alias, within tenant.
func (s *EntityStore) MatchExactAlias(ctx context.Context, tenantID, nameLower string) ([]EntityRow, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT e.id, e.tenant_id, e.canonical_name, e.kind, e.tombstoned, e.created_at, e.updated_at FROM entities e
		 JOIN entity_aliases a ON a.entity_id = e.id
		 WHERE e.tenant_id = ? AND e.tombstoned = 0 AND LOWER(a.alias) = ?`, tenantID, nameLower)
	return scanEntityRows(rows, err)
}

// MatchPrefix returns non-tombstoned entities whose canonical_name or any
// alias contains nameLower as a prefix or substring, within tenant.
func (s *EntityStore) MatchPrefix(ctx context.Context, tenantID, nameLower string) ([]EntityRow, error) {
	like := "%" + nameLower + "%"
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT DISTINCT e.id, e.tenant_id, e.canonical_name, e.kind, e.tombstoned, e.created_at, e.updated_at FROM entities e
		 LEFT JOIN entity_aliases a ON a.entity_id = e.id
		 WHERE e.tenant_id = ? AND e.tombstoned = 0
		   AND (LOWER(e.canonical_name) LIKE ? OR LOWER(a.alias) LIKE ?)`, tenantID, like, like)
	return scanEntityRows(rows, err)
}

// ListForFuzzy returns every non-tombstoned entity (with its aliases folded
// in by the caller) for a tenant — the candidate pool the resolver's
// in-process trigram-similarity pass scores, since SQLite carries no
// pg_trgm-equivalent extension in this deployment.
func (s *EntityStore) ListForFuzzy(ctx context.Context, tenantID string) ([]EntityRow, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, tenant_id, canonical_name, kind, tombstoned, created_at, updated_at FROM entities
		 WHERE tenant_id = ? AND tombstoned = 0`, tenantID)
	return scanEntityRows(rows, err)
}

func scanEntityRows(rows *sql.Rows, err error) ([]EntityRow, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EntityRow
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Tombstone soft-deletes an entity, excluding it from future resolution.
func (s *EntityStore) Tombstone(ctx context.Context, id string) error {
	_, err := s.db.conn.ExecContext(ctx,
		`UPDATE entities SET tombstoned = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), id)
	return err
}

// RepointFacts reassigns every fact from sourceID to targetID — the core of
// entity_merge's "facts follow the surviving entity" semantics.
func (s *EntityStore) RepointFacts(ctx context.Context, sourceID, targetID string) error {
	_, err := s.db.conn.ExecContext(ctx,
		`UPDATE entity_facts SET entity_id = ? WHERE entity_id = ?`, targetID, sourceID)
	return err
}

// CopyAliases appends every alias of sourceID onto targetID (idempotent via
// the same ON CONFLICT DO NOTHING as AddAlias).
func (s *EntityStore) CopyAliases(ctx context.Context, sourceID, targetID string) error {
	aliases, err := s.Aliases(ctx, sourceID)
	if err != nil {
		return err
	}
	for _, alias := range aliases {
		if err := s.AddAlias(ctx, EntityAliasRow{EntityID: targetID, Alias: alias, Source: "entity_merge:" + sourceID}); err != nil {
			return err
		}
	}
	// The source's own canonical name becomes an alias of the target too,
	// so a future lookup by its old name still resolves.
	source, err := s.Get(ctx, sourceID)
	if err != nil {
		return err
	}
	return s.AddAlias(ctx, EntityAliasRow{EntityID: targetID, Alias: source.CanonicalName, Source: "entity_merge:" + sourceID})
}
