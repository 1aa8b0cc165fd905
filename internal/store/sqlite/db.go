// Package sqlite provides the per-butler-schema persistence layer.
//
// Each butler owns one SQLite database file under a configured data
// directory (the physical stand-in for "one schema per butler" — SQLite has
// no schema namespace, so a separate file plays that role), opened in WAL
// journal mode. A shared.db file holds cross-butler read-only entities
// (entity resolution tables). This mirrors the teacher's
// adapter/tenant/sqlite.go layout: inline migration, JSON-as-TEXT columns,
// RFC3339Nano timestamps, and a shared scanner interface satisfied by both
// *sql.Row and *sql.Rows.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// scanner is satisfied by both *sql.Row and *sql.Rows, letting row-scan
// helpers be written once and reused from Get and List methods.
type scanner interface {
	Scan(dest ...any) error
}

// DB wraps a single butler schema's SQLite connection.
type DB struct {
	conn   *sql.DB
	path   string
	schema string // butler name, or "shared"
}

// Open opens (creating if necessary) the SQLite file at path, sets WAL
// journal mode, and runs the given migration functions in order.
func Open(path, schema string, migrations ...func(*sql.DB) error) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set WAL mode for %s: %w", path, err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys for %s: %w", path, err)
	}

	for _, migrate := range migrations {
		if err := migrate(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate %s: %w", path, err)
		}
	}

	return &DB{conn: conn, path: path, schema: schema}, nil
}

// Conn exposes the raw *sql.DB for store constructors in this package.
func (d *DB) Conn() *sql.DB { return d.conn }

// Close closes the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"
