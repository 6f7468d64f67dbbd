// Package serverdb is the authoritative record store behind crmsync-server:
// accounts with hashed API keys, CRM records with per-field timestamps, and
// an append-only log of applied batches.
package serverdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"
)

// Store wraps the server database connection.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if needed) the database at path with the pure-Go
// sqlite driver. ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	return OpenWithDriver("sqlite", path)
}

// OpenWithDriver opens dsn with an already registered sqlite driver
// ("sqlite" or "sqlite3") and brings the schema up to date.
func OpenWithDriver(driver, dsn string) (*Store, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes batch transactions and keeps an
	// in-memory database alive between calls.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{conn: conn}
	if _, err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks the database connection is alive.
func (s *Store) Ping() error {
	return s.conn.Ping()
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}

// SchemaVersion returns the applied schema version, 0 for a fresh file.
func (s *Store) SchemaVersion() (int, error) {
	var v string
	err := s.conn.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return strconv.Atoi(v)
}

// migrate applies every migration newer than the stored version, each in
// its own transaction, and returns how many ran.
func (s *Store) migrate() (int, error) {
	if _, err := s.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_info: %w", err)
	}
	current, err := s.SchemaVersion()
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.conn.Begin()
		if err != nil {
			return ran, fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return ran, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`, strconv.Itoa(m.version)); err != nil {
			tx.Rollback()
			return ran, fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return ran, fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		ran++
	}
	return ran, nil
}
