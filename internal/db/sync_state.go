package db

import (
	"database/sql"
	"time"

	"github.com/marcus/crmsync/internal/models"
)

// SyncState is the persisted part of the shared sync state. It lives in the
// store so every process (CLI, daemon, monitor) sees the same values.
type SyncState struct {
	Paused     bool
	LastSyncAt *time.Time
	LastError  string
}

// Conn returns the underlying *sql.DB connection for use in tests and
// diagnostics that need raw access.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// GetSyncState returns the persisted sync state.
func (db *DB) GetSyncState() (*SyncState, error) {
	var s SyncState
	var paused int
	var lastSync, lastErr sql.NullString

	err := db.conn.QueryRow(`SELECT paused, last_sync_at, last_error FROM sync_state WHERE id = 1`).
		Scan(&paused, &lastSync, &lastErr)
	if err == sql.ErrNoRows {
		return &s, nil
	}
	if err != nil {
		return nil, err
	}

	s.Paused = paused != 0
	if lastSync.Valid {
		if t, err := parseTimestamp(lastSync.String); err == nil {
			s.LastSyncAt = &t
		}
	}
	s.LastError = lastErr.String
	return &s, nil
}

// SetPaused persists the paused flag.
func (db *DB) SetPaused(paused bool) error {
	v := 0
	if paused {
		v = 1
	}
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`UPDATE sync_state SET paused = ? WHERE id = 1`, v)
		return err
	})
}

// RecordSyncResult stores the outcome of a push cycle. A nil syncedAt leaves
// last_sync_at untouched; an empty lastError clears it.
func (db *DB) RecordSyncResult(syncedAt *time.Time, lastError string) error {
	return db.withWriteLock(func() error {
		if syncedAt != nil {
			_, err := db.conn.Exec(`UPDATE sync_state SET last_sync_at = ?, last_error = ? WHERE id = 1`,
				formatTime(*syncedAt), nullableString(lastError))
			return err
		}
		_, err := db.conn.Exec(`UPDATE sync_state SET last_error = ? WHERE id = 1`, nullableString(lastError))
		return err
	})
}

// ResetLocalStore wipes every mirrored entity, the outbox, not-found marks and
// sync history, and clears last sync time and error. The paused flag survives.
func (db *DB) ResetLocalStore() error {
	err := db.withTx(func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM entities`,
			`DELETE FROM outbox`,
			`DELETE FROM remote_misses`,
			`DELETE FROM sync_history`,
			`UPDATE sync_state SET last_sync_at = NULL, last_error = NULL WHERE id = 1`,
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.hub.publish(Change{Op: ChangeReset})
	return nil
}

// Stats summarizes the store for status output.
type Stats struct {
	Entities map[string]int
	Outbox   map[models.OutboxStatus]int
}

// GetStats returns entity counts per type and outbox counts per status.
func (db *DB) GetStats() (*Stats, error) {
	entities, err := db.CountEntities()
	if err != nil {
		return nil, err
	}
	outbox, err := db.CountByStatus()
	if err != nil {
		return nil, err
	}
	return &Stats{Entities: entities, Outbox: outbox}, nil
}
