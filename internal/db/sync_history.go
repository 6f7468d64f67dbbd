package db

import (
	"time"

	"github.com/marcus/crmsync/internal/models"
)

const (
	HistoryDelivered = "delivered"
	HistoryFailed    = "failed"

	maxHistoryRows = 1000
)

// RecordSyncHistory appends one row per type-batch outcome and prunes the
// table to the newest rows.
func (db *DB) RecordSyncHistory(entries []models.SyncHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return db.withWriteLock(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO sync_history (entity_type, items, outcome, error, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entries {
			ts := e.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			if _, err := stmt.Exec(e.EntityType, e.Items, e.Outcome, e.Error, formatTime(ts)); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(`
			DELETE FROM sync_history WHERE id NOT IN (
				SELECT id FROM sync_history ORDER BY id DESC LIMIT ?
			)
		`, maxHistoryRows); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetSyncHistoryTail returns the last N entries in chronological order (oldest first).
func (db *DB) GetSyncHistoryTail(limit int) ([]models.SyncHistoryEntry, error) {
	rows, err := db.conn.Query(`
		SELECT id, entity_type, items, outcome, error, timestamp
		FROM sync_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.SyncHistoryEntry
	for rows.Next() {
		var e models.SyncHistoryEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.EntityType, &e.Items, &e.Outcome, &e.Error, &ts); err != nil {
			return nil, err
		}
		parsed, parseErr := parseTimestamp(ts)
		if parseErr != nil {
			return nil, parseErr
		}
		e.Timestamp = parsed
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
