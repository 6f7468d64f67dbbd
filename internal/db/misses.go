package db

import (
	"database/sql"
	"time"
)

// MarkRemoteMissing records that the backend answered not-found for (type, id).
func (db *DB) MarkRemoteMissing(entityType, id string, at time.Time) error {
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`
			INSERT INTO remote_misses (entity_type, id, checked_at) VALUES (?, ?, ?)
			ON CONFLICT(entity_type, id) DO UPDATE SET checked_at = excluded.checked_at
		`, entityType, id, formatTime(at))
		return err
	})
}

// RemoteMissingSince returns when (type, id) was last recorded as missing
// remotely, or ok=false if it never was.
func (db *DB) RemoteMissingSince(entityType, id string) (t time.Time, ok bool, err error) {
	var ts string
	err = db.conn.QueryRow(`SELECT checked_at FROM remote_misses WHERE entity_type = ? AND id = ?`, entityType, id).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err = parseTimestamp(ts)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
