package serverdb

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// FieldUpdate is one incoming field write.
type FieldUpdate struct {
	ID        string
	Field     string
	Value     json.RawMessage
	Timestamp int64 // unix ms assigned by the client at enqueue
}

// Record is a stored CRM record.
type Record struct {
	Table     string
	ID        string
	Fields    map[string]json.RawMessage
	FieldTS   map[string]int64
	UpdatedBy string
	UpdatedAt time.Time
}

// BatchResult reports how many updates changed stored state.
type BatchResult struct {
	Applied int
	Skipped int
}

// ApplyBatch applies updates to table in a single transaction with
// field-level last-write-wins: an update replaces a field unless the stored
// timestamp is newer. Updates with equal timestamps apply in batch order, so
// two edits queued in the same millisecond keep the later one; an update
// that repeats the stored value and timestamp is skipped, which makes
// resending a batch a no-op. Either every update is considered or, on error,
// none is.
func (s *Store) ApplyBatch(table string, updates []FieldUpdate, userID string) (BatchResult, error) {
	var res BatchResult

	tx, err := s.conn.Begin()
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	loaded := make(map[string]*Record)
	dirty := make(map[string]bool)
	for _, u := range updates {
		rec, ok := loaded[u.ID]
		if !ok {
			rec, err = getRecord(tx, table, u.ID)
			if err != nil {
				return BatchResult{}, err
			}
			if rec == nil {
				rec = &Record{Table: table, ID: u.ID, Fields: map[string]json.RawMessage{}, FieldTS: map[string]int64{}}
			}
			loaded[u.ID] = rec
		}

		if rec.supersedes(u) {
			res.Skipped++
			continue
		}
		rec.Fields[u.Field] = u.Value
		rec.FieldTS[u.Field] = u.Timestamp
		rec.UpdatedBy = userID
		dirty[u.ID] = true
		res.Applied++
	}

	now := time.Now().UTC()
	for id := range dirty {
		if err := putRecord(tx, loaded[id], now); err != nil {
			return BatchResult{}, err
		}
	}

	if _, err := tx.Exec(`INSERT INTO batch_log (table_name, user_id, updates, applied, created_at) VALUES (?, ?, ?, ?, ?)`,
		table, userID, len(updates), res.Applied, now); err != nil {
		return BatchResult{}, fmt.Errorf("log batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// supersedes reports whether the stored field already wins over u: it is
// newer, or it holds the same value at the same timestamp.
func (r *Record) supersedes(u FieldUpdate) bool {
	ts, seen := r.FieldTS[u.Field]
	switch {
	case !seen:
		return false
	case ts != u.Timestamp:
		return ts > u.Timestamp
	default:
		return bytes.Equal(r.Fields[u.Field], u.Value)
	}
}

// GetRecord returns the record, or nil if it does not exist.
func (s *Store) GetRecord(table, id string) (*Record, error) {
	return getRecord(s.conn, table, id)
}

// CountRecords returns the number of stored records per table.
func (s *Store) CountRecords() (map[string]int, error) {
	rows, err := s.conn.Query(`SELECT table_name, COUNT(*) FROM records GROUP BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var table string
		var n int
		if err := rows.Scan(&table, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[table] = n
	}
	return counts, rows.Err()
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getRecord(q querier, table, id string) (*Record, error) {
	rec := &Record{Table: table, ID: id}
	var fields, ts string
	err := q.QueryRow(`SELECT fields, field_ts, updated_by, updated_at FROM records WHERE table_name = ? AND id = ?`,
		table, id).Scan(&fields, &ts, &rec.UpdatedBy, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s/%s: %w", table, id, err)
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode fields %s/%s: %w", table, id, err)
	}
	if err := json.Unmarshal([]byte(ts), &rec.FieldTS); err != nil {
		return nil, fmt.Errorf("decode field timestamps %s/%s: %w", table, id, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]json.RawMessage{}
	}
	if rec.FieldTS == nil {
		rec.FieldTS = map[string]int64{}
	}
	return rec, nil
}

func putRecord(tx *sql.Tx, rec *Record, now time.Time) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	ts, err := json.Marshal(rec.FieldTS)
	if err != nil {
		return fmt.Errorf("encode field timestamps: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO records (table_name, id, fields, field_ts, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET
			fields = excluded.fields, field_ts = excluded.field_ts,
			updated_by = excluded.updated_by, updated_at = excluded.updated_at
	`, rec.Table, rec.ID, string(fields), string(ts), rec.UpdatedBy, now)
	if err != nil {
		return fmt.Errorf("put record %s/%s: %w", rec.Table, rec.ID, err)
	}
	return nil
}
