package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/crmsync/internal/models"
)

const outboxColumns = `id, entity_type, entity_id, field_name, old_value, new_value,
	field_timestamp, COALESCE(user_id, ''), status, retry_count, error, created_at`

func scanOutboxItem(row interface{ Scan(...any) error }) (models.OutboxItem, error) {
	var it models.OutboxItem
	var oldValue, errText sql.NullString
	var newValue, status, created string
	err := row.Scan(&it.ID, &it.EntityType, &it.EntityID, &it.FieldName, &oldValue, &newValue,
		&it.FieldTimestamp, &it.UserID, &status, &it.RetryCount, &errText, &created)
	if err != nil {
		return it, err
	}
	if oldValue.Valid {
		it.OldValue = json.RawMessage(oldValue.String)
	}
	it.NewValue = json.RawMessage(newValue)
	it.Status = models.OutboxStatus(status)
	if errText.Valid {
		s := errText.String
		it.Error = &s
	}
	if t, err := parseTimestamp(created); err == nil {
		it.CreatedAt = t
	}
	return it, nil
}

// EnqueueMutation merges each item's new value into the mirrored entity and
// inserts the items into the outbox, all in one transaction. OldValue is
// filled from the mirror when the caller left it empty.
func (db *DB) EnqueueMutation(items []models.OutboxItem) error {
	if len(items) == 0 {
		return nil
	}

	type key struct{ typ, id string }
	var order []key
	grouped := make(map[key]map[string]json.RawMessage)
	for _, it := range items {
		if it.ID == "" || it.EntityType == "" || it.EntityID == "" || it.FieldName == "" {
			return fmt.Errorf("enqueue: item id, entity type, entity id and field required")
		}
		k := key{it.EntityType, it.EntityID}
		if grouped[k] == nil {
			grouped[k] = make(map[string]json.RawMessage)
			order = append(order, k)
		}
		grouped[k][it.FieldName] = it.NewValue
	}

	now := time.Now()
	err := db.withTx(func(tx *sql.Tx) error {
		previous := make(map[key]map[string]json.RawMessage, len(order))
		for _, k := range order {
			old, err := applyFieldsTx(tx, k.typ, k.id, grouped[k], now)
			if err != nil {
				return err
			}
			previous[k] = old
		}

		stmt, err := tx.Prepare(`
			INSERT INTO outbox (id, entity_type, entity_id, field_name, old_value, new_value,
				field_timestamp, user_id, status, retry_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, it := range items {
			oldValue := it.OldValue
			if oldValue == nil {
				oldValue = previous[key{it.EntityType, it.EntityID}][it.FieldName]
			}
			_, err := stmt.Exec(it.ID, it.EntityType, it.EntityID, it.FieldName,
				nullableJSON(oldValue), string(it.NewValue), it.FieldTimestamp,
				nullableString(it.UserID), string(models.OutboxPending), formatTime(now))
			if err != nil {
				return fmt.Errorf("insert outbox item %s: %w", it.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	changes := make([]Change, 0, len(order))
	for _, k := range order {
		changes = append(changes, Change{Op: ChangeUpsert, EntityType: k.typ, EntityID: k.id})
	}
	db.hub.publish(changes...)
	return nil
}

func nullableJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SelectReady returns up to limit PENDING or FAILED items, oldest first.
func (db *DB) SelectReady(limit int) ([]models.OutboxItem, error) {
	return db.queryOutbox(`
		SELECT `+outboxColumns+` FROM outbox
		WHERE status IN (?, ?)
		ORDER BY seq
		LIMIT ?
	`, string(models.OutboxPending), string(models.OutboxFailed), limit)
}

// ListOutbox returns items in queue order, optionally restricted to statuses.
func (db *DB) ListOutbox(statuses ...models.OutboxStatus) ([]models.OutboxItem, error) {
	if len(statuses) == 0 {
		return db.queryOutbox(`SELECT ` + outboxColumns + ` FROM outbox ORDER BY seq`)
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	in, args := inClause(names)
	return db.queryOutbox(`SELECT `+outboxColumns+` FROM outbox WHERE status IN (`+in+`) ORDER BY seq`, args...)
}

func (db *DB) queryOutbox(query string, args ...any) ([]models.OutboxItem, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.OutboxItem
	for rows.Next() {
		it, err := scanOutboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkSyncing moves the given items to SYNCING.
func (db *DB) MarkSyncing(ids []string) error {
	return db.setStatus(ids, models.OutboxSyncing)
}

// MarkPending moves the given items back to PENDING without touching retry state.
func (db *DB) MarkPending(ids []string) error {
	return db.setStatus(ids, models.OutboxPending)
}

func (db *DB) setStatus(ids []string, status models.OutboxStatus) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`UPDATE outbox SET status = ? WHERE id IN (`+in+`)`,
			append([]any{string(status)}, args...)...)
		return err
	})
}

// MarkFailed records a delivery failure: status FAILED, error text stored and
// retry_count incremented. With maxRetries > 0, items reaching it become DEAD.
// Returns the number of items moved to DEAD.
func (db *DB) MarkFailed(ids []string, errText string, maxRetries int) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	in, args := inClause(ids)
	var dead int64
	err := db.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE outbox SET status = ?, error = ?, retry_count = retry_count + 1 WHERE id IN (`+in+`)`,
			append([]any{string(models.OutboxFailed), errText}, args...)...)
		if err != nil {
			return err
		}
		if maxRetries <= 0 {
			return nil
		}
		res, err := tx.Exec(`UPDATE outbox SET status = ? WHERE retry_count >= ? AND id IN (`+in+`)`,
			append([]any{string(models.OutboxDead), maxRetries}, args...)...)
		if err != nil {
			return err
		}
		dead, _ = res.RowsAffected()
		return nil
	})
	return int(dead), err
}

// DeleteOutboxItems removes delivered items.
func (db *DB) DeleteOutboxItems(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	return db.withWriteLock(func() error {
		_, err := db.conn.Exec(`DELETE FROM outbox WHERE id IN (`+in+`)`, args...)
		return err
	})
}

// CountPending returns the number of items still awaiting delivery. DEAD items
// are parked and not counted.
func (db *DB) CountPending() (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM outbox WHERE status != ?`, string(models.OutboxDead)).Scan(&n)
	return n, err
}

// CountByStatus returns item counts keyed by status.
func (db *DB) CountByStatus() (map[models.OutboxStatus]int, error) {
	rows, err := db.conn.Query(`SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.OutboxStatus]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[models.OutboxStatus(s)] = n
	}
	return counts, rows.Err()
}

// ClearOutbox drops every queued item regardless of status. Returns the number removed.
func (db *DB) ClearOutbox() (int64, error) {
	return db.execAffected(`DELETE FROM outbox`)
}

// RequeueStuck reverts SYNCING items to PENDING. Only safe when no cycle can be
// in flight, e.g. at daemon start-up after a crash.
func (db *DB) RequeueStuck() (int64, error) {
	return db.execAffected(`UPDATE outbox SET status = ? WHERE status = ?`,
		string(models.OutboxPending), string(models.OutboxSyncing))
}

// RetryDead revives DEAD items as PENDING with a fresh retry budget.
func (db *DB) RetryDead() (int64, error) {
	return db.execAffected(`UPDATE outbox SET status = ?, retry_count = 0, error = NULL WHERE status = ?`,
		string(models.OutboxPending), string(models.OutboxDead))
}

func (db *DB) execAffected(query string, args ...any) (int64, error) {
	var affected int64
	err := db.withWriteLock(func() error {
		res, err := db.conn.Exec(query, args...)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// ItemIDs returns the ids of items, preserving order.
func ItemIDs(items []models.OutboxItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}
