package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/crmsync/internal/models"
)

const entityColumns = `entity_type, id, data, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (*models.Entity, error) {
	var e models.Entity
	var data, updated string
	if err := row.Scan(&e.Type, &e.ID, &data, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &e.Fields); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", e.Type, e.ID, err)
	}
	if e.Fields == nil {
		e.Fields = map[string]json.RawMessage{}
	}
	if t, err := parseTimestamp(updated); err == nil {
		e.UpdatedAt = t
	}
	return &e, nil
}

// Get returns one mirrored entity, or ErrNotFound.
func (db *DB) Get(entityType, id string) (*models.Entity, error) {
	row := db.conn.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE entity_type = ? AND id = ?`, entityType, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// List returns entities of one type ordered by id. limit <= 0 means no limit.
func (db *DB) List(entityType string, limit int) ([]models.Entity, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.conn.Query(`SELECT `+entityColumns+` FROM entities WHERE entity_type = ? ORDER BY id LIMIT ?`, entityType, limit)
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

// ListByField returns entities of one type whose top-level field equals value.
// Lookups on registered foreign keys use an expression index.
func (db *DB) ListByField(entityType, field string, value any) ([]models.Entity, error) {
	if !models.ValidIdentifier(field) {
		return nil, fmt.Errorf("invalid field name %q", field)
	}
	query := fmt.Sprintf(`SELECT %s FROM entities WHERE entity_type = ? AND %s = ? ORDER BY id`, entityColumns, fieldExpr(field))
	rows, err := db.conn.Query(query, entityType, value)
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

func collectEntities(rows *sql.Rows) ([]models.Entity, error) {
	defer rows.Close()
	var out []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// CountEntities returns the number of mirrored entities per type.
func (db *DB) CountEntities() (map[string]int, error) {
	rows, err := db.conn.Query(`SELECT entity_type, COUNT(*) FROM entities GROUP BY entity_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// Upsert stores e, replacing any existing document with the same (type, id).
func (db *DB) Upsert(e models.Entity) error {
	return db.UpsertMany([]models.Entity{e})
}

// UpsertMany stores every entity in one transaction. Re-applying the same
// entities leaves the store unchanged apart from updated_at.
func (db *DB) UpsertMany(entities []models.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	changes := make([]Change, 0, len(entities))
	err := db.withTx(func(tx *sql.Tx) error {
		for _, e := range entities {
			if e.Type == "" || e.ID == "" {
				return fmt.Errorf("upsert: entity type and id required")
			}
			if err := upsertEntityTx(tx, e); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM remote_misses WHERE entity_type = ? AND id = ?`, e.Type, e.ID); err != nil {
				return fmt.Errorf("clear miss: %w", err)
			}
			changes = append(changes, Change{Op: ChangeUpsert, EntityType: e.Type, EntityID: e.ID})
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.hub.publish(changes...)
	return nil
}

// InsertIfAbsent stores e only when no document exists for (type, id). It
// reports whether e was written. A fetched remote copy must not replace a
// document created by a local mutation in the meantime.
func (db *DB) InsertIfAbsent(e models.Entity) (bool, error) {
	if e.Type == "" || e.ID == "" {
		return false, fmt.Errorf("insert: entity type and id required")
	}
	var inserted bool
	err := db.withTx(func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow(`SELECT COUNT(*) FROM entities WHERE entity_type = ? AND id = ?`, e.Type, e.ID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return nil
		}
		if err := upsertEntityTx(tx, e); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM remote_misses WHERE entity_type = ? AND id = ?`, e.Type, e.ID); err != nil {
			return fmt.Errorf("clear miss: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if inserted {
		db.hub.publish(Change{Op: ChangeUpsert, EntityType: e.Type, EntityID: e.ID})
	}
	return inserted, nil
}

func upsertEntityTx(tx *sql.Tx, e models.Entity) error {
	fields := e.Fields
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", e.Type, e.ID, err)
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = tx.Exec(`
		INSERT INTO entities (entity_type, id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, e.Type, e.ID, string(data), formatTime(updated))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", e.Type, e.ID, err)
	}
	return nil
}

// Delete removes one entity from the mirror. Deleting a missing entity is not an error.
func (db *DB) Delete(entityType, id string) error {
	err := db.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM entities WHERE entity_type = ? AND id = ?`, entityType, id)
		return err
	})
	if err != nil {
		return err
	}
	db.hub.publish(Change{Op: ChangeDelete, EntityType: entityType, EntityID: id})
	return nil
}

// applyFieldsTx merges fields into the stored document, creating it when absent,
// and returns the previous value of each changed field (nil if it was unset).
func applyFieldsTx(tx *sql.Tx, entityType, id string, fields map[string]json.RawMessage, now time.Time) (map[string]json.RawMessage, error) {
	current := map[string]json.RawMessage{}
	var data string
	err := tx.QueryRow(`SELECT data FROM entities WHERE entity_type = ? AND id = ?`, entityType, id).Scan(&data)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("read %s/%s: %w", entityType, id, err)
	default:
		if err := json.Unmarshal([]byte(data), &current); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", entityType, id, err)
		}
		if current == nil {
			current = map[string]json.RawMessage{}
		}
	}

	old := make(map[string]json.RawMessage, len(fields))
	for name, value := range fields {
		old[name] = current[name]
		current[name] = value
	}

	if err := upsertEntityTx(tx, models.Entity{Type: entityType, ID: id, Fields: current, UpdatedAt: now}); err != nil {
		return nil, err
	}
	return old, nil
}
