package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/marcus/crmsync/internal/models"
)

// Migration defines a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the list of all migrations in order
var Migrations = []Migration{
	{
		Version:     2,
		Description: "Add sync_history table",
		SQL: `
CREATE TABLE IF NOT EXISTS sync_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    items INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_history_ts ON sync_history(timestamp);
`,
	},
	{
		Version:     3,
		Description: "Add remote_misses table for terminal not-found lookups",
		SQL: `
CREATE TABLE IF NOT EXISTS remote_misses (
    entity_type TEXT NOT NULL,
    id TEXT NOT NULL,
    checked_at TEXT NOT NULL,
    PRIMARY KEY (entity_type, id)
);
`,
	},
}

// GetSchemaVersion returns the current schema version from the database
func (db *DB) GetSchemaVersion() (int, error) {
	var version string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		// Table might not exist yet
		return 0, nil
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v, nil
}

func (db *DB) setSchemaVersion(version int) error {
	_, err := db.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}

// RunMigrations creates the base schema and runs any pending migrations
func (db *DB) RunMigrations() (int, error) {
	// Quick check without lock - if already at current version, skip
	currentVersion, _ := db.GetSchemaVersion()
	if currentVersion >= SchemaVersion {
		return 0, nil
	}

	var migrationsRun int
	err := db.withWriteLock(func() error {
		if _, err := db.conn.Exec(schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}

		current, err := db.GetSchemaVersion()
		if err != nil {
			return fmt.Errorf("get schema version: %w", err)
		}

		for _, m := range Migrations {
			if m.Version <= current {
				continue
			}
			if _, err := db.conn.Exec(m.SQL); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			if err := db.setSchemaVersion(m.Version); err != nil {
				return fmt.Errorf("set version %d: %w", m.Version, err)
			}
			migrationsRun++
		}
		return nil
	})
	return migrationsRun, err
}

// foreignKeyIndexes returns one CREATE INDEX statement per distinct foreign key
// named in the collection registry.
func foreignKeyIndexes(collections []models.Collection) []string {
	seen := make(map[string]bool)
	var stmts []string
	for _, c := range collections {
		for _, fk := range c.ForeignKeys {
			if seen[fk] || !models.ValidIdentifier(fk) {
				continue
			}
			seen[fk] = true
			stmts = append(stmts, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS idx_entities_fk_%s ON entities(entity_type, %s)",
				strings.ToLower(fk), fieldExpr(fk)))
		}
	}
	return stmts
}

// ensureForeignKeyIndexes creates the expression indexes backing ListByField.
// Runs on every open since the registry can grow between releases.
func (db *DB) ensureForeignKeyIndexes() error {
	return db.withWriteLock(func() error {
		for _, stmt := range foreignKeyIndexes(models.Collections) {
			if _, err := db.conn.Exec(stmt); err != nil {
				return fmt.Errorf("%s: %w", stmt, err)
			}
		}
		return nil
	})
}

// fieldExpr is the JSON path expression for a top-level document field.
// Callers must validate field with models.ValidIdentifier first.
func fieldExpr(field string) string {
	return fmt.Sprintf("json_extract(data, '$.%s')", field)
}
