package db

// SchemaVersion is the current database schema version
const SchemaVersion = 3

const schema = `
-- Mirrored backend records, one JSON document per (entity_type, id)
CREATE TABLE IF NOT EXISTS entities (
    entity_type TEXT NOT NULL,
    id TEXT NOT NULL,
    data TEXT NOT NULL DEFAULT '{}',
    updated_at TEXT NOT NULL,
    PRIMARY KEY (entity_type, id)
);

-- Field-level mutations waiting for delivery
CREATE TABLE IF NOT EXISTS outbox (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    field_name TEXT NOT NULL,
    old_value TEXT,
    new_value TEXT NOT NULL,
    field_timestamp INTEGER NOT NULL,
    user_id TEXT,
    status TEXT NOT NULL DEFAULT 'PENDING',
    retry_count INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, seq);
CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(entity_type, entity_id);

-- Single-row sync state shared by every process using this store
CREATE TABLE IF NOT EXISTS sync_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    paused INTEGER NOT NULL DEFAULT 0,
    last_sync_at TEXT,
    last_error TEXT
);

INSERT OR IGNORE INTO sync_state (id, paused) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
