package serverdb

type migration struct {
	version int
	name    string
	sql     string
}

// LatestSchemaVersion is the version a freshly opened store ends up at.
var LatestSchemaVersion = migrations[len(migrations)-1].version

var migrations = []migration{
	{1, "accounts and api keys", `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS api_keys (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    key_hash TEXT UNIQUE NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    expires_at DATETIME,
    last_used_at DATETIME,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);`},

	// fields holds the JSON document; field_ts maps field name to the
	// unix-ms timestamp of the write that set it.
	{2, "records", `
CREATE TABLE IF NOT EXISTS records (
    table_name TEXT NOT NULL,
    id TEXT NOT NULL,
    fields TEXT NOT NULL DEFAULT '{}',
    field_ts TEXT NOT NULL DEFAULT '{}',
    updated_by TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (table_name, id)
);`},

	{3, "batch log", `
CREATE TABLE IF NOT EXISTS batch_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    updates INTEGER NOT NULL,
    applied INTEGER NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batch_log_created ON batch_log(created_at);`},
}
