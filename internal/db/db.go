package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	storeDir = ".crmsync"
	dbFile   = ".crmsync/mirror.db"
)

// ErrNotFound is returned when an entity is absent from the local mirror.
var ErrNotFound = errors.New("not found")

// DB is the local mirror store. It holds every mirrored entity plus the
// outbox queue, and is the only source for UI reads.
type DB struct {
	conn    *sql.DB
	baseDir string
	hub     *hub

	// writeMu serializes writers inside this process; the file lock
	// serializes them across processes.
	writeMu sync.Mutex
}

// Path returns the database file path for a base directory
func Path(baseDir string) string {
	return filepath.Join(baseDir, dbFile)
}

// Exists reports whether a store has been initialized under baseDir
func Exists(baseDir string) bool {
	_, err := os.Stat(Path(baseDir))
	return err == nil
}

// Open opens the database and runs any pending migrations
func Open(baseDir string) (*DB, error) {
	if !Exists(baseDir) {
		return nil, fmt.Errorf("database not found: run 'crmsync init' first")
	}
	return open(baseDir)
}

// Initialize creates the database (if needed) and runs migrations
func Initialize(baseDir string) (*DB, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, storeDir), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return open(baseDir)
}

func open(baseDir string) (*DB, error) {
	// Pragmas go in the DSN so every pooled connection gets them,
	// not just the one that happens to run an Exec.
	dsn := "file:" + filepath.ToSlash(Path(baseDir)) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{conn: conn, baseDir: baseDir, hub: newHub()}

	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := db.ensureForeignKeyIndexes(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}

	return db, nil
}

// Close closes the database and every open subscription
func (db *DB) Close() error {
	db.hub.closeAll()
	return db.conn.Close()
}

// BaseDir returns the base directory for the database
func (db *DB) BaseDir() string {
	return db.baseDir
}

// Dir returns the directory holding the database files
func (db *DB) Dir() string {
	return filepath.Join(db.baseDir, storeDir)
}

// withWriteLock executes fn while holding an exclusive write lock.
// This prevents concurrent writes from other goroutines and other processes.
func (db *DB) withWriteLock(fn func() error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	locker := newWriteLocker(db.baseDir)
	if err := locker.acquire(defaultTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}

// withTx runs fn inside a single write transaction under the write lock.
func (db *DB) withTx(fn func(tx *sql.Tx) error) error {
	return db.withWriteLock(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// inClause returns "?,?,?" and the matching args for a list of ids
func inClause(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTimestamp tries common SQLite timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{Layout: time.RFC3339Nano, Value: s}
}
