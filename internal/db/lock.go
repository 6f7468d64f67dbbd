package db

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	lockFileName   = "write.lock"
	defaultTimeout = 2 * time.Second
	initialBackoff = 5 * time.Millisecond
	maxBackoff     = 50 * time.Millisecond
)

// LockHolder describes the process holding the store's write lock.
type LockHolder struct {
	PID     int       `json:"pid"`
	Command string    `json:"cmd"`
	Since   time.Time `json:"since"`
	Stale   bool      `json:"-"` // process no longer running
}

func (h LockHolder) String() string {
	s := fmt.Sprintf("pid:%d (%s) since %s", h.PID, h.Command, h.Since.Format(time.RFC3339))
	if h.Stale {
		s += " (STALE - process dead)"
	}
	return s
}

// writeLocker serializes writers across processes sharing one store. It
// uses an OS file lock, so a crashed holder never blocks the store.
type writeLocker struct {
	path string
	f    *os.File
}

func newWriteLocker(baseDir string) *writeLocker {
	return &writeLocker{path: filepath.Join(baseDir, storeDir, lockFileName)}
}

// acquire polls for the lock with exponential backoff until timeout.
func (l *writeLocker) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	backoff := initialBackoff
	for {
		if err := lockFile(f); err == nil {
			l.f = f
			l.recordHolder()
			return nil
		}
		if time.Now().After(deadline) {
			f.Close()
			holder := "unknown"
			if h, ok := readLockHolder(l.path); ok {
				holder = h.String()
			}
			return fmt.Errorf("write lock timeout after %v (holder: %s)", timeout, holder)
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, maxBackoff)
	}
}

func (l *writeLocker) release() error {
	if l.f == nil {
		return nil
	}
	l.f.Truncate(0)
	unlockFile(l.f)
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *writeLocker) recordHolder() {
	cmd := filepath.Base(os.Args[0])
	if len(os.Args) > 1 {
		cmd += " " + os.Args[1]
	}
	data, _ := json.Marshal(LockHolder{PID: os.Getpid(), Command: cmd, Since: time.Now()})
	l.f.Truncate(0)
	l.f.WriteAt(data, 0)
	l.f.Sync()
}

// readLockHolder reports the recorded holder. The record is cleared on
// release, so ok is false while nobody holds the lock.
func readLockHolder(path string) (LockHolder, bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return LockHolder{}, false
	}
	var h LockHolder
	if err := json.Unmarshal(data, &h); err != nil || h.PID == 0 {
		return LockHolder{}, false
	}
	h.Stale = !processAlive(h.PID)
	return h, true
}

// WriteLockHolder returns the process currently writing to the store, if any.
func (db *DB) WriteLockHolder() (LockHolder, bool) {
	return readLockHolder(filepath.Join(db.Dir(), lockFileName))
}
