package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marcus/crmsync/internal/db"
)

// StoreReader is what the watcher reads after the store changes on disk.
type StoreReader interface {
	GetSyncState() (*db.SyncState, error)
	CountPending() (int, error)
}

// Watcher turns writes by other processes (a CLI `set`, `sync pause`) into
// trigger input. A cycle is nudged only when the pending count grew, so the
// engine's own writes never retrigger it.
type Watcher struct {
	trig     *Trigger
	store    StoreReader
	dir      string
	debounce time.Duration

	lastPending int
}

// NewWatcher watches dir, the store directory.
func NewWatcher(t *Trigger, store StoreReader, dir string) *Watcher {
	return &Watcher{trig: t, store: store, dir: dir, debounce: 250 * time.Millisecond}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	if n, err := w.store.CountPending(); err == nil {
		w.lastPending = n
	}

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			fire = time.After(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch: fsnotify", "err", err)
		case <-fire:
			fire = nil
			w.check()
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	name := filepath.Base(ev.Name)
	return strings.HasPrefix(name, "mirror.db") && !strings.HasSuffix(name, "-shm")
}

// check reloads the persisted state after a debounced burst of writes.
func (w *Watcher) check() {
	if s, err := w.store.GetSyncState(); err != nil {
		slog.Debug("watch: read sync state", "err", err)
	} else {
		w.trig.observePaused(s.Paused)
	}

	n, err := w.store.CountPending()
	if err != nil {
		slog.Debug("watch: count pending", "err", err)
		return
	}
	grew := n > w.lastPending
	w.lastPending = n
	if grew {
		w.trig.state.SetPendingCount(n)
		w.trig.Nudge(SourceLocalChange)
	}
}
