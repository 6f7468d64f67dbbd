// Package syncstate holds the process-wide observable sync status read by
// every surface (CLI status, monitor TUI, daemon logs). Only the sync engine,
// the mutation gateway and the trigger write it.
package syncstate

import (
	"sync"
	"time"
)

// Snapshot is an immutable copy of the shared sync state.
type Snapshot struct {
	Syncing      bool
	PendingCount int
	LastSyncTime *time.Time
	Error        string
	Paused       bool
}

// Store is a typed observable holding the current Snapshot.
type Store struct {
	mu   sync.Mutex
	cur  Snapshot
	subs map[chan Snapshot]struct{}
}

// New returns a Store seeded with initial.
func New(initial Snapshot) *Store {
	return &Store{cur: initial, subs: make(map[chan Snapshot]struct{})}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Subscribe returns a channel that always holds the latest state. The current
// state is delivered immediately. Intermediate states may be coalesced.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.cur
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (s *Store) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur
	fn(&next)
	if equal(next, s.cur) {
		return
	}
	s.cur = next

	for ch := range s.subs {
		// Replace any unread state with the newest one.
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}

func equal(a, b Snapshot) bool {
	if a.Syncing != b.Syncing || a.PendingCount != b.PendingCount || a.Error != b.Error || a.Paused != b.Paused {
		return false
	}
	if a.LastSyncTime == nil || b.LastSyncTime == nil {
		return a.LastSyncTime == b.LastSyncTime
	}
	return a.LastSyncTime.Equal(*b.LastSyncTime)
}

// BeginSync marks a cycle as running and clears the previous error.
func (s *Store) BeginSync() {
	s.update(func(n *Snapshot) {
		n.Syncing = true
		n.Error = ""
	})
}

// EndSync marks the cycle finished and publishes its results. A nil
// lastSync keeps the previous value.
func (s *Store) EndSync(pending int, lastSync *time.Time) {
	s.update(func(n *Snapshot) {
		n.Syncing = false
		n.PendingCount = pending
		if lastSync != nil {
			t := *lastSync
			n.LastSyncTime = &t
		}
	})
}

// SetError records the most recent failure. Later calls shadow earlier ones.
func (s *Store) SetError(msg string) {
	s.update(func(n *Snapshot) { n.Error = msg })
}

// SetPendingCount publishes the number of undelivered outbox items.
func (s *Store) SetPendingCount(n int) {
	s.update(func(snap *Snapshot) { snap.PendingCount = n })
}

// SetPaused publishes the paused flag.
func (s *Store) SetPaused(paused bool) {
	s.update(func(n *Snapshot) { n.Paused = paused })
}

// Reset returns every field except Paused to its zero value.
func (s *Store) Reset() {
	s.update(func(n *Snapshot) {
		*n = Snapshot{Paused: n.Paused}
	})
}
