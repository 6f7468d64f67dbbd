package db

import (
	"sync"
)

// ChangeOp identifies what kind of committed write produced a Change
type ChangeOp string

const (
	ChangeUpsert ChangeOp = "upsert"
	ChangeDelete ChangeOp = "delete"
	ChangeReset  ChangeOp = "reset"
)

// Change is published to subscribers after a local write commits.
// A ChangeReset carries no entity and means every entity may be gone.
type Change struct {
	Op         ChangeOp
	EntityType string
	EntityID   string
}

// Filter narrows a subscription. Zero values match everything.
type Filter struct {
	EntityType string
	EntityID   string
}

func (f Filter) matches(c Change) bool {
	if c.Op == ChangeReset {
		return true
	}
	if f.EntityType != "" && f.EntityType != c.EntityType {
		return false
	}
	if f.EntityID != "" && f.EntityID != c.EntityID {
		return false
	}
	return true
}

const subscriptionBuffer = 64

// Subscription receives committed changes on C until Close is called
// or the store is closed. Slow readers miss changes rather than block writers.
type Subscription struct {
	C <-chan Change

	ch     chan Change
	filter Filter
	hub    *hub
	once   sync.Once
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.ch)
	})
}

type hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*Subscription]struct{})}
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// publish fans out without blocking; full subscriber buffers drop the change.
func (h *hub) publish(changes ...Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		for _, c := range changes {
			if !s.filter.matches(c) {
				continue
			}
			select {
			case s.ch <- c:
			default:
			}
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// Subscribe registers for change notifications matching filter.
func (db *DB) Subscribe(filter Filter) *Subscription {
	ch := make(chan Change, subscriptionBuffer)
	s := &Subscription{C: ch, ch: ch, filter: filter, hub: db.hub}

	db.hub.mu.Lock()
	db.hub.subs[s] = struct{}{}
	db.hub.mu.Unlock()
	return s
}
