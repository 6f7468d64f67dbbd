package trigger

import (
	"fmt"
	"log/slog"

	"github.com/marcus/crmsync/internal/syncstate"
)

// ControlStore is the store surface behind the operational controls.
type ControlStore interface {
	ClearOutbox() (int64, error)
	ResetLocalStore() error
	RequeueStuck() (int64, error)
	RetryDead() (int64, error)
	CountPending() (int, error)
}

// Controls are the destructive and recovery operations exposed to operators.
// None of them touch the network.
type Controls struct {
	store ControlStore
	state *syncstate.Store
}

// NewControls returns Controls over store.
func NewControls(store ControlStore, state *syncstate.Store) *Controls {
	return &Controls{store: store, state: state}
}

// ClearOutbox drops every queued mutation. Mirror contents are kept.
func (c *Controls) ClearOutbox() (int64, error) {
	n, err := c.store.ClearOutbox()
	if err != nil {
		return 0, fmt.Errorf("clear outbox: %w", err)
	}
	c.state.SetPendingCount(0)
	slog.Warn("controls: outbox cleared", "items", n)
	return n, nil
}

// ResetLocalStore wipes the mirror, the outbox and the not-found marks.
func (c *Controls) ResetLocalStore() error {
	if err := c.store.ResetLocalStore(); err != nil {
		return fmt.Errorf("reset local store: %w", err)
	}
	c.state.Reset()
	slog.Warn("controls: local store reset")
	return nil
}

// RequeueStuck reverts items left SYNCING by an interrupted cycle.
func (c *Controls) RequeueStuck() (int64, error) {
	n, err := c.store.RequeueStuck()
	if err != nil {
		return 0, fmt.Errorf("requeue stuck: %w", err)
	}
	if n > 0 {
		slog.Info("controls: requeued stuck items", "items", n)
	}
	return n, c.refreshPending()
}

// RetryDead gives dead-lettered items a fresh retry budget.
func (c *Controls) RetryDead() (int64, error) {
	n, err := c.store.RetryDead()
	if err != nil {
		return 0, fmt.Errorf("retry dead: %w", err)
	}
	return n, c.refreshPending()
}

func (c *Controls) refreshPending() error {
	n, err := c.store.CountPending()
	if err != nil {
		return fmt.Errorf("count pending: %w", err)
	}
	c.state.SetPendingCount(n)
	return nil
}
