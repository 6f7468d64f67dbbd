// Package trigger decides when a push cycle runs: on reconnect, on a timer
// while online, on foreground, after each queued mutation, when another
// process writes the store, and on manual request.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	csync "github.com/marcus/crmsync/internal/sync"
	"github.com/marcus/crmsync/internal/syncstate"
)

// ErrPaused is returned by SyncNow while automatic sync is paused.
var ErrPaused = errors.New("sync is paused: resume first")

// Source names what asked for a cycle.
type Source int

const (
	SourceManual Source = iota
	SourceMutation
	SourceReconnect
	SourceInterval
	SourceForeground
	SourceLocalChange
)

func (s Source) String() string {
	switch s {
	case SourceManual:
		return "manual"
	case SourceMutation:
		return "mutation"
	case SourceReconnect:
		return "reconnect"
	case SourceInterval:
		return "interval"
	case SourceForeground:
		return "foreground"
	case SourceLocalChange:
		return "local_change"
	default:
		return "unknown"
	}
}

// Syncer runs one push cycle.
type Syncer interface {
	Sync(ctx context.Context) csync.Report
}

// PauseStore persists the paused flag so other processes see it.
type PauseStore interface {
	SetPaused(paused bool) error
}

// Options configures automatic triggering.
type Options struct {
	// Auto enables every source except SourceManual.
	Auto     bool
	Interval time.Duration
}

// Trigger fans trigger sources into the engine. Automatic nudges run on their
// own goroutine and are never awaited by the caller; the engine's busy guard
// drops overlapping ones.
type Trigger struct {
	ctx    context.Context
	engine Syncer
	store  PauseStore
	state  *syncstate.Store
	opts   Options

	paused atomic.Bool

	// mu orders wg.Add in Nudge against wg.Wait; closed drops nudges
	// arriving after Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New returns a Trigger. ctx bounds every cycle it starts and should live as
// long as the process. paused is the persisted flag at start-up.
func New(ctx context.Context, engine Syncer, store PauseStore, state *syncstate.Store, paused bool, opts Options) *Trigger {
	t := &Trigger{
		ctx:    ctx,
		engine: engine,
		store:  store,
		state:  state,
		opts:   opts,
	}
	t.paused.Store(paused)
	state.SetPaused(paused)
	return t
}

// Paused reports whether automatic sync is paused.
func (t *Trigger) Paused() bool {
	return t.paused.Load()
}

// Nudge starts a cycle in the background unless the source is suppressed.
func (t *Trigger) Nudge(src Source) {
	if t.paused.Load() {
		slog.Debug("trigger: suppressed", "source", src, "reason", "paused")
		return
	}
	if src != SourceManual && !t.opts.Auto {
		slog.Debug("trigger: suppressed", "source", src, "reason", "auto disabled")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		slog.Debug("trigger: suppressed", "source", src, "reason", "closed")
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		rep := t.engine.Sync(t.ctx)
		slog.Debug("trigger: cycle", "source", src, "outcome", rep.Outcome)
	}()
}

// MutationQueued implements mutation.Nudger.
func (t *Trigger) MutationQueued() {
	t.Nudge(SourceMutation)
}

// Foreground reports that the app regained focus.
func (t *Trigger) Foreground() {
	t.Nudge(SourceForeground)
}

// SyncNow runs a cycle synchronously. It fails with ErrPaused instead of
// silently doing nothing while paused.
func (t *Trigger) SyncNow(ctx context.Context) (csync.Report, error) {
	if t.paused.Load() {
		return csync.Report{}, ErrPaused
	}
	return t.engine.Sync(ctx), nil
}

// SetPaused persists and publishes the paused flag. Queued mutations are
// unaffected; they keep accumulating until resume.
func (t *Trigger) SetPaused(ctx context.Context, paused bool) error {
	if err := t.store.SetPaused(paused); err != nil {
		return fmt.Errorf("persist paused flag: %w", err)
	}
	t.paused.Store(paused)
	t.state.SetPaused(paused)
	slog.Info("trigger: paused changed", "paused", paused)
	return nil
}

// observePaused adopts a paused flag written by another process.
func (t *Trigger) observePaused(paused bool) {
	if t.paused.Swap(paused) != paused {
		t.state.SetPaused(paused)
		slog.Info("trigger: paused changed elsewhere", "paused", paused)
	}
}

// Wait blocks until every background cycle started by Nudge has returned.
// Nudges arriving meanwhile block until it returns.
func (t *Trigger) Wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wg.Wait()
}

// Close waits for background cycles like Wait, then drops every later nudge.
// SyncNow keeps working.
func (t *Trigger) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.wg.Wait()
}

// Run drives the reconnect and interval sources until ctx is done. mon may be
// nil, in which case only the interval source runs.
func (t *Trigger) Run(ctx context.Context, mon *Monitor) error {
	g, ctx := errgroup.WithContext(ctx)

	if mon != nil {
		g.Go(func() error {
			return mon.Run(ctx, func() { t.Nudge(SourceReconnect) })
		})
	}

	if t.opts.Interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(t.opts.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if mon == nil || mon.Online() {
						t.Nudge(SourceInterval)
					}
				}
			}
		})
	}

	err := g.Wait()
	t.Wait()
	return err
}
