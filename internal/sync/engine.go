package sync

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/marcus/crmsync/internal/db"
	"github.com/marcus/crmsync/internal/models"
	"github.com/marcus/crmsync/internal/syncclient"
	"github.com/marcus/crmsync/internal/syncstate"
)

// Engine drains the outbox to the server in push cycles. At most one cycle
// runs at a time; a call that arrives while one is running is dropped.
type Engine struct {
	store  Outbox
	remote Remote
	auth   Authenticator
	conn   Connectivity
	state  *syncstate.Store
	cfg    Config
	now    func() time.Time

	mu    gosync.Mutex
	phase Phase
}

// NewEngine wires an engine. conn may be nil, meaning always online.
func NewEngine(store Outbox, remote Remote, auth Authenticator, conn Connectivity, state *syncstate.Store, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Engine{
		store:  store,
		remote: remote,
		auth:   auth,
		conn:   conn,
		state:  state,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Phase returns the current engine phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// begin moves Idle -> Syncing. It fails without side effects when a cycle is
// already running or the server is unreachable.
func (e *Engine) begin() Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase == PhaseSyncing {
		return OutcomeBusy
	}
	if e.conn != nil && !e.conn.Online() {
		return OutcomeOffline
	}
	e.phase = PhaseSyncing
	return ""
}

// finish moves Syncing -> Idle.
func (e *Engine) finish() {
	e.mu.Lock()
	e.phase = PhaseIdle
	e.mu.Unlock()
}

// Sync runs one push cycle.
func (e *Engine) Sync(ctx context.Context) Report {
	if outcome := e.begin(); outcome != "" {
		slog.Debug("sync: skipped", "outcome", outcome)
		rep := Report{Outcome: outcome}
		if outcome == OutcomeOffline {
			rep.Err = ErrOffline
		}
		return rep
	}

	rep := Report{Started: e.now()}
	e.state.BeginSync()

	var lastErr string
	completed := e.cycle(ctx, &rep, &lastErr)

	var syncedAt *time.Time
	if completed {
		t := e.now()
		syncedAt = &t
	}

	pending, err := e.store.CountPending()
	if err != nil {
		slog.Warn("sync: count pending", "err", err)
		pending = e.state.Snapshot().PendingCount
	}
	if err := e.store.RecordSyncResult(syncedAt, lastErr); err != nil {
		slog.Warn("sync: record result", "err", err)
	}
	e.recordHistory(rep)

	e.state.EndSync(pending, syncedAt)
	e.finish()

	rep.Duration = e.now().Sub(rep.Started)
	slog.Debug("sync: cycle done", "outcome", rep.Outcome, "selected", rep.Selected,
		"delivered", rep.Delivered, "failed", rep.Failed, "pending", pending, "dur", rep.Duration)
	return rep
}

// cycle does the select-group-send-reconcile work. It returns true when the
// cycle ran to completion without a local store failure.
func (e *Engine) cycle(ctx context.Context, rep *Report, lastErr *string) bool {
	fail := func(stage string, err error) bool {
		rep.Outcome = OutcomeLocalError
		rep.Err = fmt.Errorf("%s: %w", stage, err)
		*lastErr = rep.Err.Error()
		e.state.SetError(*lastErr)
		slog.Error("sync: local store", "stage", stage, "err", err)
		return false
	}

	items, err := e.store.SelectReady(e.cfg.BatchSize)
	if err != nil {
		return fail("select outbox", err)
	}
	rep.Selected = len(items)
	if len(items) == 0 {
		rep.Outcome = OutcomeEmpty
		return true
	}

	batches := groupByType(items)
	allIDs := db.ItemIDs(items)

	if err := e.store.MarkSyncing(allIDs); err != nil {
		return fail("mark syncing", err)
	}

	user, err := e.auth.ActingUser(ctx)
	if err != nil {
		slog.Warn("sync: resolve user", "err", err)
	}
	if user == "" {
		if err := e.store.MarkPending(allIDs); err != nil {
			return fail("revert to pending", err)
		}
		rep.Outcome = OutcomeUnauthenticated
		rep.Err = ErrNoUser
		return false
	}

	for i, b := range batches {
		res := e.push(ctx, b, user)
		rep.Batches = append(rep.Batches, res)

		ids := db.ItemIDs(b.items)
		if res.Err == nil {
			if err := e.store.DeleteOutboxItems(ids); err != nil {
				e.revertRemaining(batches[i:])
				return fail("delete delivered", err)
			}
			rep.Delivered += len(ids)
			continue
		}

		dead, err := e.store.MarkFailed(ids, res.Err.Error(), e.cfg.MaxRetries)
		if err != nil {
			e.revertRemaining(batches[i:])
			return fail("mark failed", err)
		}
		rep.Failed += len(ids)
		rep.Dead += dead
		*lastErr = fmt.Sprintf("%s: %v", b.entityType, res.Err)
		e.state.SetError(*lastErr)
		if dead > 0 {
			slog.Warn("sync: items dead-lettered", "type", b.entityType, "count", dead, "max_retries", e.cfg.MaxRetries)
		}
	}

	rep.Outcome = OutcomeCompleted
	if rep.Failed > 0 {
		rep.Err = fmt.Errorf("%d of %d items failed: %s", rep.Failed, rep.Selected, *lastErr)
	}
	return true
}

func (e *Engine) push(ctx context.Context, b typeBatch, user string) BatchResult {
	req := syncclient.BatchUpsertRequest{
		TableName:    b.entityType,
		Updates:      make([]syncclient.FieldUpdate, len(b.items)),
		ActingUserID: user,
	}
	for i, it := range b.items {
		req.Updates[i] = syncclient.FieldUpdate{
			ID:        it.EntityID,
			Field:     it.FieldName,
			Value:     it.NewValue,
			Timestamp: it.FieldTimestamp,
		}
	}

	res := BatchResult{EntityType: b.entityType, Items: len(b.items)}
	resp, err := e.remote.BatchUpsert(ctx, req)
	if err != nil {
		slog.Warn("sync: batch failed", "type", b.entityType, "items", len(b.items), "err", err)
		res.Err = err
		return res
	}
	res.Applied = resp.Applied
	slog.Debug("sync: batch delivered", "type", b.entityType, "items", len(b.items), "applied", resp.Applied)
	return res
}

// revertRemaining puts never-attempted batches back to PENDING after a local
// failure so they are not stranded in SYNCING.
// revertRemaining puts the items of rest back to PENDING after a local store
// error, so nothing is left in SYNCING. A delivered batch that could not be
// deleted is resent next cycle, which the server treats as a no-op.
func (e *Engine) revertRemaining(rest []typeBatch) {
	var ids []string
	for _, b := range rest {
		ids = append(ids, db.ItemIDs(b.items)...)
	}
	if err := e.store.MarkPending(ids); err != nil {
		slog.Error("sync: revert remaining", "items", len(ids), "err", err)
	}
}

func (e *Engine) recordHistory(rep Report) {
	if len(rep.Batches) == 0 {
		return
	}
	ts := e.now()
	entries := make([]models.SyncHistoryEntry, 0, len(rep.Batches))
	for _, b := range rep.Batches {
		entry := models.SyncHistoryEntry{EntityType: b.EntityType, Items: b.Items, Outcome: db.HistoryDelivered, Timestamp: ts}
		if b.Err != nil {
			entry.Outcome = db.HistoryFailed
			entry.Error = b.Err.Error()
		}
		entries = append(entries, entry)
	}
	if err := e.store.RecordSyncHistory(entries); err != nil {
		slog.Warn("sync: record history", "err", err)
	}
}

type typeBatch struct {
	entityType string
	items      []models.OutboxItem
}

// groupByType splits items into per-type batches, ordered by each type's
// oldest item and keeping queue order inside a batch.
func groupByType(items []models.OutboxItem) []typeBatch {
	index := make(map[string]int)
	var batches []typeBatch
	for _, it := range items {
		i, ok := index[it.EntityType]
		if !ok {
			i = len(batches)
			index[it.EntityType] = i
			batches = append(batches, typeBatch{entityType: it.EntityType})
		}
		batches[i].items = append(batches[i].items, it)
	}
	return batches
}
