package sync

import (
	"context"
	"errors"
	"time"

	"github.com/marcus/crmsync/internal/models"
	"github.com/marcus/crmsync/internal/syncclient"
)

// DefaultBatchSize is the maximum number of outbox items taken per cycle.
const DefaultBatchSize = 50

var (
	// ErrNoUser means no user is logged in; selected items were put back.
	ErrNoUser = errors.New("no authenticated user")
	// ErrOffline means the connectivity guard stopped the cycle.
	ErrOffline = errors.New("offline")
)

// Phase is the engine's explicit state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSyncing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSyncing:
		return "syncing"
	}
	return "unknown"
}

// Outcome summarises how a call to Sync ended.
type Outcome string

const (
	OutcomeBusy            Outcome = "busy"            // a cycle was already running; call dropped
	OutcomeOffline         Outcome = "offline"         // connectivity guard
	OutcomeEmpty           Outcome = "empty"           // nothing ready to send
	OutcomeUnauthenticated Outcome = "unauthenticated" // items reverted to PENDING
	OutcomeCompleted       Outcome = "completed"       // every type-batch was attempted
	OutcomeLocalError      Outcome = "local_error"     // the local store failed mid-cycle
)

// Report describes one call to Sync.
type Report struct {
	Outcome   Outcome
	Selected  int
	Delivered int
	Failed    int
	Dead      int
	Batches   []BatchResult
	Err       error
	Started   time.Time
	Duration  time.Duration
}

// BatchResult is the outcome of one per-type batch.
type BatchResult struct {
	EntityType string
	Items      int
	Applied    int
	Err        error
}

// Outbox is the slice of the local store the engine drives.
type Outbox interface {
	SelectReady(limit int) ([]models.OutboxItem, error)
	MarkSyncing(ids []string) error
	MarkPending(ids []string) error
	MarkFailed(ids []string, errText string, maxRetries int) (int, error)
	DeleteOutboxItems(ids []string) error
	CountPending() (int, error)
	RecordSyncResult(syncedAt *time.Time, lastError string) error
	RecordSyncHistory(entries []models.SyncHistoryEntry) error
}

// Remote applies batched field updates on the server.
type Remote interface {
	BatchUpsert(ctx context.Context, req syncclient.BatchUpsertRequest) (*syncclient.BatchUpsertResponse, error)
}

// Authenticator resolves the acting user; "" means nobody is logged in.
type Authenticator interface {
	ActingUser(ctx context.Context) (string, error)
}

// Connectivity reports whether the server is believed reachable.
type Connectivity interface {
	Online() bool
}

// Config tunes the engine.
type Config struct {
	BatchSize  int
	MaxRetries int // 0 = retry forever
}
