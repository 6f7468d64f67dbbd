package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marcus/crmsync/internal/db"
	"github.com/marcus/crmsync/internal/fetch"
	"github.com/marcus/crmsync/internal/mutation"
	csync "github.com/marcus/crmsync/internal/sync"
	"github.com/marcus/crmsync/internal/syncclient"
	"github.com/marcus/crmsync/internal/syncconfig"
	"github.com/marcus/crmsync/internal/syncstate"
	"github.com/marcus/crmsync/internal/trigger"
)

// app holds the services every command shares. It is built once per process
// and passed down explicitly; nothing here is a package-level singleton.
type app struct {
	db       *db.DB
	state    *syncstate.Store
	client   *syncclient.Client
	monitor  *trigger.Monitor
	engine   *csync.Engine
	trigger  *trigger.Trigger
	gateway  *mutation.Gateway
	controls *trigger.Controls
	fetcher  *fetch.Fetcher

	cancel context.CancelFunc
}

// openApp opens the store under the base dir and wires the sync services.
// The returned app owns a process-lifetime context for sync cycles, so a
// command returning early never cancels an in-flight cycle; close waits.
func openApp() (*app, error) {
	database, err := db.Open(getBaseDir())
	if err != nil {
		return nil, err
	}

	persisted, err := database.GetSyncState()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("read sync state: %w", err)
	}
	pending, err := database.CountPending()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("count pending: %w", err)
	}

	state := syncstate.New(syncstate.Snapshot{
		PendingCount: pending,
		LastSyncTime: persisted.LastSyncAt,
		Error:        persisted.LastError,
		Paused:       persisted.Paused,
	})

	client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), syncconfig.GetHTTPTimeout())
	mon := trigger.NewMonitor(client, syncconfig.GetProbeInterval())
	auth := syncconfig.Authenticator{}

	engine := csync.NewEngine(database, client, auth, mon, state, csync.Config{
		BatchSize:  syncconfig.GetBatchSize(),
		MaxRetries: syncconfig.GetMaxRetries(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	trig := trigger.New(ctx, engine, database, state, persisted.Paused, trigger.Options{
		Auto:     syncconfig.GetAutoSyncEnabled(),
		Interval: syncconfig.GetAutoSyncInterval(),
	})

	breaker := syncclient.NewBreakerFetcher(client, syncclient.DefaultBreakerConfig())

	return &app{
		db:       database,
		state:    state,
		client:   client,
		monitor:  mon,
		engine:   engine,
		trigger:  trig,
		gateway:  mutation.New(database, state, auth, trig),
		controls: trigger.NewControls(database, state),
		fetcher:  fetch.New(database, breaker, syncconfig.GetNotFoundTTL()),
		cancel:   cancel,
	}, nil
}

// probeIfAuto checks connectivity once so a post-mutation nudge in a
// short-lived command can reach the server. It does nothing when automatic
// sync cannot run anyway.
func (a *app) probeIfAuto(ctx context.Context) {
	if !syncconfig.GetAutoSyncEnabled() || a.trigger.Paused() || !syncconfig.IsAuthenticated() {
		return
	}
	a.monitor.Probe(ctx)
}

// close waits for background cycles, then releases the store.
func (a *app) close() {
	a.trigger.Close()
	a.cancel()
	if err := a.db.Close(); err != nil {
		slog.Warn("app: close store", "err", err)
	}
}
