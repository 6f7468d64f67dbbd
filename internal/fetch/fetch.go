// Package fetch serves entity reads from the local mirror, falling back to a
// single remote point fetch when the mirror has no copy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/marcus/crmsync/internal/db"
	"github.com/marcus/crmsync/internal/models"
	"github.com/marcus/crmsync/internal/syncclient"
)

// ErrNotFound means neither the mirror nor the server has the entity.
var ErrNotFound = errors.New("entity not found")

// DefaultNotFoundTTL is how long a remote not-found answer is trusted.
const DefaultNotFoundTTL = 10 * time.Minute

// Store is the local mirror surface used by the fetcher.
type Store interface {
	Get(entityType, id string) (*models.Entity, error)
	InsertIfAbsent(e models.Entity) (bool, error)
	MarkRemoteMissing(entityType, id string, at time.Time) error
	RemoteMissingSince(entityType, id string) (time.Time, bool, error)
}

// Fetcher resolves local misses against the server.
type Fetcher struct {
	store  Store
	remote syncclient.EntityFetcher
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group
}

// New returns a Fetcher. A ttl <= 0 uses DefaultNotFoundTTL.
func New(store Store, remote syncclient.EntityFetcher, ttl time.Duration) *Fetcher {
	if ttl <= 0 {
		ttl = DefaultNotFoundTTL
	}
	return &Fetcher{store: store, remote: remote, ttl: ttl, now: time.Now}
}

// Get returns the entity from the mirror, or fetches and stores it. A fetched
// entity is written to the mirror, so subscribers see it. Concurrent misses
// for the same key share one remote call.
func (f *Fetcher) Get(ctx context.Context, entityType, id string) (*models.Entity, error) {
	e, err := f.store.Get(entityType, id)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("read mirror: %w", err)
	}

	since, missing, err := f.store.RemoteMissingSince(entityType, id)
	if err != nil {
		return nil, fmt.Errorf("read miss marker: %w", err)
	}
	if missing && f.now().Sub(since) < f.ttl {
		return nil, ErrNotFound
	}

	v, err, _ := f.group.Do(entityType+"/"+id, func() (any, error) {
		return f.fetch(ctx, entityType, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Entity), nil
}

func (f *Fetcher) fetch(ctx context.Context, entityType, id string) (*models.Entity, error) {
	remote, err := f.remote.FetchByID(ctx, entityType, id)
	if errors.Is(err, syncclient.ErrNotFound) {
		if err := f.store.MarkRemoteMissing(entityType, id, f.now()); err != nil {
			slog.Warn("fetch: record miss", "type", entityType, "id", id, "err", err)
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", entityType, id, err)
	}

	remote.Type, remote.ID = entityType, id
	inserted, err := f.store.InsertIfAbsent(*remote)
	if err != nil {
		return nil, fmt.Errorf("store fetched entity: %w", err)
	}
	if !inserted {
		slog.Debug("fetch: local copy appeared during fetch", "type", entityType, "id", id)
		return f.store.Get(entityType, id)
	}
	slog.Debug("fetch: mirrored", "type", entityType, "id", id)
	return remote, nil
}
