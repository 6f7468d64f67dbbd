// Package mutation is the single write entry point for feature code. A
// partial entity update becomes one outbox item per changed field, written
// together with the optimistic mirror update.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/crmsync/internal/models"
	"github.com/marcus/crmsync/internal/syncstate"
)

// ErrInvalid wraps every input validation failure.
var ErrInvalid = errors.New("invalid mutation")

// Store is the part of the local store the gateway writes to.
type Store interface {
	EnqueueMutation(items []models.OutboxItem) error
	CountPending() (int, error)
}

// Authenticator resolves the acting user stamped on queued items.
type Authenticator interface {
	ActingUser(ctx context.Context) (string, error)
}

// Nudger is told about every queued mutation. MutationQueued must not block.
type Nudger interface {
	MutationQueued()
}

// Gateway queues field-level mutations.
type Gateway struct {
	store  Store
	state  *syncstate.Store
	auth   Authenticator
	nudger Nudger
	now    func() time.Time
	newID  func() string
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithClock replaces the enqueue clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithIDGenerator replaces the outbox item id generator.
func WithIDGenerator(fn func() string) Option {
	return func(g *Gateway) { g.newID = fn }
}

// New returns a Gateway. auth and nudger may be nil.
func New(store Store, state *syncstate.Store, auth Authenticator, nudger Nudger, opts ...Option) *Gateway {
	g := &Gateway{
		store:  store,
		state:  state,
		auth:   auth,
		nudger: nudger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// QueueMutation records changes to one entity. It writes the outbox items and
// the mirror merge in one local transaction, publishes the new pending count,
// then nudges the trigger without waiting for delivery. It fails only on
// invalid input or a local store error, never because of network state.
func (g *Gateway) QueueMutation(ctx context.Context, entityType, entityID string, changes map[string]any) error {
	if !models.ValidIdentifier(entityType) {
		return fmt.Errorf("%w: entity type %q", ErrInvalid, entityType)
	}
	if entityID == "" {
		return fmt.Errorf("%w: empty entity id", ErrInvalid)
	}
	if len(changes) == 0 {
		return fmt.Errorf("%w: no changed fields", ErrInvalid)
	}

	fields := make([]string, 0, len(changes))
	for f := range changes {
		if !models.ValidIdentifier(f) {
			return fmt.Errorf("%w: field name %q", ErrInvalid, f)
		}
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var user string
	if g.auth != nil {
		u, err := g.auth.ActingUser(ctx)
		if err != nil {
			slog.Warn("mutation: resolve user", "err", err)
		}
		user = u
	}

	ts := g.now().UnixMilli()
	items := make([]models.OutboxItem, 0, len(fields))
	for _, f := range fields {
		value, err := encodeValue(changes[f])
		if err != nil {
			return fmt.Errorf("%w: field %s: %v", ErrInvalid, f, err)
		}
		items = append(items, models.OutboxItem{
			ID:             g.newID(),
			EntityType:     entityType,
			EntityID:       entityID,
			FieldName:      f,
			NewValue:       value,
			FieldTimestamp: ts,
			UserID:         user,
			Status:         models.OutboxPending,
		})
	}

	if err := g.store.EnqueueMutation(items); err != nil {
		return fmt.Errorf("queue mutation %s/%s: %w", entityType, entityID, err)
	}

	if pending, err := g.store.CountPending(); err != nil {
		slog.Warn("mutation: count pending", "err", err)
	} else {
		g.state.SetPendingCount(pending)
	}

	slog.Debug("mutation: queued", "type", entityType, "id", entityID, "fields", len(items))

	if g.nudger != nil {
		g.nudger.MutationQueued()
	}
	return nil
}

func encodeValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("invalid JSON")
		}
		return raw, nil
	}
	return json.Marshal(v)
}
