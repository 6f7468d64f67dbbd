package syncclient

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/marcus/crmsync/internal/models"
	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker around point fetches.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32        // consecutive failures before opening
	OpenTimeout      time.Duration // how long the breaker stays open
	MaxHalfOpen      uint32        // probe requests allowed while half-open
}

// DefaultBreakerConfig returns the settings used by the CLI.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "fetch-by-id",
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		MaxHalfOpen:      1,
	}
}

// EntityFetcher fetches a single remote entity.
type EntityFetcher interface {
	FetchByID(ctx context.Context, table, id string) (*models.Entity, error)
}

// BreakerFetcher wraps an EntityFetcher in a circuit breaker so a flapping
// server does not turn every local miss into a network call. A not-found
// answer is a successful call and never trips the breaker.
type BreakerFetcher struct {
	next EntityFetcher
	cb   *gobreaker.CircuitBreaker[*models.Entity]
}

// NewBreakerFetcher wraps next.
func NewBreakerFetcher(next EntityFetcher, cfg BreakerConfig) *BreakerFetcher {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxHalfOpen,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("breaker: state change", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerFetcher{next: next, cb: gobreaker.NewCircuitBreaker[*models.Entity](settings)}
}

// FetchByID fetches through the breaker. While open it fails fast with
// gobreaker.ErrOpenState.
func (b *BreakerFetcher) FetchByID(ctx context.Context, table, id string) (*models.Entity, error) {
	return b.cb.Execute(func() (*models.Entity, error) {
		return b.next.FetchByID(ctx, table, id)
	})
}

// State reports the breaker state for status output.
func (b *BreakerFetcher) State() string {
	return b.cb.State().String()
}
