package trigger

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/marcus/crmsync/internal/syncclient"
)

// Prober checks whether the server is reachable.
type Prober interface {
	HealthCheck(ctx context.Context) (*syncclient.HealthResponse, error)
}

// Monitor tracks connectivity by probing the server's health endpoint. It
// starts offline until the first successful probe.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	online   atomic.Bool
}

// NewMonitor returns a Monitor probing every interval.
func NewMonitor(p Prober, interval time.Duration) *Monitor {
	timeout := 5 * time.Second
	if interval > 0 && interval < timeout {
		timeout = interval
	}
	return &Monitor{prober: p, interval: interval, timeout: timeout}
}

// Online implements sync.Connectivity.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Probe checks reachability once. It returns true when this probe moved the
// monitor from offline to online.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err := m.prober.HealthCheck(ctx)
	up := err == nil
	was := m.online.Swap(up)
	if was != up {
		slog.Info("connectivity: changed", "online", up)
		if err != nil {
			slog.Debug("connectivity: probe", "err", err)
		}
	}
	return up && !was
}

// Run probes until ctx is done, calling onReconnect on every offline to
// online transition, including the first successful probe.
func (m *Monitor) Run(ctx context.Context, onReconnect func()) error {
	if m.Probe(ctx) {
		onReconnect()
	}
	if m.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.Probe(ctx) {
				onReconnect()
			}
		}
	}
}
