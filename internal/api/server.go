// Package api is the HTTP surface of crmsync-server: batch upserts of
// field updates, point reads of records, and an identity probe.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcus/crmsync/internal/serverdb"
)

// Server serves the sync API over one serverdb.Store.
type Server struct {
	cfg     Config
	store   *serverdb.Store
	metrics *Metrics
	limiter *RateLimiter
	http    *http.Server
}

// NewServer wires a server. Call Run to start serving.
func NewServer(cfg Config, store *serverdb.Store) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		metrics: NewMetrics(),
		limiter: NewRateLimiter(),
	}
	s.http = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Run listens on the configured address and serves until ctx is done, then
// drains in-flight requests for up to ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	slog.Info("server: listening", "addr", ln.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.limiter.RunCleanup(ctx, 5*time.Minute)
		return nil
	})
	g.Go(func() error {
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Handler returns the routed handler with the middleware stack applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("GET /v1/me", s.authed(s.cfg.RateLimitOther, s.handleMe))
	mux.HandleFunc("POST /v1/rpc/batch_upsert", s.authed(s.cfg.RateLimitPush, s.handleBatchUpsert))
	mux.HandleFunc("GET /v1/tables/{table}/{id}", s.authed(s.cfg.RateLimitFetch, s.handleGetRecord))

	var h http.Handler = mux
	h = limitBody(s.cfg.MaxBodyBytes, h)
	h = recoverPanics(h)
	h = s.observe(h)
	h = withRequestID(h)
	return h
}

// authed requires a valid API key and applies the per-key limit.
func (s *Server) authed(perMinute int, h http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(s.rateLimited(perMinute, h))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		logFor(r.Context()).Error("health: ping store", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

type meResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// handleMe reports who owns the presented key. Clients use it to verify a
// key at login and to detect revoked keys.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	writeJSON(w, http.StatusOK, meResponse{UserID: p.ID, Email: p.Email})
}
