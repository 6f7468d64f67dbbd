// Command crmsync-server is the authoritative store crmsync clients push to.
//
//	crmsync-server                 serve, configured by SYNC_* env vars
//	crmsync-server admin <cmd>     manage users and API keys
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/marcus/crmsync/internal/api"
	"github.com/marcus/crmsync/internal/serverdb"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		os.Exit(runAdmin(os.Args[2:]))
	}

	cfg := api.LoadConfig()
	slog.SetDefault(newLogger(cfg))

	if err := serve(cfg); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func serve(cfg api.Config) error {
	store, err := serverdb.Open(cfg.ServerDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("server: starting", "db", cfg.ServerDBPath)
	err = api.NewServer(cfg, store).Run(ctx)
	slog.Info("server: stopped")
	return err
}

func newLogger(cfg api.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
