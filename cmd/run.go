package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marcus/crmsync/internal/output"
	"github.com/marcus/crmsync/internal/syncstate"
	"github.com/marcus/crmsync/internal/trigger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon in the foreground",
	Long: `Keeps the outbox draining while the process lives:

- probes the server and syncs on every offline to online transition
- syncs on a timer while online
- syncs when another crmsync process queues edits in the same store
- syncs on SIGUSR1 (send it when your app regains focus)

Edits left in SYNCING by a crashed process are requeued at start-up.`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logFile, _ := cmd.Flags().GetString("log-file")
		if logFile != "" {
			lj := &lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			}
			defer lj.Close()
			slog.SetDefault(newDaemonLogger(lj, true))
		} else {
			slog.SetDefault(newDaemonLogger(os.Stderr, false))
		}

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		if n, err := a.controls.RequeueStuck(); err != nil {
			slog.Warn("daemon: requeue stuck", "err", err)
		} else if n > 0 {
			slog.Info("daemon: requeued stuck items", "count", n)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("daemon: started", "dir", a.db.Dir(), "paused", a.trigger.Paused())
		fmt.Fprintf(cmd.OutOrStdout(), "crmsync daemon running on %s (Ctrl-C to stop)\n", a.db.Dir())

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.trigger.Run(ctx, a.monitor) })
		g.Go(func() error { return trigger.NewWatcher(a.trigger, a.db, a.db.Dir()).Run(ctx) })
		g.Go(func() error { return forwardForeground(ctx, a.trigger) })
		g.Go(func() error { return logStateChanges(ctx, a.state) })

		err = g.Wait()
		slog.Info("daemon: stopped", "err", err)
		return err
	},
}

func newDaemonLogger(w io.Writer, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debugLog {
		opts.Level = slog.LevelDebug
	}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// forwardForeground turns foreground signals into foreground nudges.
func forwardForeground(ctx context.Context, t *trigger.Trigger) error {
	if len(foregroundSignals) == 0 {
		<-ctx.Done()
		return nil
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, foregroundSignals...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			slog.Debug("daemon: foreground signal")
			t.Foreground()
		}
	}
}

func logStateChanges(ctx context.Context, state *syncstate.Store) error {
	ch, unsubscribe := state.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			slog.Info("daemon: state", "syncing", s.Syncing, "pending", s.PendingCount, "paused", s.Paused, "error", s.Error)
		}
	}
}

func init() {
	runCmd.Flags().String("log-file", "", "Write JSON logs to this file, rotated at 10MB")
	rootCmd.AddCommand(runCmd)
}
