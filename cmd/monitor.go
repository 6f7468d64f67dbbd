package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marcus/crmsync/internal/output"
	"github.com/marcus/crmsync/internal/trigger"
	"github.com/marcus/crmsync/pkg/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live sync indicator with the outbox and recent batches",
	Long: `Launch a live-updating TUI showing:
- the sync indicator: syncing, pending count, last sync time and last error
- queued edits in the outbox
- the most recent batch outcomes

While the monitor runs it also acts as the sync daemon. Focusing the
terminal window counts as an app foreground event and triggers a sync.

Key bindings:
  s  Sync now
  p  Pause or resume automatic sync
  r  Force refresh
  q  Quit`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 500*time.Millisecond {
			interval = 2 * time.Second
		}

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		if _, err := a.controls.RequeueStuck(); err != nil {
			output.Warning("requeue stuck items: %v", err)
		}

		states, unsubscribe := a.state.Subscribe()
		defer unsubscribe()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.trigger.Run(ctx, a.monitor) })
		g.Go(func() error { return trigger.NewWatcher(a.trigger, a.db, a.db.Dir()).Run(ctx) })

		model := monitor.NewModel(ctx, a.trigger, a.db, states, interval)
		model.Snapshot = a.state.Snapshot()

		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithReportFocus())
		_, runErr := p.Run()
		cancel()
		if err := g.Wait(); err != nil && runErr == nil {
			runErr = err
		}
		if runErr != nil {
			return fmt.Errorf("error running monitor: %w", runErr)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().Duration("interval", 2*time.Second, "Refresh interval (default 2s)")
}
