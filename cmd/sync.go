package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/crmsync/internal/db"
	"github.com/marcus/crmsync/internal/models"
	"github.com/marcus/crmsync/internal/output"
	csync "github.com/marcus/crmsync/internal/sync"
	"github.com/marcus/crmsync/internal/syncclient"
	"github.com/marcus/crmsync/internal/syncconfig"
	"github.com/marcus/crmsync/internal/trigger"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued edits to the server now",
	Long: `Runs one push cycle: up to the batch size of queued field edits are sent,
one request per table. Delivered edits leave the outbox; rejected ones stay
FAILED and are retried by the next cycle.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		if statusOnly, _ := cmd.Flags().GetBool("status"); statusOnly {
			return runSyncStatus(cmd.Context(), a)
		}
		if n, _ := cmd.Flags().GetInt("history"); n > 0 {
			return runSyncHistory(a.db, n)
		}

		if !syncconfig.IsAuthenticated() {
			output.Error("not logged in (run: crmsync auth login --key <key>)")
			return fmt.Errorf("not authenticated")
		}

		ctx := cmd.Context()
		if !a.trigger.Paused() {
			a.monitor.Probe(ctx)
		}

		rep, err := a.trigger.SyncNow(ctx)
		if errors.Is(err, trigger.ErrPaused) {
			output.Warning("%v (run: crmsync sync resume)", err)
			return err
		}
		return printReport(rep)
	},
}

var syncPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause automatic and manual sync; edits keep queueing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPaused(cmd, true)
	},
}

var syncResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume sync after a pause",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPaused(cmd, false)
	},
}

func setPaused(cmd *cobra.Command, paused bool) error {
	a, err := openApp()
	if err != nil {
		output.Error("%v", err)
		return err
	}
	defer a.close()

	if err := a.trigger.SetPaused(cmd.Context(), paused); err != nil {
		output.Error("%v", err)
		return err
	}
	if paused {
		output.Success("Sync paused. %d edit(s) waiting.", a.state.Snapshot().PendingCount)
	} else {
		output.Success("Sync resumed.")
	}
	return nil
}

func printReport(rep csync.Report) error {
	switch rep.Outcome {
	case csync.OutcomeBusy:
		output.Info("A sync is already running.")
		return nil
	case csync.OutcomeOffline:
		output.Warning("server unreachable (%s); edits stay queued", syncconfig.GetServerURL())
		return nil
	case csync.OutcomeEmpty:
		output.Info("Nothing to sync.")
		return nil
	case csync.OutcomeUnauthenticated:
		output.Warning("no user logged in; %d edit(s) left queued", rep.Selected)
		return nil
	case csync.OutcomeLocalError:
		output.Error("%v", rep.Err)
		return rep.Err
	}

	for _, b := range rep.Batches {
		if b.Err != nil {
			output.Error("%s: %d edit(s) failed: %v", b.EntityType, b.Items, b.Err)
			continue
		}
		fmt.Printf("  %-20s %d delivered (%d changed)\n", b.EntityType, b.Items, b.Applied)
	}
	if rep.Dead > 0 {
		output.Warning("%d edit(s) exceeded the retry limit (see: crmsync outbox list --dead)", rep.Dead)
	}
	if rep.Failed > 0 {
		output.Warning("Synced %d of %d edit(s) in %s", rep.Delivered, rep.Selected, rep.Duration.Round(time.Millisecond))
		return nil
	}
	output.Success("Synced %d edit(s) in %s", rep.Delivered, rep.Duration.Round(time.Millisecond))
	return nil
}

func runSyncStatus(ctx context.Context, a *app) error {
	stats, err := a.db.GetStats()
	if err != nil {
		output.Error("read stats: %v", err)
		return err
	}

	fmt.Println(output.SyncIndicator(a.state.Snapshot()))
	fmt.Printf("Server:   %s\n", syncconfig.GetServerURL())
	fmt.Printf("Auto:     %t\n", syncconfig.GetAutoSyncEnabled())
	if h, ok := a.db.WriteLockHolder(); ok {
		fmt.Printf("Writer:   %s\n", h)
	}

	fmt.Print(output.SectionHeader("outbox"))
	for _, s := range []models.OutboxStatus{models.OutboxPending, models.OutboxSyncing, models.OutboxFailed, models.OutboxDead} {
		fmt.Printf("  %-10s %d\n", s, stats.Outbox[s])
	}

	if len(stats.Entities) > 0 {
		fmt.Print(output.SectionHeader("mirror"))
		types := make([]string, 0, len(stats.Entities))
		for t := range stats.Entities {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Printf("  %-20s %d\n", t, stats.Entities[t])
		}
	}

	if !syncconfig.IsAuthenticated() {
		fmt.Println()
		output.Warning("not logged in")
		return nil
	}
	if _, err := a.client.HealthCheck(ctx); err != nil {
		fmt.Println()
		output.Warning("server unreachable: %v", err)
	} else if _, err := a.client.Me(ctx); errors.Is(err, syncclient.ErrUnauthorized) {
		fmt.Println()
		output.Warning("unauthorized - re-login may be needed")
	}
	return nil
}

func runSyncHistory(database *db.DB, n int) error {
	entries, err := database.GetSyncHistoryTail(n)
	if err != nil {
		output.Error("read history: %v", err)
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No sync history yet.")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-10s %-20s %d item(s)", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Outcome, e.EntityType, e.Items)
		if e.Error != "" {
			line += "  " + e.Error
		}
		fmt.Println(line)
	}
	return nil
}

func init() {
	syncCmd.Flags().Bool("status", false, "Show sync status without syncing")
	syncCmd.Flags().Int("history", 0, "Show the last N batch outcomes without syncing")

	syncCmd.AddCommand(syncPauseCmd)
	syncCmd.AddCommand(syncResumeCmd)
	rootCmd.AddCommand(syncCmd)
}
