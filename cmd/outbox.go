package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/marcus/crmsync/internal/models"
	"github.com/marcus/crmsync/internal/output"
)

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	Short:   "Inspect and manage queued edits",
	GroupID: "sync",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued edits, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dead, _ := cmd.Flags().GetBool("dead")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		statuses := []models.OutboxStatus{models.OutboxPending, models.OutboxSyncing, models.OutboxFailed}
		if dead {
			statuses = []models.OutboxStatus{models.OutboxDead}
		}
		items, err := a.db.ListOutbox(statuses...)
		if err != nil {
			output.Error("list outbox: %v", err)
			return err
		}

		if asJSON {
			return output.JSON(items)
		}
		if len(items) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}
		for _, it := range items {
			fmt.Println(output.FormatOutboxItem(it))
		}
		return nil
	},
}

var outboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued edit without sending it",
	Long: `Deletes all outbox items, including dead ones. Nothing is sent to the server.
Local mirror values written by those edits are kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		pending := a.state.Snapshot().PendingCount
		ok, err := confirm(cmd, fmt.Sprintf("Discard %d unsent edit(s)?", pending), "They will never reach the server.")
		if err != nil || !ok {
			return err
		}

		n, err := a.controls.ClearOutbox()
		if err != nil {
			output.Error("clear outbox: %v", err)
			return err
		}
		output.Success("Cleared %d item(s).", n)
		return nil
	},
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Return edits stuck in SYNCING to PENDING",
	Long: `A process that dies mid-cycle leaves its selected edits in SYNCING, where no
cycle will pick them up. Run this when no other crmsync process is syncing.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		n, err := a.controls.RequeueStuck()
		if err != nil {
			output.Error("requeue: %v", err)
			return err
		}
		output.Success("Requeued %d item(s).", n)
		return nil
	},
}

var outboxRetryDeadCmd = &cobra.Command{
	Use:   "retry-dead",
	Short: "Give dead-lettered edits another round of retries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		n, err := a.controls.RetryDead()
		if err != nil {
			output.Error("retry dead: %v", err)
			return err
		}
		output.Success("Requeued %d dead item(s).", n)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe the local mirror and outbox",
	Long: `Deletes every mirrored record and every queued edit, along with remembered
not-found answers and sync history. The paused flag is kept.`,
	Args:    cobra.NoArgs,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		pending := a.state.Snapshot().PendingCount
		ok, err := confirm(cmd, "Reset the local store?", fmt.Sprintf("%d unsent edit(s) will be lost.", pending))
		if err != nil || !ok {
			return err
		}

		if err := a.controls.ResetLocalStore(); err != nil {
			output.Error("reset: %v", err)
			return err
		}
		output.Success("Local store reset.")
		return nil
	},
}

// confirm asks before a destructive operation. --yes skips the prompt; without
// a terminal the prompt cannot be shown, so --yes is required.
func confirm(cmd *cobra.Command, title, description string) (bool, error) {
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		return true, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		err := fmt.Errorf("refusing to %s without a terminal: pass --yes", cmd.Name())
		output.Error("%v", err)
		return false, err
	}

	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, fmt.Errorf("confirm: %w", err)
	}
	if !ok {
		fmt.Println("Aborted.")
	}
	return ok, nil
}

func init() {
	outboxListCmd.Flags().Bool("dead", false, "List dead-lettered edits instead")
	outboxListCmd.Flags().Bool("json", false, "Print items as JSON")
	outboxClearCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	resetCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxClearCmd)
	outboxCmd.AddCommand(outboxRequeueCmd)
	outboxCmd.AddCommand(outboxRetryDeadCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(resetCmd)
}
