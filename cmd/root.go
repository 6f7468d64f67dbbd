// Package cmd is the crmsync command line: record edits and reads against
// the local mirror, sync controls, the background daemon and the monitor.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/crmsync/internal/workdir"
)

var (
	version = "dev"

	// resolved in PersistentPreRunE from --dir or the working directory
	baseDir string

	debugLog bool
	dirFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "crmsync",
	Short: "Offline-first CRM sync client",
	Long: `crmsync keeps a local mirror of CRM records and a durable outbox of field edits.

Edits are written locally first and pushed to the server whenever it is reachable.
Concurrent edits of different fields of the same record never overwrite each other.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if debugLog {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		dir, err := resolveBaseDir(dirFlag)
		if err != nil {
			return err
		}
		baseDir = dir
		slog.Debug("cli: base dir", "dir", baseDir, "cmd", cmd.CommandPath())
		return nil
	},
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveBaseDir(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determine working directory: %w", err)
	}
	return workdir.ResolveBaseDir(cwd), nil
}

// getBaseDir returns the directory holding the .crmsync store.
func getBaseDir() string {
	return baseDir
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Record Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")
	rootCmd.SetVersionTemplate("crmsync {{.Version}}\n")

	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "Log debug output to stderr")
	rootCmd.PersistentFlags().StringVarP(&dirFlag, "dir", "C", "", "Directory holding the .crmsync store (default: search up from cwd)")
}
