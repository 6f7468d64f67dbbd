package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/crmsync/internal/db"
	"github.com/marcus/crmsync/internal/output"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize a local crmsync store",
	Long:    `Creates the local .crmsync directory holding the mirror and the outbox.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir := getBaseDir()

		if db.Exists(baseDir) {
			output.Warning(".crmsync/ already exists in %s", baseDir)
			return nil
		}

		database, err := db.Initialize(baseDir)
		if err != nil {
			output.Error("failed to initialize store: %v", err)
			return err
		}
		defer database.Close()

		fmt.Println("INITIALIZED .crmsync/")

		if _, err := os.Stat(filepath.Join(baseDir, ".git")); err == nil {
			addToGitignore(filepath.Join(baseDir, ".gitignore"))
		}
		return nil
	},
}

func addToGitignore(path string) {
	content, _ := os.ReadFile(path)
	contentStr := string(content)

	if strings.Contains(contentStr, ".crmsync/") {
		return
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	// Add newline if file doesn't end with one
	if len(contentStr) > 0 && !strings.HasSuffix(contentStr, "\n") {
		f.WriteString("\n")
	}

	f.WriteString(".crmsync/\n")
	fmt.Println("Added .crmsync/ to .gitignore")
}

func init() {
	rootCmd.AddCommand(initCmd)
}
