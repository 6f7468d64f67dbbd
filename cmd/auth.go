package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/marcus/crmsync/internal/output"
	"github.com/marcus/crmsync/internal/syncclient"
	"github.com/marcus/crmsync/internal/syncconfig"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	Short:   "Manage sync authentication",
	GroupID: "system",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the sync server with an API key",
	Long: `Verifies an API key against the server and stores it in
~/.config/crmsync/auth.json. Keys are issued with
"crmsync-server admin create-user" or "admin create-key".

The key is read from --key, or prompted for without echo.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")
		if serverURL == "" {
			serverURL = syncconfig.GetServerURL()
		}

		key, _ := cmd.Flags().GetString("key")
		if key == "" {
			var err error
			if key, err = promptKey(); err != nil {
				output.Error("%v", err)
				return err
			}
		}
		if key == "" {
			return fmt.Errorf("api key required")
		}

		client := syncclient.New(serverURL, key, syncconfig.GetHTTPTimeout())
		me, err := client.Me(cmd.Context())
		if err != nil {
			if errors.Is(err, syncclient.ErrUnauthorized) {
				output.Error("server rejected the key")
			} else {
				output.Error("verify key: %v", err)
			}
			return err
		}

		creds := &syncconfig.AuthCredentials{
			APIKey:    key,
			UserID:    me.UserID,
			Email:     me.Email,
			ServerURL: serverURL,
		}
		if err := syncconfig.SaveAuth(creds); err != nil {
			output.Error("save credentials: %v", err)
			return err
		}

		output.Success("Logged in as %s", creds.Email)
		return nil
	},
}

func promptKey() (string, error) {
	fmt.Print("API key: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out from sync server",
	Long: `Removes the stored credentials. Queued edits stay in the outbox and are
pushed after the next login.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.ClearAuth(); err != nil {
			output.Error("logout: %v", err)
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"whoami"},
	Short:   "Show authentication status",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := syncconfig.LoadAuth()
		if err != nil {
			output.Error("load auth: %v", err)
			return err
		}

		if creds == nil || creds.APIKey == "" {
			if os.Getenv("CRMSYNC_AUTH_KEY") != "" {
				fmt.Println("Using key from CRMSYNC_AUTH_KEY.")
				return nil
			}
			fmt.Println("Not logged in.")
			return nil
		}

		fmt.Printf("Email:  %s\n", creds.Email)
		fmt.Printf("User:   %s\n", creds.UserID)
		fmt.Printf("Server: %s\n", creds.ServerURL)
		fmt.Printf("Key:    %s\n", maskKey(creds.APIKey))
		return nil
	},
}

// maskKey keeps the first 12 characters of a key.
func maskKey(key string) string {
	if len(key) > 12 {
		return key[:12] + "..."
	}
	return key
}

func init() {
	authLoginCmd.Flags().String("key", "", "API key (prompted when omitted)")
	authLoginCmd.Flags().String("server", "", "Server URL (default: configured sync.url)")
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
