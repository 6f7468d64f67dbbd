package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/marcus/crmsync/internal/api"
	"github.com/marcus/crmsync/internal/serverdb"
)

const adminUsage = `Usage: crmsync-server admin [--db path] <command> [flags]

Commands:
  create-user  Create a user and print a first API key
  create-key   Issue another API key for an existing user
  revoke-key   Revoke an API key by id
  list-users   List users and their keys
  stats        Show schema version and record counts per table`

type adminCommand func(store *serverdb.Store, args []string, out io.Writer) error

var adminCommands = map[string]adminCommand{
	"create-user": adminCreateUser,
	"create-key":  adminCreateKey,
	"revoke-key":  adminRevokeKey,
	"list-users":  adminListUsers,
	"stats":       adminStats,
}

// runAdmin dispatches an admin subcommand and returns the exit code.
func runAdmin(args []string) int {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	dbPath := fs.String("db", "", "server database (default: SYNC_SERVER_DB_PATH)")
	fs.Usage = func() { fmt.Fprintln(os.Stderr, adminUsage) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	name := fs.Arg(0)
	cmd, ok := adminCommands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown admin command %q\n\n%s\n", name, adminUsage)
		return 2
	}

	if *dbPath == "" {
		*dbPath = api.LoadConfig().ServerDBPath
	}
	store, err := serverdb.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open %s: %v\n", *dbPath, err)
		return 1
	}
	defer store.Close()

	if err := cmd(store, fs.Args()[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func adminCreateUser(store *serverdb.Store, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("create-user", flag.ContinueOnError)
	email := fs.String("email", "", "user email address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return errors.New("--email is required")
	}

	if u, err := store.GetUserByEmail(*email); err == nil {
		return fmt.Errorf("user already exists: %s (%s)", u.Email, u.ID)
	} else if !errors.Is(err, serverdb.ErrUserNotFound) {
		return err
	}

	u, err := store.CreateUser(*email)
	if err != nil {
		return err
	}
	key, _, err := store.IssueKey(u.ID, "default", nil)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "user:    %s\nemail:   %s\napi key: %s\n\n", u.ID, u.Email, key)
	fmt.Fprintln(out, "Store the key now: it cannot be shown again.")
	return nil
}

func adminCreateKey(store *serverdb.Store, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("create-key", flag.ContinueOnError)
	email := fs.String("email", "", "user email address")
	name := fs.String("name", "cli", "key name")
	expires := fs.Duration("expires", 0, "key lifetime, e.g. 720h (default: never)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return errors.New("--email is required")
	}

	u, err := store.GetUserByEmail(*email)
	if err != nil {
		return fmt.Errorf("%s: %w", *email, err)
	}

	var expiresAt *time.Time
	if *expires > 0 {
		t := time.Now().UTC().Add(*expires)
		expiresAt = &t
	}
	key, ak, err := store.IssueKey(u.ID, *name, expiresAt)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "key id:  %s\napi key: %s\n", ak.ID, key)
	if expiresAt != nil {
		fmt.Fprintf(out, "expires: %s\n", expiresAt.Format(time.RFC3339))
	}
	return nil
}

func adminRevokeKey(store *serverdb.Store, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: revoke-key <key-id>")
	}
	if err := store.RevokeKey(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "revoked %s\n", args[0])
	return nil
}

func adminListUsers(store *serverdb.Store, args []string, out io.Writer) error {
	users, err := store.ListUsers()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tEMAIL\tCREATED\tKEYS")
	for _, u := range users {
		keys, err := store.ListKeys(u.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", u.ID, u.Email, u.CreatedAt.Format("2006-01-02"), len(keys))
		for _, k := range keys {
			used := "never used"
			if k.LastUsedAt != nil {
				used = "used " + k.LastUsedAt.Format("2006-01-02")
			}
			fmt.Fprintf(tw, "\t  %s\t%s\t%s\n", k.ID, k.Name, used)
		}
	}
	return tw.Flush()
}

func adminStats(store *serverdb.Store, args []string, out io.Writer) error {
	version, err := store.SchemaVersion()
	if err != nil {
		return err
	}
	counts, err := store.CountRecords()
	if err != nil {
		return err
	}

	tables := make([]string, 0, len(counts))
	total := 0
	for t, n := range counts {
		tables = append(tables, t)
		total += n
	}
	sort.Strings(tables)

	fmt.Fprintf(out, "schema version: %d\n", version)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tRECORDS")
	for _, t := range tables {
		fmt.Fprintf(tw, "%s\t%d\n", t, counts[t])
	}
	fmt.Fprintf(tw, "total\t%d\n", total)
	return tw.Flush()
}
