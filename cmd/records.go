package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/crmsync/internal/fetch"
	"github.com/marcus/crmsync/internal/models"
	"github.com/marcus/crmsync/internal/output"
)

var setCmd = &cobra.Command{
	Use:   "set <table> <id> <field=value>...",
	Short: "Edit fields of a record",
	Long: `Writes the given fields to the local mirror and queues one outbox item per field.

Values that parse as JSON keep their type (numbers, booleans, null, objects);
anything else is stored as a string. The edit never waits for the network.`,
	Example: `  crmsync set accounts acc-1 name=Acme phone=555-0100
  crmsync set opportunities opp-7 amount=5000 won=true`,
	Args:    cobra.MinimumNArgs(3),
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		table, id := args[0], args[1]
		changes, err := parseAssignments(args[2:])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		a.probeIfAuto(ctx)

		if err := a.gateway.QueueMutation(ctx, table, id, changes); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("QUEUED %d field(s) on %s/%s", len(changes), table, id)

		a.trigger.Wait()
		fmt.Println(output.SyncIndicator(a.state.Snapshot()))
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <table> <id>",
	Short:   "Show a record, fetching it from the server when missing locally",
	Args:    cobra.ExactArgs(2),
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		table, id := args[0], args[1]
		if !models.ValidIdentifier(table) {
			err := fmt.Errorf("invalid table name %q", table)
			output.Error("%v", err)
			return err
		}

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		e, err := a.fetcher.Get(cmd.Context(), table, id)
		if errors.Is(err, fetch.ErrNotFound) {
			output.Error("%s/%s not found", table, id)
			return err
		}
		if err != nil {
			output.Error("%s/%s is not mirrored and could not be fetched: %v", table, id, err)
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(e)
		}
		rendered, err := output.RenderEntity(*e)
		if err != nil {
			return err
		}
		fmt.Println(rendered)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list <table>",
	Short: "List mirrored records of a table",
	Example: `  crmsync list contacts --where account_id=acc-1
  crmsync list opportunities --limit 20`,
	Args:    cobra.ExactArgs(1),
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		table := args[0]
		if !models.ValidIdentifier(table) {
			err := fmt.Errorf("invalid table name %q", table)
			output.Error("%v", err)
			return err
		}
		where, _ := cmd.Flags().GetString("where")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.close()

		var entities []models.Entity
		if where != "" {
			field, value, err := parseWhere(where)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			entities, err = a.db.ListByField(table, field, value)
			if err != nil {
				output.Error("list %s: %v", table, err)
				return err
			}
			if limit > 0 && len(entities) > limit {
				entities = entities[:limit]
			}
		} else {
			entities, err = a.db.List(table, limit)
			if err != nil {
				output.Error("list %s: %v", table, err)
				return err
			}
		}

		if asJSON {
			return output.JSON(entities)
		}
		if len(entities) == 0 {
			fmt.Printf("No %s in the local mirror.\n", table)
			return nil
		}
		for _, e := range entities {
			fmt.Println(output.FormatEntityShort(e))
		}
		return nil
	},
}

// parseAssignments turns field=value arguments into a change set.
func parseAssignments(args []string) (map[string]any, error) {
	changes := make(map[string]any, len(args))
	for _, arg := range args {
		field, raw, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		if !models.ValidIdentifier(field) {
			return nil, fmt.Errorf("invalid field name %q", field)
		}
		if _, dup := changes[field]; dup {
			return nil, fmt.Errorf("field %q given twice", field)
		}
		changes[field] = typedValue(raw)
	}
	return changes, nil
}

// typedValue keeps valid JSON as-is and treats anything else as a string.
func typedValue(raw string) any {
	if raw != "" && json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}

// parseWhere parses "field=value" into a value comparable with the stored
// JSON field.
func parseWhere(s string) (string, any, error) {
	field, raw, ok := strings.Cut(s, "=")
	if !ok || field == "" {
		return "", nil, fmt.Errorf("expected --where field=value, got %q", s)
	}
	var v any = raw
	if json.Valid([]byte(raw)) {
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return "", nil, err
		}
		if b, ok := v.(bool); ok {
			// json_extract yields 1/0 for booleans
			if b {
				v = 1
			} else {
				v = 0
			}
		}
	}
	return field, v, nil
}

func init() {
	showCmd.Flags().Bool("json", false, "Print the record as JSON")
	listCmd.Flags().String("where", "", "Filter by field=value (indexed for foreign keys)")
	listCmd.Flags().IntP("limit", "n", 0, "Maximum records to list (0 = all)")
	listCmd.Flags().Bool("json", false, "Print records as JSON")

	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
}
