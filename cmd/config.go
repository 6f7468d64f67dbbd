package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/crmsync/internal/output"
	"github.com/marcus/crmsync/internal/syncconfig"
)

// configKey is one settable entry of config.json. get returns "" when the
// key is unset.
type configKey struct {
	name string
	def  string
	get  func(*syncconfig.SyncConfig) string
	set  func(*syncconfig.SyncConfig, string) error
}

func durationKey(name, def string, field func(*syncconfig.SyncConfig) *string) configKey {
	return configKey{
		name: name,
		def:  def,
		get:  func(c *syncconfig.SyncConfig) string { return *field(c) },
		set: func(c *syncconfig.SyncConfig, val string) error {
			if d, err := time.ParseDuration(val); err != nil || d <= 0 {
				return fmt.Errorf("invalid duration %q (e.g. 30s, 5m)", val)
			}
			*field(c) = val
			return nil
		},
	}
}

func countKey(name, def string, min int, field func(*syncconfig.SyncConfig) **int) configKey {
	return configKey{
		name: name,
		def:  def,
		get: func(c *syncconfig.SyncConfig) string {
			if p := *field(c); p != nil {
				return strconv.Itoa(*p)
			}
			return ""
		},
		set: func(c *syncconfig.SyncConfig, val string) error {
			n, err := strconv.Atoi(val)
			if err != nil || n < min {
				return fmt.Errorf("invalid value %q (want an integer >= %d)", val, min)
			}
			*field(c) = &n
			return nil
		},
	}
}

var configKeys = []configKey{
	{
		name: "sync.url",
		def:  "http://localhost:8080",
		get:  func(c *syncconfig.SyncConfig) string { return c.URL },
		set: func(c *syncconfig.SyncConfig, val string) error {
			if !strings.HasPrefix(val, "http://") && !strings.HasPrefix(val, "https://") {
				return fmt.Errorf("invalid url %q (want http:// or https://)", val)
			}
			c.URL = strings.TrimRight(val, "/")
			return nil
		},
	},
	countKey("sync.batch_size", "50", 1, func(c *syncconfig.SyncConfig) **int { return &c.BatchSize }),
	countKey("sync.max_retries", "0, retry forever", 0, func(c *syncconfig.SyncConfig) **int { return &c.MaxRetries }),
	durationKey("sync.http_timeout", "30s", func(c *syncconfig.SyncConfig) *string { return &c.HTTPTimeout }),
	durationKey("sync.not_found_ttl", "10m", func(c *syncconfig.SyncConfig) *string { return &c.NotFoundTTL }),
	{
		name: "sync.auto.enabled",
		def:  "true",
		get: func(c *syncconfig.SyncConfig) string {
			if c.Auto.Enabled == nil {
				return ""
			}
			return strconv.FormatBool(*c.Auto.Enabled)
		},
		set: func(c *syncconfig.SyncConfig, val string) error {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("invalid bool value %q (use true/false/1/0)", val)
			}
			c.Auto.Enabled = &b
			return nil
		},
	},
	durationKey("sync.auto.interval", "5m", func(c *syncconfig.SyncConfig) *string { return &c.Auto.Interval }),
	durationKey("sync.auto.probe_interval", "15s", func(c *syncconfig.SyncConfig) *string { return &c.Auto.ProbeInterval }),
}

func lookupConfigKey(name string) (configKey, error) {
	for _, k := range configKeys {
		if k.name == name {
			return k, nil
		}
	}
	names := make([]string, len(configKeys))
	for i, k := range configKeys {
		names[i] = k.name
	}
	return configKey{}, fmt.Errorf("unknown config key %q (valid: %s)", name, strings.Join(names, ", "))
}

// setConfigValue validates val and stores it under key.
func setConfigValue(cfg *syncconfig.Config, key, val string) error {
	k, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	return k.set(&cfg.Sync, val)
}

// configValue renders key, marking an unset key with its default.
func configValue(cfg *syncconfig.Config, key string) string {
	k, err := lookupConfigKey(key)
	if err != nil {
		return ""
	}
	if v := k.get(&cfg.Sync); v != "" {
		return v
	}
	return k.def + " (default)"
}

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage crmsync configuration",
	Long:    "Settings live in ~/.config/crmsync/config.json. CRMSYNC_* environment variables override them.",
	GroupID: "system",
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := syncconfig.LoadConfig()
		if err != nil {
			output.Error("load config: %v", err)
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			output.Error("%v", err)
			return err
		}
		if err := syncconfig.SaveConfig(cfg); err != nil {
			output.Error("save config: %v", err)
			return err
		}
		output.Success("%s = %s", args[0], configValue(cfg, args[0]))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a config value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := lookupConfigKey(args[0]); err != nil {
			output.Error("%v", err)
			return err
		}
		cfg, err := syncconfig.LoadConfig()
		if err != nil {
			output.Error("load config: %v", err)
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), configValue(cfg, args[0]))
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all config values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := syncconfig.LoadConfig()
		if err != nil {
			output.Error("load config: %v", err)
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, k := range configKeys {
			fmt.Fprintf(tw, "%s\t%s\n", k.name, configValue(cfg, k.name))
		}
		return tw.Flush()
	},
}

func init() {
	configCmd.AddCommand(configSetCmd, configGetCmd, configListCmd)
	rootCmd.AddCommand(configCmd)
}
