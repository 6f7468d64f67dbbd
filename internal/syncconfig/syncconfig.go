// Package syncconfig reads and writes the per-user client settings and API
// credentials kept under ~/.config/crmsync, and resolves each setting from
// the environment, the config file, or a built-in default.
package syncconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	configFile = "config.json"
	authFile   = "auth.json"
)

// AutoSyncConfig holds automatic trigger settings.
type AutoSyncConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`        // nil = default true
	Interval      string `json:"interval,omitempty"`       // duration string, default "5m"
	ProbeInterval string `json:"probe_interval,omitempty"` // duration string, default "15s"
}

// SyncConfig holds sync-related settings.
type SyncConfig struct {
	URL         string         `json:"url"`
	BatchSize   *int           `json:"batch_size,omitempty"`
	MaxRetries  *int           `json:"max_retries,omitempty"`
	HTTPTimeout string         `json:"http_timeout,omitempty"`
	NotFoundTTL string         `json:"not_found_ttl,omitempty"`
	Auto        AutoSyncConfig `json:"auto"`
}

// Config is the contents of config.json.
type Config struct {
	Sync SyncConfig `json:"sync"`
}

// AuthCredentials is the contents of auth.json. It is written 0600.
type AuthCredentials struct {
	APIKey    string `json:"api_key"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	ServerURL string `json:"server_url"`
}

// ConfigDir returns ~/.config/crmsync, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home: %w", err)
	}
	dir := filepath.Join(home, ".config", "crmsync")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// readFile decodes name from the config dir into v. found is false when the
// file does not exist, in which case v is left untouched.
func readFile(name string, v any) (found bool, err error) {
	dir, err := ConfigDir()
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", name, err)
	}
	return true, nil
}

func writeFile(name string, v any, perm os.FileMode) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), append(data, '\n'), perm)
}

// LoadConfig reads config.json. A missing file yields an empty Config.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if _, err := readFile(configFile, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig replaces config.json.
func SaveConfig(cfg *Config) error {
	return writeFile(configFile, cfg, 0o644)
}

// LoadAuth reads auth.json. It returns nil, nil when nobody has logged in.
func LoadAuth() (*AuthCredentials, error) {
	var creds AuthCredentials
	found, err := readFile(authFile, &creds)
	if err != nil || !found {
		return nil, err
	}
	return &creds, nil
}

// SaveAuth replaces auth.json.
func SaveAuth(creds *AuthCredentials) error {
	return writeFile(authFile, creds, 0o600)
}

// ClearAuth deletes auth.json; a missing file is not an error.
func ClearAuth() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, authFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Authenticator resolves the acting user from locally stored credentials.
// It never touches the network, so it answers the same online or offline.
type Authenticator struct{}

// ActingUser returns the logged-in user id, or "" when nobody is logged in.
// CRMSYNC_USER_ID overrides the stored id (used with CRMSYNC_AUTH_KEY).
func (Authenticator) ActingUser(ctx context.Context) (string, error) {
	if id := os.Getenv(envUserID); id != "" && GetAPIKey() != "" {
		return id, nil
	}
	creds, err := LoadAuth()
	switch {
	case err != nil:
		return "", err
	case creds == nil || creds.APIKey == "":
		return "", nil
	}
	return creds.UserID, nil
}
