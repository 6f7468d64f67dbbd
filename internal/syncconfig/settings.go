package syncconfig

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envURL           = "CRMSYNC_URL"
	envAuthKey       = "CRMSYNC_AUTH_KEY"
	envUserID        = "CRMSYNC_USER_ID"
	envAuto          = "CRMSYNC_AUTO"
	envInterval      = "CRMSYNC_INTERVAL"
	envProbeInterval = "CRMSYNC_PROBE_INTERVAL"
	envBatchSize     = "CRMSYNC_BATCH_SIZE"
	envMaxRetries    = "CRMSYNC_MAX_RETRIES"
	envHTTPTimeout   = "CRMSYNC_HTTP_TIMEOUT"
	envNotFoundTTL   = "CRMSYNC_NOT_FOUND_TTL"
)

const (
	defaultServerURL     = "http://localhost:8080"
	defaultBatchSize     = 50
	defaultInterval      = 5 * time.Minute
	defaultProbeInterval = 15 * time.Second
	defaultHTTPTimeout   = 30 * time.Second
	defaultNotFoundTTL   = 10 * time.Minute
)

// Every getter resolves in the same order: environment, then config.json,
// then the default. Unparseable values at any level fall through.

// current returns config.json, or an empty Config if it cannot be read.
func current() SyncConfig {
	cfg, err := LoadConfig()
	if err != nil {
		return SyncConfig{}
	}
	return cfg.Sync
}

// GetServerURL returns the sync server URL.
func GetServerURL() string {
	if v := os.Getenv(envURL); v != "" {
		return v
	}
	if u := current().URL; u != "" {
		return u
	}
	return defaultServerURL
}

// GetAPIKey returns the API key from CRMSYNC_AUTH_KEY or auth.json.
func GetAPIKey() string {
	if v := os.Getenv(envAuthKey); v != "" {
		return v
	}
	if creds, err := LoadAuth(); err == nil && creds != nil {
		return creds.APIKey
	}
	return ""
}

// IsAuthenticated reports whether an API key is available.
func IsAuthenticated() bool {
	return GetAPIKey() != ""
}

// GetAutoSyncEnabled reports whether automatic triggers run. Default true.
func GetAutoSyncEnabled() bool {
	if b, ok := envBool(envAuto); ok {
		return b
	}
	if e := current().Auto.Enabled; e != nil {
		return *e
	}
	return true
}

// GetAutoSyncInterval returns the periodic sync interval while online.
func GetAutoSyncInterval() time.Duration {
	return duration(envInterval, current().Auto.Interval, defaultInterval)
}

// GetProbeInterval returns how often connectivity is probed.
func GetProbeInterval() time.Duration {
	return duration(envProbeInterval, current().Auto.ProbeInterval, defaultProbeInterval)
}

// GetHTTPTimeout returns the per-request timeout for server calls.
func GetHTTPTimeout() time.Duration {
	return duration(envHTTPTimeout, current().HTTPTimeout, defaultHTTPTimeout)
}

// GetNotFoundTTL returns how long a remote not-found answer is trusted.
func GetNotFoundTTL() time.Duration {
	return duration(envNotFoundTTL, current().NotFoundTTL, defaultNotFoundTTL)
}

// GetBatchSize returns the maximum outbox items selected per cycle.
func GetBatchSize() int {
	return count(envBatchSize, current().BatchSize, 1, defaultBatchSize)
}

// GetMaxRetries returns the failure count at which an item is
// dead-lettered. Zero means retry forever.
func GetMaxRetries() int {
	return count(envMaxRetries, current().MaxRetries, 0, 0)
}

func envBool(key string) (value, ok bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

func duration(key, configured string, def time.Duration) time.Duration {
	for _, raw := range []string{os.Getenv(key), configured} {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func count(key string, configured *int, min, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n >= min {
		return n
	}
	if configured != nil && *configured >= min {
		return *configured
	}
	return def
}
