package api

import (
	"os"
	"strconv"
	"time"
)

// Config is the server configuration. LoadConfig fills it from SYNC_*
// environment variables.
type Config struct {
	ListenAddr      string        // SYNC_LISTEN_ADDR
	ServerDBPath    string        // SYNC_SERVER_DB_PATH
	ShutdownTimeout time.Duration // SYNC_SHUTDOWN_TIMEOUT
	LogFormat       string        // SYNC_LOG_FORMAT: json or text
	LogLevel        string        // SYNC_LOG_LEVEL: debug, info, warn, error
	MaxBodyBytes    int64         // SYNC_MAX_BODY_BYTES

	// Requests per API key per minute.
	RateLimitPush  int // SYNC_RATE_LIMIT_PUSH
	RateLimitFetch int // SYNC_RATE_LIMIT_FETCH
	RateLimitOther int // SYNC_RATE_LIMIT_OTHER

	MaxBatchUpdates int // SYNC_MAX_BATCH_UPDATES
}

// DefaultConfig returns the configuration used when no env var is set.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ServerDBPath:    "./data/server.db",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",
		MaxBodyBytes:    10 << 20,
		RateLimitPush:   120,
		RateLimitFetch:  600,
		RateLimitOther:  300,
		MaxBatchUpdates: 1000,
	}
}

// LoadConfig reads the environment over DefaultConfig. Unparseable or
// non-positive numbers keep the default.
func LoadConfig() Config {
	cfg := DefaultConfig()
	cfg.apply(os.LookupEnv)
	return cfg
}

func (c *Config) apply(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	str("SYNC_LISTEN_ADDR", &c.ListenAddr)
	str("SYNC_SERVER_DB_PATH", &c.ServerDBPath)
	str("SYNC_LOG_FORMAT", &c.LogFormat)
	str("SYNC_LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup("SYNC_SHUTDOWN_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.ShutdownTimeout = d
		}
	}
	if v, ok := lookup("SYNC_MAX_BODY_BYTES"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.MaxBodyBytes = n
		}
	}
	num("SYNC_RATE_LIMIT_PUSH", &c.RateLimitPush)
	num("SYNC_RATE_LIMIT_FETCH", &c.RateLimitFetch)
	num("SYNC_RATE_LIMIT_OTHER", &c.RateLimitOther)
	num("SYNC_MAX_BATCH_UPDATES", &c.MaxBatchUpdates)
}
