package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigApply(t *testing.T) {
	env := map[string]string{
		"SYNC_LISTEN_ADDR":       "127.0.0.1:9000",
		"SYNC_SHUTDOWN_TIMEOUT":  "5s",
		"SYNC_MAX_BODY_BYTES":    "2048",
		"SYNC_RATE_LIMIT_PUSH":   "10",
		"SYNC_RATE_LIMIT_FETCH":  "-1",
		"SYNC_MAX_BATCH_UPDATES": "lots",
		"SYNC_LOG_FORMAT":        "",
	}
	cfg := DefaultConfig()
	cfg.apply(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	def := DefaultConfig()
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, int64(2048), cfg.MaxBodyBytes)
	assert.Equal(t, 10, cfg.RateLimitPush)
	assert.Equal(t, def.RateLimitFetch, cfg.RateLimitFetch, "negative keeps default")
	assert.Equal(t, def.MaxBatchUpdates, cfg.MaxBatchUpdates, "garbage keeps default")
	assert.Equal(t, def.LogFormat, cfg.LogFormat, "empty keeps default")
	assert.Equal(t, def.ServerDBPath, cfg.ServerDBPath)
}
