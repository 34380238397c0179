package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "butler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalYAML = `ipc_hmac_secret: s3cret
memory_api_token: t0ken
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/butler", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1, cfg.PoolMin)
	assert.Equal(t, 3, cfg.PoolMax)
	assert.Equal(t, 20, cfg.QueueCapacity)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.DebounceWindow)
	assert.Equal(t, 30*time.Minute, cfg.HeartbeatInterval)
	assert.Equal(t, ":3001", cfg.MemoryAPIAddr)
	assert.Equal(t, ":8088", cfg.HealthAddr)
	assert.Equal(t, "s3cret", cfg.IPCHMACSecret)
	assert.Equal(t, "t0ken", cfg.MemoryAPIToken)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`pool_min: 2
pool_max: 8
debounce_window: 250ms
heartbeat_delivery_muted: true
`))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.PoolMin)
	assert.Equal(t, 8, cfg.PoolMax)
	assert.Equal(t, 250*time.Millisecond, cfg.DebounceWindow)
	assert.True(t, cfg.HeartbeatDeliveryMuted)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("BUTLER_POOL_MAX", "7")
	t.Setenv("BUTLER_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, minimalYAML+"pool_max: 4\n"))
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.PoolMax)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		edit string
	}{
		{"pool min above max", "pool_min: 5\npool_max: 2\n"},
		{"negative pool min", "pool_min: -1\n"},
		{"zero reuse cap", "pool_max_reuse: 0\n"},
		{"zero queue capacity", "queue_capacity: 0\n"},
		{"zero attempts", "max_attempts: 0\n"},
		{"zero output timeout", "container_output_timeout: 0\n"},
		{"zero scheduler poll", "scheduler_poll_interval: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, minimalYAML+tt.edit))
			assert.Error(t, err)
		})
	}
}

func TestValidateRequiredSecrets(t *testing.T) {
	_, err := Load(writeConfig(t, "memory_api_token: t\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ipc_hmac_secret")

	_, err = Load(writeConfig(t, "ipc_hmac_secret: s\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory_api_token")
}
