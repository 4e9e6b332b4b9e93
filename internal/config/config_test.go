package config_test

import (
	"MarginWatch/internal/config"
	"MarginWatch/internal/risk"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, config.StorePostgres, cfg.Store)
	assert.Equal(t, 30*time.Second, cfg.Watcher.TickInterval)
	assert.True(t, cfg.Watcher.Thresholds.AlertPercent.Equal(decimal.NewFromInt(30)))
	assert.True(t, cfg.Watcher.Thresholds.ClosePercent.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, 4, cfg.Watcher.Workers)
	assert.False(t, cfg.Watcher.StrictSides)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Empty(t, cfg.NATSURL)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("MW_STORE", "MEMORY")
	t.Setenv("MW_TICK_INTERVAL", "250ms")
	t.Setenv("MW_ALERT_THRESHOLD", "45.5%")
	t.Setenv("MW_CLOSE_THRESHOLD", "12.25")
	t.Setenv("MW_WORKERS", "8")
	t.Setenv("MW_STRICT_SIDES", "true")
	t.Setenv("MW_NATS_URL", "nats://localhost:4222")
	t.Setenv("MW_TICK_COMMANDS", "1")
	t.Setenv("MW_AUDIT_BATCH_SIZE", "10")

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, config.StoreMemory, cfg.Store)
	assert.Equal(t, 250*time.Millisecond, cfg.Watcher.TickInterval)
	assert.Equal(t, "45.5", cfg.Watcher.Thresholds.AlertPercent.String())
	assert.Equal(t, "12.25", cfg.Watcher.Thresholds.ClosePercent.String())
	assert.Equal(t, 8, cfg.Watcher.Workers)
	assert.True(t, cfg.Watcher.StrictSides)
	assert.True(t, cfg.TickCommands)
	assert.Equal(t, 10, cfg.Audit.BatchSize)
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		field string
	}{
		{"malformed threshold", map[string]string{"MW_ALERT_THRESHOLD": "thirty"}, "MW_ALERT_THRESHOLD"},
		{"alert not above close", map[string]string{"MW_ALERT_THRESHOLD": "10", "MW_CLOSE_THRESHOLD": "10"}, ""},
		{"malformed interval", map[string]string{"MW_TICK_INTERVAL": "soon"}, "MW_TICK_INTERVAL"},
		{"zero interval", map[string]string{"MW_TICK_INTERVAL": "0s"}, "tick_interval"},
		{"malformed workers", map[string]string{"MW_WORKERS": "four"}, "MW_WORKERS"},
		{"zero workers", map[string]string{"MW_WORKERS": "0"}, "workers"},
		{"malformed bool", map[string]string{"MW_STRICT_SIDES": "maybe"}, "MW_STRICT_SIDES"},
		{"unknown store", map[string]string{"MW_STORE": "redis"}, "MW_STORE"},
		{"commands without nats", map[string]string{"MW_TICK_COMMANDS": "true"}, "MW_TICK_COMMANDS"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := config.FromEnv()
			require.Error(t, err)

			var cfgErr *risk.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			if tc.field != "" {
				assert.Equal(t, tc.field, cfgErr.Field)
			}
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("MW_WORKERS=6\nMW_TICK_INTERVAL=2s\n"), 0o600))

	// Variables already in the environment win over the file.
	t.Setenv("MW_TICK_INTERVAL", "5s")
	t.Setenv("MW_ENV_FILE", path)
	os.Unsetenv("MW_WORKERS")
	t.Cleanup(func() { os.Unsetenv("MW_WORKERS") })

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Watcher.Workers)
	assert.Equal(t, 5*time.Second, cfg.Watcher.TickInterval)
}

func TestLoad_MissingExplicitEnvFile(t *testing.T) {
	t.Setenv("MW_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	_, err := config.Load()
	assert.Error(t, err)
}
