package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1024, cfg.QueueSize)
	assert.Equal(t, 200*time.Millisecond, cfg.Debounce.Window)
	assert.True(t, cfg.Debounce.Enabled)
	assert.Equal(t, 80.0, cfg.Thresholds.CPUPercent)
	assert.Equal(t, 20.0, cfg.Thresholds.BatteryPercent)
	assert.Equal(t, 5*time.Second, cfg.Power.Interval)
	assert.Contains(t, cfg.IgnorePatterns, "*.tmp")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue size", func(c *Config) { c.QueueSize = 0 }},
		{"negative shutdown timeout", func(c *Config) { c.ShutdownTimeout = -time.Second }},
		{"zero debounce window while enabled", func(c *Config) { c.Debounce.Window = 0 }},
		{"zero poll interval while enabled", func(c *Config) { c.System.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoaderReadsYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "vigil.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
queue_size: 512
debounce:
  enabled: true
  window: 300ms
power:
  enabled: true
  interval: 10s
thresholds:
  cpu_percent: 70
ignore_patterns:
  - "*.bak"
`), 0o644))

	cfg, err := NewLoader().WithConfigFile(file).Load()
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.QueueSize)
	assert.Equal(t, 300*time.Millisecond, cfg.Debounce.Window)
	assert.Equal(t, 10*time.Second, cfg.Power.Interval)
	assert.Equal(t, 70.0, cfg.Thresholds.CPUPercent)
	assert.Equal(t, []string{"*.bak"}, cfg.IgnorePatterns)
	// Untouched fields keep their defaults.
	assert.Equal(t, 85.0, cfg.Thresholds.MemoryPercent)
}

func TestLoaderMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, err := NewLoader().WithConfigFile(missing).Load()
	require.NoError(t, err, "missing file falls back to defaults")
	assert.Equal(t, 1024, cfg.QueueSize)

	_, err = NewLoader().WithConfigFile(missing).RequireConfigFile().Load()
	assert.Error(t, err)
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("VIGIL_QUEUE_SIZE", "256")
	t.Setenv("VIGIL_DEBOUNCE_WINDOW", "150ms")
	t.Setenv("VIGIL_CPU_THRESHOLD", "65.5")
	t.Setenv("VIGIL_DEBOUNCE_ENABLED", "false")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.QueueSize)
	assert.Equal(t, 150*time.Millisecond, cfg.Debounce.Window)
	assert.Equal(t, 65.5, cfg.Thresholds.CPUPercent)
	assert.False(t, cfg.Debounce.Enabled)
}

func TestLoaderEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "vigil.yaml")
	require.NoError(t, os.WriteFile(file, []byte("queue_size: 512\n"), 0o644))
	t.Setenv("VIGIL_QUEUE_SIZE", "2048")

	cfg, err := NewLoader().WithConfigFile(file).Load()
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.QueueSize, "environment beats the file")
}

func TestLoaderBadEnvValue(t *testing.T) {
	t.Setenv("VIGIL_QUEUE_SIZE", "not-a-number")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoaderInvalidResultRejected(t *testing.T) {
	t.Setenv("VIGIL_QUEUE_SIZE", "0")

	_, err := NewLoader().Load()
	assert.Error(t, err, "loaded config still passes through Validate")
}

func TestLoaderCustomPrefix(t *testing.T) {
	t.Setenv("APP_QUEUE_SIZE", "128")

	cfg, err := NewLoader().WithEnvPrefix("APP_").Load()
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.QueueSize)
}
