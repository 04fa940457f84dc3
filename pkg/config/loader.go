package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader assembles a Config from defaults, an optional YAML file, and
// environment overrides, in that priority order.
type Loader struct {
	configFile   string
	envPrefix    string
	allowMissing bool
}

// NewLoader creates a loader with the default environment prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:    "VIGIL_",
		allowMissing: true,
	}
}

// WithConfigFile sets the YAML file to load.
func (l *Loader) WithConfigFile(file string) *Loader {
	l.configFile = file
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// RequireConfigFile makes a missing configuration file an error.
func (l *Loader) RequireConfigFile() *Loader {
	l.allowMissing = false
	return l
}

// Load builds the final configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configFile != "" {
		data, err := os.ReadFile(l.configFile)
		if err != nil {
			if !(os.IsNotExist(err) && l.allowMissing) {
				return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", l.configFile, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps a small set of well-known variables onto the
// config. Unset variables leave the current value alone.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	if err := l.envInt("QUEUE_SIZE", &cfg.QueueSize); err != nil {
		return err
	}
	if err := l.envDuration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout); err != nil {
		return err
	}
	if err := l.envBool("DEBOUNCE_ENABLED", &cfg.Debounce.Enabled); err != nil {
		return err
	}
	if err := l.envDuration("DEBOUNCE_WINDOW", &cfg.Debounce.Window); err != nil {
		return err
	}
	if err := l.envDuration("PROCESS_INTERVAL", &cfg.Process.Interval); err != nil {
		return err
	}
	if err := l.envDuration("SYSTEM_INTERVAL", &cfg.System.Interval); err != nil {
		return err
	}
	if err := l.envDuration("NETWORK_INTERVAL", &cfg.Network.Interval); err != nil {
		return err
	}
	if err := l.envDuration("POWER_INTERVAL", &cfg.Power.Interval); err != nil {
		return err
	}
	if err := l.envFloat("CPU_THRESHOLD", &cfg.Thresholds.CPUPercent); err != nil {
		return err
	}
	if err := l.envFloat("MEMORY_THRESHOLD", &cfg.Thresholds.MemoryPercent); err != nil {
		return err
	}
	if err := l.envFloat("BATTERY_THRESHOLD", &cfg.Thresholds.BatteryPercent); err != nil {
		return err
	}
	return nil
}

func (l *Loader) envInt(key string, dst *int) error {
	raw, ok := os.LookupEnv(l.envPrefix + key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s%s: %w", l.envPrefix, key, err)
	}
	*dst = v
	return nil
}

func (l *Loader) envFloat(key string, dst *float64) error {
	raw, ok := os.LookupEnv(l.envPrefix + key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", l.envPrefix, key, err)
	}
	*dst = v
	return nil
}

func (l *Loader) envBool(key string, dst *bool) error {
	raw, ok := os.LookupEnv(l.envPrefix + key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%s%s: %w", l.envPrefix, key, err)
	}
	*dst = v
	return nil
}

func (l *Loader) envDuration(key string, dst *time.Duration) error {
	raw, ok := os.LookupEnv(l.envPrefix + key)
	if !ok {
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s%s: %w", l.envPrefix, key, err)
	}
	*dst = v
	return nil
}
