// Package config holds the facade configuration and a loader layering
// defaults, an optional YAML file, and VIGIL_-prefixed environment
// overrides.
package config

import (
	"fmt"
	"time"
)

// PollConfig configures one poll-based source.
type PollConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	BufferSize int           `yaml:"buffer_size"`
	MaxRetries uint64        `yaml:"max_retries"`
}

// DebounceConfig configures filesystem event coalescing.
type DebounceConfig struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window"`
}

// FilesystemConfig configures the filesystem source.
type FilesystemConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BufferSize  int           `yaml:"buffer_size"`
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// ThresholdDefaults are the fallback trigger levels used when a
// subscription does not supply its own.
type ThresholdDefaults struct {
	CPUPercent       float64 `yaml:"cpu_percent"`
	MemoryPercent    float64 `yaml:"memory_percent"`
	DiskPercent      float64 `yaml:"disk_percent"`
	TemperatureC     float64 `yaml:"temperature_c"`
	LoadAverage      float64 `yaml:"load_average"`
	BatteryPercent   float64 `yaml:"battery_percent"`
	TrafficBytesPerS float64 `yaml:"traffic_bytes_per_s"`

	// ProcessMemoryBytes is the per-process resident memory level above
	// which a usage event fires. Zero disables the check.
	ProcessMemoryBytes uint64 `yaml:"process_memory_bytes"`
}

// Config is the full facade configuration.
type Config struct {
	QueueSize       int           `yaml:"queue_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Debounce   DebounceConfig   `yaml:"debounce"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	Process    PollConfig       `yaml:"process"`
	System     PollConfig       `yaml:"system"`
	Network    PollConfig       `yaml:"network"`
	Power      PollConfig       `yaml:"power"`

	Thresholds ThresholdDefaults `yaml:"thresholds"`

	// IgnorePatterns is the default ignore set applied to filesystem
	// watches that do not carry their own.
	IgnorePatterns []string `yaml:"ignore_patterns"`
}

// DefaultConfig mirrors the library's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueSize:       1024,
		ShutdownTimeout: 5 * time.Second,
		Debounce: DebounceConfig{
			Enabled: true,
			Window:  200 * time.Millisecond,
		},
		Filesystem: FilesystemConfig{
			Enabled:     true,
			BufferSize:  256,
			DedupWindow: 10 * time.Millisecond,
		},
		Process: PollConfig{Enabled: true, Interval: time.Second, BufferSize: 256, MaxRetries: 5},
		System:  PollConfig{Enabled: true, Interval: time.Second, BufferSize: 256, MaxRetries: 5},
		Network: PollConfig{Enabled: true, Interval: time.Second, BufferSize: 256, MaxRetries: 5},
		Power:   PollConfig{Enabled: true, Interval: 5 * time.Second, BufferSize: 64, MaxRetries: 5},
		Thresholds: ThresholdDefaults{
			CPUPercent:         80.0,
			MemoryPercent:      85.0,
			DiskPercent:        90.0,
			TemperatureC:       75.0,
			LoadAverage:        5.0,
			BatteryPercent:     20.0,
			ProcessMemoryBytes: 1 << 30,
		},
		IgnorePatterns: []string{"*.tmp", "*.swp", ".git/*", "node_modules/*"},
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %v", c.ShutdownTimeout)
	}
	if c.Debounce.Enabled && c.Debounce.Window <= 0 {
		return fmt.Errorf("debounce window must be positive when debouncing is enabled, got %v", c.Debounce.Window)
	}
	for name, pc := range map[string]PollConfig{
		"process": c.Process,
		"system":  c.System,
		"network": c.Network,
		"power":   c.Power,
	} {
		if pc.Enabled && pc.Interval <= 0 {
			return fmt.Errorf("%s poll interval must be positive, got %v", name, pc.Interval)
		}
	}
	return nil
}
