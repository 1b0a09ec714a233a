// Package config provides configuration management for the kernel.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all kernel configuration.
type Config struct {
	Kernel  KernelConfig  `yaml:"kernel"`
	Memory  MemoryConfig  `yaml:"memory"`
	Logging LoggingConfig `yaml:"logging"`
}

// KernelConfig sizes the process table and the CPUs.
type KernelConfig struct {
	NCPU   int `yaml:"ncpu"`
	NProc  int `yaml:"nproc"`
	NOFile int `yaml:"nofile"`
	// Tick is the timer interrupt period, e.g. "10ms".
	Tick string `yaml:"tick"`
}

// MemoryConfig sizes physical memory and the per-process region table.
type MemoryConfig struct {
	Frames     int `yaml:"frames"`
	MaxRegions int `yaml:"max_regions"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Kernel: KernelConfig{
			NCPU:   2,
			NProc:  64,
			NOFile: 16,
			Tick:   "10ms",
		},
		Memory: MemoryConfig{
			Frames:     4096,
			MaxRegions: 32,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults plus environment when the file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. Values that do
// not parse are ignored.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VMKERNEL_NCPU"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Kernel.NCPU = n
		}
	}
	if v := os.Getenv("VMKERNEL_FRAMES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Memory.Frames = n
		}
	}
	if v := os.Getenv("VMKERNEL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// GetTick returns the timer period as a duration.
func (c *Config) GetTick() time.Duration {
	d, err := time.ParseDuration(c.Kernel.Tick)
	if err != nil || d <= 0 {
		return 10 * time.Millisecond
	}
	return d
}

// ValidEncodings lists the supported log encodings.
var ValidEncodings = []string{"json", "console"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Kernel.NCPU < 1 {
		return fmt.Errorf("kernel.ncpu must be at least 1, got %d", c.Kernel.NCPU)
	}
	if c.Kernel.NProc < 2 {
		return fmt.Errorf("kernel.nproc must be at least 2, got %d", c.Kernel.NProc)
	}
	if c.Kernel.NOFile < 1 {
		return fmt.Errorf("kernel.nofile must be at least 1, got %d", c.Kernel.NOFile)
	}
	if c.Kernel.Tick != "" {
		if d, err := time.ParseDuration(c.Kernel.Tick); err != nil || d <= 0 {
			return fmt.Errorf("invalid kernel.tick: %q", c.Kernel.Tick)
		}
	}
	// Every process needs a kernel stack and a page directory.
	if c.Memory.Frames < 2*c.Kernel.NProc {
		return fmt.Errorf("memory.frames must be at least %d for %d processes, got %d",
			2*c.Kernel.NProc, c.Kernel.NProc, c.Memory.Frames)
	}
	if c.Memory.MaxRegions < 1 {
		return fmt.Errorf("memory.max_regions must be at least 1, got %d", c.Memory.MaxRegions)
	}

	validEncoding := false
	for _, e := range ValidEncodings {
		if c.Logging.Encoding == e {
			validEncoding = true
			break
		}
	}
	if !validEncoding {
		return fmt.Errorf("invalid logging.encoding: %s (valid: %v)", c.Logging.Encoding, ValidEncodings)
	}

	return nil
}
