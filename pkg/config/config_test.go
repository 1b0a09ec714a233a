package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VMKERNEL_NCPU", "")
	t.Setenv("VMKERNEL_FRAMES", "")
	t.Setenv("VMKERNEL_LOG_LEVEL", "")
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Millisecond, cfg.GetTick())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "vmkernel.yaml")
	data := []byte("kernel:\n  ncpu: 4\n  tick: 5ms\nmemory:\n  frames: 512\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Kernel.NCPU)
	assert.Equal(t, 512, cfg.Memory.Frames)
	assert.Equal(t, 5*time.Millisecond, cfg.GetTick())
	// Untouched keys keep their defaults.
	assert.Equal(t, 64, cfg.Kernel.NProc)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kernel: [1, 2"), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Run("numeric overrides", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("VMKERNEL_NCPU", "8")
		t.Setenv("VMKERNEL_FRAMES", "2048")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 8, cfg.Kernel.NCPU)
		assert.Equal(t, 2048, cfg.Memory.Frames)
	})

	t.Run("unparsable numbers are ignored", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("VMKERNEL_NCPU", "many")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 2, cfg.Kernel.NCPU)
	})

	t.Run("log level", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("VMKERNEL_LOG_LEVEL", "debug")

		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "vmkernel.yaml")
	cfg := DefaultConfig()
	cfg.Kernel.NCPU = 3
	cfg.Logging.Encoding = "json"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"no cpus", func(c *Config) { c.Kernel.NCPU = 0 }, "kernel.ncpu"},
		{"one slot", func(c *Config) { c.Kernel.NProc = 1 }, "kernel.nproc"},
		{"no descriptors", func(c *Config) { c.Kernel.NOFile = 0 }, "kernel.nofile"},
		{"bad tick", func(c *Config) { c.Kernel.Tick = "soon" }, "kernel.tick"},
		{"negative tick", func(c *Config) { c.Kernel.Tick = "-1ms" }, "kernel.tick"},
		{"too few frames", func(c *Config) { c.Memory.Frames = 10 }, "memory.frames"},
		{"no regions", func(c *Config) { c.Memory.MaxRegions = 0 }, "memory.max_regions"},
		{"bad encoding", func(c *Config) { c.Logging.Encoding = "xml" }, "logging.encoding"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestGetTickFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Kernel.Tick = "garbage"
	assert.Equal(t, 10*time.Millisecond, cfg.GetTick())
}
