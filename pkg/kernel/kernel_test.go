package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vmkernel/pkg/config"
	"vmkernel/pkg/mem"
	"vmkernel/pkg/process"
	"vmkernel/pkg/vm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Kernel.NProc = 8
	cfg.Kernel.Tick = "1ms"
	cfg.Memory.Frames = 256
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Kernel.NCPU = 0

	_, err := New(cfg, nil)
	assert.ErrorContains(t, err, "invalid config")
}

func TestNewDefaults(t *testing.T) {
	k, err := New(nil, nil)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultConfig(), k.Config())
	assert.Len(t, k.Procs().CPUs(), 2)
	assert.Equal(t, 4096, k.Frames().Total())
	assert.NotEqual(t, k.BootID(), mustNew(t).BootID())
}

func mustNew(t *testing.T) *Kernel {
	t.Helper()
	k, err := New(testConfig(), nil)
	require.NoError(t, err)
	return k
}

func TestBootRunHalt(t *testing.T) {
	k := mustNew(t)
	require.NoError(t, k.FS().WriteFile("/greeting", []byte("hi")))

	var (
		status = -1
		pid    int
	)
	require.NoError(t, k.Boot("init", func(p *process.Proc) int {
		pid = p.Getpid()
		base, err := p.Mmap(0, mem.PageSize, vm.ProtRead|vm.ProtWrite, vm.MapPrivate|vm.MapAnonymous, -1, 0)
		if err != nil {
			return 1
		}
		p.Store(base, []byte{1})
		if _, err := p.Fork(func(c *process.Proc) int { return 3 }); err != nil {
			return 1
		}
		_, status, _ = p.Wait()
		return 0
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, k.Run(ctx))

	assert.Equal(t, 1, pid)
	assert.Equal(t, 3, status)

	stats := k.Stats()
	assert.Equal(t, 256, stats.TotalFrames)
	require.Len(t, stats.Procs, 1)
	assert.Equal(t, process.StateZombie, stats.Procs[0].State)
}

func TestRunWithoutBoot(t *testing.T) {
	k := mustNew(t)
	assert.ErrorIs(t, k.Run(context.Background()), process.ErrNoInit)
}

func TestRunCancelled(t *testing.T) {
	k := mustNew(t)
	require.NoError(t, k.Boot("init", func(p *process.Proc) int {
		for !p.Killed() {
			p.Yield()
		}
		return 0
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, k.Run(ctx), context.DeadlineExceeded)

	for _, info := range k.Stats().Procs {
		assert.Equal(t, process.StateZombie, info.State)
	}
}
