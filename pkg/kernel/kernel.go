// Package kernel wires physical memory, the filesystem and the process
// table into a bootable machine.
package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vmkernel/pkg/config"
	"vmkernel/pkg/klog"
	"vmkernel/pkg/mem/frame"
	"vmkernel/pkg/process"
	"vmkernel/pkg/vfs"
)

// Kernel is one simulated machine.
type Kernel struct {
	cfg    *config.Config
	bootID uuid.UUID
	frames *frame.Allocator
	fs     *vfs.FS
	procs  *process.Table
	log    *zap.Logger
}

// New builds a machine from cfg. A nil cfg means config.DefaultConfig.
func New(cfg *config.Config, logger *zap.Logger) (*Kernel, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	id := uuid.New()
	log := klog.OrNop(logger).With(zap.String("boot", id.String()))

	k := &Kernel{
		cfg:    cfg,
		bootID: id,
		frames: frame.New(cfg.Memory.Frames, log),
		fs:     vfs.New(log),
		log:    log,
	}
	k.procs = process.NewTable(k.frames, k.fs, process.Options{
		NCPU:       cfg.Kernel.NCPU,
		NProc:      cfg.Kernel.NProc,
		NOFile:     cfg.Kernel.NOFile,
		MaxRegions: cfg.Memory.MaxRegions,
		Tick:       cfg.GetTick(),
		Logger:     log,
	})

	log.Info("kernel initialized",
		zap.Int("ncpu", cfg.Kernel.NCPU),
		zap.Int("nproc", cfg.Kernel.NProc),
		zap.Int("frames", cfg.Memory.Frames))
	return k, nil
}

// BootID identifies this machine instance in its logs.
func (k *Kernel) BootID() uuid.UUID { return k.bootID }

// Config returns the configuration the machine was built from.
func (k *Kernel) Config() *config.Config { return k.cfg }

// FS returns the root filesystem.
func (k *Kernel) FS() *vfs.FS { return k.fs }

// Frames returns the physical frame allocator.
func (k *Kernel) Frames() *frame.Allocator { return k.frames }

// Procs returns the process table.
func (k *Kernel) Procs() *process.Table { return k.procs }

// Logger returns the kernel logger.
func (k *Kernel) Logger() *zap.Logger { return k.log }

// Boot creates the init process.
func (k *Kernel) Boot(name string, initMain process.Main) error {
	_, err := k.procs.Boot(name, initMain)
	return err
}

// Run runs the machine until init exits or ctx is cancelled. After
// cancellation every process is killed and allowed to exit before Run
// returns ctx.Err().
func (k *Kernel) Run(ctx context.Context) error {
	err := k.procs.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		k.log.Error("machine stopped", zap.Error(err))
		return err
	}
	k.log.Info("machine halted",
		zap.Int("free_frames", k.frames.FreeCount()),
		zap.Int("total_frames", k.frames.Total()))
	return err
}

// Stats is a point-in-time summary of the machine.
type Stats struct {
	FreeFrames  int
	TotalFrames int
	Procs       []process.Info
}

// Stats reports memory use and the process listing.
func (k *Kernel) Stats() Stats {
	return Stats{
		FreeFrames:  k.frames.FreeCount(),
		TotalFrames: k.frames.Total(),
		Procs:       k.procs.Snapshot(),
	}
}
