package process

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"vmkernel/pkg/file"
	"vmkernel/pkg/klog"
	"vmkernel/pkg/mem/frame"
	"vmkernel/pkg/vfs"
	"vmkernel/pkg/vm"
)

// Process table errors.
var (
	ErrTableFull      = errors.New("process table full")
	ErrNoChildren     = errors.New("no children")
	ErrKilled         = errors.New("process killed")
	ErrNoProcess      = errors.New("no such process")
	ErrNoInit         = errors.New("no init process")
	ErrAlreadyBooted  = errors.New("init already created")
	ErrAlreadyRunning = errors.New("schedulers already running")
	ErrNoMain         = errors.New("process body is nil")
)

// Options sizes the process table and its CPUs.
type Options struct {
	// NCPU is the number of scheduler instances.
	NCPU int
	// NProc is the number of process slots.
	NProc int
	// NOFile is the number of descriptors per process.
	NOFile int
	// MaxRegions is the region table capacity per process.
	MaxRegions int
	// Tick is the timer interrupt period.
	Tick time.Duration
	// Logger receives scheduler and lifecycle events.
	Logger *zap.Logger
}

// DefaultOptions returns the stock machine: 2 CPUs, 64 slots, 16
// descriptors, 32 regions and a 10ms tick.
func DefaultOptions() Options {
	return Options{
		NCPU:       2,
		NProc:      64,
		NOFile:     16,
		MaxRegions: vm.DefaultMaxRegions,
		Tick:       10 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.NCPU <= 0 {
		o.NCPU = def.NCPU
	}
	if o.NProc <= 0 {
		o.NProc = def.NProc
	}
	if o.NOFile <= 0 {
		o.NOFile = def.NOFile
	}
	if o.MaxRegions <= 0 {
		o.MaxRegions = def.MaxRegions
	}
	if o.Tick <= 0 {
		o.Tick = def.Tick
	}
	return o
}

// Table is the process table shared by every CPU. Its lock serializes all
// state transitions and the sleep/wakeup protocol.
type Table struct {
	mu       sync.Mutex
	procs    []*Proc
	nextpid  int
	initproc *Proc
	// stopping is set once shutdown has killed every process; anything
	// started afterwards starts killed.
	stopping bool

	cpus []*CPU

	ticksMu sync.Mutex
	ticks   int

	frames *frame.Allocator
	fs     *vfs.FS
	opts   Options
	log    *zap.Logger

	running  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

// NewTable creates an empty process table over the given physical memory
// and filesystem.
func NewTable(frames *frame.Allocator, fs *vfs.FS, opts Options) *Table {
	opts = opts.withDefaults()
	t := &Table{
		procs:  make([]*Proc, opts.NProc),
		cpus:   make([]*CPU, opts.NCPU),
		frames: frames,
		fs:     fs,
		opts:   opts,
		log:    klog.OrNop(opts.Logger).Named("proc"),
		done:   make(chan struct{}),
	}
	for i := range t.procs {
		t.procs[i] = &Proc{table: t}
	}
	for i := range t.cpus {
		t.cpus[i] = &CPU{
			id:      i,
			switchc: make(chan *Proc),
			kick:    make(chan struct{}, 1),
		}
	}
	return t
}

// Done is closed once the machine has halted.
func (t *Table) Done() <-chan struct{} { return t.done }

// CPUs returns the scheduler instances.
func (t *Table) CPUs() []*CPU { return t.cpus }

// live counts processes that have not exited. The caller holds t.mu.
func (t *Table) live() int {
	n := 0
	for _, p := range t.procs {
		if p.state != StateUnused && p.state != StateZombie {
			n++
		}
	}
	return n
}

// alloc claims an unused slot and gives it a pid and a kernel stack. The
// process is left in the embryo state.
func (t *Table) alloc(name string) (*Proc, error) {
	t.mu.Lock()
	var p *Proc
	for _, q := range t.procs {
		if q.state == StateUnused {
			p = q
			break
		}
	}
	if p == nil {
		t.mu.Unlock()
		return nil, ErrTableFull
	}
	t.setState(p, StateEmbryo)
	t.nextpid++
	p.pid = t.nextpid
	p.name = name
	p.parent = nil
	p.xstate = 0
	t.mu.Unlock()

	p.exiting = false
	p.killed.Store(false)
	p.preempt.Store(false)
	p.resume = make(chan struct{})
	p.log = t.log.With(zap.Int("pid", p.pid), zap.String("name", name))

	kstack, err := t.frames.Alloc()
	if err != nil {
		t.mu.Lock()
		t.setState(p, StateUnused)
		t.mu.Unlock()
		return nil, fmt.Errorf("allocate kernel stack: %w", err)
	}
	p.kstack = kstack

	as, err := vm.New(t.frames, vm.Options{MaxRegions: t.opts.MaxRegions, Logger: p.log})
	if err != nil {
		t.discard(p)
		return nil, err
	}
	p.as = as
	return p, nil
}

// discard releases an embryo whose setup failed.
func (t *Table) discard(p *Proc) {
	if p.as != nil {
		p.as.Free()
		p.as = nil
	}
	if p.files != nil {
		p.files.CloseAll()
		p.files = nil
	}
	if p.cwd != nil {
		p.cwd.Put()
		p.cwd = nil
	}
	t.frames.Put(p.kstack)
	p.kstack = nil

	t.mu.Lock()
	t.setState(p, StateUnused)
	t.mu.Unlock()
}

// start makes an embryo runnable and launches its goroutine. The caller
// holds t.mu.
func (t *Table) start(p *Proc) {
	if t.stopping {
		p.killed.Store(true)
	}
	t.setState(p, StateRunnable)
	go p.run()
	t.kickAll()
}

// Boot creates the init process, pid 1, running main. Orphans are handed to
// init, and the machine halts when init exits.
func (t *Table) Boot(name string, main Main) (*Proc, error) {
	if main == nil {
		return nil, ErrNoMain
	}
	t.mu.Lock()
	booted := t.initproc != nil
	t.mu.Unlock()
	if booted {
		return nil, ErrAlreadyBooted
	}

	p, err := t.alloc(name)
	if err != nil {
		return nil, err
	}
	p.files = file.NewTable(t.opts.NOFile)
	p.cwd = t.fs.Root()
	p.main = main

	t.mu.Lock()
	t.initproc = p
	t.start(p)
	t.mu.Unlock()

	p.log.Info("init created")
	return p, nil
}

// fork creates a child of parent running main. The child gets a copy of the
// parent's heap and private regions, shares its shared regions, and
// inherits every open file.
func (t *Table) fork(parent *Proc, main Main) (int, error) {
	if main == nil {
		return -1, ErrNoMain
	}
	np, err := t.alloc(parent.name)
	if err != nil {
		return -1, err
	}
	if err := parent.as.Clone(np.as); err != nil {
		t.discard(np)
		parent.log.Info("fork failed", zap.Error(err))
		return -1, err
	}
	np.files = parent.files.Fork()
	np.cwd = parent.cwd.Dup()
	np.main = main

	t.mu.Lock()
	np.parent = parent
	t.start(np)
	t.mu.Unlock()

	parent.log.Debug("fork", zap.Int("child", np.pid))
	return np.pid, nil
}

// Exit terminates the calling process and does not return. Its regions are
// unmapped and its files closed at once; the slot, kernel stack and page
// table stay until the parent waits. Deferred calls in the process body
// still run afterwards but must not make system calls.
func (p *Proc) Exit(status int) {
	t := p.table
	p.exiting = true

	if p == t.initproc {
		// Init outlives every other process.
		for {
			if _, _, err := t.wait(p, false); err != nil {
				break
			}
		}
	}

	p.files.CloseAll()
	p.as.Teardown()
	p.cwd.Put()
	p.cwd = nil

	t.mu.Lock()
	if p.parent != nil {
		t.wakeup1(p.parent)
	}
	for _, c := range t.procs {
		if c.parent == p && c.state != StateUnused {
			c.parent = t.initproc
			if c.state == StateZombie {
				t.wakeup1(t.initproc)
			}
		}
	}
	p.xstate = status
	t.setState(p, StateZombie)
	if p == t.initproc {
		p.log.Info("init exiting, halting", zap.Int("status", status))
	} else {
		p.log.Debug("exit", zap.Int("status", status))
	}

	t.switchOut(p)
	runtime.Goexit()
}

// wait reaps one zombie child of p and returns its pid and exit status. It
// sleeps while children exist but none has exited. With honourKill set a
// killed caller gives up.
func (t *Table) wait(p *Proc, honourKill bool) (int, int, error) {
	t.mu.Lock()
	for {
		havekids := false
		for _, c := range t.procs {
			if c.parent != p || c.state == StateUnused {
				continue
			}
			havekids = true
			if c.state == StateZombie {
				pid, status := c.pid, c.xstate
				t.reap(c)
				t.mu.Unlock()
				return pid, status, nil
			}
		}

		if !havekids {
			t.mu.Unlock()
			return -1, 0, ErrNoChildren
		}
		if honourKill && p.killed.Load() {
			t.mu.Unlock()
			return -1, 0, ErrKilled
		}
		t.sleep(p, p, &t.mu)
	}
}

// reap recycles a zombie's slot. The caller holds t.mu.
func (t *Table) reap(c *Proc) {
	t.frames.Put(c.kstack)
	c.kstack = nil
	c.as.Free()
	c.as = nil
	c.files = nil
	c.main = nil
	c.resume = nil
	c.cpu = nil
	c.parent = nil
	c.pid = 0
	c.name = ""
	t.setState(c, StateUnused)
}

// Kill marks the process with the given pid for death. It exits the next
// time it passes a trap return; a sleeping process is woken to get there.
func (t *Table) Kill(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		if p.pid == pid && p.state != StateUnused {
			p.killed.Store(true)
			if p.state == StateSleeping {
				t.setState(p, StateRunnable)
				t.kickAll()
			}
			return nil
		}
	}
	return ErrNoProcess
}

// killAll kills every live process and every process started later.
func (t *Table) killAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopping = true
	for _, p := range t.procs {
		if p.state == StateUnused || p.state == StateZombie {
			continue
		}
		p.killed.Store(true)
		if p.state == StateSleeping {
			t.setState(p, StateRunnable)
		}
	}
	t.kickAll()
}

// Info describes one process table slot.
type Info struct {
	Pid    int
	Parent int
	Name   string
	State  State
	Killed bool
}

// Snapshot lists every used slot in table order.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Info
	for _, p := range t.procs {
		if p.state == StateUnused {
			continue
		}
		info := Info{
			Pid:    p.pid,
			Name:   p.name,
			State:  p.state,
			Killed: p.killed.Load(),
		}
		if p.parent != nil {
			info.Parent = p.parent.pid
		}
		out = append(out, info)
	}
	return out
}

// Procdump logs a process listing.
func (t *Table) Procdump() {
	for _, info := range t.Snapshot() {
		t.log.Info("procdump",
			zap.Int("pid", info.Pid),
			zap.Int("ppid", info.Parent),
			zap.Stringer("state", info.State),
			zap.String("name", info.Name),
			zap.Bool("killed", info.Killed))
	}
}
