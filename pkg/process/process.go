package process

import (
	"sync/atomic"

	"go.uber.org/zap"

	"vmkernel/pkg/file"
	"vmkernel/pkg/mem/frame"
	"vmkernel/pkg/vfs"
	"vmkernel/pkg/vm"
)

// Main is the body of a process. Its return value is the exit status.
type Main func(p *Proc) int

// Proc is a process control block. Every process runs its body on its own
// goroutine, but only while a CPU has handed control to it.
type Proc struct {
	// pid is the process identifier, unique for the life of the table.
	pid int
	// name is for debugging.
	name string
	// state is guarded by Table.mu.
	state State
	// parent is guarded by Table.mu.
	parent *Proc
	// sleepChan is the channel the process sleeps on, if any.
	sleepChan any
	// killed is set asynchronously and honoured at trap return.
	killed atomic.Bool
	// preempt asks the process to yield at its next trap return.
	preempt atomic.Bool
	// xstate is the exit status reported to wait.
	xstate int

	as     *vm.AddressSpace
	files  *file.Table
	cwd    *vfs.Inode
	// kstack is the kernel stack page. Process bodies run on goroutine
	// stacks, so nothing is stored in it; it is held from allocation until
	// the slot is reaped so that each process is charged its page.
	kstack *frame.Frame

	// main is run once the process is first scheduled.
	main Main
	// resume receives control from a scheduler.
	resume chan struct{}
	// cpu is the CPU the process last ran on.
	cpu *CPU
	// exiting is set once Exit has started.
	exiting bool

	table *Table
	log   *zap.Logger
}

// Pid returns the process identifier.
func (p *Proc) Pid() int { return p.pid }

// Name returns the process name.
func (p *Proc) Name() string { return p.name }

// Killed reports whether the process has been marked for death.
func (p *Proc) Killed() bool { return p.killed.Load() }

// AddressSpace returns the process's user memory.
func (p *Proc) AddressSpace() *vm.AddressSpace { return p.as }

// Files returns the descriptor table.
func (p *Proc) Files() *file.Table { return p.files }

// Logger returns the process logger.
func (p *Proc) Logger() *zap.Logger { return p.log }

// run is the process goroutine. It blocks until a scheduler first hands it
// control, then runs the body and exits with its status.
func (p *Proc) run() {
	<-p.resume
	p.table.forkret()

	if p.killed.Load() {
		p.Exit(-1)
	}
	p.Exit(p.main(p))
}

// trapret is the return-to-user checkpoint every system call and memory
// access passes through.
func (p *Proc) trapret() {
	if p.exiting {
		return
	}
	if p.killed.Load() {
		p.Exit(-1)
	}
	if p.preempt.CompareAndSwap(true, false) {
		p.table.yield(p)
	}
	if p.killed.Load() {
		p.Exit(-1)
	}
}

// fault handles an unrecoverable access fault by killing the process.
func (p *Proc) fault(va uintptr, write bool, err error) {
	p.log.Info("segmentation fault",
		zap.Uintptr("va", va),
		zap.Bool("write", write),
		zap.Error(err))
	if err := p.table.Kill(p.pid); err != nil {
		p.log.Warn("fault: kill not delivered", zap.Error(err))
	}
}

// Load reads len(buf) bytes of user memory at va. An access that cannot be
// satisfied kills the process, which then exits instead of returning.
func (p *Proc) Load(va uintptr, buf []byte) {
	defer p.trapret()
	if err := p.as.CopyIn(buf, va); err != nil {
		p.fault(va, false, err)
	}
}

// Store writes data to user memory at va. An access that cannot be
// satisfied kills the process, which then exits instead of returning.
func (p *Proc) Store(va uintptr, data []byte) {
	defer p.trapret()
	if err := p.as.CopyOut(va, data); err != nil {
		p.fault(va, true, err)
	}
}
