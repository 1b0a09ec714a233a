package process

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vmkernel/pkg/klog"
)

// CPU is one scheduler instance.
type CPU struct {
	id int
	// switchc carries control back from a process to this CPU's scheduler.
	switchc chan *Proc
	// kick wakes an idle scheduler.
	kick chan struct{}
	// proc is the process currently running here, if any.
	proc atomic.Pointer[Proc]
}

// ID returns the CPU number.
func (c *CPU) ID() int { return c.id }

// Current returns the process running on c, or nil.
func (c *CPU) Current() *Proc { return c.proc.Load() }

// scheduler is the per-CPU loop. It repeatedly picks a runnable process and
// transfers control to it. The table lock is held across the switch in both
// directions: the process releases it after resuming and holds it again when
// it hands control back.
func (t *Table) scheduler(c *CPU) {
	for {
		ran := false

		t.mu.Lock()
		for _, p := range t.procs {
			if p.state != StateRunnable {
				continue
			}
			p.cpu = c
			c.proc.Store(p)
			t.setState(p, StateRunning)

			p.resume <- struct{}{}
			if q := <-c.switchc; q != p {
				klog.Panic(t.log, "switch from unexpected process",
					zap.Int("cpu", c.id), zap.Int("want", p.pid), zap.Int("got", q.pid))
			}

			c.proc.Store(nil)
			ran = true
		}
		halt := t.initproc != nil && t.live() == 0
		t.mu.Unlock()

		if halt {
			t.halt()
			return
		}
		if ran {
			continue
		}
		select {
		case <-c.kick:
		case <-t.done:
			return
		}
	}
}

// forkret is the first thing a process does when first scheduled: release
// the table lock the scheduler handed over.
func (t *Table) forkret() {
	t.mu.Unlock()
}

// switchOut hands control from p back to its CPU. The caller holds t.mu and
// has already moved p out of the running state.
func (t *Table) switchOut(p *Proc) {
	if t.mu.TryLock() {
		t.mu.Unlock()
		klog.Panic(t.log, "sched locks", zap.Int("pid", p.pid))
	}
	if p.state == StateRunning {
		klog.Panic(t.log, "sched running", zap.Int("pid", p.pid))
	}
	p.cpu.switchc <- p
}

// sched switches to the scheduler and returns when p is next picked, again
// holding t.mu.
func (t *Table) sched(p *Proc) {
	t.switchOut(p)
	<-p.resume
}

// yield gives up the CPU for one scheduling round.
func (t *Table) yield(p *Proc) {
	t.mu.Lock()
	t.setState(p, StateRunnable)
	t.sched(p)
	t.mu.Unlock()
}

// sleep atomically releases lk and sleeps on ch, reacquiring lk when woken.
// Once t.mu is held no wakeup can be missed, since wakeup runs under it.
func (t *Table) sleep(p *Proc, ch any, lk sync.Locker) {
	if p == nil {
		klog.Panic(t.log, "sleep")
	}
	if lk == nil {
		klog.Panic(t.log, "sleep without lk", zap.Int("pid", p.pid))
	}

	own := lk == sync.Locker(&t.mu)
	if !own {
		t.mu.Lock()
		lk.Unlock()
	}

	p.sleepChan = ch
	t.setState(p, StateSleeping)
	t.sched(p)
	p.sleepChan = nil

	if !own {
		t.mu.Unlock()
		lk.Lock()
	}
}

// wakeup1 makes every process sleeping on ch runnable. The caller holds
// t.mu.
func (t *Table) wakeup1(ch any) {
	woke := false
	for _, p := range t.procs {
		if p.state == StateSleeping && p.sleepChan == ch {
			t.setState(p, StateRunnable)
			woke = true
		}
	}
	if woke {
		t.kickAll()
	}
}

// Wakeup makes every process sleeping on ch runnable.
func (t *Table) Wakeup(ch any) {
	t.mu.Lock()
	t.wakeup1(ch)
	t.mu.Unlock()
}

// kickAll wakes every idle scheduler.
func (t *Table) kickAll() {
	for _, c := range t.cpus {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// tick is the timer interrupt: advance the clock, wake timed sleepers and
// ask every running process to yield at its next trap return.
func (t *Table) tick() {
	t.ticksMu.Lock()
	t.ticks++
	t.Wakeup(&t.ticks)
	t.ticksMu.Unlock()

	for _, c := range t.cpus {
		if p := c.proc.Load(); p != nil {
			p.preempt.Store(true)
		}
	}
	t.kickAll()
}

// Uptime returns the number of timer ticks since Run started.
func (t *Table) Uptime() int {
	t.ticksMu.Lock()
	defer t.ticksMu.Unlock()
	return t.ticks
}

func (t *Table) timer() {
	tk := time.NewTicker(t.opts.Tick)
	defer tk.Stop()
	for {
		select {
		case <-tk.C:
			t.tick()
		case <-t.done:
			return
		}
	}
}

// halt stops every scheduler once no live process is left.
func (t *Table) halt() {
	t.doneOnce.Do(func() {
		close(t.done)
		t.log.Info("halted", zap.Int("ticks", t.Uptime()))
	})
}

// Run starts one scheduler per CPU and the timer, and blocks until the
// machine halts: init has exited after reaping its children. Cancelling ctx
// kills every process; Run then keeps scheduling until all of them have
// exited and returns the context's error.
func (t *Table) Run(ctx context.Context) error {
	t.mu.Lock()
	booted := t.initproc != nil
	t.mu.Unlock()
	if !booted {
		return ErrNoInit
	}
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	t.log.Info("starting schedulers",
		zap.Int("ncpu", len(t.cpus)),
		zap.Duration("tick", t.opts.Tick))

	var g errgroup.Group
	for _, c := range t.cpus {
		c := c
		g.Go(func() error {
			t.scheduler(c)
			return nil
		})
	}
	g.Go(func() error {
		t.timer()
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			t.log.Info("shutdown requested, killing all processes")
			t.killAll()
			return ctx.Err()
		case <-t.done:
			return nil
		}
	})
	return g.Wait()
}
