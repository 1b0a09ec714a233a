package process

import (
	"errors"
	"fmt"
	"io"

	"vmkernel/pkg/file"
	"vmkernel/pkg/vfs"
	"vmkernel/pkg/vm"
)

// ErrBadAddress is returned when a system call argument points at memory
// the process cannot access.
var ErrBadAddress = errors.New("bad address")

// System calls. Each one is made by the process on its own goroutine and
// ends at trap return, where a killed process exits and a preempted one
// yields.

// Getpid returns the caller's pid.
func (p *Proc) Getpid() int {
	defer p.trapret()
	return p.pid
}

// Fork creates a child process running main and returns its pid. The child
// starts with a copy of the caller's memory and open files.
func (p *Proc) Fork(main Main) (int, error) {
	defer p.trapret()
	return p.table.fork(p, main)
}

// Wait reaps an exited child and returns its pid and exit status.
func (p *Proc) Wait() (int, int, error) {
	defer p.trapret()
	return p.table.wait(p, true)
}

// Kill marks pid for death.
func (p *Proc) Kill(pid int) error {
	defer p.trapret()
	return p.table.Kill(pid)
}

// Yield gives up the CPU.
func (p *Proc) Yield() {
	defer p.trapret()
	p.table.yield(p)
}

// SleepTicks sleeps for n timer ticks.
func (p *Proc) SleepTicks(n int) error {
	defer p.trapret()
	t := p.table
	t.ticksMu.Lock()
	defer t.ticksMu.Unlock()

	start := t.ticks
	for t.ticks-start < n {
		if p.killed.Load() {
			return ErrKilled
		}
		t.sleep(p, &t.ticks, &t.ticksMu)
	}
	return nil
}

// Uptime returns the number of ticks since the machine started.
func (p *Proc) Uptime() int {
	defer p.trapret()
	return p.table.Uptime()
}

// Sbrk grows the heap by n bytes, or shrinks it when n is negative, and
// returns the previous break.
func (p *Proc) Sbrk(n int) (uintptr, error) {
	defer p.trapret()
	old := p.as.Size()
	switch {
	case n > 0:
		if _, err := p.as.Grow(uintptr(n)); err != nil {
			return 0, err
		}
	case n < 0:
		p.as.Shrink(uintptr(-n))
	}
	return old, nil
}

// Mmap maps a new region and returns its base. fd and offset are ignored
// for anonymous mappings.
func (p *Proc) Mmap(addr uintptr, length int, prot vm.Prot, flags vm.Flags, fd int, offset int64) (uintptr, error) {
	defer p.trapret()
	var f *file.File
	if flags&vm.MapAnonymous == 0 {
		var err error
		if f, err = p.files.Get(fd); err != nil {
			return vm.MapFailed, fmt.Errorf("%w: %w", vm.ErrBadFile, err)
		}
	}
	return p.as.Map(addr, length, prot, flags, f, offset)
}

// Munmap removes the region based at addr.
func (p *Proc) Munmap(addr uintptr, length int) error {
	defer p.trapret()
	return p.as.Unmap(addr, length)
}

// Open opens path and returns a descriptor. With file.OCreate a missing
// file is created.
func (p *Proc) Open(path string, mode int) (int, error) {
	defer p.trapret()
	var (
		ip  *vfs.Inode
		err error
	)
	if mode&file.OCreate != 0 {
		ip, err = p.table.fs.Create(path)
	} else {
		ip, err = p.table.fs.Lookup(path)
	}
	if err != nil {
		return -1, err
	}
	if ip.IsDir() && mode&(file.OWrOnly|file.ORdWr) != 0 {
		ip.Put()
		return -1, vfs.ErrIsDirectory
	}

	f := file.Open(ip, mode)
	fd, err := p.files.Alloc(f)
	if err != nil {
		f.Close()
		return -1, err
	}
	return fd, nil
}

// Dup returns a new descriptor for the file behind fd.
func (p *Proc) Dup(fd int) (int, error) {
	defer p.trapret()
	f, err := p.files.Get(fd)
	if err != nil {
		return -1, err
	}
	nfd, err := p.files.Alloc(f.Dup())
	if err != nil {
		f.Close()
		return -1, err
	}
	return nfd, nil
}

// Close releases fd.
func (p *Proc) Close(fd int) error {
	defer p.trapret()
	return p.files.Close(fd)
}

// Pipe creates a pipe and returns its read and write descriptors.
func (p *Proc) Pipe() (int, int, error) {
	defer p.trapret()
	pp := newPipe(p.table)
	rf := file.OpenPipe(pp, false)
	wf := file.OpenPipe(pp, true)

	rfd, err := p.files.Alloc(rf)
	if err != nil {
		rf.Close()
		wf.Close()
		return -1, -1, err
	}
	wfd, err := p.files.Alloc(wf)
	if err != nil {
		p.files.Close(rfd)
		wf.Close()
		return -1, -1, err
	}
	return rfd, wfd, nil
}

// Read reads up to n bytes from fd into user memory at va and returns the
// count. Zero means end of file.
func (p *Proc) Read(fd int, va uintptr, n int) (int, error) {
	defer p.trapret()
	f, err := p.files.Get(fd)
	if err != nil {
		return -1, err
	}
	if !f.Readable() {
		return -1, file.ErrNotReadable
	}
	if n < 0 {
		return -1, vm.ErrBadLength
	}

	buf := make([]byte, n)
	if pp, ok := f.Pipe().(*pipe); ok {
		n, err = pp.read(p, buf)
	} else {
		n, err = f.Read(buf)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return -1, err
	}
	if err := p.as.CopyOut(va, buf[:n]); err != nil {
		return -1, fmt.Errorf("%w: %w", ErrBadAddress, err)
	}
	return n, nil
}

// Write writes n bytes of user memory at va to fd and returns the count.
func (p *Proc) Write(fd int, va uintptr, n int) (int, error) {
	defer p.trapret()
	f, err := p.files.Get(fd)
	if err != nil {
		return -1, err
	}
	if !f.Writable() {
		return -1, file.ErrNotWritable
	}
	if n < 0 {
		return -1, vm.ErrBadLength
	}

	buf := make([]byte, n)
	if err := p.as.CopyIn(buf, va); err != nil {
		return -1, fmt.Errorf("%w: %w", ErrBadAddress, err)
	}
	if pp, ok := f.Pipe().(*pipe); ok {
		return pp.write(p, buf)
	}
	return f.Write(buf)
}
