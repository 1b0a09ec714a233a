// Package frame implements the physical frame allocator.
//
// Frames are reference counted: every page-table entry that points at a
// frame holds one reference, and the frame returns to the free list only
// when the last reference is dropped. This is what lets a shared mapping
// outlive whichever process created it.
package frame

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"vmkernel/pkg/klog"
	"vmkernel/pkg/mem"
)

// ErrOutOfMemory is returned when no free frame is left.
var ErrOutOfMemory = errors.New("frame: out of memory")

// junk fills freed frames so stale reads are noticeable.
const junk = 0x01

// Frame is one page of physical memory.
type Frame struct {
	// Data is the frame contents.
	Data [mem.PageSize]byte

	num  int
	refs int32
	next *Frame
}

// Num returns the frame number, stable for the allocator's lifetime.
func (f *Frame) Num() int {
	return f.num
}

// Zero clears the frame contents.
func (f *Frame) Zero() {
	clear(f.Data[:])
}

// Allocator hands out frames from a fixed pool.
type Allocator struct {
	mu     sync.Mutex
	frames []Frame
	free   *Frame
	nfree  int
	log    *zap.Logger
}

// New creates an allocator managing n frames.
func New(n int, log *zap.Logger) *Allocator {
	a := &Allocator{
		frames: make([]Frame, n),
		log:    klog.OrNop(log).Named("frame"),
	}
	// Push in reverse so low-numbered frames are handed out first.
	for i := n - 1; i >= 0; i-- {
		f := &a.frames[i]
		f.num = i
		f.next = a.free
		a.free = f
		a.nfree++
	}
	return a
}

// Alloc takes a frame off the free list with a reference count of one.
// The contents are whatever the previous owner left, so callers that hand
// the frame to user space must Zero it.
func (a *Allocator) Alloc() (*Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f := a.free
	if f == nil {
		a.log.Debug("allocation failed", zap.Int("total", len(a.frames)))
		return nil, ErrOutOfMemory
	}
	a.free = f.next
	f.next = nil
	f.refs = 1
	a.nfree--
	return f, nil
}

// Dup adds a reference to an allocated frame.
func (a *Allocator) Dup(f *Frame) *Frame {
	a.mu.Lock()
	defer a.mu.Unlock()

	if f.refs <= 0 {
		klog.Panic(a.log, "dup of free frame", zap.Int("frame", f.num))
	}
	f.refs++
	return f
}

// Put drops a reference and frees the frame when none remain. It reports
// whether the frame went back to the free list.
func (a *Allocator) Put(f *Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if f.refs <= 0 {
		klog.Panic(a.log, "kfree", zap.Int("frame", f.num))
	}
	f.refs--
	if f.refs > 0 {
		return false
	}

	for i := range f.Data {
		f.Data[i] = junk
	}
	f.next = a.free
	a.free = f
	a.nfree++
	return true
}

// Refs returns the current reference count of f.
func (a *Allocator) Refs(f *Frame) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(f.refs)
}

// FreeCount returns the number of frames on the free list.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

// Total returns the size of the pool.
func (a *Allocator) Total() int {
	return len(a.frames)
}
