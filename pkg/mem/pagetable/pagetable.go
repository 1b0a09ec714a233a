// Package pagetable implements a two-level page table over frames taken
// from a frame.Allocator.
//
// The layout mirrors a 32-bit x86 table: a directory of 1024 entries, each
// covering 4 MiB through a page-table page allocated on first use. Page-table
// pages are charged to the frame allocator, so installing a translation can
// fail with frame.ErrOutOfMemory.
package pagetable

import (
	"errors"

	"vmkernel/pkg/mem"
	"vmkernel/pkg/mem/frame"
)

// Page table errors.
var (
	ErrRemap      = errors.New("pagetable: remap")
	ErrNotPresent = errors.New("pagetable: page not present")
)

// Perm is a set of page-table entry permission bits.
type Perm uint8

const (
	// PermPresent marks a valid translation.
	PermPresent Perm = 1 << iota
	// PermWrite allows stores.
	PermWrite
	// PermUser allows user-mode access.
	PermUser
	// PermRead allows loads.
	PermRead
)

const (
	entries  = 1024
	pdxShift = 22
)

func pdx(va uintptr) int { return int(va>>pdxShift) & (entries - 1) }
func ptx(va uintptr) int { return int(va>>mem.PageShift) & (entries - 1) }

// PTE is a page-table entry.
type PTE struct {
	Frame *frame.Frame
	Perm  Perm
}

// Present reports whether the entry holds a valid translation.
func (e *PTE) Present() bool {
	return e.Perm&PermPresent != 0
}

type ptPage struct {
	page *frame.Frame
	ptes [entries]PTE
}

// PageTable is one address space's translation table.
type PageTable struct {
	root   *frame.Frame
	dir    [entries]*ptPage
	frames *frame.Allocator
	mapped int
}

// New allocates the directory page for a fresh, empty address space.
func New(frames *frame.Allocator) (*PageTable, error) {
	root, err := frames.Alloc()
	if err != nil {
		return nil, err
	}
	root.Zero()
	return &PageTable{root: root, frames: frames}, nil
}

// Walk returns the entry for va. With alloc set, a missing page-table page
// is allocated; otherwise a missing one yields nil.
func (pt *PageTable) Walk(va uintptr, alloc bool) (*PTE, error) {
	t := pt.dir[pdx(va)]
	if t == nil {
		if !alloc {
			return nil, nil
		}
		page, err := pt.frames.Alloc()
		if err != nil {
			return nil, err
		}
		page.Zero()
		t = &ptPage{page: page}
		pt.dir[pdx(va)] = t
	}
	return &t.ptes[ptx(va)], nil
}

// Map installs a translation from the page containing va to f. The table
// takes over one reference to f.
func (pt *PageTable) Map(va uintptr, f *frame.Frame, perm Perm) error {
	pte, err := pt.Walk(mem.PageRoundDown(va), true)
	if err != nil {
		return err
	}
	if pte.Present() {
		return ErrRemap
	}
	pte.Frame = f
	pte.Perm = perm | PermPresent
	pt.mapped++
	return nil
}

// Lookup returns the present entry for va, if any.
func (pt *PageTable) Lookup(va uintptr) (*PTE, bool) {
	pte, _ := pt.Walk(va, false)
	if pte == nil || !pte.Present() {
		return nil, false
	}
	return pte, true
}

// IsMapped reports whether the page containing va has a present entry.
func (pt *PageTable) IsMapped(va uintptr) bool {
	_, ok := pt.Lookup(va)
	return ok
}

// Translate returns the frame backing va and the offset of va within it.
func (pt *PageTable) Translate(va uintptr) (*frame.Frame, int, bool) {
	pte, ok := pt.Lookup(va)
	if !ok {
		return nil, 0, false
	}
	return pte.Frame, int(va & (mem.PageSize - 1)), true
}

// Unmap clears the present bit for va and hands back the frame it pointed
// at together with the table's reference to it.
func (pt *PageTable) Unmap(va uintptr) (*frame.Frame, error) {
	pte, ok := pt.Lookup(va)
	if !ok {
		return nil, ErrNotPresent
	}
	f := pte.Frame
	pte.Frame = nil
	pte.Perm &^= PermPresent
	pt.mapped--
	return f, nil
}

// Mapped returns the number of present entries.
func (pt *PageTable) Mapped() int {
	return pt.mapped
}

// Copy duplicates every present page in [0, sz) into dst with fresh frames.
// On failure dst may hold a partial copy; the caller frees it.
func (pt *PageTable) Copy(dst *PageTable, sz uintptr) error {
	for va := uintptr(0); va < sz; va += mem.PageSize {
		pte, ok := pt.Lookup(va)
		if !ok {
			continue
		}
		f, err := pt.frames.Alloc()
		if err != nil {
			return err
		}
		f.Data = pte.Frame.Data
		if err := dst.Map(va, f, pte.Perm); err != nil {
			pt.frames.Put(f)
			return err
		}
	}
	return nil
}

// Free drops every frame reference held by the table, then the page-table
// pages and the directory itself. The table must not be used afterwards.
func (pt *PageTable) Free() {
	for i, t := range pt.dir {
		if t == nil {
			continue
		}
		for j := range t.ptes {
			pte := &t.ptes[j]
			if pte.Present() {
				pt.frames.Put(pte.Frame)
				pte.Frame = nil
				pte.Perm = 0
			}
		}
		pt.frames.Put(t.page)
		pt.dir[i] = nil
	}
	pt.mapped = 0
	if pt.root != nil {
		pt.frames.Put(pt.root)
		pt.root = nil
	}
}
