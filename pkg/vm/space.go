package vm

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"vmkernel/pkg/file"
	"vmkernel/pkg/klog"
	"vmkernel/pkg/mem"
	"vmkernel/pkg/mem/frame"
	"vmkernel/pkg/mem/pagetable"
)

// Options configures a new address space.
type Options struct {
	// MaxRegions is the region table capacity.
	MaxRegions int
	// Logger receives region lifecycle events.
	Logger *zap.Logger
}

// AddressSpace is one process's user memory: the heap below mem.MmapBase
// and the region table above it, both backed by a single page table.
//
// An address space is only mutated by the execution context of the process
// that owns it.
type AddressSpace struct {
	pt      *pagetable.PageTable
	regions *RegionTable
	frames  *frame.Allocator
	sz      uintptr // heap size
	log     *zap.Logger
}

// New creates an empty address space. It fails when no frame is left for
// the page directory.
func New(frames *frame.Allocator, opts Options) (*AddressSpace, error) {
	pt, err := pagetable.New(frames)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoFrame, err)
	}
	log := klog.OrNop(opts.Logger).Named("vm")
	return &AddressSpace{
		pt:      pt,
		regions: NewRegionTable(opts.MaxRegions, log),
		frames:  frames,
		log:     log,
	}, nil
}

// PageTable exposes the translation table.
func (as *AddressSpace) PageTable() *pagetable.PageTable { return as.pt }

// Regions returns the region table.
func (as *AddressSpace) Regions() *RegionTable { return as.regions }

// SetLogger replaces the logger, typically to add process fields.
func (as *AddressSpace) SetLogger(log *zap.Logger) {
	as.log = klog.OrNop(log).Named("vm")
	as.regions.log = as.log
}

func pagePerm(prot Prot) pagetable.Perm {
	perm := pagetable.PermUser
	if prot&ProtRead != 0 {
		perm |= pagetable.PermRead
	}
	if prot&ProtWrite != 0 {
		perm |= pagetable.PermWrite | pagetable.PermRead
	}
	return perm
}

func validate(flags Flags, prot Prot, f *file.File, offset int64) error {
	if flags&^knownFlags != 0 {
		return ErrBadFlags
	}
	shared, private := flags&MapShared != 0, flags&MapPrivate != 0
	if shared == private {
		return ErrBadFlags
	}
	if prot&^(ProtRead|ProtWrite) != 0 {
		return ErrBadProt
	}
	if flags&MapAnonymous != 0 {
		return nil
	}
	if f == nil || f.Pipe() != nil || !f.Readable() {
		return ErrBadFile
	}
	if shared && prot&ProtWrite != 0 && !f.Writable() {
		return ErrBadFile
	}
	if offset < 0 {
		return ErrBadOffset
	}
	return nil
}

// Map creates a region of length bytes and returns its base.
//
// With MapFixed the region is placed at addr, which must be page aligned,
// inside the mappable range and not already mapped; otherwise addr is
// ignored and the lowest sufficient gap is used. Every page is backed by a
// zeroed frame at once and, unless MapAnonymous is set, filled from f
// starting at offset. f and offset are ignored for anonymous regions.
//
// On failure the returned address is MapFailed and nothing is left mapped.
func (as *AddressSpace) Map(addr uintptr, length int, prot Prot, flags Flags, f *file.File, offset int64) (uintptr, error) {
	if length <= 0 {
		return MapFailed, ErrBadLength
	}
	if err := validate(flags, prot, f, offset); err != nil {
		return MapFailed, err
	}
	if flags&MapAnonymous != 0 {
		f, offset = nil, 0
	}

	r := &Region{
		Length: mem.PageRoundUp(uintptr(length)),
		Prot:   prot,
		Flags:  flags,
		File:   f,
		Offset: offset,
	}
	if r.GrowsUp() {
		r.Headroom = GrowReserve
	}

	if flags&MapFixed != 0 {
		if err := as.checkFixed(addr, r.Length, r.Headroom); err != nil {
			return MapFailed, err
		}
		r.Base = addr
	} else {
		base, err := as.regions.FindGap(r.Pages(), r.GrowsUp())
		if err != nil {
			return MapFailed, err
		}
		r.Base = base
	}

	if err := as.install(r, true); err != nil {
		return MapFailed, err
	}

	as.log.Debug("mapped",
		zap.Uintptr("base", r.Base),
		zap.Int("pages", r.Pages()),
		zap.Stringer("flags", r.Flags))
	return r.Base, nil
}

func (as *AddressSpace) checkFixed(addr, length, headroom uintptr) error {
	if !mem.PageAligned(addr) {
		return ErrMisaligned
	}
	if addr < mem.MmapBase || addr >= mem.KernBase || mem.KernBase-addr < length+headroom {
		return ErrOutOfRange
	}
	if as.regions.Full() {
		return ErrNoSlot
	}
	for va := addr; va < addr+length; va += mem.PageSize {
		if as.pt.IsMapped(va) {
			return ErrAlreadyMapped
		}
	}
	if as.regions.overlaps(addr, addr+length+headroom, nil) {
		return ErrAlreadyMapped
	}
	return nil
}

// install backs every page of r with a fresh frame and registers it. With
// populate set, file-backed pages are read from the file. Any failure
// releases what this call acquired.
func (as *AddressSpace) install(r *Region, populate bool) error {
	perm := pagePerm(r.Prot)
	mapped := 0
	undo := func() {
		for i := 0; i < mapped; i++ {
			if f, err := as.pt.Unmap(r.Base + uintptr(i)*mem.PageSize); err == nil {
				as.frames.Put(f)
			}
		}
	}

	for i := 0; i < r.Pages(); i++ {
		va := r.Base + uintptr(i)*mem.PageSize
		f, err := as.frames.Alloc()
		if err != nil {
			undo()
			as.log.Warn("map out of frames", zap.Uintptr("va", va))
			return fmt.Errorf("%w: %w", ErrNoFrame, err)
		}
		f.Zero()
		if err := as.pt.Map(va, f, perm); err != nil {
			as.frames.Put(f)
			undo()
			as.log.Warn("page table install failed", zap.Uintptr("va", va), zap.Error(err))
			if errors.Is(err, frame.ErrOutOfMemory) {
				return fmt.Errorf("%w: %w", ErrNoFrame, err)
			}
			return err
		}
		mapped++

		if populate && r.FileBacked() {
			off := r.Offset + int64(i)*mem.PageSize
			if _, err := r.File.ReadAt(f.Data[:], off); err != nil && !errors.Is(err, io.EOF) {
				as.log.Warn("file read failed, page left zero",
					zap.Uintptr("va", va), zap.Int64("offset", off), zap.Error(err))
			}
		}
	}

	if err := as.regions.insert(r); err != nil {
		undo()
		return err
	}
	if r.File != nil {
		r.File.Dup()
	}
	return nil
}

// Unmap removes the region based at addr. Only whole regions can be
// unmapped: addr is rounded down and length up to page boundaries, and the
// result must name exactly one region.
func (as *AddressSpace) Unmap(addr uintptr, length int) error {
	if length <= 0 {
		return ErrBadLength
	}
	addr = mem.PageRoundDown(addr)
	size := mem.PageRoundUp(uintptr(length))

	r, ok := as.regions.At(addr)
	if !ok {
		if _, inside := as.regions.Lookup(addr); inside {
			return ErrPartialUnmap
		}
		return ErrNoRegion
	}
	if size != r.Length {
		return ErrPartialUnmap
	}

	as.release(r)
	return nil
}

// release tears down every page of r and frees its slot. Every page of a
// shared file-backed region is written back whole at its file offset first,
// extending the file when the mapping reaches past its end. A frame returns
// to the allocator only when no other address space still maps it.
func (as *AddressSpace) release(r *Region) {
	writeBack := r.Shared() && r.FileBacked()

	for i := 0; i < r.Pages(); i++ {
		va := r.Base + uintptr(i)*mem.PageSize
		pte, ok := as.pt.Lookup(va)
		if !ok {
			as.log.Warn("pte not present", zap.Uintptr("va", va), zap.Int("page", i))
			continue
		}

		if writeBack {
			off := r.Offset + int64(i)*mem.PageSize
			if _, err := r.File.WriteAt(pte.Frame.Data[:], off); err != nil {
				as.log.Warn("write back failed",
					zap.Uintptr("va", va), zap.Int64("offset", off), zap.Error(err))
			}
		}

		f, _ := as.pt.Unmap(va)
		as.frames.Put(f)
	}

	as.regions.remove(r)
	if r.File != nil {
		r.File.Close()
	}
	as.log.Debug("unmapped",
		zap.Uintptr("base", r.Base),
		zap.Int("pages", r.Pages()),
		zap.Bool("borrowed", r.Borrowed))
}

// Teardown unmaps every region, as a process does on exit. Frames shared
// with another live address space stay allocated.
func (as *AddressSpace) Teardown() {
	for _, r := range as.regions.sorted() {
		as.release(r)
	}
}

// Free releases the heap, any remaining mappings and the page table itself.
// The address space is unusable afterwards.
func (as *AddressSpace) Free() {
	as.Teardown()
	as.pt.Free()
}
