package vm

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"vmkernel/pkg/mem"
	"vmkernel/pkg/mem/frame"
	"vmkernel/pkg/mem/pagetable"
)

// Fault errors. Both wrap ErrSegv.
var (
	ErrNotMapped = fmt.Errorf("%w: address not mapped", ErrSegv)
	ErrProtect   = fmt.Errorf("%w: protection violation", ErrSegv)
)

// Translate resolves va to its frame and the offset within it. The boolean
// is false when no translation is present; a present page whose protection
// forbids the access yields ErrProtect.
func (as *AddressSpace) Translate(va uintptr, write bool) (*frame.Frame, int, bool, error) {
	pte, ok := as.pt.Lookup(va)
	if !ok {
		return nil, 0, false, nil
	}
	need := pagetable.PermRead
	if write {
		need = pagetable.PermWrite
	}
	if pte.Perm&need == 0 {
		return nil, 0, true, ErrProtect
	}
	return pte.Frame, int(va & (mem.PageSize - 1)), true, nil
}

// HandleFault resolves an access to va that found no translation. The only
// recoverable case is an access to the page just past a grows-upward
// region that still has headroom: the region is extended by that page.
// Everything else returns an error wrapping ErrSegv and the faulting
// process must be killed.
func (as *AddressSpace) HandleFault(va uintptr, write bool) error {
	if va >= mem.KernBase {
		return ErrNotMapped
	}
	if r, ok := as.regions.Lookup(va); ok {
		// Mapped pages never fault unless the access itself is forbidden.
		if write && r.Prot&ProtWrite == 0 || r.Prot == ProtNone {
			return ErrProtect
		}
		as.log.Warn("fault inside mapped region",
			zap.Uintptr("va", va), zap.Stringer("region", r))
		return ErrNotMapped
	}

	r := as.growCandidate(va)
	if r == nil {
		return ErrNotMapped
	}
	if write && r.Prot&ProtWrite == 0 || r.Prot == ProtNone {
		return ErrProtect
	}
	if err := as.extend(r); err != nil {
		return fmt.Errorf("%w: %w", ErrSegv, err)
	}
	return nil
}

// growCandidate returns the grows-upward region whose headroom page holds
// va.
func (as *AddressSpace) growCandidate(va uintptr) *Region {
	for _, r := range as.regions.slots {
		if r == nil || !r.GrowsUp() || r.Headroom < GrowReserve {
			continue
		}
		if va >= r.End() && va < r.End()+mem.PageSize {
			return r
		}
	}
	return nil
}

// extend maps one more page at the end of r and re-reserves headroom if the
// neighbouring region and the top of user space still leave room for both
// the next page and its slack. Otherwise the region stops growing and keeps
// only the slack page, which the old reservation already covered.
func (as *AddressSpace) extend(r *Region) error {
	va := r.End()
	f, err := as.frames.Alloc()
	if err != nil {
		return err
	}
	f.Zero()
	if err := as.pt.Map(va, f, pagePerm(r.Prot)); err != nil {
		as.frames.Put(f)
		return err
	}
	if r.FileBacked() {
		off := r.Offset + int64(r.Length)
		if _, err := r.File.ReadAt(f.Data[:], off); err != nil && !errors.Is(err, io.EOF) {
			as.log.Warn("file read failed, page left zero",
				zap.Uintptr("va", va), zap.Int64("offset", off), zap.Error(err))
		}
	}

	r.Length += mem.PageSize
	r.Headroom = mem.PageSize
	end := r.End()
	room := end <= mem.KernBase && mem.KernBase-end >= GrowReserve
	if nxt, ok := as.regions.next(end, r); ok && nxt.Base < end+GrowReserve {
		room = false
	}
	if room {
		r.Headroom = GrowReserve
	}

	as.log.Debug("region grown",
		zap.Uintptr("base", r.Base),
		zap.Int("pages", r.Pages()),
		zap.Bool("headroom", room))
	return nil
}

// CopyIn reads len(dst) bytes of user memory starting at va, resolving
// faults on the way.
func (as *AddressSpace) CopyIn(dst []byte, va uintptr) error {
	return as.copy(dst, va, false)
}

// CopyOut writes src into user memory starting at va, resolving faults on
// the way.
func (as *AddressSpace) CopyOut(va uintptr, src []byte) error {
	return as.copy(src, va, true)
}

func (as *AddressSpace) copy(buf []byte, va uintptr, write bool) error {
	for len(buf) > 0 {
		f, off, ok, err := as.Translate(va, write)
		if err != nil {
			return err
		}
		if !ok {
			if err := as.HandleFault(va, write); err != nil {
				return err
			}
			continue
		}
		var n int
		if write {
			n = copy(f.Data[off:], buf)
		} else {
			n = copy(buf, f.Data[off:])
		}
		buf = buf[n:]
		va += uintptr(n)
	}
	return nil
}
