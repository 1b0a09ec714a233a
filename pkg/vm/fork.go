package vm

import (
	"fmt"

	"go.uber.org/zap"

	"vmkernel/pkg/mem"
)

// Clone populates child, a fresh address space, from as.
//
// The heap is copied page by page. A shared region is installed in the
// child over the very same frames, each gaining a reference, and the
// child's copy is marked Borrowed. A private region is mapped into the child
// at the same address with the same flags and its contents copied byte for
// byte. Every region's file gains a reference.
//
// On failure child may hold a partial copy and must be freed by the caller;
// as is never modified.
func (as *AddressSpace) Clone(child *AddressSpace) error {
	if err := as.pt.Copy(child.pt, as.sz); err != nil {
		return fmt.Errorf("%w: %w", ErrNoFrame, err)
	}
	child.sz = as.sz

	for _, r := range as.regions.sorted() {
		var err error
		if r.Shared() {
			err = child.borrow(as, r)
		} else {
			err = child.duplicate(as, r)
		}
		if err != nil {
			child.log.Warn("fork region copy failed", zap.Stringer("region", r), zap.Error(err))
			return err
		}
	}
	return nil
}

// borrow installs the frames backing parent's shared region r.
func (as *AddressSpace) borrow(parent *AddressSpace, r *Region) error {
	for i := 0; i < r.Pages(); i++ {
		va := r.Base + uintptr(i)*mem.PageSize
		pte, ok := parent.pt.Lookup(va)
		if !ok {
			continue
		}
		f := as.frames.Dup(pte.Frame)
		if err := as.pt.Map(va, f, pte.Perm); err != nil {
			as.frames.Put(f)
			return fmt.Errorf("%w: %w", ErrNoFrame, err)
		}
	}

	cp := *r
	cp.Borrowed = true
	if err := as.regions.insert(&cp); err != nil {
		return err
	}
	if cp.File != nil {
		cp.File.Dup()
	}
	return nil
}

// duplicate maps a private copy of parent's region r.
func (as *AddressSpace) duplicate(parent *AddressSpace, r *Region) error {
	cp := *r
	cp.Borrowed = false
	if err := as.install(&cp, false); err != nil {
		return err
	}
	for i := 0; i < r.Pages(); i++ {
		va := r.Base + uintptr(i)*mem.PageSize
		src, ok := parent.pt.Lookup(va)
		if !ok {
			continue
		}
		dst, _ := as.pt.Lookup(va)
		dst.Frame.Data = src.Frame.Data
	}
	return nil
}
