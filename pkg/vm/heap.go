package vm

import (
	"fmt"

	"vmkernel/pkg/mem"
	"vmkernel/pkg/mem/pagetable"
)

const heapPerm = pagetable.PermUser | pagetable.PermRead | pagetable.PermWrite

// Size returns the heap size in bytes.
func (as *AddressSpace) Size() uintptr { return as.sz }

// Grow extends the heap by n bytes and returns the new size. The heap may
// not reach mem.MmapBase.
func (as *AddressSpace) Grow(n uintptr) (uintptr, error) {
	oldsz := as.sz
	newsz := oldsz + n
	if newsz < oldsz || newsz > mem.MmapBase {
		return oldsz, ErrHeapOverlap
	}

	for va := mem.PageRoundUp(oldsz); va < newsz; va += mem.PageSize {
		f, err := as.frames.Alloc()
		if err != nil {
			as.unmapHeap(mem.PageRoundUp(oldsz), va)
			return oldsz, fmt.Errorf("%w: %w", ErrNoFrame, err)
		}
		f.Zero()
		if err := as.pt.Map(va, f, heapPerm); err != nil {
			as.frames.Put(f)
			as.unmapHeap(mem.PageRoundUp(oldsz), va)
			return oldsz, fmt.Errorf("%w: %w", ErrNoFrame, err)
		}
	}
	as.sz = newsz
	return newsz, nil
}

// Shrink releases the top n bytes of the heap and returns the new size.
func (as *AddressSpace) Shrink(n uintptr) uintptr {
	if n > as.sz {
		n = as.sz
	}
	newsz := as.sz - n
	as.unmapHeap(mem.PageRoundUp(newsz), mem.PageRoundUp(as.sz))
	as.sz = newsz
	return newsz
}

func (as *AddressSpace) unmapHeap(from, to uintptr) {
	for va := from; va < to; va += mem.PageSize {
		if f, err := as.pt.Unmap(va); err == nil {
			as.frames.Put(f)
		}
	}
}
