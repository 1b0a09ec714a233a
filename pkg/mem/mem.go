// Package mem holds the address-space layout shared by the frame allocator,
// the page table and the region manager.
package mem

const (
	// PageShift is log2 of PageSize.
	PageShift = 12
	// PageSize is the size of a page and of a physical frame.
	PageSize = 1 << PageShift

	// MmapBase is the lowest address handed out to memory regions. The heap
	// grows from zero and must stay below it.
	MmapBase uintptr = 0x60000000
	// KernBase is the first address above user space. Regions end at or
	// below it.
	KernBase uintptr = 0x80000000
)

// PageRoundUp rounds sz up to a multiple of PageSize.
func PageRoundUp(sz uintptr) uintptr {
	return (sz + PageSize - 1) &^ (PageSize - 1)
}

// PageRoundDown rounds a down to a multiple of PageSize.
func PageRoundDown(a uintptr) uintptr {
	return a &^ (PageSize - 1)
}

// PageAligned reports whether a is a multiple of PageSize.
func PageAligned(a uintptr) bool {
	return a&(PageSize-1) == 0
}

// Pages returns the number of pages needed to hold n bytes.
func Pages(n uintptr) int {
	return int(PageRoundUp(n) >> PageShift)
}
