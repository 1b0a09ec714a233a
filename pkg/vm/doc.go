// Package vm implements per-process user address spaces.
//
// An address space pairs a page table with a fixed-capacity region table.
// The heap occupies [0, Size) and grows through Grow and Shrink. Memory
// regions live in [mem.MmapBase, mem.KernBase) and are created by Map and
// destroyed by Unmap or Teardown. Regions are private or shared, anonymous
// or file-backed, placed at a fixed address or at the lowest free gap, and
// may grow upward one page at a time through HandleFault.
//
// Physical frames are reference counted. A shared region survives fork by
// handing the child new references to the same frames; a frame returns to
// the allocator only when its last mapping goes away.
package vm
