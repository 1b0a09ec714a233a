package vm

import (
	"sort"

	"go.uber.org/zap"

	"vmkernel/pkg/klog"
	"vmkernel/pkg/mem"
)

// DefaultMaxRegions is the per-process region limit.
const DefaultMaxRegions = 32

// RegionTable is a fixed-capacity, unordered set of non-overlapping regions.
// A nil slot is empty.
type RegionTable struct {
	slots []*Region
	count int
	log   *zap.Logger
}

// NewRegionTable creates an empty table with room for capacity regions.
func NewRegionTable(capacity int, log *zap.Logger) *RegionTable {
	if capacity <= 0 {
		capacity = DefaultMaxRegions
	}
	return &RegionTable{
		slots: make([]*Region, capacity),
		log:   klog.OrNop(log),
	}
}

// Len returns the number of occupied slots.
func (t *RegionTable) Len() int { return t.count }

// Cap returns the number of slots.
func (t *RegionTable) Cap() int { return len(t.slots) }

// Full reports whether no slot is free.
func (t *RegionTable) Full() bool { return t.count >= len(t.slots) }

// insert stores r in the first empty slot.
func (t *RegionTable) insert(r *Region) error {
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = r
			t.count++
			return nil
		}
	}
	return ErrNoSlot
}

// remove clears the slot holding r.
func (t *RegionTable) remove(r *Region) {
	for i, s := range t.slots {
		if s == r {
			t.slots[i] = nil
			t.count--
			return
		}
	}
	klog.Panic(t.log, "remove of unknown region", zap.Uintptr("base", r.Base))
}

// At returns the region whose base is exactly base.
func (t *RegionTable) At(base uintptr) (*Region, bool) {
	for _, s := range t.slots {
		if s != nil && s.Base == base {
			return s, true
		}
	}
	return nil, false
}

// Lookup returns the region whose mapped pages contain va.
func (t *RegionTable) Lookup(va uintptr) (*Region, bool) {
	for _, s := range t.slots {
		if s != nil && s.Contains(va) {
			return s, true
		}
	}
	return nil, false
}

// overlaps reports whether [start, end) intersects the range claimed by any
// region other than skip.
func (t *RegionTable) overlaps(start, end uintptr, skip *Region) bool {
	for _, s := range t.slots {
		if s == nil || s == skip {
			continue
		}
		if start < s.reservedEnd() && s.Base < end {
			return true
		}
	}
	return false
}

// next returns the lowest-based region starting at or above va, excluding
// skip.
func (t *RegionTable) next(va uintptr, skip *Region) (*Region, bool) {
	var best *Region
	for _, s := range t.slots {
		if s == nil || s == skip || s.Base < va {
			continue
		}
		if best == nil || s.Base < best.Base {
			best = s
		}
	}
	return best, best != nil
}

// sorted returns the occupied slots ordered by base. A view in which two
// regions overlap means the table was corrupted.
func (t *RegionTable) sorted() []*Region {
	view := make([]*Region, 0, t.count)
	for _, s := range t.slots {
		if s != nil {
			view = append(view, s)
		}
	}
	if len(view) != t.count {
		klog.Panic(t.log, "region count mismatch",
			zap.Int("count", t.count), zap.Int("occupied", len(view)))
	}
	sort.Slice(view, func(i, j int) bool { return view[i].Base < view[j].Base })

	for i, r := range view {
		if !mem.PageAligned(r.Base) || r.Length == 0 || !mem.PageAligned(r.Length) {
			klog.Panic(t.log, "malformed region", zap.Stringer("region", r))
		}
		if i > 0 && view[i-1].reservedEnd() > r.Base {
			klog.Panic(t.log, "overlapping regions",
				zap.Stringer("prev", view[i-1]), zap.Stringer("next", r))
		}
	}
	return view
}

// Regions returns a copy of every region ordered by base.
func (t *RegionTable) Regions() []Region {
	view := t.sorted()
	out := make([]Region, len(view))
	for i, r := range view {
		out[i] = *r
	}
	return out
}

// FindGap returns the lowest base in [mem.MmapBase, mem.KernBase) with room
// for pages pages. For a grows-upward request the gap must also hold the
// GrowReserve headroom, which the region goes on to claim.
func (t *RegionTable) FindGap(pages int, growsUp bool) (uintptr, error) {
	if pages <= 0 {
		return 0, ErrBadLength
	}
	if t.Full() {
		return 0, ErrNoSlot
	}

	need := uintptr(pages) * mem.PageSize
	if growsUp {
		need += GrowReserve
	}

	prevEnd := mem.MmapBase
	for _, r := range t.sorted() {
		if r.Base >= prevEnd && r.Base-prevEnd >= need {
			return prevEnd, nil
		}
		if end := r.reservedEnd(); end > prevEnd {
			prevEnd = end
		}
	}
	if prevEnd <= mem.KernBase && mem.KernBase-prevEnd >= need {
		return prevEnd, nil
	}
	return 0, ErrNoSpace
}
