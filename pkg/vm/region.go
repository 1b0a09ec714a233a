package vm

import (
	"errors"
	"fmt"
	"strings"

	"vmkernel/pkg/file"
	"vmkernel/pkg/mem"
)

// Error classes. Every error returned by Map and Unmap wraps one of them.
var (
	// ErrInvalidArgument is rejected input; no state was changed.
	ErrInvalidArgument = errors.New("vm: invalid argument")
	// ErrExhausted means a table, the address range or physical memory
	// ran out. Anything acquired by the failing call has been released.
	ErrExhausted = errors.New("vm: resource exhausted")
	// ErrSegv is an unrecoverable fault. The faulting process must die.
	ErrSegv = errors.New("vm: segmentation fault")
)

// Argument errors.
var (
	ErrMisaligned    = fmt.Errorf("%w: address not page aligned", ErrInvalidArgument)
	ErrBadLength     = fmt.Errorf("%w: length must be positive", ErrInvalidArgument)
	ErrBadFlags      = fmt.Errorf("%w: invalid flag combination", ErrInvalidArgument)
	ErrBadProt       = fmt.Errorf("%w: invalid protection", ErrInvalidArgument)
	ErrBadFile       = fmt.Errorf("%w: bad file for mapping", ErrInvalidArgument)
	ErrBadOffset     = fmt.Errorf("%w: negative file offset", ErrInvalidArgument)
	ErrOutOfRange    = fmt.Errorf("%w: address outside mappable range", ErrInvalidArgument)
	ErrAlreadyMapped = fmt.Errorf("%w: address already mapped", ErrInvalidArgument)
	ErrNoRegion      = fmt.Errorf("%w: no region at address", ErrInvalidArgument)
	ErrPartialUnmap  = fmt.Errorf("%w: partial unmap not supported", ErrInvalidArgument)
	ErrHeapOverlap   = fmt.Errorf("%w: heap would reach mapping area", ErrInvalidArgument)
)

// Exhaustion errors.
var (
	ErrNoSlot  = fmt.Errorf("%w: region table full", ErrExhausted)
	ErrNoSpace = fmt.Errorf("%w: no gap large enough", ErrExhausted)
	ErrNoFrame = fmt.Errorf("%w: out of physical memory", ErrExhausted)
)

// IsArgumentError reports whether err is a rejected-input error.
func IsArgumentError(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// Prot is the protection of a region.
type Prot uint32

const (
	ProtNone  Prot = 0x0
	ProtRead  Prot = 0x1
	ProtWrite Prot = 0x2
)

// Flags selects the mapping class, placement and growth of a region.
type Flags uint32

const (
	MapPrivate   Flags = 0x0001
	MapShared    Flags = 0x0002
	MapAnonymous Flags = 0x0004
	MapFixed     Flags = 0x0008
	MapGrowsUp   Flags = 0x0010

	knownFlags = MapPrivate | MapShared | MapAnonymous | MapFixed | MapGrowsUp
)

func (f Flags) String() string {
	var parts []string
	for _, b := range []struct {
		flag Flags
		name string
	}{
		{MapPrivate, "PRIVATE"},
		{MapShared, "SHARED"},
		{MapAnonymous, "ANONYMOUS"},
		{MapFixed, "FIXED"},
		{MapGrowsUp, "GROWSUP"},
	} {
		if f&b.flag != 0 {
			parts = append(parts, b.name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// MapFailed is the address value reported alongside a failed Map.
const MapFailed = ^uintptr(0)

// Region is a contiguous range of mapped pages with uniform protection and
// backing.
type Region struct {
	// Base is the page-aligned first address.
	Base uintptr
	// Length is the mapped size in bytes, a multiple of the page size.
	Length uintptr
	Prot   Prot
	Flags  Flags
	// File backs the region when it is not anonymous. The region holds
	// its own reference.
	File   *file.File
	Offset int64
	// Borrowed marks a fork child's copy of a shared region: its frames
	// were installed from the parent rather than allocated here.
	Borrowed bool
	// Headroom is address space claimed past End for a grows-upward
	// region: the page the next fault may extend into plus one page of
	// slack that keeps the grown region off its neighbour. Once growth
	// has stopped only the slack page stays claimed.
	Headroom uintptr
}

// GrowReserve is the headroom a grows-upward region claims past its end.
const GrowReserve uintptr = 2 * mem.PageSize

// End returns the first address past the mapped pages.
func (r *Region) End() uintptr { return r.Base + r.Length }

// Pages returns the number of mapped pages.
func (r *Region) Pages() int { return int(r.Length >> mem.PageShift) }

// Shared reports whether fork aliases the region's frames.
func (r *Region) Shared() bool { return r.Flags&MapShared != 0 }

// FileBacked reports whether page contents come from a file.
func (r *Region) FileBacked() bool { return r.File != nil }

// GrowsUp reports whether the region may extend by faulting past its end.
func (r *Region) GrowsUp() bool { return r.Flags&MapGrowsUp != 0 }

// Contains reports whether va lies inside the mapped pages.
func (r *Region) Contains(va uintptr) bool {
	return va >= r.Base && va < r.End()
}

// reservedEnd is the end of the address range the region claims: the
// mapped pages plus any headroom.
func (r *Region) reservedEnd() uintptr {
	return r.End() + r.Headroom
}

func (r *Region) String() string {
	return fmt.Sprintf("[%#x-%#x %s]", r.Base, r.End(), r.Flags)
}
