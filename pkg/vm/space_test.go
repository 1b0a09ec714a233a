package vm

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmkernel/pkg/file"
	"vmkernel/pkg/mem"
	"vmkernel/pkg/mem/frame"
	"vmkernel/pkg/vfs"
)

const (
	anonPrivate = MapPrivate | MapAnonymous
	anonShared  = MapShared | MapAnonymous
	rw          = ProtRead | ProtWrite
)

func page(n int) uintptr { return uintptr(n) * mem.PageSize }

func newSpace(t *testing.T, nframes int) (*AddressSpace, *frame.Allocator) {
	t.Helper()
	frames := frame.New(nframes, nil)
	as, err := New(frames, Options{MaxRegions: DefaultMaxRegions})
	require.NoError(t, err)
	return as, frames
}

func mustMap(t *testing.T, as *AddressSpace, addr uintptr, length int, flags Flags) uintptr {
	t.Helper()
	base, err := as.Map(addr, length, rw, flags, nil, 0)
	require.NoError(t, err)
	return base
}

func TestMapValidation(t *testing.T) {
	as, frames := newSpace(t, 64)
	free := frames.FreeCount()

	tests := []struct {
		name   string
		addr   uintptr
		length int
		prot   Prot
		flags  Flags
		want   error
	}{
		{"zero length", 0, 0, rw, anonPrivate, ErrBadLength},
		{"negative length", 0, -4096, rw, anonPrivate, ErrBadLength},
		{"private and shared", 0, 4096, rw, MapPrivate | MapShared | MapAnonymous, ErrBadFlags},
		{"neither private nor shared", 0, 4096, rw, MapAnonymous, ErrBadFlags},
		{"unknown flag", 0, 4096, rw, anonPrivate | 0x100, ErrBadFlags},
		{"unknown prot", 0, 4096, 0x4, anonPrivate, ErrBadProt},
		{"file mapping without file", 0, 4096, rw, MapPrivate, ErrBadFile},
		{"fixed misaligned", mem.MmapBase + 12, 4096, rw, anonPrivate | MapFixed, ErrMisaligned},
		{"fixed below base", mem.MmapBase - mem.PageSize, 4096, rw, anonPrivate | MapFixed, ErrOutOfRange},
		{"fixed past top", mem.KernBase - mem.PageSize, 2 * 4096, rw, anonPrivate | MapFixed, ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := as.Map(tt.addr, tt.length, tt.prot, tt.flags, nil, 0)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsArgumentError(err))
			assert.Equal(t, MapFailed, addr)
		})
	}
	assert.Zero(t, as.Regions().Len())
	assert.Equal(t, free, frames.FreeCount())
}

func TestMapRoundsLengthUp(t *testing.T) {
	as, _ := newSpace(t, 16)
	base := mustMap(t, as, 0, 100, anonPrivate)
	assert.Equal(t, mem.MmapBase, base)

	r, ok := as.Regions().At(base)
	require.True(t, ok)
	assert.Equal(t, mem.PageSize, int(r.Length))
	assert.True(t, as.PageTable().IsMapped(base))
}

func TestMapUnmapRestoresState(t *testing.T) {
	as, frames := newSpace(t, 32)

	// The first mapping also allocates the page-table page.
	base := mustMap(t, as, 0, 4096, anonPrivate)
	require.NoError(t, as.Unmap(base, 4096))
	free := frames.FreeCount()

	base = mustMap(t, as, 0, 3*4096, anonPrivate)
	assert.Equal(t, 1, as.Regions().Len())
	assert.Equal(t, free-3, frames.FreeCount())

	require.NoError(t, as.Unmap(base, 3*4096))
	assert.Zero(t, as.Regions().Len())
	assert.Zero(t, as.PageTable().Mapped())
	assert.Equal(t, free, frames.FreeCount())
	for i := 0; i < 3; i++ {
		assert.False(t, as.PageTable().IsMapped(base+page(i)))
	}
}

func TestFirstFitPlacement(t *testing.T) {
	as, _ := newSpace(t, 64)

	a := mustMap(t, as, 0, 4096, anonPrivate)
	b := mustMap(t, as, 0, 2*4096, anonPrivate)
	c := mustMap(t, as, 0, 4096, anonPrivate)
	d := mustMap(t, as, 0, 4096, anonPrivate)
	assert.Equal(t, []uintptr{mem.MmapBase, mem.MmapBase + page(1), mem.MmapBase + page(3), mem.MmapBase + page(4)},
		[]uintptr{a, b, c, d})

	require.NoError(t, as.Unmap(a, 4096))
	require.NoError(t, as.Unmap(c, 4096))

	// Gaps are now one page at a, one page at c and the tail after d.
	assert.Equal(t, mem.MmapBase+page(5), mustMap(t, as, 0, 2*4096, anonPrivate))
	assert.Equal(t, a, mustMap(t, as, 0, 4096, anonPrivate))
	assert.Equal(t, c, mustMap(t, as, 0, 4096, anonPrivate))
}

func TestFixedPlacement(t *testing.T) {
	as, frames := newSpace(t, 32)

	addr := mem.MmapBase + page(10)
	assert.Equal(t, addr, mustMap(t, as, addr, 2*4096, anonPrivate|MapFixed))

	free := frames.FreeCount()
	got, err := as.Map(addr+mem.PageSize, 4096, rw, anonPrivate|MapFixed, nil, 0)
	assert.ErrorIs(t, err, ErrAlreadyMapped)
	assert.Equal(t, MapFailed, got)
	assert.Equal(t, 1, as.Regions().Len())
	assert.Equal(t, free, frames.FreeCount())

	// A dynamic request is placed below the fixed region when it fits.
	assert.Equal(t, mem.MmapBase, mustMap(t, as, 0, 4096, anonPrivate))
}

func TestNoOverlapUnderRandomMaps(t *testing.T) {
	as, _ := newSpace(t, 1024)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		pages := 1 + rng.Intn(4)
		flags := anonPrivate
		if rng.Intn(3) == 0 {
			flags |= MapGrowsUp
		}
		addr := uintptr(0)
		if rng.Intn(2) == 0 {
			flags |= MapFixed
			addr = mem.MmapBase + page(rng.Intn(64))
		}
		base, err := as.Map(addr, pages*4096, rw, flags, nil, 0)
		if err == nil && rng.Intn(4) == 0 {
			r, _ := as.Regions().At(base)
			require.NoError(t, as.Unmap(base, int(r.Length)))
		}
	}

	regions := as.Regions().Regions()
	for i := 1; i < len(regions); i++ {
		prev := regions[i-1]
		assert.LessOrEqual(t, prev.End()+prev.Headroom, regions[i].Base,
			"%s overlaps %s", prev.String(), regions[i].String())
	}
}

func TestRegionTableExhaustion(t *testing.T) {
	frames := frame.New(64, nil)
	as, err := New(frames, Options{MaxRegions: 2})
	require.NoError(t, err)

	mustMap(t, as, 0, 4096, anonPrivate)
	mustMap(t, as, 0, 4096, anonPrivate)
	free := frames.FreeCount()

	_, err = as.Map(0, 4096, rw, anonPrivate, nil, 0)
	assert.ErrorIs(t, err, ErrNoSlot)
	assert.ErrorIs(t, err, ErrExhausted)
	_, err = as.Map(mem.MmapBase+page(8), 4096, rw, anonPrivate|MapFixed, nil, 0)
	assert.ErrorIs(t, err, ErrNoSlot)
	assert.Equal(t, free, frames.FreeCount())
}

func TestOutOfFramesUnwinds(t *testing.T) {
	// Directory, page-table page and three data frames.
	as, frames := newSpace(t, 5)
	mustMap(t, as, 0, 4096, anonPrivate)
	free := frames.FreeCount()
	require.Equal(t, 2, free)

	_, err := as.Map(0, 3*4096, rw, anonPrivate, nil, 0)
	assert.ErrorIs(t, err, ErrNoFrame)
	assert.Equal(t, free, frames.FreeCount())
	assert.Equal(t, 1, as.Regions().Len())
	assert.False(t, as.PageTable().IsMapped(mem.MmapBase+page(1)))
}

func TestRemapReadsZero(t *testing.T) {
	as, _ := newSpace(t, 16)
	base := mustMap(t, as, 0, 4096, anonPrivate)
	require.NoError(t, as.CopyOut(base+10, []byte("dirty")))
	require.NoError(t, as.Unmap(base, 4096))

	again := mustMap(t, as, base, 4096, anonPrivate|MapFixed)
	buf := make([]byte, 4096)
	require.NoError(t, as.CopyIn(buf, again))
	assert.Equal(t, make([]byte, 4096), buf)
}

func TestUnmapErrors(t *testing.T) {
	as, _ := newSpace(t, 16)
	base := mustMap(t, as, 0, 2*4096, anonPrivate)

	assert.ErrorIs(t, as.Unmap(base, 0), ErrBadLength)
	assert.ErrorIs(t, as.Unmap(base, 4096), ErrPartialUnmap)
	assert.ErrorIs(t, as.Unmap(base+mem.PageSize, 4096), ErrPartialUnmap)
	assert.ErrorIs(t, as.Unmap(base+page(5), 4096), ErrNoRegion)
	assert.Equal(t, 1, as.Regions().Len())

	// Unaligned arguments are rounded to the region.
	require.NoError(t, as.Unmap(base+7, 2*4096-100))
	assert.Zero(t, as.Regions().Len())
}

func TestProtection(t *testing.T) {
	as, _ := newSpace(t, 16)
	ro, err := as.Map(0, 4096, ProtRead, anonPrivate, nil, 0)
	require.NoError(t, err)
	none, err := as.Map(0, 4096, ProtNone, anonPrivate, nil, 0)
	require.NoError(t, err)

	buf := make([]byte, 4)
	require.NoError(t, as.CopyIn(buf, ro))
	assert.ErrorIs(t, as.CopyOut(ro, buf), ErrProtect)
	assert.ErrorIs(t, as.CopyIn(buf, none), ErrSegv)
	assert.ErrorIs(t, as.CopyIn(buf, mem.MmapBase+page(100)), ErrNotMapped)
}

func TestTeardownFreesPrivateFrames(t *testing.T) {
	as, frames := newSpace(t, 32)
	mustMap(t, as, 0, 3*4096, anonPrivate)
	mustMap(t, as, 0, 2*4096, anonShared)
	before := frames.FreeCount()

	as.Teardown()
	assert.Equal(t, before+5, frames.FreeCount())
	assert.Zero(t, as.Regions().Len())

	as.Free()
	assert.Equal(t, frames.Total(), frames.FreeCount())
}

func TestHeapGrowShrink(t *testing.T) {
	as, frames := newSpace(t, 16)
	free := frames.FreeCount()

	sz, err := as.Grow(5000)
	require.NoError(t, err)
	assert.Equal(t, uintptr(5000), sz)
	// Two data pages and one page-table page.
	assert.Equal(t, free-3, frames.FreeCount())
	require.NoError(t, as.CopyOut(4990, []byte("0123456789")))

	assert.Equal(t, uintptr(100), as.Shrink(4900))
	assert.False(t, as.PageTable().IsMapped(mem.PageSize))
	assert.True(t, as.PageTable().IsMapped(0))

	_, err = as.Grow(mem.MmapBase)
	assert.ErrorIs(t, err, ErrHeapOverlap)
	assert.Equal(t, uintptr(100), as.Size())
}

func TestFileBackedSharedWriteBack(t *testing.T) {
	fs := vfs.New(nil)
	content := bytes.Repeat([]byte("abcd"), 1250) // 5000 bytes
	require.NoError(t, fs.WriteFile("/data", content))
	ip, err := fs.Lookup("/data")
	require.NoError(t, err)
	f := file.Open(ip, file.ORdWr)
	defer f.Close()

	as, _ := newSpace(t, 32)
	base, err := as.Map(0, 8192, rw, MapShared, f, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Refs())

	buf := make([]byte, 8)
	require.NoError(t, as.CopyIn(buf, base+4096))
	assert.Equal(t, "abcdabcd", string(buf))
	require.NoError(t, as.CopyIn(buf, base+4996))
	assert.Equal(t, []byte{'a', 'b', 'c', 'd', 0, 0, 0, 0}, buf)

	require.NoError(t, as.CopyOut(base+4096, []byte("WXYZ")))
	require.NoError(t, as.CopyOut(base+6000, []byte("past end")))
	require.NoError(t, as.Unmap(base, 8192))
	assert.Equal(t, 1, f.Refs())

	// Both pages go back whole, so the file now covers the mapping.
	got, err := fs.ReadFile("/data")
	require.NoError(t, err)
	assert.Len(t, got, 8192)
	assert.Equal(t, content[:4096], got[:4096])
	assert.Equal(t, "WXYZ", string(got[4096:4100]))
	assert.Equal(t, content[4100:], got[4100:5000])
	assert.Equal(t, "past end", string(got[6000:6008]))
}

func TestFileBackedSharedWriteBackGrowsEmptyFile(t *testing.T) {
	fs := vfs.New(nil)
	ip, err := fs.Create("/empty")
	require.NoError(t, err)
	f := file.Open(ip, file.ORdWr)
	defer f.Close()

	as, _ := newSpace(t, 16)
	base, err := as.Map(0, 4096, rw, MapShared, f, 4096)
	require.NoError(t, err)
	require.NoError(t, as.CopyOut(base, []byte("hello")))
	require.NoError(t, as.Unmap(base, 4096))

	got, err := fs.ReadFile("/empty")
	require.NoError(t, err)
	require.Len(t, got, 8192)
	assert.Equal(t, make([]byte, 4096), got[:4096])
	assert.Equal(t, "hello", string(got[4096:4101]))
}

func TestFileBackedPrivateNoWriteBack(t *testing.T) {
	fs := vfs.New(nil)
	require.NoError(t, fs.WriteFile("/ro", []byte("hello world")))
	ip, err := fs.Lookup("/ro")
	require.NoError(t, err)
	f := file.Open(ip, file.ORdOnly)
	defer f.Close()

	as, _ := newSpace(t, 16)
	_, err = as.Map(0, 4096, rw, MapShared, f, 0)
	assert.ErrorIs(t, err, ErrBadFile)
	_, err = as.Map(0, 4096, rw, MapPrivate, f, -1)
	assert.ErrorIs(t, err, ErrBadOffset)

	base, err := as.Map(0, 4096, rw, MapPrivate, f, 6)
	require.NoError(t, err)
	buf := make([]byte, 5)
	require.NoError(t, as.CopyIn(buf, base))
	assert.Equal(t, "world", string(buf))

	require.NoError(t, as.CopyOut(base, []byte("WORLD")))
	require.NoError(t, as.Unmap(base, 4096))
	got, err := fs.ReadFile("/ro")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestRegionsSnapshot(t *testing.T) {
	as, _ := newSpace(t, 16)
	b := mustMap(t, as, 0, 4096, anonShared)
	a := mustMap(t, as, mem.MmapBase+page(4), 4096, anonPrivate|MapFixed|MapGrowsUp)

	want := []Region{
		{Base: b, Length: mem.PageSize, Prot: rw, Flags: anonShared},
		{Base: a, Length: mem.PageSize, Prot: rw, Flags: anonPrivate | MapFixed | MapGrowsUp, Headroom: GrowReserve},
	}
	got := as.Regions().Regions()
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Region{}, "File")); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
}
