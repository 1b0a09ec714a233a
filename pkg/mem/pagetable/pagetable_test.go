package pagetable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmkernel/pkg/mem"
	"vmkernel/pkg/mem/frame"
)

func TestMapTranslateUnmap(t *testing.T) {
	frames := frame.New(16, nil)
	pt, err := New(frames)
	require.NoError(t, err)

	f, err := frames.Alloc()
	require.NoError(t, err)
	f.Zero()
	f.Data[5] = 'x'

	va := mem.MmapBase + 3*mem.PageSize
	require.NoError(t, pt.Map(va, f, PermUser|PermRead|PermWrite))
	assert.True(t, pt.IsMapped(va+100))
	assert.False(t, pt.IsMapped(va+mem.PageSize))
	assert.Equal(t, 1, pt.Mapped())

	got, off, ok := pt.Translate(va + 5)
	require.True(t, ok)
	assert.Equal(t, 5, off)
	assert.Equal(t, byte('x'), got.Data[off])

	assert.ErrorIs(t, pt.Map(va, f, PermUser), ErrRemap)

	unmapped, err := pt.Unmap(va)
	require.NoError(t, err)
	assert.Same(t, f, unmapped)
	assert.False(t, pt.IsMapped(va))
	assert.Equal(t, 0, pt.Mapped())

	_, err = pt.Unmap(va)
	assert.ErrorIs(t, err, ErrNotPresent)
}

func TestPageTablePagesChargedToAllocator(t *testing.T) {
	frames := frame.New(3, nil)
	pt, err := New(frames) // directory
	require.NoError(t, err)

	f, err := frames.Alloc()
	require.NoError(t, err)

	// The page-table page for this directory slot takes the last frame.
	require.NoError(t, pt.Map(mem.MmapBase, f, PermUser))
	assert.Equal(t, 0, frames.FreeCount())

	// A second 4 MiB slot needs another page-table page.
	err = pt.Map(mem.MmapBase+(1<<22), f, PermUser)
	assert.ErrorIs(t, err, frame.ErrOutOfMemory)
}

func TestCopyAndFree(t *testing.T) {
	frames := frame.New(32, nil)
	before := frames.FreeCount()

	src, err := New(frames)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		f, err := frames.Alloc()
		require.NoError(t, err)
		f.Zero()
		f.Data[0] = byte('a' + i)
		require.NoError(t, src.Map(uintptr(i)*mem.PageSize, f, PermUser|PermRead|PermWrite))
	}

	dst, err := New(frames)
	require.NoError(t, err)
	require.NoError(t, src.Copy(dst, 3*mem.PageSize))

	for i := 0; i < 3; i++ {
		sf, _, ok := src.Translate(uintptr(i) * mem.PageSize)
		require.True(t, ok)
		df, _, ok := dst.Translate(uintptr(i) * mem.PageSize)
		require.True(t, ok)
		assert.NotSame(t, sf, df)
		assert.Equal(t, sf.Data[0], df.Data[0])
	}

	src.Free()
	dst.Free()
	assert.Equal(t, before, frames.FreeCount())
}
