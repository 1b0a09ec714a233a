package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmkernel/pkg/klog"
)

func TestAllocExhaustion(t *testing.T) {
	a := New(2, nil)
	assert.Equal(t, 2, a.FreeCount())

	f1, err := a.Alloc()
	require.NoError(t, err)
	f2, err := a.Alloc()
	require.NoError(t, err)
	assert.NotEqual(t, f1.Num(), f2.Num())
	assert.Equal(t, 0, a.FreeCount())

	_, err = a.Alloc()
	assert.ErrorIs(t, err, ErrOutOfMemory)

	assert.True(t, a.Put(f1))
	assert.Equal(t, 1, a.FreeCount())

	f3, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, f1.Num(), f3.Num())
}

func TestSharedFrameFreedOnLastPut(t *testing.T) {
	a := New(4, nil)
	f, err := a.Alloc()
	require.NoError(t, err)

	a.Dup(f)
	a.Dup(f)
	assert.Equal(t, 3, a.Refs(f))

	assert.False(t, a.Put(f))
	assert.False(t, a.Put(f))
	assert.Equal(t, 3, a.FreeCount())

	assert.True(t, a.Put(f))
	assert.Equal(t, 4, a.FreeCount())
}

func TestPutFillsJunk(t *testing.T) {
	a := New(1, nil)
	f, err := a.Alloc()
	require.NoError(t, err)
	f.Zero()
	a.Put(f)
	assert.Equal(t, byte(junk), f.Data[0])
	assert.Equal(t, byte(junk), f.Data[len(f.Data)-1])
}

func TestDoubleFreePanics(t *testing.T) {
	a := New(1, nil)
	f, err := a.Alloc()
	require.NoError(t, err)
	a.Put(f)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		_, ok := r.(*klog.KernelPanic)
		assert.True(t, ok, "panic value = %T, want *klog.KernelPanic", r)
	}()
	a.Put(f)
}
