package sim

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gospi/core"
)

func TestMemoryAccounting(t *testing.T) {
	m := NewMemory(32)

	buf, err := m.Alloc(10)
	require.NoError(t, err)
	assert.Len(t, buf, 10)
	assert.Zero(t, uintptr(unsafe.Pointer(&buf[0]))%4)

	a, err := m.Map(buf, core.ToDevice)
	require.NoError(t, err)
	assert.Equal(t, base32, a)

	b, err := m.Map(make([]byte, 100), core.FromDevice)
	require.NoError(t, err)
	assert.Equal(t, base32+64, b)

	allocs, maps := m.Outstanding()
	assert.Equal(t, 1, allocs)
	assert.Equal(t, 2, maps)

	assert.ErrorIs(t, m.Unmap(a, 10, core.FromDevice), ErrBadUnmap)
	require.NoError(t, m.Unmap(a, 10, core.ToDevice))
	require.NoError(t, m.Unmap(b, 100, core.FromDevice))
	assert.ErrorIs(t, m.Unmap(b, 100, core.FromDevice), ErrBadUnmap)
	m.Free(buf)

	allocs, maps = m.Outstanding()
	assert.Zero(t, allocs)
	assert.Zero(t, maps)
	assert.Equal(t, MemStats{Allocs: 1, Frees: 1, Maps: 2, Unmaps: 2, BytesMapped: 110, MaxOutstanding: 2}, m.Stats())
}

func TestMemoryHighAddresses(t *testing.T) {
	m := NewMemory(36)
	a, err := m.Map(make([]byte, 8), core.ToDevice)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x8), uint64(a)>>32)
}

func TestMemoryInjectedFailures(t *testing.T) {
	m := NewMemory(32)
	m.FailAlloc(2)
	_, err := m.Alloc(4)
	require.NoError(t, err)
	_, err = m.Alloc(4)
	assert.ErrorIs(t, err, ErrAllocFailed)
	_, err = m.Alloc(4)
	assert.NoError(t, err)

	m.FailMap(1)
	_, err = m.Map(make([]byte, 4), core.ToDevice)
	assert.ErrorIs(t, err, ErrMapFailed)
}

func TestMemorySlice(t *testing.T) {
	m := NewMemory(32)
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	a, err := m.Map(buf, core.ToDevice)
	require.NoError(t, err)

	s, err := m.slice(a+2, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5, 6}, s)

	_, err = m.slice(a+6, 4)
	assert.ErrorIs(t, err, ErrBusFault)
	_, err = m.slice(a+64, 1)
	assert.ErrorIs(t, err, ErrBusFault)
}
