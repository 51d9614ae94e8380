package recording

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorNoDoubleAssignment(t *testing.T) {
	t.Parallel()

	alloc := NewPortAllocator(40000, 40009)

	seen := make(map[int]bool)
	for i := 0; i < 10; i++ {
		port, err := alloc.Allocate()
		require.NoError(t, err)
		require.GreaterOrEqual(t, port, 40000)
		require.LessOrEqual(t, port, 40009)
		require.False(t, seen[port], "port %d assigned twice", port)
		seen[port] = true
	}

	assert.Equal(t, 10, alloc.InUse())
}

func TestPortAllocatorExhaustion(t *testing.T) {
	t.Parallel()

	alloc := NewPortAllocator(40000, 40001)

	_, err := alloc.Allocate()
	require.NoError(t, err)
	_, err = alloc.Allocate()
	require.NoError(t, err)

	_, err = alloc.Allocate()
	assert.ErrorIs(t, err, ErrPortExhausted)
}

func TestPortAllocatorRelease(t *testing.T) {
	t.Parallel()

	alloc := NewPortAllocator(40000, 40000)

	port, err := alloc.Allocate()
	require.NoError(t, err)
	require.Equal(t, 40000, port)

	_, err = alloc.Allocate()
	require.ErrorIs(t, err, ErrPortExhausted)

	alloc.Release(port)

	port, err = alloc.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 40000, port)
}

func TestAllocatePairReleasesOnFailure(t *testing.T) {
	t.Parallel()

	// One free port: the pair cannot be completed, and the first allocation
	// must be rolled back.
	alloc := NewPortAllocator(40000, 40000)

	_, _, err := alloc.AllocatePair()
	require.ErrorIs(t, err, ErrPortExhausted)
	assert.Equal(t, 0, alloc.InUse())

	port, err := alloc.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 40000, port)
}
