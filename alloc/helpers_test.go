package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/arenakit/internal/format"
)

// ============================================================================
// Construction
// ============================================================================

// newTestGeneral creates a GeneralAllocator with default config, applies
// opts, and closes it when the test ends.
func newTestGeneral(t testing.TB, capacity int, opts ...func(*GeneralConfig)) *GeneralAllocator {
	t.Helper()
	cfg := DefaultGeneralConfig("test", capacity)
	cfg.TrackAllocations = false
	for _, opt := range opts {
		opt(&cfg)
	}
	g, err := NewGeneral(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func withPolicy(p Policy) func(*GeneralConfig) {
	return func(c *GeneralConfig) { c.Policy = p }
}

func newTestPool(t testing.TB, blockSize, blockCount int) *PoolAllocator {
	t.Helper()
	p, err := NewPool(DefaultPoolConfig("test-pool", blockSize, blockCount))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// ============================================================================
// Allocation helpers
// ============================================================================

func mustAlloc(t testing.TB, a Allocator, size int, tag string) Handle {
	t.Helper()
	h, err := a.Allocate(size, 0, 0, tag)
	require.NoError(t, err, "allocate %d bytes", size)
	return h
}

func mustInfo(t testing.TB, g *GeneralAllocator, h Handle) AllocationInfo {
	t.Helper()
	info, err := g.Info(h)
	require.NoError(t, err)
	return info
}

// requireValid fails the test if the arena's invariants do not hold.
func requireValid(t testing.TB, g *GeneralAllocator) {
	t.Helper()
	require.NoError(t, g.Validate())
}

// fillRemainder allocates the trailing free block exactly, so no free space
// is left at the end of the arena.
func fillRemainder(t testing.TB, g *GeneralAllocator) Handle {
	t.Helper()
	rem := g.Stats().LargestFreeBlock
	require.GreaterOrEqual(t, rem, format.MinSplitRemainder)
	return mustAlloc(t, g, rem-format.HeaderSize, "filler")
}

// makeHoles lays out one free block per payload size, each followed by a
// small live separator, fills the rest of the arena, and frees the holes.
// It returns the payload offset each hole had while allocated.
//
//	[hole0][sep][hole1][sep]...[filler]
func makeHoles(t testing.TB, g *GeneralAllocator, sizes ...int) []int {
	t.Helper()
	holes := make([]Handle, len(sizes))
	offsets := make([]int, len(sizes))
	for i, sz := range sizes {
		holes[i] = mustAlloc(t, g, sz, "hole")
		offsets[i] = mustInfo(t, g, holes[i]).Offset
		mustAlloc(t, g, 16, "sep")
	}
	fillRemainder(t, g)
	for _, h := range holes {
		require.NoError(t, g.Free(h))
	}
	require.Equal(t, len(sizes), g.Stats().FreeBlocks)
	requireValid(t, g)
	return offsets
}

// blockSizeFor is the block a default-aligned request occupies at a
// granule-aligned offset.
func blockSizeFor(size int) int {
	return format.AlignGranule(format.HeaderSize + size)
}
