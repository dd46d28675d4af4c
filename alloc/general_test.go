package alloc

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/arenakit/arena"
	"github.com/joshuapare/arenakit/internal/format"
)

func TestNewGeneral_Defaults(t *testing.T) {
	g := newTestGeneral(t, 4096)
	s := g.Stats()

	assert.Equal(t, "test", g.Name())
	assert.Equal(t, 4096, g.Capacity())
	assert.Equal(t, BestFit, g.Policy())
	assert.Equal(t, 1, s.FreeBlocks)
	assert.Equal(t, 4096, s.LargestFreeBlock)
	assert.Zero(t, s.CurrentUsage)
	assert.Zero(t, s.FragmentationPercent)
	requireValid(t, g)
}

func TestNewGeneral_RoundsCapacityToGranule(t *testing.T) {
	g := newTestGeneral(t, 1000)
	assert.Equal(t, 992, g.Capacity())
	requireValid(t, g)
}

func TestNewGeneral_RejectsTinyCapacity(t *testing.T) {
	_, err := NewGeneral(DefaultGeneralConfig("tiny", 32))
	require.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestNewGeneral_Mmap(t *testing.T) {
	g := newTestGeneral(t, 1<<16, func(c *GeneralConfig) { c.Backing = arena.Mmap })
	h := mustAlloc(t, g, 1000, "")
	b, err := g.Bytes(h)
	require.NoError(t, err)
	b[999] = 0x7F
	require.NoError(t, g.Free(h))
	requireValid(t, g)
}

func TestAllocate_InvalidArguments(t *testing.T) {
	g := newTestGeneral(t, 1024)
	before := g.Stats()

	tests := []struct {
		name      string
		size      int
		alignment int
	}{
		{"zero size", 0, 0},
		{"negative size", -1, 0},
		{"non power of two alignment", 16, 24},
		{"negative alignment", 16, -8},
		{"alignment too large", 16, MaxAlignment * 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Allocate(tt.size, tt.alignment, 0, "x")
			require.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)
		})
	}
	assert.Equal(t, before, g.Stats(), "rejected requests must not change state")
	_, ok := g.Category("x")
	assert.False(t, ok)
}

func TestAllocate_TilesArena(t *testing.T) {
	g := newTestGeneral(t, 4096)
	var hs []Handle
	for _, sz := range []int{1, 15, 16, 17, 100, 333, 512} {
		hs = append(hs, mustAlloc(t, g, sz, ""))
		requireValid(t, g)
	}
	s := g.Stats()
	assert.Equal(t, len(hs), s.ActiveAllocations)
	assert.Equal(t, 4096, s.CurrentUsage+s.LargestFreeBlock)

	for _, h := range hs {
		require.NoError(t, g.Free(h))
		requireValid(t, g)
	}
}

func TestAllocate_RoundTrip(t *testing.T) {
	g := newTestGeneral(t, 8192)
	initial := g.Stats()

	var hs []Handle
	for i := range 20 {
		hs = append(hs, mustAlloc(t, g, 16+i*13, fmt.Sprintf("tag%d", i%3)))
	}
	for _, h := range hs {
		require.NoError(t, g.Free(h))
	}

	s := g.Stats()
	assert.Equal(t, initial.Capacity, s.Capacity)
	assert.Zero(t, s.CurrentUsage)
	assert.Zero(t, s.ActiveAllocations)
	assert.Equal(t, 1, s.FreeBlocks)
	assert.Equal(t, 8192, s.LargestFreeBlock)
	assert.Zero(t, s.FragmentationPercent)
	assert.Equal(t, int64(20), s.AllocationCount)
	assert.Equal(t, int64(20), s.DeallocationCount)
	assert.Equal(t, s.TotalAllocated, s.TotalFreed)
	requireValid(t, g)
}

func TestAllocate_Alignment(t *testing.T) {
	g := newTestGeneral(t, 1<<14)
	mustAlloc(t, g, 8, "") // shift the next block off a large boundary
	for _, align := range []int{1, 8, 16, 32, 64, 256, 4096} {
		h, err := g.Allocate(24, align, 0, "")
		require.NoError(t, err, "alignment %d", align)
		info := mustInfo(t, g, h)
		assert.Zero(t, info.Offset%align, "alignment %d: payload at %d", align, info.Offset)
		requireValid(t, g)
	}
}

func TestAllocate_SplitThreshold(t *testing.T) {
	t.Run("remainder large enough splits", func(t *testing.T) {
		g := newTestGeneral(t, 1024)
		// 1024 - 144 = 880 left over
		h := mustAlloc(t, g, 100, "")
		assert.Equal(t, blockSizeFor(100), mustInfo(t, g, h).BlockSize)
		assert.Equal(t, 1, g.Counters().Splits)
		requireValid(t, g)
	})

	t.Run("remainder below header plus granule is absorbed", func(t *testing.T) {
		g := newTestGeneral(t, 1024)
		// need = 992, remainder 32 < 48
		h := mustAlloc(t, g, 1024-format.HeaderSize-32, "")
		assert.Equal(t, 1024, mustInfo(t, g, h).BlockSize)
		assert.Zero(t, g.Stats().FreeBlocks)
		assert.Zero(t, g.Counters().Splits)
		requireValid(t, g)
	})

	t.Run("remainder of exactly header plus granule splits", func(t *testing.T) {
		g := newTestGeneral(t, 1024)
		h := mustAlloc(t, g, 1024-format.HeaderSize-format.MinSplitRemainder, "")
		assert.Equal(t, 1024-format.MinSplitRemainder, mustInfo(t, g, h).BlockSize)
		assert.Equal(t, format.MinSplitRemainder, g.Stats().LargestFreeBlock)
		requireValid(t, g)
	})
}

func TestAllocate_ZeroInit(t *testing.T) {
	g := newTestGeneral(t, 1024)
	h := mustAlloc(t, g, 64, "")
	b, err := g.Bytes(h)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0xAA
	}
	require.NoError(t, g.Free(h))

	h, err = g.Allocate(64, 0, ZeroInit, "")
	require.NoError(t, err)
	b, err = g.Bytes(h)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 64), b)
}

func TestBytes_ExactLength(t *testing.T) {
	g := newTestGeneral(t, 1024)
	h := mustAlloc(t, g, 37, "")
	b, err := g.Bytes(h)
	require.NoError(t, err)
	assert.Len(t, b, 37)
	assert.Equal(t, 37, cap(b))
}

func TestAllocate_OutOfMemory(t *testing.T) {
	g := newTestGeneral(t, 1024)
	mustAlloc(t, g, 900, "")
	before := g.Stats()

	_, err := g.Allocate(200, 0, 0, "")
	require.True(t, errors.Is(err, ErrOutOfMemory))
	msg := err.Error()
	assert.Contains(t, msg, "test")
	assert.Contains(t, msg, "cannot allocate 200 bytes")
	assert.Contains(t, msg, "free blocks")
	assert.Contains(t, msg, "largest free block 80")
	assert.Equal(t, before, g.Stats())

	_, err = g.Allocate(1<<40, 0, 0, "")
	require.True(t, errors.Is(err, ErrOutOfMemory))
}

func TestFree_CoalescesInAnyOrder(t *testing.T) {
	orders := [][3]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2},
		{1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	for _, order := range orders {
		t.Run(fmt.Sprintf("%d%d%d", order[0], order[1], order[2]), func(t *testing.T) {
			g := newTestGeneral(t, 2048)
			hs := [3]Handle{
				mustAlloc(t, g, 100, ""),
				mustAlloc(t, g, 200, ""),
				mustAlloc(t, g, 300, ""),
			}
			first := mustInfo(t, g, hs[0])
			filler := fillRemainder(t, g)
			require.Zero(t, g.Stats().FreeBlocks)

			for _, i := range order {
				require.NoError(t, g.Free(hs[i]))
				requireValid(t, g)
			}

			want := blockSizeFor(100) + blockSizeFor(200) + blockSizeFor(300)
			s := g.Stats()
			assert.Equal(t, 1, s.FreeBlocks)
			assert.Equal(t, want, s.LargestFreeBlock)
			sz, ok := g.free.sizeOf(first.Offset - format.HeaderSize)
			assert.True(t, ok)
			assert.Equal(t, want, sz)

			require.NoError(t, g.Free(filler))
			assert.Equal(t, 1, g.Stats().FreeBlocks)
			assert.Equal(t, 2048, g.Stats().LargestFreeBlock)
			requireValid(t, g)
		})
	}
}

func TestFree_CoalesceCounters(t *testing.T) {
	g := newTestGeneral(t, 1024)
	a := mustAlloc(t, g, 16, "")
	b := mustAlloc(t, g, 16, "")
	c := mustAlloc(t, g, 16, "")
	fillRemainder(t, g)

	require.NoError(t, g.Free(a))
	require.NoError(t, g.Free(c))
	require.NoError(t, g.Free(b)) // merges both ways
	assert.Equal(t, 1, g.Counters().CoalesceForward)
	assert.Equal(t, 1, g.Counters().CoalesceBackward)
	requireValid(t, g)
}

func TestPolicies_ChooseHole(t *testing.T) {
	// Holes hold 100, 50, 30 and 200 payload bytes, in that offset order.
	tests := []struct {
		policy Policy
		want   int // index into the holes
	}{
		{FirstFit, 0},
		{BestFit, 1},
		{WorstFit, 3},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			g := newTestGeneral(t, 1024, withPolicy(tt.policy))
			offsets := makeHoles(t, g, 100, 50, 30, 200)

			h := mustAlloc(t, g, 50, "")
			assert.Equal(t, offsets[tt.want], mustInfo(t, g, h).Offset)
			requireValid(t, g)
		})
	}
}

func TestBestFit_PicksFiftyAmongHundredFiftyThirty(t *testing.T) {
	g := newTestGeneral(t, 1024)
	offsets := makeHoles(t, g, 100, 50, 30)

	h := mustAlloc(t, g, 50, "")
	assert.Equal(t, offsets[1], mustInfo(t, g, h).Offset)
	assert.Equal(t, 2, g.Stats().FreeBlocks, "the 100 and 30 holes stay free")
	requireValid(t, g)
}

func TestBestFit_TiesPreferLowestOffset(t *testing.T) {
	g := newTestGeneral(t, 1024)
	offsets := makeHoles(t, g, 64, 64, 64)
	h := mustAlloc(t, g, 64, "")
	assert.Equal(t, offsets[0], mustInfo(t, g, h).Offset)
}

func TestWorstFit_TiesPreferLowestOffset(t *testing.T) {
	g := newTestGeneral(t, 1024, withPolicy(WorstFit))
	offsets := makeHoles(t, g, 30, 80, 80)
	h := mustAlloc(t, g, 20, "")
	assert.Equal(t, offsets[1], mustInfo(t, g, h).Offset)
}

func TestFree_DoubleFree(t *testing.T) {
	g := newTestGeneral(t, 1024)
	h := mustAlloc(t, g, 100, "a")
	require.NoError(t, g.Free(h))
	before := g.Stats()
	cat, _ := g.Category("a")

	err := g.Free(h)
	require.True(t, errors.Is(err, ErrDoubleFree), "got %v", err)
	assert.Equal(t, before, g.Stats(), "double free must not corrupt stats")
	after, _ := g.Category("a")
	assert.Equal(t, cat, after)
	requireValid(t, g)
}

func TestFree_StaleHandleAfterReuse(t *testing.T) {
	g := newTestGeneral(t, 1024)
	h1 := mustAlloc(t, g, 100, "")
	require.NoError(t, g.Free(h1))
	h2 := mustAlloc(t, g, 100, "")
	require.Equal(t, h1.Index(), h2.Index(), "slot is reused")
	require.NotEqual(t, h1.Generation(), h2.Generation())

	err := g.Free(h1)
	require.True(t, errors.Is(err, ErrStaleHandle))
	require.True(t, errors.Is(err, ErrUnknownAllocation))
	assert.True(t, g.Owns(h2))
	assert.False(t, g.Owns(h1))
	requireValid(t, g)
}

func TestFree_ForeignAndZeroHandles(t *testing.T) {
	g := newTestGeneral(t, 1024)
	other := newTestGeneral(t, 1024)
	h := mustAlloc(t, other, 64, "")

	require.True(t, errors.Is(g.Free(h), ErrUnknownAllocation))
	require.True(t, errors.Is(g.Free(Handle{}), ErrUnknownAllocation))
	assert.False(t, g.Owns(h))
	assert.True(t, other.Owns(h))
	_, err := g.Bytes(h)
	require.True(t, errors.Is(err, ErrUnknownAllocation))
}

func TestFree_InvalidFreePolicies(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	g := newTestGeneral(t, 1024, func(c *GeneralConfig) {
		c.InvalidFree = InvalidFreeLog
		c.Logger = logger
	})
	require.NoError(t, g.Free(Handle{}))
	assert.Contains(t, logs.String(), "ignoring invalid free")

	h := mustAlloc(t, g, 16, "")
	require.NoError(t, g.Free(h))
	require.True(t, errors.Is(g.Free(h), ErrDoubleFree), "double free is reported regardless of policy")

	p := newTestGeneral(t, 1024, func(c *GeneralConfig) { c.InvalidFree = InvalidFreePanic })
	require.Panics(t, func() { _ = p.Free(Handle{}) })
}

func TestFree_CorruptHeader(t *testing.T) {
	g := newTestGeneral(t, 1024)
	h := mustAlloc(t, g, 64, "")
	info := mustInfo(t, g, h)
	g.arena.Bytes()[info.Offset-format.HeaderSize] ^= 0xFF

	err := g.Free(h)
	require.True(t, errors.Is(err, ErrCorruptHeader), "got %v", err)
	require.True(t, errors.Is(err, format.ErrBadMagic))
	require.Error(t, g.Validate())
}

func TestReallocate_PreservesData(t *testing.T) {
	g := newTestGeneral(t, 4096)
	h := mustAlloc(t, g, 64, "mesh")
	b, _ := g.Bytes(h)
	for i := range b {
		b[i] = byte(i)
	}

	grown, err := g.Reallocate(h, 256)
	require.NoError(t, err)
	assert.False(t, g.Owns(h))
	gb, err := g.Bytes(grown)
	require.NoError(t, err)
	require.Len(t, gb, 256)
	for i := range 64 {
		require.Equal(t, byte(i), gb[i])
	}

	shrunk, err := g.Reallocate(grown, 16)
	require.NoError(t, err)
	sb, _ := g.Bytes(shrunk)
	for i := range 16 {
		require.Equal(t, byte(i), sb[i])
	}

	cat, ok := g.Category("mesh")
	require.True(t, ok)
	assert.Equal(t, 16, cat.Allocated)
	assert.Equal(t, 1, g.Stats().ActiveAllocations)
	requireValid(t, g)
}

func TestReallocate_FailureKeepsOldHandle(t *testing.T) {
	g := newTestGeneral(t, 1024)
	h := mustAlloc(t, g, 512, "")
	_, err := g.Reallocate(h, 800)
	require.True(t, errors.Is(err, ErrOutOfMemory))
	assert.True(t, g.Owns(h))

	_, err = g.Reallocate(h, 0)
	require.True(t, errors.Is(err, ErrInvalidArgument))
	assert.True(t, g.Owns(h))
	requireValid(t, g)
}

func TestReset_StalesHandlesAndRestoresArena(t *testing.T) {
	g := newTestGeneral(t, 2048)
	a := mustAlloc(t, g, 100, "a")
	mustAlloc(t, g, 200, "b")

	r := g.Reset()
	require.NotNil(t, r)
	s := g.Stats()
	assert.Zero(t, s.CurrentUsage)
	assert.Zero(t, s.ActiveAllocations)
	assert.Equal(t, int64(2), s.DeallocationCount)
	assert.Equal(t, 1, s.FreeBlocks)
	assert.Equal(t, 2048, s.LargestFreeBlock)
	assert.Empty(t, g.Categories())

	require.True(t, errors.Is(g.Free(a), ErrStaleHandle))
	requireValid(t, g)

	// Allocation works normally afterwards.
	mustAlloc(t, g, 100, "")
	requireValid(t, g)
}

func TestTrackAllocations(t *testing.T) {
	g := newTestGeneral(t, 1024, func(c *GeneralConfig) { c.TrackAllocations = true })
	h := mustAlloc(t, g, 32, "")
	info := mustInfo(t, g, h)
	assert.False(t, info.Timestamp.IsZero())
	require.NotEmpty(t, info.Stack)
	frame, _ := info.Frames().Next()
	assert.NotEmpty(t, frame.Function)

	untracked := newTestGeneral(t, 1024)
	info = mustInfo(t, untracked, mustAlloc(t, untracked, 32, ""))
	assert.True(t, info.Timestamp.IsZero())
	assert.Nil(t, info.Stack)
}

func TestAllocations_SortedByOffset(t *testing.T) {
	g := newTestGeneral(t, 4096)
	for _, sz := range []int{300, 20, 100} {
		mustAlloc(t, g, sz, "")
	}
	infos := g.Allocations()
	require.Len(t, infos, 3)
	for i := 1; i < len(infos); i++ {
		assert.Less(t, infos[i-1].Offset, infos[i].Offset)
	}
}

func TestBlocks_WalksArena(t *testing.T) {
	g := newTestGeneral(t, 1024)
	mustAlloc(t, g, 100, "x")
	total, n := 0, 0
	for b := range g.Blocks() {
		total += b.Size
		n++
		if !b.Free {
			assert.Equal(t, "x", b.Tag)
			assert.Equal(t, 100, b.Requested)
		}
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, 1024, total)
}
