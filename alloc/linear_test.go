package alloc

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLinear(t testing.TB, capacity int) *LinearAllocator {
	t.Helper()
	l, err := NewLinear(LinearConfig{Name: "frame", Capacity: capacity, DetectLeaks: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestNewLinear_RejectsZeroCapacity(t *testing.T) {
	_, err := NewLinear(LinearConfig{Capacity: 0})
	require.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestLinear_BumpsWithPadding(t *testing.T) {
	l := newTestLinear(t, 1024)
	a := mustAlloc(t, l, 10, "")
	b := mustAlloc(t, l, 10, "")

	ab, _ := l.Bytes(a)
	bb, _ := l.Bytes(b)
	assert.Len(t, ab, 10)
	assert.Len(t, bb, 10)

	s := l.Stats()
	assert.Equal(t, 26, s.CurrentUsage, "second allocation is padded to 16")
	assert.Equal(t, 1024-26, l.Remaining())
	assert.Equal(t, 1, s.FreeBlocks)
	assert.Equal(t, 1024-26, s.LargestFreeBlock)

	c, err := l.Allocate(1, CacheLineSize, 0, "")
	require.NoError(t, err)
	var payload int
	for blk := range l.Blocks() {
		if !blk.Free && blk.Requested == 1 {
			payload = blk.Payload
		}
	}
	assert.Equal(t, 64, payload)
	assert.True(t, l.Owns(c))
}

func TestLinear_OutOfMemory(t *testing.T) {
	l := newTestLinear(t, 256)
	_, err := l.Allocate(257, 0, 0, "")
	require.True(t, errors.Is(err, ErrOutOfMemory))

	mustAlloc(t, l, 200, "")
	_, err = l.Allocate(50, 0, 0, "")
	require.True(t, errors.Is(err, ErrOutOfMemory))
	assert.Contains(t, err.Error(), "remaining 56")
	mustAlloc(t, l, 40, "")
}

func TestLinear_FreeUnsupported(t *testing.T) {
	l := newTestLinear(t, 256)
	h := mustAlloc(t, l, 16, "")
	require.True(t, errors.Is(l.Free(h), ErrUnsupportedOperation))
	assert.True(t, l.Owns(h))
	require.True(t, errors.Is(l.Free(Handle{}), ErrUnknownAllocation))
}

func TestLinear_ResetToMarker(t *testing.T) {
	l := newTestLinear(t, 1024)
	keep := mustAlloc(t, l, 100, "level")
	m := l.Marker()
	assert.Equal(t, 100, m.Offset())
	assert.Equal(t, Top, m.Side())

	var scratch []Handle
	for range 3 {
		scratch = append(scratch, mustAlloc(t, l, 50, "scratch"))
	}
	require.NoError(t, l.ResetToMarker(m))

	s := l.Stats()
	assert.Equal(t, 100, s.CurrentUsage)
	assert.Equal(t, 1, s.ActiveAllocations)
	assert.Equal(t, int64(3), s.DeallocationCount)
	assert.True(t, l.Owns(keep))
	for _, h := range scratch {
		assert.False(t, l.Owns(h))
		_, err := l.Bytes(h)
		require.True(t, errors.Is(err, ErrStaleHandle))
	}
	cat, _ := l.Category("scratch")
	assert.Zero(t, cat.Allocated)

	// The slot positions get reused with new sequence numbers.
	h := mustAlloc(t, l, 8, "")
	assert.Equal(t, scratch[0].Index(), h.Index())
	assert.False(t, l.Owns(scratch[0]))
}

func TestLinear_MarkerValidation(t *testing.T) {
	l := newTestLinear(t, 1024)
	other := newTestLinear(t, 1024)

	require.True(t, errors.Is(l.ResetToMarker(other.Marker()), ErrInvalidArgument))

	early := l.Marker()
	mustAlloc(t, l, 16, "")
	late := l.Marker()
	require.NoError(t, l.ResetToMarker(early))
	require.True(t, errors.Is(l.ResetToMarker(late), ErrInvalidArgument), "marker ahead of position")

	l.Reset()
	require.True(t, errors.Is(l.ResetToMarker(early), ErrInvalidArgument), "marker predates reset")
}

func TestLinear_Scope(t *testing.T) {
	l := newTestLinear(t, 1024)
	mustAlloc(t, l, 64, "")

	func() {
		defer l.Scope()()
		mustAlloc(t, l, 192, "")
		mustAlloc(t, l, 192, "")
		assert.Equal(t, 448, l.Stats().CurrentUsage)
	}()

	assert.Equal(t, 64, l.Stats().CurrentUsage)
	assert.Equal(t, 448, l.Stats().PeakUsage)
}

func TestLinear_ReallocateLastInPlace(t *testing.T) {
	l := newTestLinear(t, 1024)
	mustAlloc(t, l, 16, "")
	h := mustAlloc(t, l, 16, "")
	b, _ := l.Bytes(h)
	copy(b, "0123456789abcdef")

	nh, err := l.Reallocate(h, 100)
	require.NoError(t, err)
	assert.Equal(t, h, nh)
	nb, _ := l.Bytes(nh)
	assert.Equal(t, "0123456789abcdef", string(nb[:16]))
	assert.Equal(t, 116, l.Stats().CurrentUsage)

	_, err = l.Reallocate(h, 8)
	require.NoError(t, err)
	assert.Equal(t, 24, l.Stats().CurrentUsage)

	_, err = l.Reallocate(h, 2000)
	require.True(t, errors.Is(err, ErrOutOfMemory))
}

func TestLinear_ReallocateOlderCopies(t *testing.T) {
	l := newTestLinear(t, 1024)
	h := mustAlloc(t, l, 8, "")
	b, _ := l.Bytes(h)
	copy(b, "abcdefgh")
	mustAlloc(t, l, 8, "")

	nh, err := l.Reallocate(h, 32)
	require.NoError(t, err)
	assert.NotEqual(t, h, nh)
	assert.True(t, l.Owns(h), "older allocation stays until reset")
	nb, _ := l.Bytes(nh)
	assert.Equal(t, "abcdefgh", string(nb[:8]))
	assert.Equal(t, 3, l.Stats().ActiveAllocations)
}

func TestLinear_ResetStalesEverything(t *testing.T) {
	l := newTestLinear(t, 1024)
	h := mustAlloc(t, l, 100, "frame")
	r := l.Reset()
	require.NotNil(t, r)
	assert.Equal(t, []string{"frame"}, r.Tags())
	assert.False(t, l.Owns(h))
	assert.Equal(t, 1024, l.Remaining())

	h2 := mustAlloc(t, l, 100, "")
	assert.Equal(t, h.Index(), h2.Index())
	assert.False(t, l.Owns(h))
}
