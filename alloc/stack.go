package alloc

import (
	"iter"
	"log/slog"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/arenakit/arena"
	"github.com/joshuapare/arenakit/internal/format"
)

// sideBit marks bottom-side handles.
const sideBit uint32 = 1 << 31

// StackConfig configures a StackAllocator.
type StackConfig struct {
	Name               string
	Capacity           int
	DetectLeaks        bool
	LowMemoryThreshold float64
	InvalidFree        InvalidFreePolicy
	Backing            arena.Backing
	Logger             *slog.Logger
}

// StackAllocator is a double-ended LIFO allocator. The top grows upward from
// offset 0 and the bottom downward from the end of the arena; each side
// frees in reverse allocation order.
type StackAllocator struct {
	base
	arena   *arena.Arena
	top     int
	bottom  int
	tops    []seqEntry
	bottoms []seqEntry
	seq     uint32
	epoch   uint32
}

// NewStack creates a StackAllocator.
func NewStack(cfg StackConfig) (*StackAllocator, error) {
	if cfg.Name == "" {
		cfg.Name = "stack"
	}
	ar, err := arena.New(cfg.Capacity, cfg.Backing)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, ErrInvalidArgument), "%s", cfg.Name)
	}
	s := &StackAllocator{
		base:   newBase(cfg.Name, cfg.Capacity, cfg.Logger, cfg.LowMemoryThreshold, cfg.InvalidFree, cfg.DetectLeaks),
		arena:  ar,
		bottom: cfg.Capacity,
	}
	s.refreshFree()
	return s, nil
}

// Remaining returns the gap between the two sides.
func (s *StackAllocator) Remaining() int { return s.bottom - s.top }

// Allocate allocates from the top.
func (s *StackAllocator) Allocate(size, alignment int, flags Flags, tag string) (Handle, error) {
	return s.AllocateTop(size, alignment, flags, tag)
}

// AllocateTop allocates upward from the top side.
func (s *StackAllocator) AllocateTop(size, alignment int, flags Flags, tag string) (Handle, error) {
	alignment, err := s.checkRequest(size, alignment)
	if err != nil {
		return Handle{}, err
	}
	start := format.AlignUp(s.top, alignment)
	if size > s.bottom || start > s.bottom-size {
		return Handle{}, s.outOfMemory(Top, size, alignment)
	}
	e := s.push(Top, start, size, s.top, alignment, tag)
	s.top = start + size
	return s.finish(Top, e, flags)
}

// AllocateBottom allocates downward from the bottom side.
func (s *StackAllocator) AllocateBottom(size, alignment int, flags Flags, tag string) (Handle, error) {
	alignment, err := s.checkRequest(size, alignment)
	if err != nil {
		return Handle{}, err
	}
	if size > s.bottom {
		return Handle{}, s.outOfMemory(Bottom, size, alignment)
	}
	start := format.AlignDown(s.bottom-size, alignment)
	if start < s.top {
		return Handle{}, s.outOfMemory(Bottom, size, alignment)
	}
	e := s.push(Bottom, start, size, s.bottom, alignment, tag)
	s.bottom = start
	return s.finish(Bottom, e, flags)
}

func (s *StackAllocator) push(side Side, off, size, prev, alignment int, tag string) seqEntry {
	s.seq = nextGen(s.seq)
	e := seqEntry{off: off, size: size, prev: prev, alignment: alignment, seq: s.seq, tag: tag}
	if side == Bottom {
		s.bottoms = append(s.bottoms, e)
	} else {
		s.tops = append(s.tops, e)
	}
	return e
}

func (s *StackAllocator) finish(side Side, e seqEntry, flags Flags) (Handle, error) {
	if flags&ZeroInit != 0 {
		s.arena.Zero(e.off, e.size)
	}
	index := uint32(len(s.tops) - 1)
	if side == Bottom {
		index = uint32(len(s.bottoms)-1) | sideBit
	}
	s.refreshFree()
	s.recordAlloc(e.footprint(), e.size, e.tag)
	return Handle{owner: s.id, index: index, gen: e.seq}, nil
}

func (s *StackAllocator) outOfMemory(side Side, size, alignment int) error {
	return errors.Wrapf(ErrOutOfMemory, "%s: cannot allocate %d bytes (alignment %d) on the %s side: capacity %d, used %d, remaining %d",
		s.name, size, alignment, side, s.stats.Capacity, s.stats.CurrentUsage, s.Remaining())
}

// locate splits a handle into its side and entry list.
func (s *StackAllocator) locate(h Handle) (Side, *[]seqEntry, uint32) {
	if h.index&sideBit != 0 {
		return Bottom, &s.bottoms, h.index &^ sideBit
	}
	return Top, &s.tops, h.index
}

func (s *StackAllocator) classify(h Handle) handleState {
	if h.owner != s.id || h.gen == 0 {
		return handleForeign
	}
	_, entries, depth := s.locate(h)
	return classifySeq(*entries, depth, h.gen)
}

// Free pops h, which must be the most recent allocation on its side.
func (s *StackAllocator) Free(h Handle) error {
	if st := s.classify(h); st != handleLive {
		return s.freeError(h, st)
	}
	side, entries, depth := s.locate(h)
	if int(depth) != len(*entries)-1 {
		return errors.Wrapf(ErrOutOfOrderFree, "%s: %v is %d deep on the %s side; free the %d newer allocation(s) first",
			s.name, h, depth, side, len(*entries)-1-int(depth))
	}
	pos := popEntries(&s.base, entries, int(depth), 0)
	s.setPos(side, pos)
	s.refreshFree()
	return nil
}

func (s *StackAllocator) setPos(side Side, pos int) {
	if side == Bottom {
		s.bottom = pos
	} else {
		s.top = pos
	}
}

// Reallocate resizes the most recent allocation on either side in place.
// Deeper allocations cannot move without breaking LIFO order and fail with
// ErrUnsupportedOperation.
func (s *StackAllocator) Reallocate(h Handle, newSize int) (Handle, error) {
	if st := s.classify(h); st != handleLive {
		return h, s.handleError(h, st)
	}
	if newSize <= 0 {
		return h, errors.Wrapf(ErrInvalidArgument, "%s: reallocate %v to %d bytes", s.name, h, newSize)
	}
	side, entries, depth := s.locate(h)
	if int(depth) != len(*entries)-1 {
		return h, errors.Wrapf(ErrUnsupportedOperation, "%s: only the newest %s allocation can be resized", s.name, side)
	}
	e := &(*entries)[depth]
	before := e.footprint()
	if side == Top {
		if newSize > s.bottom-e.off {
			return h, s.outOfMemory(side, newSize, e.alignment)
		}
		s.top = e.off + newSize
	} else {
		if newSize > e.prev {
			return h, s.outOfMemory(side, newSize, e.alignment)
		}
		start := format.AlignDown(e.prev-newSize, e.alignment)
		if start < s.top {
			return h, s.outOfMemory(side, newSize, e.alignment)
		}
		s.arena.Move(start, e.off, min(e.size, newSize))
		e.off = start
		s.bottom = start
	}
	s.cats.resize(e.tag, e.size, newSize)
	e.size = newSize
	s.adjustUsage(e.footprint() - before)
	return h, nil
}

func (s *StackAllocator) adjustUsage(delta int) {
	st := &s.stats
	st.CurrentUsage += delta
	if delta > 0 {
		st.TotalAllocated += int64(delta)
		st.PeakUsage = max(st.PeakUsage, st.CurrentUsage)
		s.checkPressure()
	} else {
		st.TotalFreed += int64(-delta)
		s.pressure.rearm(st.CurrentUsage, st.Capacity)
	}
	s.refreshFree()
}

// TopMarker returns the current top position.
func (s *StackAllocator) TopMarker() Marker {
	return Marker{owner: s.id, epoch: s.epoch, side: Top, offset: s.top, count: len(s.tops)}
}

// BottomMarker returns the current bottom position.
func (s *StackAllocator) BottomMarker() Marker {
	return Marker{owner: s.id, epoch: s.epoch, side: Bottom, offset: s.bottom, count: len(s.bottoms)}
}

// ResetTopToMarker pops every top allocation made after m.
func (s *StackAllocator) ResetTopToMarker(m Marker) error {
	if err := s.markerCheck(m, s.epoch, Top, len(s.tops)); err != nil {
		return err
	}
	s.top = popEntries(&s.base, &s.tops, m.count, s.top)
	s.refreshFree()
	return nil
}

// ResetBottomToMarker pops every bottom allocation made after m.
func (s *StackAllocator) ResetBottomToMarker(m Marker) error {
	if err := s.markerCheck(m, s.epoch, Bottom, len(s.bottoms)); err != nil {
		return err
	}
	s.bottom = popEntries(&s.base, &s.bottoms, m.count, s.bottom)
	s.refreshFree()
	return nil
}

// Reset empties both sides.
func (s *StackAllocator) Reset() *LeakReport {
	report := s.leakReport(seqTags(s.tops, s.bottoms))
	s.tops = s.tops[:0]
	s.bottoms = s.bottoms[:0]
	s.top, s.bottom = 0, s.stats.Capacity
	s.epoch++
	s.recordReset()
	s.refreshFree()
	return report
}

// Stats returns a snapshot of the counters.
func (s *StackAllocator) Stats() Stats { return s.stats }

// Owns reports whether h is live.
func (s *StackAllocator) Owns(h Handle) bool { return s.classify(h) == handleLive }

// Bytes returns the payload of h.
func (s *StackAllocator) Bytes(h Handle) ([]byte, error) {
	if st := s.classify(h); st != handleLive {
		return nil, s.handleError(h, st)
	}
	_, entries, depth := s.locate(h)
	e := (*entries)[depth]
	return s.arena.Slice(e.off, e.size)
}

// Blocks lists top allocations, the gap, then bottom allocations, in offset
// order.
func (s *StackAllocator) Blocks() iter.Seq[BlockInfo] {
	return func(yield func(BlockInfo) bool) {
		for _, e := range s.tops {
			if !yield(seqBlock(e)) {
				return
			}
		}
		if s.top < s.bottom {
			if !yield(BlockInfo{Offset: s.top, Size: s.bottom - s.top, Free: true}) {
				return
			}
		}
		for _, e := range slices.Backward(s.bottoms) {
			if !yield(seqBlock(e)) {
				return
			}
		}
	}
}

// Close releases the arena.
func (s *StackAllocator) Close() error { return s.arena.Release() }

func (s *StackAllocator) refreshFree() {
	rem := s.Remaining()
	s.stats.LargestFreeBlock = rem
	s.stats.FreeBlocks = 0
	if rem > 0 {
		s.stats.FreeBlocks = 1
	}
}
