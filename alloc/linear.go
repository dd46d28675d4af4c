package alloc

import (
	"iter"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/arenakit/arena"
	"github.com/joshuapare/arenakit/internal/format"
)

// LinearConfig configures a LinearAllocator.
type LinearConfig struct {
	Name               string
	Capacity           int
	DetectLeaks        bool
	LowMemoryThreshold float64
	Backing            arena.Backing
	Logger             *slog.Logger
}

// LinearAllocator is a bump allocator for per-frame data. Individual
// allocations are never freed; memory comes back all at once with Reset or
// ResetToMarker.
type LinearAllocator struct {
	base
	arena   *arena.Arena
	top     int
	entries []seqEntry
	seq     uint32
	epoch   uint32
}

// NewLinear creates a LinearAllocator.
func NewLinear(cfg LinearConfig) (*LinearAllocator, error) {
	if cfg.Name == "" {
		cfg.Name = "linear"
	}
	ar, err := arena.New(cfg.Capacity, cfg.Backing)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, ErrInvalidArgument), "%s", cfg.Name)
	}
	l := &LinearAllocator{
		base:  newBase(cfg.Name, cfg.Capacity, cfg.Logger, cfg.LowMemoryThreshold, InvalidFreeReturn, cfg.DetectLeaks),
		arena: ar,
	}
	l.refreshFree()
	return l, nil
}

// Remaining returns the bytes left above the bump pointer.
func (l *LinearAllocator) Remaining() int { return l.stats.Capacity - l.top }

// Allocate bumps the pointer.
func (l *LinearAllocator) Allocate(size, alignment int, flags Flags, tag string) (Handle, error) {
	alignment, err := l.checkRequest(size, alignment)
	if err != nil {
		return Handle{}, err
	}
	start := format.AlignUp(l.top, alignment)
	if size > l.stats.Capacity || start > l.stats.Capacity-size {
		return Handle{}, errors.Wrapf(ErrOutOfMemory, "%s: cannot allocate %d bytes (alignment %d): capacity %d, used %d, remaining %d",
			l.name, size, alignment, l.stats.Capacity, l.top, l.Remaining())
	}
	l.seq = nextGen(l.seq)
	e := seqEntry{off: start, size: size, prev: l.top, alignment: alignment, seq: l.seq, tag: tag}
	l.entries = append(l.entries, e)
	l.top = start + size
	if flags&ZeroInit != 0 {
		l.arena.Zero(start, size)
	}
	l.refreshFree()
	l.recordAlloc(e.footprint(), size, tag)
	return Handle{owner: l.id, index: uint32(len(l.entries) - 1), gen: e.seq}, nil
}

func (l *LinearAllocator) classify(h Handle) handleState {
	if h.owner != l.id || h.gen == 0 {
		return handleForeign
	}
	return classifySeq(l.entries, h.index, h.gen)
}

// Free is not supported; use Reset or ResetToMarker. Handles this allocator
// never issued still fail with ErrUnknownAllocation.
func (l *LinearAllocator) Free(h Handle) error {
	if st := l.classify(h); st != handleLive {
		return l.freeError(h, st)
	}
	return errors.Wrapf(ErrUnsupportedOperation, "%s: linear allocations are released by Reset or ResetToMarker", l.name)
}

// Reallocate resizes the most recent allocation in place. Any other
// allocation is copied to a new one; the old one stays until the next
// reset.
func (l *LinearAllocator) Reallocate(h Handle, newSize int) (Handle, error) {
	if st := l.classify(h); st != handleLive {
		return h, l.handleError(h, st)
	}
	if newSize <= 0 {
		return h, errors.Wrapf(ErrInvalidArgument, "%s: reallocate %v to %d bytes", l.name, h, newSize)
	}
	e := &l.entries[h.index]
	if int(h.index) == len(l.entries)-1 {
		if newSize > l.stats.Capacity-e.off {
			return h, errors.Wrapf(ErrOutOfMemory, "%s: cannot grow %v to %d bytes: remaining %d",
				l.name, h, newSize, l.stats.Capacity-e.off)
		}
		delta := newSize - e.size
		l.cats.resize(e.tag, e.size, newSize)
		e.size = newSize
		l.top = e.off + newSize
		l.adjustUsage(delta)
		return h, nil
	}
	old := *e
	nh, err := l.Allocate(newSize, old.alignment, 0, old.tag)
	if err != nil {
		return h, errors.Wrapf(err, "reallocate %v from %d to %d bytes", h, old.size, newSize)
	}
	l.arena.Move(l.entries[nh.index].off, old.off, min(old.size, newSize))
	return nh, nil
}

// adjustUsage applies an in-place resize of delta bytes to the counters.
func (l *LinearAllocator) adjustUsage(delta int) {
	s := &l.stats
	s.CurrentUsage += delta
	if delta > 0 {
		s.TotalAllocated += int64(delta)
		s.PeakUsage = max(s.PeakUsage, s.CurrentUsage)
		l.checkPressure()
	} else {
		s.TotalFreed += int64(-delta)
		l.pressure.rearm(s.CurrentUsage, s.Capacity)
	}
	l.refreshFree()
}

// Marker returns the current position.
func (l *LinearAllocator) Marker() Marker {
	return Marker{owner: l.id, epoch: l.epoch, side: Top, offset: l.top, count: len(l.entries)}
}

// ResetToMarker releases everything allocated after m. Handles to those
// allocations become stale.
func (l *LinearAllocator) ResetToMarker(m Marker) error {
	if err := l.markerCheck(m, l.epoch, Top, len(l.entries)); err != nil {
		return err
	}
	l.top = popEntries(&l.base, &l.entries, m.count, l.top)
	l.refreshFree()
	return nil
}

// Scope returns a func that rewinds to the current position; use it as
// defer l.Scope()().
func (l *LinearAllocator) Scope() func() {
	m := l.Marker()
	return func() {
		if err := l.ResetToMarker(m); err != nil {
			l.log.Warn("scope rewind skipped", "error", err)
		}
	}
}

// popEntries drops entries[count:], updates the counters and returns the
// position before the oldest dropped entry (or pos when nothing drops).
func popEntries(b *base, entries *[]seqEntry, count, pos int) int {
	es := *entries
	if count >= len(es) {
		return pos
	}
	pos = es[count].prev
	for _, e := range es[count:] {
		b.stats.TotalFreed += int64(e.footprint())
		b.stats.CurrentUsage -= e.footprint()
		b.stats.DeallocationCount++
		b.stats.ActiveAllocations--
		b.cats.remove(e.tag, e.size)
	}
	*entries = es[:count]
	b.pressure.rearm(b.stats.CurrentUsage, b.stats.Capacity)
	return pos
}

// Reset releases everything. Markers and handles taken before become
// invalid.
func (l *LinearAllocator) Reset() *LeakReport {
	report := l.leakReport(seqTags(l.entries))
	l.entries = l.entries[:0]
	l.top = 0
	l.epoch++
	l.recordReset()
	l.refreshFree()
	return report
}

func seqTags(lists ...[]seqEntry) iter.Seq2[string, int] {
	return func(yield func(string, int) bool) {
		for _, es := range lists {
			for _, e := range es {
				if !yield(e.tag, e.size) {
					return
				}
			}
		}
	}
}

// Stats returns a snapshot of the counters.
func (l *LinearAllocator) Stats() Stats { return l.stats }

// Owns reports whether h is live.
func (l *LinearAllocator) Owns(h Handle) bool { return l.classify(h) == handleLive }

// Bytes returns the payload of h.
func (l *LinearAllocator) Bytes(h Handle) ([]byte, error) {
	if st := l.classify(h); st != handleLive {
		return nil, l.handleError(h, st)
	}
	e := l.entries[h.index]
	return l.arena.Slice(e.off, e.size)
}

// Blocks lists each allocation with its leading padding, then the unused
// tail.
func (l *LinearAllocator) Blocks() iter.Seq[BlockInfo] {
	return func(yield func(BlockInfo) bool) {
		for _, e := range l.entries {
			if !yield(seqBlock(e)) {
				return
			}
		}
		if l.top < l.stats.Capacity {
			yield(BlockInfo{Offset: l.top, Size: l.stats.Capacity - l.top, Free: true})
		}
	}
}

func seqBlock(e seqEntry) BlockInfo {
	off := min(e.prev, e.off)
	return BlockInfo{
		Offset:    off,
		Size:      e.footprint(),
		Payload:   e.off,
		Requested: e.size,
		Alignment: e.alignment,
		Tag:       e.tag,
	}
}

// Close releases the arena.
func (l *LinearAllocator) Close() error { return l.arena.Release() }

func (l *LinearAllocator) refreshFree() {
	rem := l.Remaining()
	l.stats.LargestFreeBlock = rem
	l.stats.FreeBlocks = 0
	if rem > 0 {
		l.stats.FreeBlocks = 1
	}
}
