package alloc

import "github.com/cockroachdb/errors"

// Side selects an end of a StackAllocator. LinearAllocator markers always
// use Top.
type Side int

const (
	// Top grows upward from offset 0.
	Top Side = iota
	// Bottom grows downward from the end of the arena.
	Bottom
)

func (s Side) String() string {
	if s == Bottom {
		return "bottom"
	}
	return "top"
}

// Marker records an allocator position so everything allocated after it can
// be released at once. Markers are invalidated by Reset.
type Marker struct {
	owner  uint32
	epoch  uint32
	side   Side
	offset int
	count  int
}

// Offset returns the arena offset the marker points at.
func (m Marker) Offset() int { return m.offset }

// Side returns which end of the arena the marker belongs to.
func (m Marker) Side() Side { return m.side }

// markerCheck validates m against the allocator's current position.
func (b *base) markerCheck(m Marker, epoch uint32, side Side, count int) error {
	switch {
	case m.owner != b.id:
		return errors.Wrapf(ErrInvalidArgument, "%s: marker belongs to another allocator", b.name)
	case m.epoch != epoch:
		return errors.Wrapf(ErrInvalidArgument, "%s: marker predates the last reset", b.name)
	case m.side != side:
		return errors.Wrapf(ErrInvalidArgument, "%s: %s marker used on the %s side", b.name, m.side, side)
	case m.count > count:
		return errors.Wrapf(ErrInvalidArgument, "%s: marker is ahead of the current position", b.name)
	}
	return nil
}

// seqEntry is one allocation of a linear or stack allocator. Their handles
// index a position in an entry list and carry a per-allocation sequence
// number as the generation.
type seqEntry struct {
	off       int // payload offset
	size      int // requested bytes
	prev      int // position before this allocation
	alignment int
	seq       uint32
	tag       string
}

// footprint is the arena bytes the entry consumed, padding included.
func (e seqEntry) footprint() int {
	if e.prev <= e.off {
		return e.off + e.size - e.prev
	}
	return e.prev - e.off
}

func classifySeq(entries []seqEntry, depth uint32, gen uint32) handleState {
	if int(depth) >= len(entries) || entries[depth].seq != gen {
		return handleStale
	}
	return handleLive
}
