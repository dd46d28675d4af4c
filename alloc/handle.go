package alloc

import (
	"fmt"
	"sync/atomic"
)

// Handle identifies one allocation. It carries the owning allocator, a slot
// index and a generation so foreign and stale handles are rejected without
// touching the arena. The zero Handle is never valid.
type Handle struct {
	owner uint32
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h == Handle{} }

// Index returns the slot index. For pools this is the block index.
func (h Handle) Index() uint32 { return h.index }

// Generation returns the generation stamp of the handle.
func (h Handle) Generation() uint32 { return h.gen }

func (h Handle) String() string {
	if h.IsZero() {
		return "handle(nil)"
	}
	return fmt.Sprintf("handle(%d:%d#%d)", h.owner, h.index, h.gen)
}

var ownerSeq atomic.Uint32

// nextOwner returns a process-unique allocator id. Zero is reserved for the
// zero handle.
func nextOwner() uint32 {
	for {
		if id := ownerSeq.Add(1); id != 0 {
			return id
		}
	}
}

// nextGen advances a generation counter, skipping zero.
func nextGen(g uint32) uint32 {
	g++
	if g == 0 {
		g = 1
	}
	return g
}

// handleState classifies a handle presented to an allocator.
type handleState int

const (
	handleLive handleState = iota
	handleForeign
	handleStale
	handleFreed
)

// slot is one entry in a slotTable.
type slot struct {
	gen  uint32
	live bool
	off  int // block offset
	info AllocationInfo
}

// slotTable maps handle indices to live allocations. Freed slots are reused
// LIFO with a bumped generation.
type slotTable struct {
	slots []slot
	free  []uint32
	live  int
}

func (t *slotTable) acquire(off int) uint32 {
	var i uint32
	if n := len(t.free); n > 0 {
		i = t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[i].gen = nextGen(t.slots[i].gen)
	} else {
		i = uint32(len(t.slots))
		t.slots = append(t.slots, slot{gen: 1})
	}
	s := &t.slots[i]
	s.live = true
	s.off = off
	t.live++
	return i
}

func (t *slotTable) release(i uint32) {
	s := &t.slots[i]
	s.live = false
	s.info = AllocationInfo{}
	t.free = append(t.free, i)
	t.live--
}

// classify resolves h against this table for the given owner id.
func (t *slotTable) classify(owner uint32, h Handle) handleState {
	if h.owner != owner || h.gen == 0 || int(h.index) >= len(t.slots) {
		return handleForeign
	}
	s := &t.slots[h.index]
	if s.gen != h.gen {
		return handleStale
	}
	if !s.live {
		return handleFreed
	}
	return handleLive
}

// invalidateAll makes every outstanding handle stale and frees every slot.
func (t *slotTable) invalidateAll() {
	t.free = t.free[:0]
	for i := len(t.slots) - 1; i >= 0; i-- {
		s := &t.slots[i]
		s.gen = nextGen(s.gen)
		s.live = false
		s.info = AllocationInfo{}
		t.free = append(t.free, uint32(i))
	}
	t.live = 0
}

func (t *slotTable) handle(owner uint32, i uint32) Handle {
	return Handle{owner: owner, index: i, gen: t.slots[i].gen}
}
