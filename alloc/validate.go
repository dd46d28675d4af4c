package alloc

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/arenakit/internal/format"
)

// Validate walks every block header and checks the arena's structural
// invariants: blocks tile [0, capacity) with correct back links, no two
// free blocks are adjacent, the free index matches the free headers, and
// every allocated header maps to a live handle slot. It returns the first
// violation found.
func (g *GeneralAllocator) Validate() error {
	data := g.arena.Bytes()
	capacity := g.stats.Capacity

	var (
		prev, freeCount, freeBytes, liveCount, usage int
		prevFree                                     bool
	)
	prev = -1
	off := 0
	for off < capacity {
		blk, err := format.ReadBlock(data, off)
		if err != nil {
			return errors.Wrapf(err, "block at %d", off)
		}
		if blk.Prev != prev {
			return errors.Newf("block at %d links back to %d, expected %d", off, blk.Prev, prev)
		}
		if blk.Offset%format.Granule != 0 || blk.Size%format.Granule != 0 {
			return errors.Newf("block at %d with size %d is not granule aligned", off, blk.Size)
		}
		if blk.Allocated {
			if int(blk.Slot) >= len(g.slots.slots) {
				return errors.Newf("allocated block at %d names slot %d, table has %d", off, blk.Slot, len(g.slots.slots))
			}
			s := &g.slots.slots[blk.Slot]
			if !s.live || s.off != off {
				return errors.Newf("allocated block at %d names slot %d which is live=%t at %d", off, blk.Slot, s.live, s.off)
			}
			if s.info.Offset+s.info.Size > blk.Next() || s.info.Offset < off+format.HeaderSize {
				return errors.Newf("payload [%d, %d) escapes block [%d, %d)", s.info.Offset, s.info.Offset+s.info.Size, off, blk.Next())
			}
			if s.info.Offset%blk.Alignment != 0 {
				return errors.Newf("payload at %d is not %d-byte aligned", s.info.Offset, blk.Alignment)
			}
			liveCount++
			usage += blk.Size
			prevFree = false
		} else {
			if prevFree {
				return errors.Newf("free block at %d follows another free block", off)
			}
			if sz, ok := g.free.sizeOf(off); !ok || sz != blk.Size {
				return errors.Newf("free block at %d (size %d) missing from free index", off, blk.Size)
			}
			freeCount++
			freeBytes += blk.Size
			prevFree = true
		}
		prev = off
		off = blk.Next()
	}
	if off != capacity {
		return errors.Newf("blocks end at %d, capacity is %d", off, capacity)
	}
	if freeCount != g.free.count() || freeBytes != g.free.freeBytes() {
		return errors.Newf("free index holds %d blocks / %d bytes, arena has %d / %d",
			g.free.count(), g.free.freeBytes(), freeCount, freeBytes)
	}
	if liveCount != g.slots.live || liveCount != g.stats.ActiveAllocations {
		return errors.Newf("arena has %d allocated blocks, slot table %d, stats %d",
			liveCount, g.slots.live, g.stats.ActiveAllocations)
	}
	if usage != g.stats.CurrentUsage {
		return errors.Newf("allocated blocks total %d bytes, stats report %d", usage, g.stats.CurrentUsage)
	}
	if usage+freeBytes != capacity {
		return errors.Newf("allocated %d + free %d != capacity %d", usage, freeBytes, capacity)
	}
	return nil
}
