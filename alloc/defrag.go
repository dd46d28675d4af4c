package alloc

import (
	"github.com/joshuapare/arenakit/internal/format"
)

// Defragment slides every live block toward offset 0 and leaves a single
// trailing free block. Handles stay valid; byte views taken before the call
// do not. OnRelocate is told about every allocation that moved. Returns the
// number of allocations moved.
func (g *GeneralAllocator) Defragment() int {
	if g.free.count() == 0 || (g.free.count() == 1 && g.free.byOff[0].off+g.free.byOff[0].size == g.stats.Capacity) {
		return 0
	}
	data := g.arena.Bytes()

	// Collect first so a corrupt header aborts before anything moves.
	var live []format.Block
	for off := 0; off < g.stats.Capacity; {
		blk, err := format.ReadBlock(data, off)
		if err != nil {
			g.log.Error("defragment aborted", "error", g.corrupt(err, off))
			return 0
		}
		if blk.Allocated {
			live = append(live, blk)
		}
		off = blk.Next()
	}

	freeBefore := g.free.count()
	cursor, prev, moved, usage := 0, -1, 0, 0
	last := -1
	for _, blk := range live {
		s := &g.slots.slots[blk.Slot]
		if blk.Offset == cursor {
			format.SetPrev(data, cursor, prev)
		} else {
			info := &s.info
			from := info.Offset
			to := format.PayloadOffset(cursor, blk.Alignment)
			need := format.BlockNeed(cursor, info.Size, blk.Alignment)
			g.arena.Move(to, from, info.Size)
			blk = format.Block{
				Offset:    cursor,
				Size:      need,
				Allocated: true,
				Prev:      prev,
				Alignment: blk.Alignment,
				Slot:      blk.Slot,
			}
			format.PutBlock(data, blk)
			s.off = cursor
			info.Offset = to
			info.BlockSize = need
			moved++
			if g.cfg.OnRelocate != nil {
				g.cfg.OnRelocate(info.Handle, from, to)
			}
		}
		last = cursor
		prev = cursor
		cursor += blk.Size
		usage += blk.Size
	}

	g.free.reset()
	switch rem := g.stats.Capacity - cursor; {
	case rem == 0:
	case rem < format.MinSplitRemainder && last >= 0:
		// Too small for a block of its own; the last allocation absorbs it.
		blk, _ := format.ReadBlock(data, last)
		blk.Size += rem
		format.PutBlock(data, blk)
		g.slots.slots[blk.Slot].info.BlockSize = blk.Size
		usage += rem
	default:
		format.PutBlock(data, format.Block{Offset: cursor, Size: rem, Prev: prev, Slot: format.NoSlot})
		g.free.insert(cursor, rem)
	}

	g.stats.CurrentUsage = usage
	g.stats.PeakUsage = max(g.stats.PeakUsage, usage)
	g.pressure.rearm(usage, g.stats.Capacity)
	g.refreshFree()
	if moved > 0 {
		g.counters.DefragRuns++
		g.counters.BlocksMoved += moved
	}
	g.log.Debug("defragmented",
		"moved", moved,
		"free_blocks_before", freeBefore,
		"free_blocks_after", g.free.count(),
		"largest_free", g.stats.LargestFreeBlock)
	return moved
}

// MaybeDefragment runs Defragment only when fragmentation exceeds the
// configured threshold.
func (g *GeneralAllocator) MaybeDefragment() int {
	if g.stats.FragmentationPercent <= g.cfg.DefragmentThreshold {
		return 0
	}
	return g.Defragment()
}
