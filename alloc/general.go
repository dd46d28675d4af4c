package alloc

import (
	"iter"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/arenakit/arena"
	"github.com/joshuapare/arenakit/internal/format"
)

const (
	// DefaultDefragmentThreshold is the fragmentation percentage above
	// which MaybeDefragment compacts.
	DefaultDefragmentThreshold = 50

	// maxStackDepth bounds the call stack recorded per tracked allocation.
	maxStackDepth = 16
)

// GeneralConfig configures a GeneralAllocator.
type GeneralConfig struct {
	// Name identifies the allocator in errors, logs and reports.
	Name string

	// Capacity is the arena size in bytes, rounded down to the 16-byte
	// granule. Must leave room for at least one block.
	Capacity int

	// Policy selects the free block to carve from. Zero value is BestFit.
	Policy Policy

	// TrackAllocations records a timestamp and call stack per allocation.
	TrackAllocations bool

	// DetectLeaks makes Reset report allocations that were never freed.
	DetectLeaks bool

	// EnableDefragmentation compacts the arena and retries once when an
	// allocation finds no fit.
	EnableDefragmentation bool

	// LowMemoryThreshold is the usage ratio (0, 1] that fires pressure
	// handlers. Zero means DefaultLowMemoryThreshold.
	LowMemoryThreshold float64

	// DefragmentThreshold is the fragmentation percentage above which
	// MaybeDefragment compacts. Zero means DefaultDefragmentThreshold.
	DefragmentThreshold float64

	// InvalidFree controls Free of foreign or stale handles.
	InvalidFree InvalidFreePolicy

	// Backing selects heap or mmap memory for the arena.
	Backing arena.Backing

	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger

	// OnRelocate is called for every allocation Defragment moves, with the
	// old and new payload offsets. It must not call back into the allocator.
	OnRelocate func(h Handle, from, to int)
}

// DefaultGeneralConfig returns the documented defaults: best fit, tracking
// and leak detection on, defragmentation off, 90% pressure threshold.
func DefaultGeneralConfig(name string, capacity int) GeneralConfig {
	return GeneralConfig{
		Name:                name,
		Capacity:            capacity,
		Policy:              BestFit,
		TrackAllocations:    true,
		DetectLeaks:         true,
		LowMemoryThreshold:  DefaultLowMemoryThreshold,
		DefragmentThreshold: DefaultDefragmentThreshold,
		InvalidFree:         InvalidFreeReturn,
		Backing:             arena.Heap,
	}
}

// AllocationInfo describes one live allocation of a GeneralAllocator.
type AllocationInfo struct {
	Handle    Handle
	Offset    int // Payload offset in the arena
	Size      int // Requested bytes
	BlockSize int // Whole block, header and padding included
	Alignment int
	Tag       string
	Timestamp time.Time // Zero unless TrackAllocations
	Stack     []uintptr // Nil unless TrackAllocations
}

// Frames resolves the recorded call stack.
func (ai AllocationInfo) Frames() *runtime.Frames {
	return runtime.CallersFrames(ai.Stack)
}

// GeneralCounters are internal operation counts, useful when tuning the
// fit policy.
type GeneralCounters struct {
	Splits           int // Free blocks split on allocation
	CoalesceForward  int // Merges with the following free block
	CoalesceBackward int // Merges with the preceding free block
	DefragRuns       int // Defragment calls that did work
	BlocksMoved      int // Allocations relocated by Defragment
	OOMRetries       int // Allocations retried after defragmenting
}

// GeneralAllocator manages variable-size blocks in one arena. Every block,
// free or allocated, starts with a 32-byte header, and free ∪ allocated
// blocks tile the arena exactly. Adjacent free blocks are always merged.
type GeneralAllocator struct {
	base
	cfg      GeneralConfig
	arena    *arena.Arena
	free     *freeIndex
	slots    slotTable
	counters GeneralCounters
}

// NewGeneral creates a GeneralAllocator. The config is used as given; zero
// numeric fields take their defaults.
func NewGeneral(cfg GeneralConfig) (*GeneralAllocator, error) {
	if cfg.Name == "" {
		cfg.Name = "general"
	}
	capacity := format.AlignDown(cfg.Capacity, format.Granule)
	if capacity < format.MinSplitRemainder {
		return nil, errors.Wrapf(ErrInvalidArgument,
			"%s: capacity %d is below the minimum block size %d", cfg.Name, cfg.Capacity, format.MinSplitRemainder)
	}
	if cfg.DefragmentThreshold <= 0 {
		cfg.DefragmentThreshold = DefaultDefragmentThreshold
	}
	if cfg.LowMemoryThreshold <= 0 {
		cfg.LowMemoryThreshold = DefaultLowMemoryThreshold
	}
	ar, err := arena.New(capacity, cfg.Backing)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", cfg.Name)
	}
	g := &GeneralAllocator{
		base:  newBase(cfg.Name, capacity, cfg.Logger, cfg.LowMemoryThreshold, cfg.InvalidFree, cfg.DetectLeaks),
		cfg:   cfg,
		arena: ar,
		free:  newFreeIndex(),
	}
	g.initArena()
	return g, nil
}

// initArena lays down one free block covering the whole arena.
func (g *GeneralAllocator) initArena() {
	capacity := g.stats.Capacity
	format.PutBlock(g.arena.Bytes(), format.Block{Offset: 0, Size: capacity, Prev: -1, Slot: format.NoSlot})
	g.free.reset()
	g.free.insert(0, capacity)
	g.refreshFree()
}

// Policy returns the fit policy.
func (g *GeneralAllocator) Policy() Policy { return g.cfg.Policy }

// Counters returns internal operation counts.
func (g *GeneralAllocator) Counters() GeneralCounters { return g.counters }

// Allocate carves a block for size bytes.
func (g *GeneralAllocator) Allocate(size, alignment int, flags Flags, tag string) (Handle, error) {
	alignment, err := g.checkRequest(size, alignment)
	if err != nil {
		return Handle{}, err
	}
	if size > g.stats.Capacity-format.HeaderSize {
		return Handle{}, g.outOfMemory(size, alignment)
	}

	b, ok := g.free.find(g.cfg.Policy, size, alignment)
	if !ok && g.cfg.EnableDefragmentation && g.free.count() > 1 {
		g.counters.OOMRetries++
		g.Defragment()
		b, ok = g.free.find(g.cfg.Policy, size, alignment)
	}
	if !ok {
		return Handle{}, g.outOfMemory(size, alignment)
	}
	return g.carve(b, size, alignment, flags, tag)
}

func (g *GeneralAllocator) carve(b freeBlock, size, alignment int, flags Flags, tag string) (Handle, error) {
	data := g.arena.Bytes()
	hdr, err := format.ReadBlock(data, b.off)
	if err != nil {
		return Handle{}, g.corrupt(err, b.off)
	}

	need := format.BlockNeed(b.off, size, alignment)
	g.free.remove(b.off)
	if rem := b.size - need; rem >= format.MinSplitRemainder {
		remOff := b.off + need
		format.PutBlock(data, format.Block{Offset: remOff, Size: rem, Prev: b.off, Slot: format.NoSlot})
		g.linkNext(remOff+rem, remOff)
		g.free.insert(remOff, rem)
		g.counters.Splits++
	} else {
		need = b.size
	}

	idx := g.slots.acquire(b.off)
	format.PutBlock(data, format.Block{
		Offset:    b.off,
		Size:      need,
		Allocated: true,
		Prev:      hdr.Prev,
		Alignment: alignment,
		Slot:      idx,
	})
	payload := format.PayloadOffset(b.off, alignment)
	if flags&ZeroInit != 0 {
		g.arena.Zero(payload, size)
	}

	h := g.slots.handle(g.id, idx)
	info := AllocationInfo{
		Handle:    h,
		Offset:    payload,
		Size:      size,
		BlockSize: need,
		Alignment: alignment,
		Tag:       tag,
	}
	if g.cfg.TrackAllocations {
		info.Timestamp = time.Now()
		info.Stack = callers()
	}
	g.slots.slots[idx].info = info

	if logAlloc {
		g.log.Info("alloc", "handle", h, "offset", b.off, "block", need, "size", size, "align", alignment, "tag", tag)
	}
	g.refreshFree()
	g.recordAlloc(need, size, tag)
	return h, nil
}

// Free releases h and merges its block with free neighbours.
func (g *GeneralAllocator) Free(h Handle) error {
	st := g.slots.classify(g.id, h)
	if st != handleLive {
		return g.freeError(h, st)
	}
	s := &g.slots.slots[h.index]
	blk, err := format.ReadBlock(g.arena.Bytes(), s.off)
	if err != nil {
		return g.corrupt(err, s.off)
	}
	if !blk.Allocated {
		return errors.Wrapf(ErrDoubleFree, "%s: %v block at %d is already free", g.name, h, blk.Offset)
	}
	if blk.Slot != h.index {
		return g.corrupt(errors.Newf("slot %d in header, handle has %d", blk.Slot, h.index), blk.Offset)
	}

	info := s.info
	g.slots.release(h.index)
	g.release(blk)
	if logAlloc {
		g.log.Info("free", "handle", h, "offset", blk.Offset, "block", blk.Size, "tag", info.Tag)
	}
	g.refreshFree()
	g.recordFree(blk.Size, info.Size, info.Tag)
	return nil
}

// release turns blk into a free block, coalescing with its physical
// neighbours.
func (g *GeneralAllocator) release(blk format.Block) {
	data := g.arena.Bytes()
	off, size, prev := blk.Offset, blk.Size, blk.Prev

	if next := off + size; next < g.stats.Capacity {
		if nsz, ok := g.free.sizeOf(next); ok {
			g.free.remove(next)
			size += nsz
			g.counters.CoalesceForward++
		}
	}
	if prev >= 0 {
		if psz, ok := g.free.sizeOf(prev); ok {
			phdr, err := format.ReadBlock(data, prev)
			if err == nil {
				g.free.remove(prev)
				off, size, prev = prev, size+psz, phdr.Prev
				g.counters.CoalesceBackward++
			}
		}
	}

	format.PutBlock(data, format.Block{Offset: off, Size: size, Prev: prev, Slot: format.NoSlot})
	g.linkNext(off+size, off)
	g.free.insert(off, size)
}

// linkNext points the header at next back to prev.
func (g *GeneralAllocator) linkNext(next, prev int) {
	if next < g.stats.Capacity {
		format.SetPrev(g.arena.Bytes(), next, prev)
	}
}

// Reallocate moves h to a new block of newSize bytes. On failure h stays
// valid.
func (g *GeneralAllocator) Reallocate(h Handle, newSize int) (Handle, error) {
	if st := g.slots.classify(g.id, h); st != handleLive {
		return h, g.handleError(h, st)
	}
	if newSize <= 0 {
		return h, errors.Wrapf(ErrInvalidArgument, "%s: reallocate %v to %d bytes", g.name, h, newSize)
	}
	old := g.slots.slots[h.index].info
	nh, err := g.Allocate(newSize, old.Alignment, 0, old.Tag)
	if err != nil {
		return h, errors.Wrapf(err, "reallocate %v from %d to %d bytes", h, old.Size, newSize)
	}
	// Allocate may have defragmented.
	old = g.slots.slots[h.index].info
	dst := g.slots.slots[nh.index].info
	g.arena.Move(dst.Offset, old.Offset, min(old.Size, newSize))
	if err := g.Free(h); err != nil {
		return nh, err
	}
	return nh, nil
}

// Reset frees everything. Outstanding handles become stale.
func (g *GeneralAllocator) Reset() *LeakReport {
	report := g.leakReport(g.liveTags())
	g.slots.invalidateAll()
	if err := g.arena.Decommit(); err != nil {
		g.log.Debug("decommit failed", "error", err)
	}
	g.initArena()
	g.recordReset()
	return report
}

func (g *GeneralAllocator) liveTags() iter.Seq2[string, int] {
	return func(yield func(string, int) bool) {
		for i := range g.slots.slots {
			s := &g.slots.slots[i]
			if s.live && !yield(s.info.Tag, s.info.Size) {
				return
			}
		}
	}
}

// Stats returns a snapshot of the counters.
func (g *GeneralAllocator) Stats() Stats { return g.stats }

// Owns reports whether h is live in this allocator.
func (g *GeneralAllocator) Owns(h Handle) bool {
	return g.slots.classify(g.id, h) == handleLive
}

// Bytes returns the payload of h. The view is invalidated by Defragment.
func (g *GeneralAllocator) Bytes(h Handle) ([]byte, error) {
	if st := g.slots.classify(g.id, h); st != handleLive {
		return nil, g.handleError(h, st)
	}
	info := g.slots.slots[h.index].info
	return g.arena.Slice(info.Offset, info.Size)
}

// Info returns the bookkeeping for a live allocation.
func (g *GeneralAllocator) Info(h Handle) (AllocationInfo, error) {
	if st := g.slots.classify(g.id, h); st != handleLive {
		return AllocationInfo{}, g.handleError(h, st)
	}
	return g.slots.slots[h.index].info, nil
}

// Allocations returns every live allocation ordered by offset.
func (g *GeneralAllocator) Allocations() []AllocationInfo {
	out := make([]AllocationInfo, 0, g.slots.live)
	for i := range g.slots.slots {
		if s := &g.slots.slots[i]; s.live {
			out = append(out, s.info)
		}
	}
	slices.SortFunc(out, func(a, b AllocationInfo) int { return a.Offset - b.Offset })
	return out
}

// Blocks walks the arena's block headers in offset order. Iteration stops
// early at a corrupt header; Validate reports those.
func (g *GeneralAllocator) Blocks() iter.Seq[BlockInfo] {
	return func(yield func(BlockInfo) bool) {
		data := g.arena.Bytes()
		for off := 0; off < g.stats.Capacity; {
			blk, err := format.ReadBlock(data, off)
			if err != nil {
				return
			}
			bi := BlockInfo{Offset: blk.Offset, Size: blk.Size, Free: !blk.Allocated}
			if blk.Allocated && int(blk.Slot) < len(g.slots.slots) {
				info := g.slots.slots[blk.Slot].info
				bi.Payload = info.Offset
				bi.Requested = info.Size
				bi.Alignment = info.Alignment
				bi.Tag = info.Tag
			}
			if !yield(bi) {
				return
			}
			off = blk.Next()
		}
	}
}

// Close releases the arena. The allocator must not be used afterwards.
func (g *GeneralAllocator) Close() error {
	return g.arena.Release()
}

func (g *GeneralAllocator) refreshFree() {
	g.stats.FreeBlocks = g.free.count()
	g.stats.LargestFreeBlock = g.free.largest()
	g.stats.FragmentationPercent = Fragmentation(g.stats.FreeBlocks)
}

func (g *GeneralAllocator) outOfMemory(size, alignment int) error {
	s := g.stats
	g.log.Debug("out of memory",
		"size", size,
		"alignment", alignment,
		"usage", s.CurrentUsage,
		"free_blocks", s.FreeBlocks,
		"largest_free", s.LargestFreeBlock)
	err := errors.Wrapf(ErrOutOfMemory,
		"%s: cannot allocate %d bytes (alignment %d): capacity %d, usage %d, fragmentation %.1f%%, %d free blocks, largest free block %d",
		g.name, size, alignment, s.Capacity, s.CurrentUsage, s.FragmentationPercent, s.FreeBlocks, s.LargestFreeBlock)
	return errors.WithDetailf(err, "policy %s, defragmentation enabled: %t", g.cfg.Policy, g.cfg.EnableDefragmentation)
}

func (g *GeneralAllocator) corrupt(cause error, off int) error {
	g.log.Error("corrupt block header", "offset", off, "error", cause)
	return errors.Wrapf(errors.Mark(cause, ErrCorruptHeader), "%s: block at %d", g.name, off)
}

func callers() []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(4, pcs)
	return pcs[:n]
}
