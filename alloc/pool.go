package alloc

import (
	"iter"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/kelindar/bitmap"

	"github.com/joshuapare/arenakit/arena"
	"github.com/joshuapare/arenakit/internal/buf"
	"github.com/joshuapare/arenakit/internal/format"
)

const (
	// MinPoolBlockSize is the smallest pool block.
	MinPoolBlockSize = 8

	// MaxPoolAlignment caps the natural alignment of pool blocks.
	MaxPoolAlignment = 4096

	// DefaultPoolBlockCount is used when neither BlockCount nor Capacity is set.
	DefaultPoolBlockCount = 1000
)

// PoolConfig configures a PoolAllocator.
type PoolConfig struct {
	Name string

	// BlockSize is the size of every block. Raised to MinPoolBlockSize.
	BlockSize int

	// BlockCount is the number of blocks. When zero it is derived from
	// Capacity, or DefaultPoolBlockCount when Capacity is zero too.
	BlockCount int

	// Capacity in bytes, used only to derive BlockCount.
	Capacity int

	DetectLeaks        bool
	LowMemoryThreshold float64
	InvalidFree        InvalidFreePolicy
	Backing            arena.Backing
	Logger             *slog.Logger
}

// DefaultPoolConfig returns a config with leak detection on.
func DefaultPoolConfig(name string, blockSize, blockCount int) PoolConfig {
	return PoolConfig{
		Name:               name,
		BlockSize:          blockSize,
		BlockCount:         blockCount,
		DetectLeaks:        true,
		LowMemoryThreshold: DefaultLowMemoryThreshold,
	}
}

// PoolAllocator hands out fixed-size blocks in O(1). The handle index is the
// block index, so Free needs no search. A fresh pool hands out block 0
// first; freed blocks are reused most-recent first.
type PoolAllocator struct {
	base
	arena     *arena.Arena
	blockSize int
	count     int
	align     int
	free      []uint32      // stack of free block indices
	live      bitmap.Bitmap // set bits are allocated blocks
	gens      []uint32
	tags      []string
	requested []int
}

// NewPool creates a PoolAllocator.
func NewPool(cfg PoolConfig) (*PoolAllocator, error) {
	if cfg.Name == "" {
		cfg.Name = "pool"
	}
	if cfg.BlockSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s: block size %d must be positive", cfg.Name, cfg.BlockSize)
	}
	bs := max(cfg.BlockSize, MinPoolBlockSize)
	count := cfg.BlockCount
	switch {
	case count == 0 && cfg.Capacity > 0:
		count = cfg.Capacity / bs
	case count == 0:
		count = DefaultPoolBlockCount
	}
	if count <= 0 || uint64(count) > uint64(format.NoSlot) {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s: block count %d out of range", cfg.Name, count)
	}
	capacity, ok := buf.MulOverflowSafe(bs, count)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s: %d blocks of %d bytes overflows", cfg.Name, count, bs)
	}
	ar, err := arena.New(capacity, cfg.Backing)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", cfg.Name)
	}
	p := &PoolAllocator{
		base:      newBase(cfg.Name, capacity, cfg.Logger, cfg.LowMemoryThreshold, cfg.InvalidFree, cfg.DetectLeaks),
		arena:     ar,
		blockSize: bs,
		count:     count,
		align:     format.NaturalAlignment(bs, MaxPoolAlignment),
		free:      make([]uint32, 0, count),
		live:      make(bitmap.Bitmap, (count>>6)+1),
		gens:      make([]uint32, count),
		tags:      make([]string, count),
		requested: make([]int, count),
	}
	p.rebuildFreeList()
	return p, nil
}

// rebuildFreeList pushes every block so index 0 is popped first.
func (p *PoolAllocator) rebuildFreeList() {
	p.free = p.free[:0]
	for i := p.count - 1; i >= 0; i-- {
		p.free = append(p.free, uint32(i))
	}
	p.refreshFree()
}

// BlockSize returns the size of each block.
func (p *PoolAllocator) BlockSize() int { return p.blockSize }

// BlockCount returns the number of blocks.
func (p *PoolAllocator) BlockCount() int { return p.count }

// FreeBlocks returns the number of unallocated blocks.
func (p *PoolAllocator) FreeBlocks() int { return len(p.free) }

// Alignment returns the natural alignment every block offset satisfies.
func (p *PoolAllocator) Alignment() int { return p.align }

// Allocate pops a free block. size must not exceed BlockSize. Alignment 0
// accepts the block's natural alignment.
func (p *PoolAllocator) Allocate(size, alignment int, flags Flags, tag string) (Handle, error) {
	explicit := alignment != 0
	alignment, err := p.checkRequest(size, alignment)
	if err != nil {
		return Handle{}, err
	}
	if size > p.blockSize {
		return Handle{}, errors.Wrapf(ErrInvalidArgument, "%s: size %d exceeds block size %d", p.name, size, p.blockSize)
	}
	if explicit && alignment > p.align {
		return Handle{}, errors.Wrapf(ErrInvalidArgument,
			"%s: alignment %d exceeds block alignment %d", p.name, alignment, p.align)
	}
	n := len(p.free)
	if n == 0 {
		return Handle{}, errors.Wrapf(ErrOutOfMemory, "%s: all %d blocks of %d bytes in use (capacity %d)",
			p.name, p.count, p.blockSize, p.stats.Capacity)
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.gens[idx] = nextGen(p.gens[idx])
	p.live.Set(idx)
	p.tags[idx] = tag
	p.requested[idx] = size
	if flags&ZeroInit != 0 {
		p.arena.Zero(int(idx)*p.blockSize, p.blockSize)
	}

	h := Handle{owner: p.id, index: idx, gen: p.gens[idx]}
	if logAlloc {
		p.log.Info("alloc", "handle", h, "block", idx, "size", size, "tag", tag)
	}
	p.refreshFree()
	p.recordAlloc(p.blockSize, size, tag)
	return h, nil
}

func (p *PoolAllocator) classify(h Handle) handleState {
	if h.owner != p.id || h.gen == 0 || int(h.index) >= p.count {
		return handleForeign
	}
	if p.gens[h.index] != h.gen {
		return handleStale
	}
	if !p.live.Contains(h.index) {
		return handleFreed
	}
	return handleLive
}

// Free pushes the block back onto the free list.
func (p *PoolAllocator) Free(h Handle) error {
	if st := p.classify(h); st != handleLive {
		return p.freeError(h, st)
	}
	idx := h.index
	tag, size := p.tags[idx], p.requested[idx]
	p.live.Remove(idx)
	p.tags[idx] = ""
	p.requested[idx] = 0
	p.free = append(p.free, idx)
	if logAlloc {
		p.log.Info("free", "handle", h, "block", idx, "tag", tag)
	}
	p.refreshFree()
	p.recordFree(p.blockSize, size, tag)
	return nil
}

// Reallocate is not supported by pools.
func (p *PoolAllocator) Reallocate(h Handle, newSize int) (Handle, error) {
	return h, errors.Wrapf(ErrUnsupportedOperation, "%s: pools cannot reallocate", p.name)
}

// Reset returns every block to the free list.
func (p *PoolAllocator) Reset() *LeakReport {
	report := p.leakReport(p.liveTags())
	for i := range p.gens {
		p.gens[i] = nextGen(p.gens[i])
		p.tags[i] = ""
		p.requested[i] = 0
	}
	p.live.Clear()
	p.rebuildFreeList()
	p.recordReset()
	return report
}

func (p *PoolAllocator) liveTags() iter.Seq2[string, int] {
	return func(yield func(string, int) bool) {
		for i := range p.count {
			if p.live.Contains(uint32(i)) && !yield(p.tags[i], p.requested[i]) {
				return
			}
		}
	}
}

// Stats returns a snapshot of the counters. Pools have no external
// fragmentation, so FragmentationPercent is always zero.
func (p *PoolAllocator) Stats() Stats { return p.stats }

// Owns reports whether h is live in this pool.
func (p *PoolAllocator) Owns(h Handle) bool { return p.classify(h) == handleLive }

// Bytes returns the requested-size view of h's block.
func (p *PoolAllocator) Bytes(h Handle) ([]byte, error) {
	if st := p.classify(h); st != handleLive {
		return nil, p.handleError(h, st)
	}
	return p.arena.Slice(int(h.index)*p.blockSize, p.requested[h.index])
}

// Blocks walks every block in index order.
func (p *PoolAllocator) Blocks() iter.Seq[BlockInfo] {
	return func(yield func(BlockInfo) bool) {
		for i := range p.count {
			off := i * p.blockSize
			bi := BlockInfo{Offset: off, Size: p.blockSize, Free: true}
			if p.live.Contains(uint32(i)) {
				bi.Free = false
				bi.Payload = off
				bi.Requested = p.requested[i]
				bi.Alignment = p.align
				bi.Tag = p.tags[i]
			}
			if !yield(bi) {
				return
			}
		}
	}
}

// Validate checks that the free list and live set partition the blocks.
func (p *PoolAllocator) Validate() error {
	seen := make(bitmap.Bitmap, (p.count>>6)+1)
	for _, idx := range p.free {
		if int(idx) >= p.count {
			return errors.Newf("free list holds block %d, pool has %d", idx, p.count)
		}
		if p.live.Contains(idx) {
			return errors.Newf("block %d is both free and live", idx)
		}
		if seen.Contains(idx) {
			return errors.Newf("block %d appears twice in the free list", idx)
		}
		seen.Set(idx)
	}
	if live := p.live.Count(); live+len(p.free) != p.count {
		return errors.Newf("%d live + %d free != %d blocks", live, len(p.free), p.count)
	}
	if p.live.Count() != p.stats.ActiveAllocations {
		return errors.Newf("live set has %d blocks, stats report %d", p.live.Count(), p.stats.ActiveAllocations)
	}
	return nil
}

// Close releases the arena.
func (p *PoolAllocator) Close() error { return p.arena.Release() }

func (p *PoolAllocator) refreshFree() {
	p.stats.FreeBlocks = len(p.free)
	p.stats.LargestFreeBlock = 0
	if len(p.free) > 0 {
		p.stats.LargestFreeBlock = p.blockSize
	}
}
