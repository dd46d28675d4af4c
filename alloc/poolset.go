package alloc

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/arenakit/arena"
)

const (
	classShift = 24
	blockMask  = 1<<classShift - 1

	// MaxPoolClasses is the number of size classes a PoolSet can hold.
	MaxPoolClasses = 1 << (32 - classShift)
)

// PoolClass is one size class of a PoolSet.
type PoolClass struct {
	BlockSize  int `yaml:"block_size"`
	BlockCount int `yaml:"block_count"`
}

// DefaultPoolClasses covers small engine objects from 16 bytes to 1 KiB,
// with more blocks in the smaller classes.
var DefaultPoolClasses = []PoolClass{
	{BlockSize: 16, BlockCount: 4096},
	{BlockSize: 32, BlockCount: 4096},
	{BlockSize: 64, BlockCount: 2048},
	{BlockSize: 128, BlockCount: 1024},
	{BlockSize: 256, BlockCount: 512},
	{BlockSize: 512, BlockCount: 256},
	{BlockSize: 1024, BlockCount: 128},
}

// PoolSetConfig configures a PoolSet.
type PoolSetConfig struct {
	Name               string
	Classes            []PoolClass // Any order; sorted by block size on construction
	DetectLeaks        bool
	LowMemoryThreshold float64
	InvalidFree        InvalidFreePolicy
	Backing            arena.Backing
	Logger             *slog.Logger
}

// PoolSet routes each request to the smallest size class that fits and
// falls through to larger classes when a class is exhausted.
type PoolSet struct {
	base
	pools []*PoolAllocator // sorted by block size
	sizes []int
}

// NewPoolSet creates one pool per class.
func NewPoolSet(cfg PoolSetConfig) (*PoolSet, error) {
	if cfg.Name == "" {
		cfg.Name = "pools"
	}
	classes := cfg.Classes
	if len(classes) == 0 {
		classes = DefaultPoolClasses
	}
	if len(classes) > MaxPoolClasses {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s: %d classes, at most %d", cfg.Name, len(classes), MaxPoolClasses)
	}
	classes = slices.Clone(classes)
	slices.SortFunc(classes, func(a, b PoolClass) int { return a.BlockSize - b.BlockSize })

	s := &PoolSet{}
	capacity := 0
	for _, c := range classes {
		if c.BlockCount > blockMask+1 {
			return nil, errors.Wrapf(ErrInvalidArgument, "%s: class %d has %d blocks, at most %d",
				cfg.Name, c.BlockSize, c.BlockCount, blockMask+1)
		}
		if n := len(s.sizes); n > 0 && max(c.BlockSize, MinPoolBlockSize) == s.sizes[n-1] {
			return nil, errors.Wrapf(ErrInvalidArgument, "%s: duplicate class %d", cfg.Name, c.BlockSize)
		}
		p, err := NewPool(PoolConfig{
			Name:       fmt.Sprintf("%s/%d", cfg.Name, c.BlockSize),
			BlockSize:  c.BlockSize,
			BlockCount: c.BlockCount,
			Backing:    cfg.Backing,
			Logger:     cfg.Logger,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.pools = append(s.pools, p)
		s.sizes = append(s.sizes, p.BlockSize())
		capacity += p.Capacity()
	}
	s.base = newBase(cfg.Name, capacity, cfg.Logger, cfg.LowMemoryThreshold, cfg.InvalidFree, cfg.DetectLeaks)
	s.refreshFree()
	return s, nil
}

// Pools returns the class pools, smallest block size first.
func (s *PoolSet) Pools() []*PoolAllocator { return s.pools }

// classFor returns the first class whose blocks hold size bytes, or
// len(classes) when none does.
func (s *PoolSet) classFor(size int) int {
	i, _ := slices.BinarySearch(s.sizes, size)
	return i
}

// Allocate takes a block from the smallest class that fits and has room.
func (s *PoolSet) Allocate(size, alignment int, flags Flags, tag string) (Handle, error) {
	requested := alignment
	alignment, err := s.checkRequest(size, alignment)
	if err != nil {
		return Handle{}, err
	}
	first := s.classFor(size)
	if first == len(s.pools) {
		return Handle{}, errors.Wrapf(ErrInvalidArgument, "%s: size %d exceeds the largest class %d",
			s.name, size, s.sizes[len(s.sizes)-1])
	}
	for c := first; c < len(s.pools); c++ {
		p := s.pools[c]
		if p.FreeBlocks() == 0 || (requested != 0 && alignment > p.Alignment()) {
			continue
		}
		inner, err := p.Allocate(size, requested, flags, tag)
		if err != nil {
			return Handle{}, err
		}
		h := Handle{owner: s.id, index: uint32(c)<<classShift | inner.index, gen: inner.gen}
		s.refreshFree()
		s.recordAlloc(p.BlockSize(), size, tag)
		return h, nil
	}
	return Handle{}, errors.Wrapf(ErrOutOfMemory, "%s: no class from %d bytes up has a free block for %d bytes (alignment %d)",
		s.name, s.sizes[first], size, alignment)
}

// resolve maps a set handle to its class pool and pool handle.
func (s *PoolSet) resolve(h Handle) (*PoolAllocator, Handle, handleState) {
	c := int(h.index >> classShift)
	if h.owner != s.id || h.gen == 0 || c >= len(s.pools) {
		return nil, Handle{}, handleForeign
	}
	p := s.pools[c]
	inner := Handle{owner: p.id, index: h.index & blockMask, gen: h.gen}
	return p, inner, p.classify(inner)
}

// Free returns the block to its class.
func (s *PoolSet) Free(h Handle) error {
	p, inner, st := s.resolve(h)
	if st != handleLive {
		return s.freeError(h, st)
	}
	tag, size := p.tags[inner.index], p.requested[inner.index]
	if err := p.Free(inner); err != nil {
		return err
	}
	s.refreshFree()
	s.recordFree(p.BlockSize(), size, tag)
	return nil
}

// Reallocate is not supported by pools.
func (s *PoolSet) Reallocate(h Handle, newSize int) (Handle, error) {
	return h, errors.Wrapf(ErrUnsupportedOperation, "%s: pools cannot reallocate", s.name)
}

// Reset resets every class.
func (s *PoolSet) Reset() *LeakReport {
	report := s.leakReport(s.liveTags())
	for _, p := range s.pools {
		p.Reset()
	}
	s.recordReset()
	s.refreshFree()
	return report
}

func (s *PoolSet) liveTags() iter.Seq2[string, int] {
	return func(yield func(string, int) bool) {
		for _, p := range s.pools {
			for tag, n := range p.liveTags() {
				if !yield(tag, n) {
					return
				}
			}
		}
	}
}

// Stats returns the set-wide counters.
func (s *PoolSet) Stats() Stats { return s.stats }

// Owns reports whether h is live in any class.
func (s *PoolSet) Owns(h Handle) bool {
	_, _, st := s.resolve(h)
	return st == handleLive
}

// Bytes returns the payload of h.
func (s *PoolSet) Bytes(h Handle) ([]byte, error) {
	p, inner, st := s.resolve(h)
	if st != handleLive {
		return nil, s.handleError(h, st)
	}
	return p.Bytes(inner)
}

// Close releases every class arena.
func (s *PoolSet) Close() error {
	var errs error
	for _, p := range s.pools {
		errs = errors.CombineErrors(errs, p.Close())
	}
	return errs
}

func (s *PoolSet) refreshFree() {
	s.stats.FreeBlocks = 0
	s.stats.LargestFreeBlock = 0
	for _, p := range s.pools {
		s.stats.FreeBlocks += p.FreeBlocks()
		if p.FreeBlocks() > 0 {
			s.stats.LargestFreeBlock = p.BlockSize()
		}
	}
}
