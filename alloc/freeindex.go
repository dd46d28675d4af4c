package alloc

import (
	"cmp"
	"slices"

	"github.com/joshuapare/arenakit/internal/format"
)

// freeBlock is a free region of the general allocator's arena.
type freeBlock struct {
	off  int
	size int
}

func cmpBySize(a, b freeBlock) int {
	if c := cmp.Compare(a.size, b.size); c != 0 {
		return c
	}
	return cmp.Compare(a.off, b.off)
}

func cmpByOff(a, b freeBlock) int { return cmp.Compare(a.off, b.off) }

// freeIndex keeps free blocks ordered two ways: by (size, offset) for
// best/worst fit and by offset for first fit and neighbour lookup. Inserts
// and removals are O(log n) searches plus an O(n) memmove.
type freeIndex struct {
	bySize []freeBlock
	byOff  []freeBlock
	sizeAt map[int]int // offset -> size
	total  int
}

func newFreeIndex() *freeIndex {
	return &freeIndex{sizeAt: make(map[int]int)}
}

func (x *freeIndex) count() int { return len(x.byOff) }

func (x *freeIndex) freeBytes() int { return x.total }

func (x *freeIndex) largest() int {
	if len(x.bySize) == 0 {
		return 0
	}
	return x.bySize[len(x.bySize)-1].size
}

// sizeOf returns the size of the free block starting at off.
func (x *freeIndex) sizeOf(off int) (int, bool) {
	sz, ok := x.sizeAt[off]
	return sz, ok
}

func (x *freeIndex) insert(off, size int) {
	b := freeBlock{off: off, size: size}
	i, _ := slices.BinarySearchFunc(x.bySize, b, cmpBySize)
	x.bySize = slices.Insert(x.bySize, i, b)
	j, _ := slices.BinarySearchFunc(x.byOff, b, cmpByOff)
	x.byOff = slices.Insert(x.byOff, j, b)
	x.sizeAt[off] = size
	x.total += size
}

// remove deletes the free block at off. Reports false if there is none.
func (x *freeIndex) remove(off int) bool {
	size, ok := x.sizeAt[off]
	if !ok {
		return false
	}
	b := freeBlock{off: off, size: size}
	if i, found := slices.BinarySearchFunc(x.bySize, b, cmpBySize); found {
		x.bySize = slices.Delete(x.bySize, i, i+1)
	}
	if j, found := slices.BinarySearchFunc(x.byOff, b, cmpByOff); found {
		x.byOff = slices.Delete(x.byOff, j, j+1)
	}
	delete(x.sizeAt, off)
	x.total -= size
	return true
}

func (x *freeIndex) reset() {
	x.bySize = x.bySize[:0]
	x.byOff = x.byOff[:0]
	clear(x.sizeAt)
	x.total = 0
}

// fits reports whether a request fits the block once the payload is aligned.
func fits(b freeBlock, size, alignment int) bool {
	return format.BlockNeed(b.off, size, alignment) <= b.size
}

// find returns the free block the policy selects for the request.
func (x *freeIndex) find(p Policy, size, alignment int) (freeBlock, bool) {
	switch p {
	case FirstFit:
		for _, b := range x.byOff {
			if fits(b, size, alignment) {
				return b, true
			}
		}
		return freeBlock{}, false

	case WorstFit:
		// Walk down from the largest; among equal sizes keep the lowest
		// offset that fits.
		var best freeBlock
		found := false
		for i := len(x.bySize) - 1; i >= 0; i-- {
			b := x.bySize[i]
			if found && b.size != best.size {
				break
			}
			if fits(b, size, alignment) {
				best, found = b, true
			}
		}
		return best, found

	default:
		// (size, offset) order makes the first fit here the smallest block,
		// ties by lowest offset. Blocks below the unpadded minimum can never
		// fit, so start there.
		minNeed := format.AlignGranule(format.HeaderSize + size)
		i, _ := slices.BinarySearchFunc(x.bySize, freeBlock{off: -1, size: minNeed}, cmpBySize)
		for ; i < len(x.bySize); i++ {
			if b := x.bySize[i]; fits(b, size, alignment) {
				return b, true
			}
		}
		return freeBlock{}, false
	}
}
