package format

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/arenakit/internal/buf"
)

// Block is the decoded form of a block header.
type Block struct {
	Offset    int    // Offset of the header within the arena
	Size      int    // Whole block size including header and padding
	Allocated bool   // True while the block is in use
	Prev      int    // Offset of the physically previous block, -1 for none
	Alignment int    // Payload alignment requested at allocation time
	Slot      uint32 // Handle slot index, NoSlot when free
}

// Next returns the offset of the physically following block.
func (b Block) Next() int { return b.Offset + b.Size }

// Payload returns the payload offset of an allocated block.
func (b Block) Payload() int { return PayloadOffset(b.Offset, b.Alignment) }

// PutBlock encodes blk at blk.Offset.
func PutBlock(b []byte, blk Block) {
	off := blk.Offset
	var flags uint32
	if blk.Allocated {
		flags |= FlagAllocated
	}
	prev := NoBlock
	if blk.Prev >= 0 {
		prev = uint64(blk.Prev)
	}
	PutU32(b, off+MagicOffset, BlockMagic)
	PutU32(b, off+FlagsOffset, flags)
	PutU64(b, off+SizeOffset, uint64(blk.Size))
	PutU64(b, off+PrevOffset, prev)
	PutU32(b, off+AlignmentOffset, uint32(blk.Alignment))
	PutU32(b, off+SlotOffset, blk.Slot)
}

// SetPrev rewrites only the prev link of the header at off.
func SetPrev(b []byte, off, prev int) {
	v := NoBlock
	if prev >= 0 {
		v = uint64(prev)
	}
	PutU64(b, off+PrevOffset, v)
}

// ReadBlock decodes the header at off and checks that it is well formed and
// that the block it describes fits inside b.
func ReadBlock(b []byte, off int) (Block, error) {
	if _, ok := buf.Slice(b, off, HeaderSize); !ok {
		return Block{}, errors.Wrapf(ErrTruncated, "header at %d (arena %d bytes)", off, len(b))
	}
	if m := ReadU32(b, off+MagicOffset); m != BlockMagic {
		return Block{}, errors.Wrapf(ErrBadMagic, "header at %d: got 0x%08X", off, m)
	}
	size := ReadU64(b, off+SizeOffset)
	if size < HeaderSize || size > uint64(len(b)-off) {
		return Block{}, errors.Wrapf(ErrTruncated, "header at %d declares size %d (arena %d bytes)", off, size, len(b))
	}
	prev := -1
	if p := ReadU64(b, off+PrevOffset); p != NoBlock {
		prev = int(p)
	}
	return Block{
		Offset:    off,
		Size:      int(size),
		Allocated: ReadU32(b, off+FlagsOffset)&FlagAllocated != 0,
		Prev:      prev,
		Alignment: int(ReadU32(b, off+AlignmentOffset)),
		Slot:      ReadU32(b, off+SlotOffset),
	}, nil
}
