// Package format houses the low-level layout of arenakit's in-arena block
// headers. It owns the byte offsets, alignment math and little-endian
// encoding so the allocators never poke at raw header bytes directly.
package format

const (
	// HeaderSize is the size of the block header written at the start of
	// every general-allocator block (free or allocated).
	HeaderSize = 0x20

	// Granule is the unit every block size is rounded to. Block offsets are
	// therefore always Granule-aligned, which keeps payloads with
	// alignment <= Granule aligned without extra padding.
	Granule = 16

	// GranuleMask is Granule - 1.
	GranuleMask = Granule - 1

	// MinSplitRemainder is the smallest remainder worth carving into its own
	// free block. Anything smaller is absorbed into the allocation.
	MinSplitRemainder = HeaderSize + Granule

	// BlockMagic marks a valid header. Anything else at a block offset means
	// the arena was scribbled on.
	BlockMagic uint32 = 0x4B4C4221

	// FlagAllocated is set in the flags word while the block is in use.
	FlagAllocated uint32 = 1 << 0

	// NoBlock is stored in PrevOffset for the first block of the arena.
	NoBlock = ^uint64(0)

	// NoSlot is stored in the slot field of free blocks.
	NoSlot = ^uint32(0)
)

// Header field offsets (little-endian).
//
//	Offset  Size  Description
//	0x00    4     magic (BlockMagic)
//	0x04    4     flags
//	0x08    8     block size (header + padding + payload)
//	0x10    8     offset of the physically previous block, or NoBlock
//	0x18    4     payload alignment
//	0x1C    4     handle slot index, or NoSlot
const (
	MagicOffset     = 0x00
	FlagsOffset     = 0x04
	SizeOffset      = 0x08
	PrevOffset      = 0x10
	AlignmentOffset = 0x18
	SlotOffset      = 0x1C
)
