// Package alloc provides fixed-capacity allocators for engine subsystems
// that need deterministic allocation lifetimes outside the Go garbage
// collector.
//
// # Allocators
//
// Every allocator implements the Allocator interface and owns one arena:
//
//   - GeneralAllocator: variable-size blocks with first/best/worst fit,
//     splitting, coalescing and optional defragmentation
//   - PoolAllocator: fixed-size blocks, O(1) allocate and free
//   - PoolSet: several pools routed by size class
//   - LinearAllocator: per-frame bump allocation with markers
//   - StackAllocator: double-ended LIFO allocation with markers
//
// # Handles
//
// Allocations are identified by a Handle rather than a pointer. A handle
// names the allocator that issued it, a slot and a generation, so freeing a
// handle from another allocator, or one whose slot was reused, is reported
// instead of corrupting the arena:
//
//	h, err := g.Allocate(256, alloc.CacheLineSize, alloc.ZeroInit, "physics")
//	if err != nil {
//	    return err
//	}
//	buf, _ := g.Bytes(h)
//	copy(buf, contacts)
//	...
//	err = g.Free(h)
//
// Handles survive GeneralAllocator.Defragment; byte views do not.
//
// # Block Layout
//
// The general allocator writes a 32-byte header at the start of every
// block:
//
//	Offset  Size  Field
//	0x00    4     magic 0x4B4C4221
//	0x04    4     flags (bit 0 = allocated)
//	0x08    8     block size
//	0x10    8     previous block offset
//	0x18    4     alignment
//	0x1C    4     handle slot
//
// Blocks are 16-byte granular. A split happens only when the remainder can
// hold a header plus one granule; smaller remainders are absorbed.
//
// # Diagnostics
//
// Stats snapshots counters, tagged allocations roll up into categories,
// Reset reports leaks by tag, and WriteReport / WriteDetailedMap render
// text and JSON views. Pressure handlers registered with OnPressure fire
// when usage crosses the low-memory threshold.
//
// # Thread Safety
//
// Allocators are not safe for concurrent use. Callers must synchronize
// access externally.
package alloc
