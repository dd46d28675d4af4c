package alloc

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidArgument indicates a malformed request: non-positive size,
	// non-power-of-two alignment, or a size the allocator can never satisfy.
	// Checked before any state changes.
	ErrInvalidArgument = errors.New("alloc: invalid argument")

	// ErrOutOfMemory indicates no region fits the request after the
	// allocator's recovery policy ran.
	ErrOutOfMemory = errors.New("alloc: out of memory")

	// ErrUnknownAllocation indicates a handle that was not produced by this
	// allocator instance.
	ErrUnknownAllocation = errors.New("alloc: unknown allocation")

	// ErrStaleHandle indicates a handle whose slot has since been reused or
	// reset. It matches ErrUnknownAllocation under errors.Is.
	ErrStaleHandle = errors.Mark(errors.New("alloc: stale handle"), ErrUnknownAllocation)

	// ErrDoubleFree indicates a second free of the same allocation.
	ErrDoubleFree = errors.New("alloc: double free")

	// ErrUnsupportedOperation indicates an operation the allocator kind does
	// not implement (e.g. Reallocate on a pool).
	ErrUnsupportedOperation = errors.New("alloc: unsupported operation")

	// ErrOutOfOrderFree indicates a stack free that is not the most recent
	// allocation on its side. It matches ErrInvalidArgument under errors.Is.
	ErrOutOfOrderFree = errors.Mark(errors.New("alloc: out-of-order free"), ErrInvalidArgument)

	// ErrCorruptHeader indicates a block header that failed its magic or
	// bounds check.
	ErrCorruptHeader = errors.New("alloc: corrupt block header")
)
