package format

// Alignment helpers. Every alignment accepted by the allocators is a power
// of two, so rounding is a mask operation.

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// AlignUp returns n rounded up to the next multiple of a. a must be a power
// of two.
//
// Example:
//
//	AlignUp(1, 16)  = 16
//	AlignUp(16, 16) = 16
//	AlignUp(17, 16) = 32
func AlignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// AlignDown returns n rounded down to a multiple of a. a must be a power of
// two.
func AlignDown(n, a int) int {
	return n &^ (a - 1)
}

// AlignGranule rounds n up to the block granule.
func AlignGranule(n int) int {
	return (n + GranuleMask) &^ GranuleMask
}

// NaturalAlignment returns the largest power of two that divides n, capped
// at limit. It is the strongest alignment every multiple of n satisfies.
func NaturalAlignment(n, limit int) int {
	if n <= 0 {
		return 1
	}
	a := n & -n
	if a > limit {
		return limit
	}
	return a
}

// PayloadOffset returns where the payload of a block starting at off begins
// for the given alignment.
func PayloadOffset(off, alignment int) int {
	return AlignUp(off+HeaderSize, alignment)
}

// BlockNeed returns the granule-rounded block size needed to hold size
// payload bytes at the given alignment when the block starts at off.
func BlockNeed(off, size, alignment int) int {
	return AlignGranule(PayloadOffset(off, alignment) - off + size)
}
