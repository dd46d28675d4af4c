// Package buf contains overflow-safe arithmetic and checked sub-slicing for
// arena ranges.
package buf

import (
	"math"

	"github.com/cockroachdb/errors"
)

// ErrOutOfRange is returned by CheckRange when a range does not fit.
var ErrOutOfRange = errors.New("buf: range out of bounds")

// AddOverflowSafe adds a and b, returning ok = false when the result would overflow int.
func AddOverflowSafe(a, b int) (int, bool) {
	switch {
	case b > 0 && a > math.MaxInt-b:
		return 0, false
	case b < 0 && a < math.MinInt-b:
		return 0, false
	default:
		return a + b, true
	}
}

// MulOverflowSafe multiplies two non-negative ints, returning ok = false on
// overflow or when either operand is negative. Used for count * blockSize.
func MulOverflowSafe(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxInt/b {
		return 0, false
	}
	return a * b, true
}

// CheckRange validates 0 <= off <= off+size <= capacity and returns the end
// offset.
//
//	end, err := buf.CheckRange(len(arena), off, size)
//	if err != nil {
//	    return errors.Wrap(err, "payload")
//	}
func CheckRange(capacity, off, size int) (int, error) {
	if off < 0 {
		return 0, errors.Wrapf(ErrOutOfRange, "negative offset: %d", off)
	}
	if size < 0 {
		return 0, errors.Wrapf(ErrOutOfRange, "negative size: %d", size)
	}
	end, ok := AddOverflowSafe(off, size)
	if !ok {
		return 0, errors.Wrapf(ErrOutOfRange, "overflow: offset=%d + size=%d", off, size)
	}
	if end > capacity {
		return 0, errors.Wrapf(ErrOutOfRange, "end=%d > capacity=%d", end, capacity)
	}
	return end, nil
}

// Slice returns the sub-slice [off:off+n] if it fits within len(b). The
// result's capacity is clipped to n so appends cannot spill into the
// neighbouring range.
func Slice(b []byte, off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off > len(b) {
		return nil, false
	}
	end, ok := AddOverflowSafe(off, n)
	if !ok || end > len(b) {
		return nil, false
	}
	return b[off:end:end], true
}

// Has reports whether b[off:off+n] is within bounds.
func Has(b []byte, off, n int) bool {
	_, ok := Slice(b, off, n)
	return ok
}
