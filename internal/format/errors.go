package format

import "github.com/cockroachdb/errors"

var (
	// ErrBadMagic indicates a block header did not start with BlockMagic.
	ErrBadMagic = errors.New("format: bad block magic")
	// ErrTruncated indicates the buffer lacked the bytes required for a header
	// or the declared block size ran past the end of the arena.
	ErrTruncated = errors.New("format: truncated block")
)
