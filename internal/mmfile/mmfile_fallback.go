//go:build !unix

// Package mmfile provides platform-specific helpers for mapping arena memory
// outside the Go heap.
package mmfile

import "github.com/cockroachdb/errors"

// Supported reports whether anonymous mappings are available on this platform.
const Supported = false

// MapAnon falls back to a heap slice when mmap is not available.
func MapAnon(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, errors.Newf("mmfile: invalid mapping size %d", size)
	}
	return make([]byte, size), func() error { return nil }, nil
}

// Decommit is a no-op without mmap.
func Decommit(b []byte) error { return nil }
