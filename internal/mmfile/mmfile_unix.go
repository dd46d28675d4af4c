//go:build unix

// Package mmfile provides platform-specific helpers for mapping arena memory
// outside the Go heap.
package mmfile

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Supported reports whether anonymous mappings are available on this platform.
const Supported = true

// MapAnon reserves size bytes of private anonymous memory outside the Go
// heap. The pages are zero-filled and committed lazily by the kernel.
func MapAnon(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, errors.Newf("mmfile: invalid mapping size %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mmfile: mmap %d bytes", size)
	}
	cleanup := func() error {
		if data == nil {
			return nil
		}
		err := unix.Munmap(data)
		data = nil
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			return nil
		}
		return err
	}
	return data, cleanup, nil
}

// Decommit hands the physical pages backing b back to the kernel. The range
// stays mapped and reads back as zeros. b must come from MapAnon.
func Decommit(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Madvise(b, unix.MADV_DONTNEED)
}
