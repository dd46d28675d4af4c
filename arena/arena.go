// Package arena provides the fixed-capacity byte region every allocator in
// arenakit carves its blocks out of.
package arena

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/arenakit/internal/buf"
	"github.com/joshuapare/arenakit/internal/mmfile"
)

// Backing selects where an arena's bytes live.
type Backing int

const (
	// Heap backs the arena with a single Go byte slice.
	Heap Backing = iota
	// Mmap backs the arena with a private anonymous mapping outside the Go
	// heap. Falls back to Heap on platforms without mmap.
	Mmap
)

func (b Backing) String() string {
	switch b {
	case Heap:
		return "heap"
	case Mmap:
		return "mmap"
	default:
		return "unknown"
	}
}

// ParseBacking parses "heap" or "mmap" (case-insensitive). The empty string
// means Heap.
func ParseBacking(s string) (Backing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "heap":
		return Heap, nil
	case "mmap":
		return Mmap, nil
	default:
		return Heap, errors.Wrapf(ErrInvalidCapacity, "unknown backing %q", s)
	}
}

var (
	// ErrInvalidCapacity is returned for a non-positive capacity or an
	// unknown backing.
	ErrInvalidCapacity = errors.New("arena: invalid configuration")
	// ErrReleased is returned by Release when the arena was already released.
	ErrReleased = errors.New("arena: already released")
)

// Arena is one contiguous region of Capacity bytes. It is owned by exactly
// one allocator and released exactly once.
type Arena struct {
	data     []byte
	backing  Backing
	cleanup  func() error
	released bool
}

// New reserves capacity bytes with the requested backing.
func New(capacity int, backing Backing) (*Arena, error) {
	if capacity <= 0 {
		return nil, errors.Wrapf(ErrInvalidCapacity, "capacity %d", capacity)
	}
	switch backing {
	case Heap:
		return &Arena{data: make([]byte, capacity), backing: Heap}, nil
	case Mmap:
		if !mmfile.Supported {
			return &Arena{data: make([]byte, capacity), backing: Heap}, nil
		}
		data, cleanup, err := mmfile.MapAnon(capacity)
		if err != nil {
			return nil, err
		}
		return &Arena{data: data, backing: Mmap, cleanup: cleanup}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidCapacity, "backing %d", int(backing))
	}
}

// Capacity returns the size of the arena in bytes.
func (a *Arena) Capacity() int { return len(a.data) }

// Backing reports the backing actually in use.
func (a *Arena) Backing() Backing { return a.backing }

// Bytes returns the whole arena. Panics after Release.
func (a *Arena) Bytes() []byte {
	a.mustLive()
	return a.data
}

// Slice returns the bytes [off, off+n). The result's capacity is n.
func (a *Arena) Slice(off, n int) ([]byte, error) {
	a.mustLive()
	if _, err := buf.CheckRange(len(a.data), off, n); err != nil {
		return nil, err
	}
	b, _ := buf.Slice(a.data, off, n)
	return b, nil
}

// Zero clears [off, off+n). Out-of-range requests panic like a slice
// expression would.
func (a *Arena) Zero(off, n int) {
	a.mustLive()
	clear(a.data[off : off+n])
}

// Move copies n bytes from src to dst inside the arena. Overlapping ranges
// are handled.
func (a *Arena) Move(dst, src, n int) {
	a.mustLive()
	copy(a.data[dst:dst+n], a.data[src:src+n])
}

// Decommit returns the physical pages of an mmap-backed arena to the OS.
// The contents read back as zero afterwards. No-op for heap arenas.
func (a *Arena) Decommit() error {
	a.mustLive()
	if a.backing != Mmap {
		return nil
	}
	return mmfile.Decommit(a.data)
}

// Released reports whether Release has been called.
func (a *Arena) Released() bool { return a.released }

// Release frees the arena's memory. Any later use of the arena panics.
func (a *Arena) Release() error {
	if a.released {
		return ErrReleased
	}
	a.released = true
	a.data = nil
	if a.cleanup != nil {
		return a.cleanup()
	}
	return nil
}

func (a *Arena) mustLive() {
	if a.released {
		panic("arena: use after Release()")
	}
}
