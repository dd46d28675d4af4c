package alloc

import (
	"iter"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/arenakit/internal/format"
)

// Runtime debug flag for allocation logging - controlled by ARENAKIT_LOG_ALLOC env var.
var logAlloc = os.Getenv("ARENAKIT_LOG_ALLOC") != ""

const (
	// DefaultAlignment is used when a request passes alignment 0.
	DefaultAlignment = format.Granule

	// SIMDAlignment is the alignment for 128-bit vector payloads.
	SIMDAlignment = 16

	// CacheLineSize is the alignment that keeps a payload on its own cache line.
	CacheLineSize = 64

	// MaxAlignment is the largest alignment any allocator accepts.
	MaxAlignment = 1 << 16
)

// Flags modify a single Allocate call.
type Flags uint32

const (
	// ZeroInit zeroes the payload before it is returned.
	ZeroInit Flags = 1 << iota
)

// Allocator is the contract every arenakit allocator implements.
//
// Allocators are single-threaded: callers that share one across goroutines
// must synchronize externally.
type Allocator interface {
	// Name identifies the allocator in errors, logs and reports.
	Name() string

	// Capacity is the usable size of the backing arena in bytes.
	Capacity() int

	// Allocate reserves size bytes at the given alignment (0 means
	// DefaultAlignment) and labels them with tag for category accounting.
	Allocate(size, alignment int, flags Flags, tag string) (Handle, error)

	// Free releases an allocation.
	Free(h Handle) error

	// Reallocate resizes an allocation, preserving min(old, new) bytes. On
	// failure the old handle stays valid.
	Reallocate(h Handle, newSize int) (Handle, error)

	// Reset returns the allocator to its initial state. Every outstanding
	// handle becomes stale. With leak detection on, the returned report lists
	// what was still live; nil means nothing leaked.
	Reset() *LeakReport

	// Stats returns a snapshot of the counters.
	Stats() Stats

	// Owns reports whether h is a live allocation of this instance.
	Owns(h Handle) bool

	// Bytes returns the payload of a live allocation, exactly the requested
	// size long.
	Bytes(h Handle) ([]byte, error)
}

// Policy selects the free block a GeneralAllocator carves from.
type Policy int

const (
	// BestFit picks the smallest block that fits, ties by lowest offset.
	BestFit Policy = iota
	// FirstFit picks the lowest-offset block that fits.
	FirstFit
	// WorstFit picks the largest block, ties by lowest offset.
	WorstFit
)

// Policies lists every fit policy in display order.
var Policies = []Policy{FirstFit, BestFit, WorstFit}

func (p Policy) String() string {
	switch p {
	case FirstFit:
		return "first-fit"
	case BestFit:
		return "best-fit"
	case WorstFit:
		return "worst-fit"
	default:
		return "unknown"
	}
}

// ParsePolicy accepts "first", "best", "worst" with or without a "-fit"
// suffix. The empty string means BestFit.
func ParsePolicy(s string) (Policy, error) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "-fit") {
	case "", "best":
		return BestFit, nil
	case "first":
		return FirstFit, nil
	case "worst":
		return WorstFit, nil
	default:
		return BestFit, errors.Wrapf(ErrInvalidArgument, "unknown fit policy %q", s)
	}
}

// InvalidFreePolicy controls what Free does with a handle this allocator
// never produced, or one gone stale. Double frees always return an error.
type InvalidFreePolicy int

const (
	// InvalidFreeReturn returns the error to the caller.
	InvalidFreeReturn InvalidFreePolicy = iota
	// InvalidFreeLog logs a warning and reports success.
	InvalidFreeLog
	// InvalidFreePanic panics with the error.
	InvalidFreePanic
)

// base carries the state every allocator kind shares: identity, counters,
// categories, pressure handlers and the logger.
type base struct {
	name        string
	id          uint32
	log         *slog.Logger
	stats       Stats
	cats        categories
	pressure    pressureState
	invalidFree InvalidFreePolicy
	detectLeaks bool
}

func newBase(name string, capacity int, logger *slog.Logger, threshold float64, invalidFree InvalidFreePolicy, detectLeaks bool) base {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultLowMemoryThreshold
	}
	return base{
		name:        name,
		id:          nextOwner(),
		log:         logger.With("allocator", name),
		stats:       Stats{Capacity: capacity},
		cats:        categories{},
		pressure:    pressureState{threshold: threshold},
		invalidFree: invalidFree,
		detectLeaks: detectLeaks,
	}
}

// Name returns the allocator's name.
func (b *base) Name() string { return b.name }

// Capacity returns the usable arena size in bytes.
func (b *base) Capacity() int { return b.stats.Capacity }

// Categories returns the per-tag counters sorted by name.
func (b *base) Categories() []Category { return b.cats.list() }

// Category returns the counters for one tag.
func (b *base) Category(name string) (Category, bool) { return b.cats.get(name) }

// ClearCategories drops every category counter.
func (b *base) ClearCategories() { b.cats.reset() }

// OnPressure registers fn to run when usage crosses the low-memory
// threshold. Handlers run synchronously inside Allocate and must not call
// back into the allocator.
func (b *base) OnPressure(fn PressureHandler) {
	b.pressure.handlers = append(b.pressure.handlers, fn)
}

// checkRequest validates a request and resolves alignment 0.
func (b *base) checkRequest(size, alignment int) (int, error) {
	if size <= 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "%s: size %d must be positive", b.name, size)
	}
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if !format.IsPowerOfTwo(alignment) || alignment > MaxAlignment {
		return 0, errors.Wrapf(ErrInvalidArgument, "%s: alignment %d must be a power of two <= %d", b.name, alignment, MaxAlignment)
	}
	return alignment, nil
}

// recordAlloc updates counters for a new allocation. footprint is the arena
// bytes consumed, requested the caller's size.
func (b *base) recordAlloc(footprint, requested int, tag string) {
	s := &b.stats
	s.TotalAllocated += int64(footprint)
	s.CurrentUsage += footprint
	s.PeakUsage = max(s.PeakUsage, s.CurrentUsage)
	s.AllocationCount++
	s.ActiveAllocations++
	b.cats.add(tag, requested)
	b.checkPressure()
}

func (b *base) recordFree(footprint, requested int, tag string) {
	s := &b.stats
	s.TotalFreed += int64(footprint)
	s.CurrentUsage -= footprint
	s.DeallocationCount++
	s.ActiveAllocations--
	b.cats.remove(tag, requested)
	b.pressure.rearm(s.CurrentUsage, s.Capacity)
}

// recordReset folds every live allocation into the freed counters and
// clears per-reset state.
func (b *base) recordReset() {
	s := &b.stats
	s.TotalFreed += int64(s.CurrentUsage)
	s.DeallocationCount += int64(s.ActiveAllocations)
	s.CurrentUsage = 0
	s.ActiveAllocations = 0
	b.cats.reset()
	b.pressure.fired = false
}

func (b *base) checkPressure() {
	ev, ok := b.pressure.check(b.name, b.stats.CurrentUsage, b.stats.Capacity)
	if !ok {
		return
	}
	b.log.Warn("memory pressure",
		"usage", ev.Usage,
		"capacity", ev.Capacity,
		"ratio", ev.Ratio,
		"threshold", ev.Threshold)
	b.pressure.dispatch(b.log, ev)
}

// rejectFree applies the invalid-free policy to a foreign or stale handle.
func (b *base) rejectFree(err error) error {
	switch b.invalidFree {
	case InvalidFreeLog:
		b.log.Warn("ignoring invalid free", "error", err)
		return nil
	case InvalidFreePanic:
		panic(err)
	default:
		return err
	}
}

func (b *base) handleError(h Handle, st handleState) error {
	switch st {
	case handleStale:
		return errors.Wrapf(ErrStaleHandle, "%s: %v", b.name, h)
	case handleFreed:
		return errors.Wrapf(ErrStaleHandle, "%s: %v was already freed", b.name, h)
	default:
		return errors.Wrapf(ErrUnknownAllocation, "%s: %v was not allocated here", b.name, h)
	}
}

// freeError maps a non-live handle presented to Free.
func (b *base) freeError(h Handle, st handleState) error {
	if st == handleFreed {
		return errors.Wrapf(ErrDoubleFree, "%s: %v", b.name, h)
	}
	return b.rejectFree(b.handleError(h, st))
}

// leakReport builds the report for Reset from the live allocations.
func (b *base) leakReport(live iter.Seq2[string, int]) *LeakReport {
	if !b.detectLeaks {
		return nil
	}
	r := buildLeakReport(b.name, live)
	if r != nil {
		b.log.Warn("memory leaks detected on reset",
			"leaks", len(r.Leaks),
			"bytes", r.TotalBytes,
			"tags", r.Tags())
	}
	return r
}
