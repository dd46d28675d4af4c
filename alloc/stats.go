package alloc

import "log/slog"

// DefaultLowMemoryThreshold is the usage ratio at which pressure handlers
// fire.
const DefaultLowMemoryThreshold = 0.90

// Stats is a snapshot of an allocator's counters.
//
// Byte counters measure arena footprint: the whole block for the general
// allocator (header, padding and absorbed remainder included), the block size
// for pools, and consumed bytes including padding for linear and stack
// allocators. Category counters measure requested bytes instead.
type Stats struct {
	Capacity          int   // Usable arena bytes
	TotalAllocated    int64 // Cumulative bytes handed out
	TotalFreed        int64 // Cumulative bytes returned (Free, Reset, markers)
	CurrentUsage      int   // Bytes in use now
	PeakUsage         int   // Highest CurrentUsage seen
	AllocationCount   int64 // Cumulative successful Allocate calls
	DeallocationCount int64 // Cumulative frees, reset allocations included
	ActiveAllocations int   // Live allocations now

	FreeBlocks           int     // Distinct free regions
	LargestFreeBlock     int     // Largest free region in bytes
	FragmentationPercent float64 // See Fragmentation
}

// UsageRatio returns CurrentUsage / Capacity.
func (s Stats) UsageRatio() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.CurrentUsage) / float64(s.Capacity)
}

// Fragmentation is the heuristic fragmentation percentage for a free-block
// count: 0 with at most one free block, else 100 * (n-1) / n.
func Fragmentation(freeBlocks int) float64 {
	if freeBlocks <= 1 {
		return 0
	}
	return 100 * float64(freeBlocks-1) / float64(freeBlocks)
}

// PressureEvent describes an upward crossing of the low-memory threshold.
type PressureEvent struct {
	Allocator string
	Usage     int
	Capacity  int
	Ratio     float64
	Threshold float64
}

// PressureHandler observes pressure events.
type PressureHandler func(PressureEvent)

// pressureState fires once per upward crossing and re-arms when usage drops
// back below the threshold or the allocator is reset.
type pressureState struct {
	threshold float64
	handlers  []PressureHandler
	fired     bool
}

func (p *pressureState) check(name string, usage, capacity int) (PressureEvent, bool) {
	if p.fired || capacity == 0 {
		return PressureEvent{}, false
	}
	ratio := float64(usage) / float64(capacity)
	if ratio < p.threshold {
		return PressureEvent{}, false
	}
	p.fired = true
	return PressureEvent{
		Allocator: name,
		Usage:     usage,
		Capacity:  capacity,
		Ratio:     ratio,
		Threshold: p.threshold,
	}, true
}

func (p *pressureState) rearm(usage, capacity int) {
	if p.fired && capacity > 0 && float64(usage)/float64(capacity) < p.threshold {
		p.fired = false
	}
}

// dispatch runs every handler, recovering and logging panics so one bad
// handler cannot stop allocation or the handlers after it.
func (p *pressureState) dispatch(log *slog.Logger, ev PressureEvent) {
	for i, fn := range p.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("pressure handler panicked", "handler", i, "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}
