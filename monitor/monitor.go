// Package monitor moves memory-pressure handling off the allocation path.
//
// Allocators run pressure handlers synchronously inside Allocate. A Monitor
// registers a handler that only does a non-blocking channel send; Run
// consumes the events on its own goroutine and hands them to subscribers.
// When the buffer is full the event is dropped and counted rather than
// stalling the allocator.
package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/joshuapare/arenakit/alloc"
)

// DefaultBufferSize is the event buffer used when Options.BufferSize is zero.
const DefaultBufferSize = 64

// Source is anything that publishes pressure events. Every arenakit
// allocator satisfies it.
type Source interface {
	Name() string
	OnPressure(fn alloc.PressureHandler)
}

// Subscriber processes one event on the monitor goroutine.
type Subscriber func(ctx context.Context, ev alloc.PressureEvent)

// Options configures a Monitor.
type Options struct {
	// BufferSize bounds the queued events. Zero means DefaultBufferSize.
	BufferSize int

	// Logger receives a warning per processed event and per dropped event.
	// Nil discards them.
	Logger *slog.Logger
}

// Stats counts events through the monitor.
type Stats struct {
	Received  uint64 // Events accepted into the buffer
	Dropped   uint64 // Events lost because the buffer was full
	Processed uint64 // Events delivered to subscribers
}

// Monitor buffers pressure events for asynchronous processing.
//
// Watch and Subscribe must be called before Run. The handler side is safe to
// call from any goroutine.
type Monitor struct {
	events      chan alloc.PressureEvent
	log         *slog.Logger
	subscribers []Subscriber

	received  atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// New creates a Monitor.
func New(opts Options) *Monitor {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		events: make(chan alloc.PressureEvent, size),
		log:    logger,
	}
}

// Watch registers the monitor's handler on each source.
func (m *Monitor) Watch(sources ...Source) {
	for _, s := range sources {
		s.OnPressure(m.Handler())
		m.log.Debug("watching allocator", "allocator", s.Name())
	}
}

// Subscribe adds fn to the subscribers Run delivers to.
func (m *Monitor) Subscribe(fn Subscriber) {
	m.subscribers = append(m.subscribers, fn)
}

// Handler returns the pressure handler that enqueues events. It never
// blocks.
func (m *Monitor) Handler() alloc.PressureHandler {
	return func(ev alloc.PressureEvent) {
		select {
		case m.events <- ev:
			m.received.Add(1)
		default:
			m.dropped.Add(1)
			m.log.Warn("pressure event dropped", "allocator", ev.Allocator, "ratio", ev.Ratio)
		}
	}
}

// Run delivers events to subscribers until ctx is done, then returns
// ctx.Err(). Events still buffered at cancellation are left in place.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.deliver(ctx, ev)
		}
	}
}

// Drain delivers every buffered event and returns how many there were.
// Use it instead of Run for single-goroutine programs, e.g. once per frame.
func (m *Monitor) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case ev := <-m.events:
			m.deliver(ctx, ev)
			n++
		default:
			return n
		}
	}
}

func (m *Monitor) deliver(ctx context.Context, ev alloc.PressureEvent) {
	m.log.Warn("memory pressure",
		"allocator", ev.Allocator,
		"usage", ev.Usage,
		"capacity", ev.Capacity,
		"ratio", ev.Ratio)
	for i, fn := range m.subscribers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("pressure subscriber panicked", "subscriber", i, "panic", r)
				}
			}()
			fn(ctx, ev)
		}()
	}
	m.processed.Add(1)
}

// Stats returns the event counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Received:  m.received.Load(),
		Dropped:   m.dropped.Load(),
		Processed: m.processed.Load(),
	}
}
