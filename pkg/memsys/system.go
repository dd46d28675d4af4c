package memsys

import (
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/arenakit/alloc"
	"github.com/joshuapare/arenakit/arena"
	"github.com/joshuapare/arenakit/monitor"
)

// Options configures a System beyond its Budget.
type Options struct {
	// Logger is passed to every allocator. Nil discards.
	Logger *slog.Logger

	// DetectLeaks turns on leak reports for the general allocator, the
	// scratch stack and the pools. The frame allocator never reports leaks;
	// dropping everything at EndFrame is its purpose.
	DetectLeaks bool

	// OnRelocate is forwarded to the general allocator.
	OnRelocate func(h alloc.Handle, from, to int)
}

// System owns the allocators of one engine instance. Subsystems receive
// the allocator they need from it instead of reaching for globals.
//
// Not thread-safe, like the allocators it owns.
type System struct {
	budget  Budget
	log     *slog.Logger
	frame   *alloc.LinearAllocator
	scratch *alloc.StackAllocator
	general *alloc.GeneralAllocator
	pools   map[string]*alloc.PoolSet
	order   []alloc.Allocator
	frames  uint64
	closers []func() error
}

// New builds every allocator in the budget. On error nothing is left
// allocated.
func New(b Budget, opts Options) (_ *System, err error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	backing, _ := arena.ParseBacking(b.Backing)
	policy, _ := alloc.ParsePolicy(b.General.Policy)

	s := &System{budget: b, log: logger, pools: map[string]*alloc.PoolSet{}}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.frame, err = alloc.NewLinear(alloc.LinearConfig{
		Name:               "frame",
		Capacity:           int(b.Frame),
		LowMemoryThreshold: b.LowMemoryThreshold,
		Backing:            backing,
		Logger:             logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "frame allocator")
	}
	s.track(s.frame, s.frame.Close)

	s.scratch, err = alloc.NewStack(alloc.StackConfig{
		Name:               "scratch",
		Capacity:           int(b.Scratch),
		DetectLeaks:        opts.DetectLeaks,
		LowMemoryThreshold: b.LowMemoryThreshold,
		Backing:            backing,
		Logger:             logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "scratch allocator")
	}
	s.track(s.scratch, s.scratch.Close)

	gcfg := alloc.DefaultGeneralConfig("general", int(b.General.Capacity))
	gcfg.Policy = policy
	gcfg.TrackAllocations = b.General.TrackAllocations
	gcfg.DetectLeaks = opts.DetectLeaks
	gcfg.EnableDefragmentation = b.General.Defragment
	if b.General.DefragmentThreshold > 0 {
		gcfg.DefragmentThreshold = b.General.DefragmentThreshold
	}
	if b.LowMemoryThreshold > 0 {
		gcfg.LowMemoryThreshold = b.LowMemoryThreshold
	}
	gcfg.Backing = backing
	gcfg.Logger = logger
	gcfg.OnRelocate = opts.OnRelocate
	s.general, err = alloc.NewGeneral(gcfg)
	if err != nil {
		return nil, errors.Wrap(err, "general allocator")
	}
	s.track(s.general, s.general.Close)

	for _, pb := range b.Pools {
		ps, err := alloc.NewPoolSet(alloc.PoolSetConfig{
			Name:               pb.Name,
			Classes:            pb.Classes,
			DetectLeaks:        opts.DetectLeaks,
			LowMemoryThreshold: b.LowMemoryThreshold,
			Backing:            backing,
			Logger:             logger,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "pool %q", pb.Name)
		}
		s.pools[pb.Name] = ps
		s.track(ps, ps.Close)
	}

	logger.Debug("memory system ready",
		"frame", b.Frame.String(),
		"scratch", b.Scratch.String(),
		"general", b.General.Capacity.String(),
		"pools", len(b.Pools),
		"total", b.Total().String())
	return s, nil
}

func (s *System) track(a alloc.Allocator, closer func() error) {
	s.order = append(s.order, a)
	s.closers = append(s.closers, closer)
}

// Budget returns the budget the system was built from.
func (s *System) Budget() Budget { return s.budget }

// Frame returns the per-frame linear allocator.
func (s *System) Frame() *alloc.LinearAllocator { return s.frame }

// Scratch returns the double-ended scratch stack.
func (s *System) Scratch() *alloc.StackAllocator { return s.scratch }

// General returns the general-purpose allocator.
func (s *System) General() *alloc.GeneralAllocator { return s.general }

// Pool returns the named pool set.
func (s *System) Pool(name string) (*alloc.PoolSet, bool) {
	p, ok := s.pools[name]
	return p, ok
}

// Allocators returns every allocator in construction order: frame,
// scratch, general, then pools in budget order.
func (s *System) Allocators() []alloc.Allocator { return s.order }

// Frames returns how many times EndFrame has run.
func (s *System) Frames() uint64 { return s.frames }

// EndFrame releases all frame memory and returns the frame allocator's
// counters as they were just before the reset.
func (s *System) EndFrame() alloc.Stats {
	st := s.frame.Stats()
	s.frame.Reset()
	s.frames++
	return st
}

// Watch registers every allocator with m.
func (s *System) Watch(m *monitor.Monitor) {
	for _, a := range s.order {
		if src, ok := a.(monitor.Source); ok {
			m.Watch(src)
		}
	}
}

// Report writes the report of every allocator to w.
func (s *System) Report(w io.Writer) error {
	for i, a := range s.order {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if err := alloc.WriteReport(w, a); err != nil {
			return errors.Wrapf(err, "report %s", a.Name())
		}
	}
	return nil
}

// Reset resets every allocator and returns the non-empty leak reports.
func (s *System) Reset() []*alloc.LeakReport {
	var leaks []*alloc.LeakReport
	for _, a := range s.order {
		if r := a.Reset(); r != nil {
			leaks = append(leaks, r)
		}
	}
	return leaks
}

// Close releases every arena. The system must not be used afterwards.
func (s *System) Close() error {
	var errs error
	for _, c := range s.closers {
		errs = errors.CombineErrors(errs, c())
	}
	s.closers = nil
	return errs
}
