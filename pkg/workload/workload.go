// Package workload generates a seeded, synthetic game-engine allocation
// pattern against a memsys.System.
//
// Each frame issues short-lived draw data on the frame allocator, nested
// temporary jobs on the scratch stack, streamed assets with random
// lifetimes on the general heap and entity spawns on the first pool set.
// The same Config always produces the same request stream, so runs under
// different budgets or fit policies can be compared.
package workload

import (
	"context"
	"log/slog"
	"math"
	"math/rand"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/arenakit/alloc"
	"github.com/joshuapare/arenakit/pkg/memsys"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("workload: invalid config")

// Config shapes the workload. Every per-frame count is an upper bound; the
// generator draws the actual value each frame.
type Config struct {
	Frames        int
	Seed          int64
	DrawCalls     int // Frame allocations per frame, at least 1
	Jobs          int // Scratch jobs per frame
	AssetLoads    int // General allocations per frame
	AssetLifetime int // Frames an asset stays resident
	Entities      int // Pool allocations per frame
	LeakEvery     int // Every Nth loaded asset is never unloaded; 0 disables
}

// DefaultConfig returns ten seconds of a 60 Hz game.
func DefaultConfig() Config {
	return Config{
		Frames:        600,
		Seed:          1,
		DrawCalls:     256,
		Jobs:          4,
		AssetLoads:    4,
		AssetLifetime: 120,
		Entities:      32,
	}
}

// Validate rejects negative counts and a zero draw bound.
func (c Config) Validate() error {
	switch {
	case c.Frames < 0:
		return errors.Wrapf(ErrInvalidConfig, "frames %d is negative", c.Frames)
	case c.DrawCalls <= 0:
		return errors.Wrapf(ErrInvalidConfig, "draw calls %d must be positive", c.DrawCalls)
	case c.Jobs < 0, c.AssetLoads < 0, c.AssetLifetime < 0, c.Entities < 0, c.LeakEvery < 0:
		return errors.Wrap(ErrInvalidConfig, "per-frame counts must not be negative")
	}
	return nil
}

type assetKind struct {
	tag      string
	min, max int
}

var assetKinds = []assetKind{
	{"texture", 4 << 10, 256 << 10},
	{"mesh", 1 << 10, 64 << 10},
	{"audio", 8 << 10, 128 << 10},
	{"script", 64, 4 << 10},
}

var entitySizes = []int{24, 48, 96, 200, 480}

type asset struct {
	h       alloc.Handle
	expires int
}

// AssetStream loads and unloads tagged assets on a general allocator. Two
// streams built from the same Config issue the same requests, whatever the
// allocator does with them.
type AssetStream struct {
	rng      *rand.Rand
	cfg      Config
	log      *slog.Logger
	live     []asset
	loads    int
	failures int
}

// NewAssetStream seeds a stream from cfg.Seed. A nil logger discards.
func NewAssetStream(cfg Config, logger *slog.Logger) *AssetStream {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AssetStream{rng: rand.New(rand.NewSource(cfg.Seed)), cfg: cfg, log: logger}
}

// Loads returns the successful loads so far.
func (s *AssetStream) Loads() int { return s.loads }

// Failures returns the loads refused with alloc.ErrOutOfMemory.
func (s *AssetStream) Failures() int { return s.failures }

// Live returns the assets currently loaded.
func (s *AssetStream) Live() int { return len(s.live) }

// Step unloads the assets expiring at frame, then loads new ones. Out of
// memory is counted; any other allocator error is returned.
func (s *AssetStream) Step(g *alloc.GeneralAllocator, frame int) error {
	for i := 0; i < len(s.live); {
		if s.live[i].expires > frame {
			i++
			continue
		}
		if err := g.Free(s.live[i].h); err != nil {
			return errors.Wrap(err, "unload asset")
		}
		last := len(s.live) - 1
		s.live[i] = s.live[last]
		s.live = s.live[:last]
	}

	for range s.rng.Intn(s.cfg.AssetLoads + 1) {
		k := assetKinds[s.rng.Intn(len(assetKinds))]
		size := k.min + s.rng.Intn(k.max-k.min+1)
		expires := frame + 1 + s.rng.Intn(max(s.cfg.AssetLifetime, 1))

		h, err := g.Allocate(size, alloc.DefaultAlignment, 0, k.tag)
		if errors.Is(err, alloc.ErrOutOfMemory) {
			s.failures++
			s.log.Debug("asset load failed", "tag", k.tag, "size", size, "frame", frame)
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "load %s", k.tag)
		}
		s.loads++
		if s.cfg.LeakEvery > 0 && s.loads%s.cfg.LeakEvery == 0 {
			expires = math.MaxInt
		}
		s.live = append(s.live, asset{h: h, expires: expires})
	}
	return nil
}

// Result summarizes the frames run so far.
type Result struct {
	Frames         int            `json:"frames"`
	Allocations    map[string]int `json:"allocations"` // Successful requests by allocator name
	Failures       map[string]int `json:"failures"`    // Out-of-memory requests by allocator name
	PeakFrameUsage int            `json:"peakFrameUsage"`
	LiveAssets     int            `json:"liveAssets"`
	LiveEntities   int            `json:"liveEntities"`
}

// Engine plays the workload one frame at a time. It holds handles into sys,
// so it must be discarded when sys is Reset.
type Engine struct {
	sys      *memsys.System
	cfg      Config
	rng      *rand.Rand
	log      *slog.Logger
	assets   *AssetStream
	entities *alloc.PoolSet
	sizes    []int
	live     []alloc.Handle
	res      Result
}

// New prepares an engine over sys. Entities go to the first pool set in
// the budget; without one the entity step is skipped.
func New(sys *memsys.System, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		sys:    sys,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed + 1)),
		log:    logger,
		assets: NewAssetStream(cfg, logger),
		res: Result{
			Allocations: map[string]int{},
			Failures:    map[string]int{},
		},
	}
	if pools := sys.Budget().Pools; len(pools) > 0 {
		e.entities, _ = sys.Pool(pools[0].Name)
		e.sizes = EntitySizes(e.entities)
	}
	return e
}

// Frame returns the number of frames stepped.
func (e *Engine) Frame() int { return e.res.Frames }

// Result returns a snapshot of the counters.
func (e *Engine) Result() Result {
	r := e.res
	r.Allocations = copyCounts(e.res.Allocations)
	r.Failures = copyCounts(e.res.Failures)
	general := e.sys.General().Name()
	r.Allocations[general] = e.assets.Loads()
	r.Failures[general] = e.assets.Failures()
	r.LiveAssets = e.assets.Live()
	r.LiveEntities = len(e.live)
	return r
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (e *Engine) count(name string, err error) error {
	switch {
	case err == nil:
		e.res.Allocations[name]++
		return nil
	case errors.Is(err, alloc.ErrOutOfMemory):
		e.res.Failures[name]++
		return nil
	default:
		return err
	}
}

// Step plays one frame and ends it with System.EndFrame.
func (e *Engine) Step() error {
	frame := e.res.Frames

	fr := e.sys.Frame()
	for range e.rng.Intn(e.cfg.DrawCalls) + 1 {
		tag := "draw"
		if e.rng.Intn(8) == 0 {
			tag = "ui"
		}
		_, err := fr.Allocate(16+e.rng.Intn(1008), 0, 0, tag)
		if err := e.count(fr.Name(), err); err != nil {
			return errors.Wrapf(err, "frame %d", frame)
		}
	}

	if err := e.scratchJobs(); err != nil {
		return errors.Wrapf(err, "frame %d", frame)
	}
	if err := e.assets.Step(e.sys.General(), frame); err != nil {
		return errors.Wrapf(err, "frame %d", frame)
	}
	if err := e.spawn(); err != nil {
		return errors.Wrapf(err, "frame %d", frame)
	}

	st := e.sys.EndFrame()
	e.res.PeakFrameUsage = max(e.res.PeakFrameUsage, st.CurrentUsage)
	e.res.Frames++
	return nil
}

// scratchJobs runs nested temporary work on the scratch stack: each job
// takes a few top buffers under a marker and one bottom buffer freed in
// LIFO order.
func (e *Engine) scratchJobs() error {
	s := e.sys.Scratch()
	for range e.rng.Intn(e.cfg.Jobs + 1) {
		m := s.TopMarker()
		for range e.rng.Intn(4) + 1 {
			_, err := s.AllocateTop(256+e.rng.Intn(16<<10), 0, 0, "job")
			if err := e.count(s.Name(), err); err != nil {
				return err
			}
		}

		h, err := s.AllocateBottom(64+e.rng.Intn(4<<10), 0, 0, "path")
		if err := e.count(s.Name(), err); err != nil {
			return err
		}
		if err == nil {
			if err := s.Free(h); err != nil {
				return errors.Wrap(err, "scratch free")
			}
		}
		if err := s.ResetTopToMarker(m); err != nil {
			return errors.Wrap(err, "scratch marker")
		}
	}
	return nil
}

// spawn despawns about a quarter of the live entities and spawns new ones.
func (e *Engine) spawn() error {
	if e.entities == nil {
		return nil
	}
	kept := e.live[:0]
	for _, h := range e.live {
		if e.rng.Intn(4) != 0 {
			kept = append(kept, h)
			continue
		}
		if err := e.entities.Free(h); err != nil {
			return errors.Wrap(err, "despawn")
		}
	}
	e.live = kept

	for range e.rng.Intn(e.cfg.Entities + 1) {
		tag := "entity"
		if e.rng.Intn(3) == 0 {
			tag = "particle"
		}
		h, err := e.entities.Allocate(e.sizes[e.rng.Intn(len(e.sizes))], 0, 0, tag)
		if err := e.count(e.entities.Name(), err); err != nil {
			return errors.Wrap(err, "spawn")
		}
		if err == nil {
			e.live = append(e.live, h)
		}
	}
	return nil
}

// EntitySizes returns the entity sizes the largest class of ps can hold,
// or just that class size when none fits.
func EntitySizes(ps *alloc.PoolSet) []int {
	classes := ps.Pools()
	largest := classes[len(classes)-1].BlockSize()
	var sizes []int
	for _, n := range entitySizes {
		if n <= largest {
			sizes = append(sizes, n)
		}
	}
	if len(sizes) == 0 {
		sizes = []int{largest}
	}
	return sizes
}

// Run plays cfg.Frames frames on a fresh Engine, checking ctx between
// frames.
func Run(ctx context.Context, sys *memsys.System, cfg Config, logger *slog.Logger) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	e := New(sys, cfg, logger)
	for e.Frame() < cfg.Frames {
		if err := ctx.Err(); err != nil {
			return e.Result(), err
		}
		if err := e.Step(); err != nil {
			return e.Result(), err
		}
	}
	return e.Result(), nil
}
