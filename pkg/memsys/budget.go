package memsys

import (
	"bytes"
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/joshuapare/arenakit/alloc"
	"github.com/joshuapare/arenakit/arena"
)

const (
	// DefaultFrameSize is the per-frame linear allocator capacity.
	DefaultFrameSize = 16 * MiB

	// DefaultScratchSize is the scratch stack allocator capacity.
	DefaultScratchSize = 4 * MiB

	// DefaultGeneralSize is the general-purpose heap capacity.
	DefaultGeneralSize = 64 * MiB

	// SmallFrameSize and friends size the SmallBudget preset.
	SmallFrameSize   = 1 * MiB
	SmallScratchSize = 256 * KiB
	SmallGeneralSize = 4 * MiB
)

// ErrInvalidBudget is returned for budgets that cannot be built.
var ErrInvalidBudget = errors.New("memsys: invalid budget")

// Budget describes every allocator a System owns.
type Budget struct {
	// Frame is the capacity of the linear allocator reset by EndFrame.
	Frame Size `yaml:"frame"`

	// Scratch is the capacity of the double-ended stack allocator.
	Scratch Size `yaml:"scratch"`

	General GeneralBudget `yaml:"general"`

	// Pools are fixed-size pool sets, one per subsystem.
	Pools []PoolBudget `yaml:"pools,omitempty"`

	// Backing is "heap" (default) or "mmap".
	Backing string `yaml:"backing,omitempty"`

	// LowMemoryThreshold applies to every allocator. Zero means 0.90.
	LowMemoryThreshold float64 `yaml:"low_memory_threshold,omitempty"`
}

// GeneralBudget configures the general-purpose allocator.
type GeneralBudget struct {
	Capacity            Size    `yaml:"capacity"`
	Policy              string  `yaml:"policy,omitempty"`
	Defragment          bool    `yaml:"defragment,omitempty"`
	DefragmentThreshold float64 `yaml:"defragment_threshold,omitempty"`
	TrackAllocations    bool    `yaml:"track_allocations"`
}

// PoolBudget configures one named pool set.
type PoolBudget struct {
	Name    string            `yaml:"name"`
	Classes []alloc.PoolClass `yaml:"classes,omitempty"` // Empty means alloc.DefaultPoolClasses
}

// DefaultBudget returns the desktop-sized budget: 16 MiB frame, 4 MiB
// scratch, 64 MiB general heap and one "objects" pool set with the default
// classes.
func DefaultBudget() Budget {
	return Budget{
		Frame:   DefaultFrameSize,
		Scratch: DefaultScratchSize,
		General: GeneralBudget{
			Capacity:         DefaultGeneralSize,
			Policy:           alloc.BestFit.String(),
			TrackAllocations: true,
		},
		Pools: []PoolBudget{{Name: "objects"}},
	}
}

// SmallBudget returns a budget for constrained targets and tools.
func SmallBudget() Budget {
	return Budget{
		Frame:   SmallFrameSize,
		Scratch: SmallScratchSize,
		General: GeneralBudget{
			Capacity:   SmallGeneralSize,
			Policy:     alloc.BestFit.String(),
			Defragment: true,
		},
		Pools: []PoolBudget{{
			Name: "objects",
			Classes: []alloc.PoolClass{
				{BlockSize: 16, BlockCount: 512},
				{BlockSize: 64, BlockCount: 256},
				{BlockSize: 256, BlockCount: 64},
			},
		}},
	}
}

// ParseBudget decodes a YAML budget. Unknown keys are rejected; sections
// left out keep the DefaultBudget values.
func ParseBudget(data []byte) (Budget, error) {
	b := DefaultBudget()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return Budget{}, errors.Wrap(errors.Mark(err, ErrInvalidBudget), "parse budget")
	}
	if err := b.Validate(); err != nil {
		return Budget{}, err
	}
	return b, nil
}

// LoadBudget reads and parses a YAML budget file.
func LoadBudget(path string) (Budget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Budget{}, errors.Wrapf(err, "read budget %s", path)
	}
	b, err := ParseBudget(data)
	if err != nil {
		return Budget{}, errors.Wrapf(err, "%s", path)
	}
	return b, nil
}

// YAML encodes the budget.
func (b Budget) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return nil, errors.Wrap(err, "encode budget")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encode budget")
	}
	return buf.Bytes(), nil
}

// Validate checks the budget without allocating anything.
func (b Budget) Validate() error {
	if b.Frame <= 0 || b.Scratch <= 0 || b.General.Capacity <= 0 {
		return errors.Wrapf(ErrInvalidBudget, "frame %v, scratch %v and general %v must all be positive",
			b.Frame, b.Scratch, b.General.Capacity)
	}
	if _, err := alloc.ParsePolicy(b.General.Policy); err != nil {
		return errors.Mark(err, ErrInvalidBudget)
	}
	if _, err := arena.ParseBacking(b.Backing); err != nil {
		return errors.Mark(err, ErrInvalidBudget)
	}
	if t := b.LowMemoryThreshold; t < 0 || t > 1 {
		return errors.Wrapf(ErrInvalidBudget, "low memory threshold %.2f outside [0, 1]", t)
	}
	seen := map[string]bool{}
	for _, p := range b.Pools {
		if p.Name == "" {
			return errors.Wrap(ErrInvalidBudget, "pool without a name")
		}
		if seen[p.Name] {
			return errors.Wrapf(ErrInvalidBudget, "duplicate pool %q", p.Name)
		}
		seen[p.Name] = true
		for _, c := range p.Classes {
			if c.BlockSize <= 0 || c.BlockCount <= 0 {
				return errors.Wrapf(ErrInvalidBudget, "pool %q: class %d x %d", p.Name, c.BlockSize, c.BlockCount)
			}
		}
	}
	return nil
}

// Total returns the bytes the budget reserves across all allocators.
func (b Budget) Total() Size {
	total := b.Frame + b.Scratch + b.General.Capacity
	for _, p := range b.Pools {
		classes := p.Classes
		if len(classes) == 0 {
			classes = alloc.DefaultPoolClasses
		}
		for _, c := range classes {
			total += Size(max(c.BlockSize, alloc.MinPoolBlockSize) * c.BlockCount)
		}
	}
	return total
}
