package memsys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/arenakit/alloc"
)

func TestDefaultBudget(t *testing.T) {
	b := DefaultBudget()
	require.NoError(t, b.Validate())
	assert.Equal(t, 16*MiB, b.Frame)
	assert.Equal(t, 4*MiB, b.Scratch)
	require.Len(t, b.Pools, 1)
	assert.Greater(t, b.Total(), b.Frame+b.Scratch+b.General.Capacity)
	require.NoError(t, SmallBudget().Validate())
}

func TestParseBudget(t *testing.T) {
	b, err := ParseBudget([]byte(`
frame: 2MiB
general:
  capacity: 8MiB
  policy: first-fit
  defragment: true
pools:
  - name: particles
    classes:
      - {block_size: 64, block_count: 128}
backing: mmap
`))
	require.NoError(t, err)
	assert.Equal(t, 2*MiB, b.Frame)
	assert.Equal(t, DefaultScratchSize, b.Scratch, "omitted sections keep defaults")
	assert.Equal(t, 8*MiB, b.General.Capacity)
	assert.Equal(t, "first-fit", b.General.Policy)
	assert.True(t, b.General.Defragment)
	require.Len(t, b.Pools, 1)
	assert.Equal(t, "particles", b.Pools[0].Name)
	assert.Equal(t, []alloc.PoolClass{{BlockSize: 64, BlockCount: 128}}, b.Pools[0].Classes)
	assert.Equal(t, "mmap", b.Backing)
}

func TestParseBudget_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "frames: 1MiB\n"},
		{"bad size", "frame: lots\n"},
		{"zero frame", "frame: 0\n"},
		{"bad policy", "general: {capacity: 1MiB, policy: random}\n"},
		{"bad backing", "backing: disk\n"},
		{"threshold", "low_memory_threshold: 1.5\n"},
		{"unnamed pool", "pools: [{classes: [{block_size: 16, block_count: 1}]}]\n"},
		{"duplicate pool", "pools: [{name: a}, {name: a}]\n"},
		{"empty class", "pools: [{name: a, classes: [{block_size: 16}]}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBudget([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidBudget), "got %v", err)
		})
	}
}

func TestBudget_YAMLRoundTrip(t *testing.T) {
	want := SmallBudget()
	data, err := want.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "frame: 1MiB")

	got, err := ParseBudget(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.yaml")
	require.NoError(t, os.WriteFile(path, []byte("frame: 8MiB\n"), 0o644))

	b, err := LoadBudget(path)
	require.NoError(t, err)
	assert.Equal(t, 8*MiB, b.Frame)

	_, err = LoadBudget(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
