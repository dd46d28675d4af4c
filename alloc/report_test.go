package alloc

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type detailedMap struct {
	Name                 string  `json:"name"`
	Capacity             int     `json:"capacity"`
	UsedBytes            int     `json:"usedBytes"`
	PeakBytes            int     `json:"peakBytes"`
	ActiveAllocations    int     `json:"activeAllocations"`
	FreeBlocks           int     `json:"freeBlocks"`
	LargestFreeBlock     int     `json:"largestFreeBlock"`
	FragmentationPercent float64 `json:"fragmentationPercent"`
	Blocks               []struct {
		Offset    int    `json:"offset"`
		Size      int    `json:"size"`
		Type      string `json:"type"`
		Payload   int    `json:"payload"`
		Requested int    `json:"requested"`
		Alignment int    `json:"alignment"`
		Tag       string `json:"tag"`
	} `json:"blocks"`
	Categories map[string]struct {
		Allocated int `json:"allocated"`
		Peak      int `json:"peak"`
		Count     int `json:"count"`
	} `json:"categories"`
}

func decodeMap(t *testing.T, a Allocator) detailedMap {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteDetailedMap(&buf, a))
	var m detailedMap
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m), buf.String())
	return m
}

func TestReport_Summary(t *testing.T) {
	g := newTestGeneral(t, 1<<20)
	mustAlloc(t, g, 1000, "physics")
	mustAlloc(t, g, 2000, "render")

	out := Report(g)
	lines := strings.Split(out, "\n")
	assert.Equal(t, "=== Memory Report: test ===", lines[0])
	assert.Contains(t, out, "1,048,576 bytes")
	assert.Contains(t, out, "Categories:")
	assert.Contains(t, out, "physics")
	assert.Contains(t, out, "2,000")
	assert.Contains(t, out, "Fragmentation:")
}

func TestReport_PoolHasNoCategoriesSection(t *testing.T) {
	p := newTestPool(t, 32, 4)
	mustAlloc(t, p, 8, "")
	out := Report(p)
	assert.Contains(t, out, "=== Memory Report: test-pool ===")
	assert.NotContains(t, out, "Categories:")
}

func TestWriteDetailedMap_General(t *testing.T) {
	g := newTestGeneral(t, 1024)
	mustAlloc(t, g, 100, "mesh")
	mustAlloc(t, g, 16, "")

	m := decodeMap(t, g)
	assert.Equal(t, "test", m.Name)
	assert.Equal(t, 1024, m.Capacity)
	assert.Equal(t, g.Stats().CurrentUsage, m.UsedBytes)
	assert.Equal(t, 2, m.ActiveAllocations)

	require.Len(t, m.Blocks, 3)
	assert.Equal(t, "allocated", m.Blocks[0].Type)
	assert.Equal(t, "mesh", m.Blocks[0].Tag)
	assert.Equal(t, 32, m.Blocks[0].Payload)
	assert.Equal(t, 100, m.Blocks[0].Requested)
	assert.Equal(t, 16, m.Blocks[0].Alignment)
	assert.Empty(t, m.Blocks[1].Tag)
	assert.Equal(t, "free", m.Blocks[2].Type)

	total := 0
	for _, b := range m.Blocks {
		total += b.Size
	}
	assert.Equal(t, 1024, total)

	require.Contains(t, m.Categories, "mesh")
	assert.Equal(t, 100, m.Categories["mesh"].Allocated)
	assert.Equal(t, 1, m.Categories["mesh"].Count)
}

func TestWriteDetailedMap_PoolSetHasNoBlocks(t *testing.T) {
	s := newTestPoolSet(t, PoolClass{BlockSize: 16, BlockCount: 2})
	mustAlloc(t, s, 8, "x")
	m := decodeMap(t, s)
	assert.Nil(t, m.Blocks)
	assert.Equal(t, 8, m.Categories["x"].Allocated)
}
