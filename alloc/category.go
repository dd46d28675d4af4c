package alloc

import (
	"maps"
	"slices"
)

// Category holds the running totals for one allocation tag. Byte counts are
// requested sizes.
type Category struct {
	Name            string
	Allocated       int   // Bytes live under this tag
	Peak            int   // Highest Allocated seen; never decreases
	AllocationCount int64 // Cumulative allocations under this tag
}

// categories is keyed by tag. Untagged allocations are not tracked here.
type categories map[string]*Category

func (c categories) add(tag string, n int) {
	if tag == "" {
		return
	}
	cat := c[tag]
	if cat == nil {
		cat = &Category{Name: tag}
		c[tag] = cat
	}
	cat.Allocated += n
	cat.Peak = max(cat.Peak, cat.Allocated)
	cat.AllocationCount++
}

func (c categories) remove(tag string, n int) {
	if cat := c[tag]; cat != nil {
		cat.Allocated -= n
	}
}

func (c categories) get(tag string) (Category, bool) {
	cat := c[tag]
	if cat == nil {
		return Category{}, false
	}
	return *cat, true
}

func (c categories) list() []Category {
	out := make([]Category, 0, len(c))
	for _, name := range slices.Sorted(maps.Keys(c)) {
		out = append(out, *c[name])
	}
	return out
}

func (c categories) reset() {
	clear(c)
}

// resize adjusts a live allocation's bytes without counting a new
// allocation.
func (c categories) resize(tag string, from, to int) {
	if cat := c[tag]; cat != nil {
		cat.Allocated += to - from
		cat.Peak = max(cat.Peak, cat.Allocated)
	}
}
