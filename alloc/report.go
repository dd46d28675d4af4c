package alloc

import (
	"io"
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// UntaggedLabel is how untagged allocations appear in reports.
const UntaggedLabel = "(untagged)"

// Leak aggregates the allocations still live under one tag at Reset.
type Leak struct {
	Tag   string
	Bytes int // Requested bytes
	Count int
}

// Label returns the tag, or UntaggedLabel for the empty tag.
func (l Leak) Label() string {
	if l.Tag == "" {
		return UntaggedLabel
	}
	return l.Tag
}

// LeakReport lists what was still allocated when an allocator was reset.
// Only tags with live allocations appear.
type LeakReport struct {
	Allocator  string
	Leaks      []Leak // Sorted by tag
	TotalBytes int
}

// Tags returns the leaked tag labels in report order.
func (r *LeakReport) Tags() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.Leaks))
	for i, l := range r.Leaks {
		out[i] = l.Label()
	}
	return out
}

func (r *LeakReport) String() string {
	if r == nil {
		return "no leaks"
	}
	p := message.NewPrinter(language.English)
	var sb strings.Builder
	p.Fprintf(&sb, "%s: %d bytes leaked in %d tag(s)\n", r.Allocator, r.TotalBytes, len(r.Leaks))
	for _, l := range r.Leaks {
		p.Fprintf(&sb, "  %-24s %12d bytes  %6d allocation(s)\n", l.Label(), l.Bytes, l.Count)
	}
	return sb.String()
}

// buildLeakReport aggregates (tag, requested size) pairs. Returns nil when
// live yields nothing.
func buildLeakReport(name string, live iter.Seq2[string, int]) *LeakReport {
	byTag := map[string]*Leak{}
	total := 0
	for tag, n := range live {
		l := byTag[tag]
		if l == nil {
			l = &Leak{Tag: tag}
			byTag[tag] = l
		}
		l.Bytes += n
		l.Count++
		total += n
	}
	if len(byTag) == 0 {
		return nil
	}
	r := &LeakReport{Allocator: name, TotalBytes: total}
	for _, tag := range slices.Sorted(maps.Keys(byTag)) {
		r.Leaks = append(r.Leaks, *byTag[tag])
	}
	return r
}

// BlockInfo describes one region of an allocator's arena.
type BlockInfo struct {
	Offset    int    // Start of the region (block header for general blocks)
	Size      int    // Region size in bytes
	Free      bool   // Unallocated region
	Payload   int    // Payload offset; zero for free regions
	Requested int    // Caller's size; zero for free regions
	Alignment int    // Payload alignment; zero for free regions
	Tag       string // Allocation tag
}

// BlockWalker is implemented by allocators that can enumerate their arena.
type BlockWalker interface {
	Blocks() iter.Seq[BlockInfo]
}

// CategoryLister is implemented by allocators that track tags.
type CategoryLister interface {
	Categories() []Category
}

// Report renders WriteReport into a string.
func Report(a Allocator) string {
	var sb strings.Builder
	_ = WriteReport(&sb, a)
	return sb.String()
}

// WriteReport writes a human-readable summary of a's counters and
// categories with thousands separators.
func WriteReport(w io.Writer, a Allocator) error {
	s := a.Stats()
	p := message.NewPrinter(language.English)
	var sb strings.Builder

	p.Fprintf(&sb, "=== Memory Report: %s ===\n", a.Name())
	p.Fprintf(&sb, "Capacity:         %15d bytes\n", s.Capacity)
	p.Fprintf(&sb, "Current usage:    %15d bytes (%.1f%%)\n", s.CurrentUsage, pct(s.CurrentUsage, s.Capacity))
	p.Fprintf(&sb, "Peak usage:       %15d bytes (%.1f%%)\n", s.PeakUsage, pct(s.PeakUsage, s.Capacity))
	p.Fprintf(&sb, "Fragmentation:    %14.1f%%\n", s.FragmentationPercent)
	p.Fprintf(&sb, "Allocations:      %15d\n", s.AllocationCount)
	p.Fprintf(&sb, "Deallocations:    %15d\n", s.DeallocationCount)
	p.Fprintf(&sb, "Active:           %15d\n", s.ActiveAllocations)
	p.Fprintf(&sb, "Free blocks:      %15d\n", s.FreeBlocks)
	p.Fprintf(&sb, "Largest free:     %15d bytes\n", s.LargestFreeBlock)

	if cl, ok := a.(CategoryLister); ok {
		if cats := cl.Categories(); len(cats) > 0 {
			p.Fprintf(&sb, "\nCategories:\n")
			p.Fprintf(&sb, "  %-24s %14s %14s %10s\n", "Tag", "Allocated", "Peak", "Count")
			for _, c := range cats {
				p.Fprintf(&sb, "  %-24s %14d %14d %10d\n", c.Name, c.Allocated, c.Peak, c.AllocationCount)
			}
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(n) / float64(total)
}

// WriteDetailedMap writes a JSON document describing every region of a's
// arena. Allocators that cannot enumerate their arena get the stats only.
func WriteDetailedMap(w io.Writer, a Allocator) error {
	s := a.Stats()
	jw := jwriter.NewWriter()
	obj := jw.Object()
	obj.Name("name").String(a.Name())
	obj.Name("capacity").Int(s.Capacity)
	obj.Name("usedBytes").Int(s.CurrentUsage)
	obj.Name("peakBytes").Int(s.PeakUsage)
	obj.Name("activeAllocations").Int(s.ActiveAllocations)
	obj.Name("freeBlocks").Int(s.FreeBlocks)
	obj.Name("largestFreeBlock").Int(s.LargestFreeBlock)
	obj.Name("fragmentationPercent").Float64(s.FragmentationPercent)

	if bw, ok := a.(BlockWalker); ok {
		arr := obj.Name("blocks").Array()
		for b := range bw.Blocks() {
			bo := arr.Object()
			bo.Name("offset").Int(b.Offset)
			bo.Name("size").Int(b.Size)
			if b.Free {
				bo.Name("type").String("free")
			} else {
				bo.Name("type").String("allocated")
				bo.Name("payload").Int(b.Payload)
				bo.Name("requested").Int(b.Requested)
				bo.Name("alignment").Int(b.Alignment)
				bo.Maybe("tag", b.Tag != "").String(b.Tag)
			}
			bo.End()
		}
		arr.End()
	}

	if cl, ok := a.(CategoryLister); ok {
		cats := obj.Name("categories").Object()
		for _, c := range cl.Categories() {
			co := cats.Name(c.Name).Object()
			co.Name("allocated").Int(c.Allocated)
			co.Name("peak").Int(c.Peak)
			co.Name("count").Int(int(c.AllocationCount))
			co.End()
		}
		cats.End()
	}
	obj.End()

	if err := jw.Error(); err != nil {
		return errors.Wrap(err, "detailed map")
	}
	_, err := w.Write(jw.Bytes())
	return err
}
