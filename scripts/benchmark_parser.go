// Command benchmark_parser turns `go test -bench` output for the alloc
// package into a markdown report comparing each allocator with the Go heap.
//
//	go test ./alloc -run '^$' -bench 'AllocFree|Frame' -benchmem | go run ./scripts
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// baseline is the implementation every other one is compared against.
const baseline = "heap"

// BenchmarkResult represents a parsed benchmark result.
type BenchmarkResult struct {
	Name        string
	Operation   string
	Size        string
	Impl        string // "heap", "general", "pool", "stack", "linear"
	Iterations  int
	NsPerOp     float64
	BytesPerOp  int64
	AllocsPerOp int64
}

// ComparisonResult pairs one allocator result with the heap baseline.
type ComparisonResult struct {
	Operation   string
	Size        string
	Impl        string
	ImplNs      float64
	HeapNs      float64
	Speedup     float64 // HeapNs / ImplNs
	ImplAllocs  int64
	HeapAllocs  int64
	ImplBytes   int64
	HeapBytes   int64
	MissingHeap bool
}

var (
	inputFile = flag.String(
		"input",
		"",
		"Input file with benchmark output (stdin if not specified)",
	)
	outputFile = flag.String("output", "", "Output markdown file (stdout if not specified)")
	quiet      = flag.Bool("quiet", false, "Suppress progress output")
)

func main() {
	flag.Parse()

	var in io.Reader = os.Stdin
	if *inputFile != "" {
		f, err := os.Open(*inputFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening input file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	results := parseBenchmarks(bufio.NewScanner(in))
	if !*quiet {
		fmt.Fprintf(os.Stderr, "Parsed %d benchmark results\n", len(results))
	}

	comparisons := generateComparisons(results)
	report := generateMarkdownReport(comparisons, time.Now())

	if *outputFile == "" {
		fmt.Fprint(os.Stdout, report)
		return
	}
	if err := os.WriteFile(*outputFile, []byte(report), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output file: %v\n", err)
		os.Exit(1)
	}
	if !*quiet {
		fmt.Fprintf(os.Stderr, "Report written to %s\n", *outputFile)
	}
}

// BenchmarkAllocFree/general/small-8    10000    12.4 ns/op    0 B/op    0 allocs/op
var benchmarkRegex = regexp.MustCompile(
	`^(Benchmark\S+)\s+(\d+)\s+([\d.]+)\s+ns/op(?:\s+([\d.]+)\s+B/op)?(?:\s+([\d.]+)\s+allocs/op)?`,
)

func parseBenchmarks(scanner *bufio.Scanner) []BenchmarkResult {
	var results []BenchmarkResult
	for scanner.Scan() {
		line := scanner.Text()

		// Accept `go test -json` output too.
		var event struct{ Output string }
		if err := json.Unmarshal([]byte(line), &event); err == nil && event.Output != "" {
			line = event.Output
		}

		m := benchmarkRegex.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		op, impl, size, ok := splitName(m[1])
		if !ok {
			continue
		}
		r := BenchmarkResult{Name: m[1], Operation: op, Impl: impl, Size: size}
		r.Iterations, _ = strconv.Atoi(m[2])
		r.NsPerOp, _ = strconv.ParseFloat(m[3], 64)
		if m[4] != "" {
			r.BytesPerOp, _ = strconv.ParseInt(m[4], 10, 64)
		}
		if m[5] != "" {
			r.AllocsPerOp, _ = strconv.ParseInt(m[5], 10, 64)
		}
		results = append(results, r)
	}
	return results
}

// splitName parses Benchmark<Operation>/<impl>/<size>[-procs].
func splitName(name string) (op, impl, size string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(name, "Benchmark"), "/")
	if len(parts) != 3 {
		return "", "", "", false
	}
	size = parts[2]
	if i := strings.LastIndex(size, "-"); i > 0 {
		if _, err := strconv.Atoi(size[i+1:]); err == nil {
			size = size[:i]
		}
	}
	return parts[0], parts[1], size, true
}

func generateComparisons(results []BenchmarkResult) []ComparisonResult {
	type key struct{ operation, size string }
	heap := map[key]BenchmarkResult{}
	for _, r := range results {
		if r.Impl == baseline {
			heap[key{r.Operation, r.Size}] = r
		}
	}

	var comparisons []ComparisonResult
	for _, r := range results {
		if r.Impl == baseline {
			continue
		}
		c := ComparisonResult{
			Operation:  r.Operation,
			Size:       r.Size,
			Impl:       r.Impl,
			ImplNs:     r.NsPerOp,
			ImplAllocs: r.AllocsPerOp,
			ImplBytes:  r.BytesPerOp,
		}
		h, ok := heap[key{r.Operation, r.Size}]
		if !ok || r.NsPerOp == 0 {
			c.MissingHeap = true
		} else {
			c.HeapNs = h.NsPerOp
			c.HeapAllocs = h.AllocsPerOp
			c.HeapBytes = h.BytesPerOp
			c.Speedup = h.NsPerOp / r.NsPerOp
		}
		comparisons = append(comparisons, c)
	}

	sort.Slice(comparisons, func(i, j int) bool {
		a, b := comparisons[i], comparisons[j]
		if a.Operation != b.Operation {
			return a.Operation < b.Operation
		}
		if a.Size != b.Size {
			return sizeRank(a.Size) < sizeRank(b.Size)
		}
		return a.Impl < b.Impl
	})
	return comparisons
}

func sizeRank(s string) int {
	switch s {
	case "small":
		return 0
	case "medium":
		return 1
	case "large":
		return 2
	default:
		return 3
	}
}

func generateMarkdownReport(comparisons []ComparisonResult, now time.Time) string {
	var sb strings.Builder

	sb.WriteString("# Allocator Benchmark Report\n\n")
	fmt.Fprintf(&sb, "Generated: %s\n\n", now.Format(time.DateTime))

	faster, slower, missing := 0, 0, 0
	total := 0.0
	for _, c := range comparisons {
		switch {
		case c.MissingHeap:
			missing++
			continue
		case c.Speedup >= 1.0:
			faster++
		default:
			slower++
		}
		total += c.Speedup
	}
	compared := len(comparisons) - missing

	sb.WriteString("## Summary\n\n")
	fmt.Fprintf(&sb, "- **Comparisons**: %d\n", compared)
	if compared > 0 {
		fmt.Fprintf(&sb, "  - faster than the heap: %d (%.1f%%)\n", faster, 100*float64(faster)/float64(compared))
		fmt.Fprintf(&sb, "  - slower than the heap: %d (%.1f%%)\n", slower, 100*float64(slower)/float64(compared))
		fmt.Fprintf(&sb, "  - Average speedup: **%.2fx**\n", total/float64(compared))
	}
	if missing > 0 {
		fmt.Fprintf(&sb, "- **Without heap baseline**: %d\n", missing)
	}
	sb.WriteString("\n")

	sb.WriteString("## Detailed Results\n\n")
	sb.WriteString("| Operation | Size | Allocator | ns/op | heap ns/op | Speedup | B/op | Allocs |\n")
	sb.WriteString("|-----------|------|-----------|-------|------------|---------|------|--------|\n")
	for _, c := range comparisons {
		if c.MissingHeap {
			fmt.Fprintf(&sb, "| %s | %s | %s | %s | *N/A* | *N/A* | %s | %s |\n",
				c.Operation, c.Size, c.Impl,
				formatNumber(c.ImplNs), formatBytes(c.ImplBytes), formatNumber(float64(c.ImplAllocs)))
			continue
		}
		mark := "✓"
		if c.Speedup < 1.0 {
			mark = "✗"
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s | %.2fx %s | %s vs %s | %s vs %s |\n",
			c.Operation, c.Size, c.Impl,
			formatNumber(c.ImplNs), formatNumber(c.HeapNs), c.Speedup, mark,
			formatBytes(c.ImplBytes), formatBytes(c.HeapBytes),
			formatNumber(float64(c.ImplAllocs)), formatNumber(float64(c.HeapAllocs)))
	}

	sb.WriteString("\n## Notes\n\n")
	sb.WriteString("- **Speedup > 1.0**: the allocator beats `make` on the Go heap ✓\n")
	sb.WriteString("- **B/op and Allocs** count Go heap traffic; arena allocations show as zero\n")
	return sb.String()
}

func formatNumber(n float64) string {
	switch {
	case n >= 1000000:
		return fmt.Sprintf("%.2fM", n/1000000)
	case n >= 1000:
		return fmt.Sprintf("%.1fK", n/1000)
	case n < 10 && n != float64(int64(n)):
		return fmt.Sprintf("%.2f", n)
	}
	return fmt.Sprintf("%.0f", n)
}

func formatBytes(b int64) string {
	switch {
	case b >= 1024*1024:
		return fmt.Sprintf("%.2fMB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.1fKB", float64(b)/1024)
	}
	return fmt.Sprintf("%dB", b)
}
