package main

import (
	"context"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/arenakit/alloc"
	"github.com/joshuapare/arenakit/monitor"
	"github.com/joshuapare/arenakit/pkg/memsys"
	"github.com/joshuapare/arenakit/pkg/workload"
)

var (
	simBudgetFile string
	simPreset     string
	simPolicy     string
	simDefrag     bool
	simBacking    string
	simReport     bool
	simMapFile    string
	simWorkload   = workload.DefaultConfig()
)

func init() {
	cmd := newSimulateCmd()
	cmd.Flags().StringVarP(&simBudgetFile, "budget", "b", "", "Budget YAML file (overrides --preset)")
	cmd.Flags().StringVar(&simPreset, "preset", "default", "Budget preset: default or small")
	cmd.Flags().StringVar(&simPolicy, "policy", "", "Override the general allocator fit policy")
	cmd.Flags().BoolVar(&simDefrag, "defrag", false, "Enable general allocator defragmentation")
	cmd.Flags().StringVar(&simBacking, "backing", "", "Override the arena backing: heap or mmap")
	cmd.Flags().BoolVar(&simReport, "report", false, "Print the full report of every allocator")
	cmd.Flags().StringVar(&simMapFile, "map", "", "Write the general allocator's detailed JSON map to this file")
	addWorkloadFlags(cmd, &simWorkload)
	rootCmd.AddCommand(cmd)
}

func addWorkloadFlags(cmd *cobra.Command, w *workload.Config) {
	cmd.Flags().IntVarP(&w.Frames, "frames", "n", w.Frames, "Frames to simulate")
	cmd.Flags().Int64Var(&w.Seed, "seed", w.Seed, "Workload random seed")
	cmd.Flags().IntVar(&w.AssetLoads, "loads", w.AssetLoads, "Maximum asset loads per frame")
	cmd.Flags().IntVar(&w.AssetLifetime, "lifetime", w.AssetLifetime, "Maximum frames an asset stays loaded")
	cmd.Flags().IntVar(&w.LeakEvery, "leak-every", w.LeakEvery, "Never unload every Nth asset (0 disables)")
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a synthetic engine workload against a budget",
		Long: `The simulate command builds every allocator in a budget and drives them
with a seeded frame workload: per-frame draw data, nested scratch jobs,
streamed assets on the general heap and pooled entities. Pressure events
are processed on a separate goroutine. Leaks are reported at the end.

Example:
  memctl simulate
  memctl simulate --preset small --frames 2000 --policy first-fit
  memctl simulate --budget game.yaml --leak-every 50 --json
  memctl simulate --preset small --defrag --map general.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context())
		},
	}
	return cmd
}

type allocatorSummary struct {
	Name  string      `json:"name"`
	Stats alloc.Stats `json:"stats"`
}

type leakSummary struct {
	Allocator string       `json:"allocator"`
	Bytes     int          `json:"bytes"`
	Leaks     []alloc.Leak `json:"leaks"`
}

type simulateResult struct {
	Budget     memsys.Size        `json:"budgetBytes"`
	Workload   workload.Result    `json:"workload"`
	Allocators []allocatorSummary `json:"allocators"`
	Pressure   map[string]int     `json:"pressure"`
	Monitor    monitor.Stats      `json:"monitor"`
	Leaks      []leakSummary      `json:"leaks"`
}

func runSimulate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := simWorkload.Validate(); err != nil {
		return err
	}
	b, err := selectBudget(simBudgetFile, simPreset)
	if err != nil {
		return err
	}
	if simPolicy != "" {
		b.General.Policy = simPolicy
	}
	if simDefrag {
		b.General.Defragment = true
	}
	if simBacking != "" {
		b.Backing = simBacking
	}
	printVerbose("Budget: %s total, general %s (%s)\n", b.Total(), b.General.Capacity, b.General.Policy)

	sys, err := memsys.New(b, memsys.Options{Logger: logger, DetectLeaks: true})
	if err != nil {
		return errors.Wrap(err, "build memory system")
	}
	defer sys.Close()

	mon := monitor.New(monitor.Options{Logger: logger})
	pressure := map[string]int{}
	mon.Subscribe(func(_ context.Context, ev alloc.PressureEvent) {
		pressure[ev.Allocator]++
	})
	sys.Watch(mon)

	res, err := simulate(ctx, sys, mon, simWorkload)
	if err != nil {
		return err
	}
	res.Pressure = pressure
	res.Monitor = mon.Stats()

	if simMapFile != "" {
		if err := writeMap(simMapFile, sys.General()); err != nil {
			return err
		}
		printVerbose("Wrote detailed map to %s\n", simMapFile)
	}
	for _, a := range sys.Allocators() {
		res.Allocators = append(res.Allocators, allocatorSummary{Name: a.Name(), Stats: a.Stats()})
	}
	if simReport && !jsonOut {
		if err := sys.Report(os.Stdout); err != nil {
			return err
		}
		printInfo("\n")
	}
	for _, r := range sys.Reset() {
		res.Leaks = append(res.Leaks, leakSummary{Allocator: r.Allocator, Bytes: r.TotalBytes, Leaks: r.Leaks})
	}

	if jsonOut {
		return printJSON(res)
	}
	printSimulation(res)
	return nil
}

// simulate runs the workload while the monitor consumes pressure events on
// its own goroutine, then delivers whatever is still buffered.
func simulate(ctx context.Context, sys *memsys.System, mon *monitor.Monitor, cfg workload.Config) (simulateResult, error) {
	res := simulateResult{Budget: sys.Budget().Total()}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := mon.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		var err error
		res.Workload, err = workload.Run(gctx, sys, cfg, logger)
		return err
	})
	if err := g.Wait(); err != nil {
		return res, errors.Wrap(err, "workload")
	}
	if n := mon.Drain(context.Background()); n > 0 {
		logger.Debug("drained pressure events", "count", n)
	}
	return res, nil
}

func writeMap(path string, g *alloc.GeneralAllocator) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create map file")
	}
	defer func() {
		err = errors.CombineErrors(err, f.Close())
	}()
	return alloc.WriteDetailedMap(f, g)
}

func printSimulation(res simulateResult) {
	p := message.NewPrinter(language.English)
	warn := color.New(color.FgYellow).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()

	printInfo("%s\n", p.Sprintf("Simulated %d frames against a %s budget", res.Workload.Frames, res.Budget))
	printInfo("%s\n", p.Sprintf("Peak frame usage: %d bytes", res.Workload.PeakFrameUsage))
	printInfo("%s\n\n", p.Sprintf("Live at end: %d assets, %d entities", res.Workload.LiveAssets, res.Workload.LiveEntities))

	printInfo("%s\n", p.Sprintf("  %-10s %12s %9s %14s %14s %7s", "Allocator", "Allocs", "Failed", "Peak", "Largest free", "Frag"))
	for _, a := range res.Allocators {
		failed := p.Sprintf("%9d", res.Workload.Failures[a.Name])
		if res.Workload.Failures[a.Name] > 0 {
			failed = bad(failed)
		}
		printInfo("%s%s%s\n",
			p.Sprintf("  %-10s %12d ", a.Name, a.Stats.AllocationCount),
			failed,
			p.Sprintf(" %14d %14d %6.1f%%", a.Stats.PeakUsage, a.Stats.LargestFreeBlock, a.Stats.FragmentationPercent))
	}

	if len(res.Pressure) > 0 {
		names := make([]string, 0, len(res.Pressure))
		for n := range res.Pressure {
			names = append(names, n)
		}
		sort.Strings(names)
		printInfo("\n%s\n", warn("Memory pressure:"))
		for _, n := range names {
			printInfo("%s\n", p.Sprintf("  %-10s %d event(s)", n, res.Pressure[n]))
		}
	}
	if res.Monitor.Dropped > 0 {
		printInfo("%s\n", warn(p.Sprintf("  %d pressure event(s) dropped", res.Monitor.Dropped)))
	}

	if len(res.Leaks) == 0 {
		printInfo("\nNo leaks\n")
		return
	}
	printInfo("\n%s\n", bad("Leaks:"))
	for _, l := range res.Leaks {
		printInfo("%s\n", p.Sprintf("  %s: %d bytes", l.Allocator, l.Bytes))
		for _, lk := range l.Leaks {
			printInfo("%s\n", p.Sprintf("    %-20s %10d bytes in %d allocation(s)", lk.Label(), lk.Bytes, lk.Count))
		}
	}
}
