package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/arenakit/alloc"
	"github.com/joshuapare/arenakit/pkg/memsys"
	"github.com/joshuapare/arenakit/pkg/workload"
)

var (
	polCapacity = "4MiB"
	polDefrag   bool
	polWorkload = workload.DefaultConfig()
)

func init() {
	cmd := newPoliciesCmd()
	cmd.Flags().StringVarP(&polCapacity, "capacity", "c", polCapacity, "General allocator capacity (e.g. 4MiB, 512k)")
	cmd.Flags().BoolVar(&polDefrag, "defrag", false, "Enable defragmentation for every policy")
	addWorkloadFlags(cmd, &polWorkload)
	rootCmd.AddCommand(cmd)
}

func newPoliciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Compare fit policies on the same asset workload",
		Long: `The policies command replays one seeded asset streaming workload against
a general allocator per fit policy and compares failed loads, fragmentation
and the largest free block left at the end. The replays run concurrently.

Example:
  memctl policies
  memctl policies --capacity 2MiB --frames 2000
  memctl policies --defrag --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicies(cmd.Context())
		},
	}
	return cmd
}

type policyResult struct {
	Policy        string                `json:"policy"`
	Loads         int                   `json:"loads"`
	Failures      int                   `json:"failures"`
	Live          int                   `json:"live"`
	PeakUsage     int                   `json:"peakUsage"`
	FreeBlocks    int                   `json:"freeBlocks"`
	LargestFree   int                   `json:"largestFree"`
	Fragmentation float64               `json:"fragmentation"`
	Counters      alloc.GeneralCounters `json:"counters"`
}

func runPolicies(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := polWorkload.Validate(); err != nil {
		return err
	}
	capacity, err := memsys.ParseSize(polCapacity)
	if err != nil {
		return errors.Wrap(err, "capacity")
	}
	printVerbose("Replaying %d frames (seed %d) on %s\n", polWorkload.Frames, polWorkload.Seed, capacity)

	results, err := comparePolicies(ctx, int(capacity), polDefrag, polWorkload)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(results)
	}
	printPolicies(results)
	return nil
}

// comparePolicies replays cfg once per fit policy, concurrently. Results
// are in alloc.Policies order.
func comparePolicies(ctx context.Context, capacity int, defrag bool, cfg workload.Config) ([]policyResult, error) {
	results := make([]policyResult, len(alloc.Policies))
	g, gctx := errgroup.WithContext(ctx)
	for i, pol := range alloc.Policies {
		g.Go(func() error {
			r, err := replayPolicy(gctx, pol, capacity, defrag, cfg)
			if err != nil {
				return errors.Wrap(err, pol.String())
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func replayPolicy(ctx context.Context, pol alloc.Policy, capacity int, defrag bool, cfg workload.Config) (policyResult, error) {
	gcfg := alloc.DefaultGeneralConfig(pol.String(), capacity)
	gcfg.Policy = pol
	gcfg.TrackAllocations = false
	gcfg.DetectLeaks = false
	gcfg.EnableDefragmentation = defrag
	gcfg.Logger = logger
	g, err := alloc.NewGeneral(gcfg)
	if err != nil {
		return policyResult{}, err
	}
	defer g.Close()

	s := workload.NewAssetStream(cfg, logger)
	for frame := range cfg.Frames {
		if err := ctx.Err(); err != nil {
			return policyResult{}, err
		}
		if err := s.Step(g, frame); err != nil {
			return policyResult{}, errors.Wrapf(err, "frame %d", frame)
		}
	}
	if err := g.Validate(); err != nil {
		return policyResult{}, err
	}

	st := g.Stats()
	logger.Debug("policy replay done", "policy", pol.String(), "loads", s.Loads(), "failures", s.Failures())
	return policyResult{
		Policy:        pol.String(),
		Loads:         s.Loads(),
		Failures:      s.Failures(),
		Live:          st.ActiveAllocations,
		PeakUsage:     st.PeakUsage,
		FreeBlocks:    st.FreeBlocks,
		LargestFree:   st.LargestFreeBlock,
		Fragmentation: st.FragmentationPercent,
		Counters:      g.Counters(),
	}, nil
}

func printPolicies(results []policyResult) {
	p := message.NewPrinter(language.English)
	best := color.New(color.FgGreen, color.Bold).SprintFunc()

	fewest := 0
	for i, r := range results {
		if r.Failures < results[fewest].Failures {
			fewest = i
		}
	}

	printInfo("%s\n", p.Sprintf("%-10s %8s %8s %14s %8s %14s %7s %7s",
		"Policy", "Loads", "Failed", "Peak", "Free", "Largest free", "Frag", "Moved"))
	for i, r := range results {
		name := p.Sprintf("%-10s", r.Policy)
		if i == fewest {
			name = best(name)
		}
		printInfo("%s%s\n", name, p.Sprintf(" %8d %8d %14d %8d %14d %6.1f%% %7d",
			r.Loads, r.Failures, r.PeakUsage, r.FreeBlocks, r.LargestFree, r.Fragmentation, r.Counters.BlocksMoved))
	}
}
