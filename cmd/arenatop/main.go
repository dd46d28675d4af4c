// Command arenatop shows arenakit allocators live while a synthetic engine
// workload runs against them.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/arenakit/cmd/arenatop/logger"
	"github.com/joshuapare/arenakit/pkg/memsys"
	"github.com/joshuapare/arenakit/pkg/workload"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// options are the parsed command line.
type options struct {
	debug      bool
	small      bool
	budgetFile string
	seed       int64
	frames     int
	help       bool
	version    bool
}

func parseArgs(args []string) (options, error) {
	opts := options{seed: 1}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		next := func() (string, error) {
			if i+1 >= len(args) {
				return "", errors.Newf("%s needs a value", arg)
			}
			i++
			return args[i], nil
		}
		switch arg {
		case "--debug", "-d":
			opts.debug = true
		case "--small", "-s":
			opts.small = true
		case "--help", "-h":
			opts.help = true
		case "--version", "-v":
			opts.version = true
		case "--budget", "-b":
			v, err := next()
			if err != nil {
				return opts, err
			}
			opts.budgetFile = v
		case "--seed":
			v, err := next()
			if err != nil {
				return opts, err
			}
			seed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return opts, errors.Newf("invalid seed %q", v)
			}
			opts.seed = seed
		case "--frames", "-n":
			v, err := next()
			if err != nil {
				return opts, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return opts, errors.Newf("invalid frame count %q", v)
			}
			opts.frames = n
		default:
			return opts, errors.Newf("unknown option %q", arg)
		}
	}
	return opts, nil
}

func (o options) budget() (memsys.Budget, error) {
	switch {
	case o.budgetFile != "":
		return memsys.LoadBudget(o.budgetFile)
	case o.small:
		return memsys.SmallBudget(), nil
	default:
		return memsys.DefaultBudget(), nil
	}
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	if opts.help {
		printHelp()
		os.Exit(0)
	}
	if opts.version {
		fmt.Printf("arenatop %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built: %s\n", date)
		os.Exit(0)
	}

	// Initialize logger (must be before any logging calls)
	if err := logger.Init(logger.Options{
		Enabled: opts.debug,
		Level:   slog.LevelDebug,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to init logging: %v\n", err)
	}

	b, err := opts.budget()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	sys, err := memsys.New(b, memsys.Options{Logger: logger.L, DetectLeaks: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("starting arenatop", "budget", b.Total().String(), "seed", opts.seed)

	cfg := workload.DefaultConfig()
	cfg.Seed = opts.seed
	cfg.Frames = opts.frames

	p := tea.NewProgram(NewModel(sys, cfg), tea.WithAltScreen())
	finalModel, err := p.Run()
	if err != nil {
		logger.Error("TUI error", "error", err)
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		_ = sys.Close()
		os.Exit(1)
	}

	if model, ok := finalModel.(Model); ok {
		if err := model.Close(); err != nil {
			logger.Warn("error closing memory system", "error", err)
		}
	}
	logger.Info("arenatop exited normally")
	_ = logger.Close()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: arenatop [options]\n")
	fmt.Fprintf(os.Stderr, "Try 'arenatop --help' for more information.\n")
}

func printHelp() {
	fmt.Println("arenatop - Live view of arenakit allocators")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  arenatop [options]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Runs a synthetic game workload (draw data, scratch jobs, streamed assets,")
	fmt.Println("  pooled entities) and shows every allocator's usage, fragmentation,")
	fmt.Println("  tagged categories and memory pressure events as it happens.")
	fmt.Println()
	fmt.Println("  Keys:")
	fmt.Println("    space/p     Pause or resume")
	fmt.Println("    n           Step one frame")
	fmt.Println("    +/-         Change frames per tick")
	fmt.Println("    tab         Select the next allocator")
	fmt.Println("    d           Defragment the general heap")
	fmt.Println("    r           Reset every allocator and report leaks")
	fmt.Println("    c           Copy the full report to the clipboard")
	fmt.Println("    ?           Show help")
	fmt.Println("    q           Quit")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -b, --budget <file>  Budget YAML file")
	fmt.Println("  -s, --small          Use the small budget preset")
	fmt.Println("  -n, --frames <n>     Stop the workload after n frames (0 runs forever)")
	fmt.Println("      --seed <n>       Workload random seed (default 1)")
	fmt.Println("  -d, --debug          Enable debug logging to ~/.arenatop/logs/")
	fmt.Println("  -h, --help           Show this help message")
	fmt.Println("  -v, --version        Show version information")
	fmt.Println()
	fmt.Println("For batch runs and policy comparisons, use 'memctl' instead.")
}
