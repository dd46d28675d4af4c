package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// envPrefix names the environment variables that override unset flags,
// e.g. MEMCTL_LOG_LEVEL=debug.
const envPrefix = "MEMCTL_"

var (
	// Global flags
	verbose  bool
	quiet    bool
	jsonOut  bool
	noColor  bool
	logJSON  bool
	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "memctl",
	Short: "Simulate and inspect arenakit memory budgets",
	Long: `memctl drives the arenakit allocators with a synthetic engine workload.
It reports usage, fragmentation, pressure events and leaks for a budget,
and compares general allocator fit policies on identical request streams.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := applyEnv(cmd.Flags(), envPrefix); err != nil {
			return err
		}
		if verbose && !cmd.Flags().Changed("log-level") {
			logLevel.Set(slog.LevelDebug)
		}
		if noColor {
			color.NoColor = true
		}
		setupLogging(os.Stderr)
		return nil
	},
}

func init() {
	logLevel.Set(slog.LevelWarn)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().
		TextVarP(logLevel, "log-level", "L", logLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applyEnv sets every flag the command line left alone from its
// environment variable, if present. "log-level" reads PREFIX_LOG_LEVEL.
func applyEnv(fs *pflag.FlagSet, prefix string) error {
	var errs error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		name := prefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "env %s", name))
		}
	})
	return errs
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, color.RedString("Error: ")+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
