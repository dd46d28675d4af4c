package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/joshuapare/arenakit/pkg/memsys"
)

var (
	budgetFile   string
	budgetPreset string
)

func init() {
	cmd := newBudgetCmd()
	cmd.Flags().StringVarP(&budgetFile, "budget", "b", "", "Budget YAML file to validate and normalize")
	cmd.Flags().StringVar(&budgetPreset, "preset", "default", "Budget preset: default or small")
	rootCmd.AddCommand(cmd)
}

func newBudgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Print or validate a memory budget",
		Long: `The budget command prints a budget preset as YAML, ready to edit. With
--budget it loads and validates a file instead and prints it with every
default filled in.

Example:
  memctl budget --preset small > game.yaml
  memctl budget --budget game.yaml
  memctl budget --budget game.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBudget()
		},
	}
	return cmd
}

// selectBudget loads file when set and the named preset otherwise.
func selectBudget(file, preset string) (memsys.Budget, error) {
	var (
		b   memsys.Budget
		err error
	)
	switch {
	case file != "":
		b, err = memsys.LoadBudget(file)
		if err != nil {
			return b, err
		}
	case preset == "default":
		b = memsys.DefaultBudget()
	case preset == "small":
		b = memsys.SmallBudget()
	default:
		return b, errors.Newf("unknown preset %q (want default or small)", preset)
	}
	return b, nil
}

func runBudget() error {
	b, err := selectBudget(budgetFile, budgetPreset)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(b)
	}
	out, err := b.YAML()
	if err != nil {
		return err
	}
	printVerbose("# total %s\n", b.Total().Human())
	_, err = os.Stdout.Write(out)
	return err
}
