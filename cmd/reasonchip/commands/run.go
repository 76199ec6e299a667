package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SouthPatron/reasonchip/engine"
	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/runner"
)

var runFlags struct {
	collections []string
	varFiles    []string
	sets        []string
}

// RunCmd executes a workflow in-process and prints its result.
var RunCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Run a workflow in-process",
	Long: `Run a named workflow with the embedded engine. No broker, no
transports: the workflow executes in this process and its result is
printed to stdout as JSON.

Collections are Go plugins exporting a Workflows symbol:

  reasonchip run mypkg.hello --collection mypkg=./mypkg.so --set name=world`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := buildRegistry(runFlags.collections)
		if err != nil {
			return err
		}

		vars, err := buildVariables(runFlags.varFiles, runFlags.sets)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		r := runner.New(registry, nil)
		result, err := r.Run(ctx, args[0], vars)
		if err != nil {
			if errors.Is(err, engine.ErrWorkflowNotFound) {
				return Exit(ExitModuleNotFound, err)
			}
			return Exit(ExitError, err)
		}

		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return Exit(ExitError, errors.Wrap(err, "failed to render result"))
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(output))
		return nil
	},
}

func init() {
	RunCmd.Flags().StringArrayVar(&runFlags.collections, "collection", nil,
		"Workflow collection as name=<path> (repeatable)")
	RunCmd.Flags().StringArrayVar(&runFlags.varFiles, "vars", nil,
		"Variables file (repeatable, merged left to right)")
	RunCmd.Flags().StringArrayVar(&runFlags.sets, "set", nil,
		"Variable override as key=value, dotted paths allowed (repeatable)")
}
