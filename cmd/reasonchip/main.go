package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SouthPatron/reasonchip/cmd/reasonchip/commands"
	"github.com/SouthPatron/reasonchip/config"
	"github.com/SouthPatron/reasonchip/logger"
)

var jsonLogs bool

var rootCmd = &cobra.Command{
	Use:   "reasonchip",
	Short: "ReasonChip - distributed workflow execution",
	Long: `ReasonChip is a distributed workflow execution substrate. Named
workflows are dispatched to a pool of worker processes where an engine
executes them and streams results back to the caller.

Available commands:
  run      - Run a workflow in-process
  worker   - Run a broker-attached worker
  broker   - Run the broker
  serve    - Run a bus-attached worker (AMQP)
  dispatch - Dispatch a single workflow run
  config   - Inspect and initialize configuration

Examples:
  reasonchip run pkg.hello --collection pkg=./pkg.so --set name=world
  reasonchip broker --listen tcp://[::1]/ --serve tcp://[::1]/
  reasonchip worker --broker tcp://[::1]/ --tasks 4 --collection pkg=./pkg.so
  reasonchip dispatch pkg.hello --broker tcp://[::1]/`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")

		cfg, err := config.Load()
		if err == nil {
			if !jsonLogs {
				jsonLogs = cfg.Log.JSON
			}
			if verbosity == 0 {
				verbosity = cfg.Log.Verbosity
			}
		}

		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v",
		"Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false,
		"Emit logs as JSON")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.BrokerCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DispatchCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		code := commands.CodeOf(err)
		if strings.Contains(err.Error(), "unknown command") {
			code = commands.ExitUnknownCommand
		}
		os.Exit(int(code))
	}
}
