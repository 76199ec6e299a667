package commands

import (
	"github.com/spf13/cobra"

	"github.com/SouthPatron/reasonchip/config"
	"github.com/SouthPatron/reasonchip/engine"
	"github.com/SouthPatron/reasonchip/net/transports"
	"github.com/SouthPatron/reasonchip/net/worker"
)

var workerFlags struct {
	broker      string
	tasks       int
	collections []string
	tls         tlsFlags
}

// WorkerCmd attaches a worker to a broker.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a broker-attached worker",
	Long: `Connect to a broker, register capacity, and execute dispatched
workflows until stopped or told to shut down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return Exit(ExitConfigurationProblem, err)
		}

		brokerAddr := workerFlags.broker
		if brokerAddr == "" {
			brokerAddr = cfg.Worker.Broker
		}
		tasks := workerFlags.tasks
		if tasks == 0 {
			tasks = cfg.Worker.Tasks
		}

		registry, err := buildRegistry(workerFlags.collections)
		if err != nil {
			return err
		}

		tlsCfg, err := workerFlags.tls.clientConfig()
		if err != nil {
			return err
		}

		transport, err := transports.NewClient(brokerAddr, transports.RoleWorker, tlsCfg)
		if err != nil {
			return Exit(ExitConfigurationProblem, err)
		}

		tm, err := worker.New(engine.New(registry), transport, tasks)
		if err != nil {
			return Exit(ExitConfigurationProblem, err)
		}

		if err := tm.Start(); err != nil {
			return Exit(ExitError, err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		// Run until the broker goes away or a signal arrives.
		done := make(chan struct{})
		go func() {
			tm.Wait(0)
			close(done)
		}()

		select {
		case <-ctx.Done():
			tm.Stop(gracePeriod)
		case <-done:
		}
		return nil
	},
}

func init() {
	WorkerCmd.Flags().StringVar(&workerFlags.broker, "broker", "",
		"Broker address (e.g. tcp://[::1]/, socket:///tmp/reasonchip-broker-worker.sock)")
	WorkerCmd.Flags().IntVar(&workerFlags.tasks, "tasks", 0,
		"Number of concurrent engine invocations")
	WorkerCmd.Flags().StringArrayVar(&workerFlags.collections, "collection", nil,
		"Workflow collection as name=<path> (repeatable)")
	workerFlags.tls.register(WorkerCmd)
}
