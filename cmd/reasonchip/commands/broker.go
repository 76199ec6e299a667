package commands

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/SouthPatron/reasonchip/config"
	"github.com/SouthPatron/reasonchip/logger"
	"github.com/SouthPatron/reasonchip/net/broker"
	"github.com/SouthPatron/reasonchip/net/transports"
)

// gracePeriod bounds how long shutdown waits for components to unwind.
const gracePeriod = 30 * time.Second

var brokerFlags struct {
	listeners []string
	servers   []string
	tls       tlsFlags
}

// BrokerCmd runs the packet broker.
var BrokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the broker",
	Long: `Listen for worker registrations and client requests, routing RUN,
CANCEL, and RESULT packets between them.

Workers and clients use distinct listeners with distinct default ports:

  reasonchip broker \
      --listen tcp://[::1]/ \
      --serve tcp://[::1]/ --serve http://[::1]/`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return Exit(ExitConfigurationProblem, err)
		}

		listeners := brokerFlags.listeners
		if len(listeners) == 0 {
			listeners = cfg.Broker.Listeners
		}
		servers := brokerFlags.servers
		if len(servers) == 0 {
			servers = cfg.Broker.Servers
		}

		tlsCfg, err := brokerFlags.tls.serverConfig()
		if err != nil {
			return err
		}

		var workerTransports []transports.ServerTransport
		for _, addr := range listeners {
			t, err := transports.NewServer(addr, transports.RoleWorker, tlsCfg)
			if err != nil {
				return Exit(ExitConfigurationProblem, err)
			}
			workerTransports = append(workerTransports, t)
		}

		var clientTransports []transports.ServerTransport
		for _, addr := range servers {
			t, err := transports.NewServer(addr, transports.RoleClient, tlsCfg)
			if err != nil {
				return Exit(ExitConfigurationProblem, err)
			}
			clientTransports = append(clientTransports, t)
		}

		b, err := broker.New(broker.Options{
			WorkerTransports: workerTransports,
			ClientTransports: clientTransports,
			MaxRunsPerMinute: cfg.Broker.MaxRunsPerMinute,
		})
		if err != nil {
			return Exit(ExitConfigurationProblem, err)
		}

		if err := b.Start(); err != nil {
			return Exit(ExitError, err)
		}

		// Watch the user config for edits; listener changes need a
		// restart, so a reload only reports the drift.
		if home, err := os.UserHomeDir(); err == nil {
			path := filepath.Join(home, ".reasonchip", "config.toml")
			if _, err := os.Stat(path); err == nil {
				if watcher, err := config.NewWatcher(path); err == nil {
					watcher.OnReload(func(next *config.Config) error {
						logger.Infow("Configuration changed on disk; restart to apply listener changes",
							"max_runs_per_minute", next.Broker.MaxRunsPerMinute)
						return nil
					})
					watcher.Start()
					defer watcher.Stop()
				}
			}
		}

		ctx, cancel := signalContext()
		defer cancel()
		<-ctx.Done()

		b.Stop()
		return nil
	},
}

func init() {
	BrokerCmd.Flags().StringArrayVar(&brokerFlags.listeners, "listen", nil,
		"Worker-facing listener address (repeatable)")
	BrokerCmd.Flags().StringArrayVar(&brokerFlags.servers, "serve", nil,
		"Client-facing server address (repeatable)")
	brokerFlags.tls.register(BrokerCmd)
}
