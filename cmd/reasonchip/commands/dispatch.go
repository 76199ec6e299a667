package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/SouthPatron/reasonchip/engine"
	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/net/bus"
	"github.com/SouthPatron/reasonchip/net/client"
	"github.com/SouthPatron/reasonchip/net/protocol"
	"github.com/SouthPatron/reasonchip/net/transports"
)

var dispatchFlags struct {
	broker         string
	amqpURL        string
	amqpExchange   string
	amqpRoutingKey string
	varFiles       []string
	sets           []string
	cookie         string
	tls            tlsFlags
}

// DispatchCmd enqueues a single RUN onto a broker or bus.
var DispatchCmd = &cobra.Command{
	Use:   "dispatch <workflow>",
	Short: "Dispatch a workflow run to a broker or message bus",
	Long: `Send one RUN packet. Against a broker (--broker) the command waits
for the RESULT and prints it. Onto a bus (--amqp-url with a routing key)
the RUN is published fire-and-forget.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vars, err := buildVariables(dispatchFlags.varFiles, dispatchFlags.sets)
		if err != nil {
			return err
		}

		cookie := uuid.Nil
		if dispatchFlags.cookie != "" {
			cookie, err = uuid.Parse(dispatchFlags.cookie)
			if err != nil {
				return Exit(ExitCommandLineError, errors.Wrap(err, "invalid cookie"))
			}
		}

		if dispatchFlags.amqpRoutingKey != "" || dispatchFlags.amqpExchange != "" {
			return dispatchToBus(cmd, args[0], vars, cookie)
		}
		return dispatchToBroker(cmd, args[0], vars, cookie)
	},
}

func dispatchToBroker(cmd *cobra.Command, workflow string, vars engine.Variables, cookie uuid.UUID) error {
	addr := dispatchFlags.broker
	if addr == "" {
		addr = protocol.DefaultServers[0]
	}

	tlsCfg, err := dispatchFlags.tls.clientConfig()
	if err != nil {
		return err
	}

	transport, err := transports.NewClient(addr, transports.RoleClient, tlsCfg)
	if err != nil {
		return Exit(ExitConfigurationProblem, err)
	}

	m := client.NewMultiplexor(transport)
	if err := m.Start(); err != nil {
		return Exit(ExitError, err)
	}
	defer m.Stop()

	api := client.NewApi(m)
	result, err := api.RunWorkflow(workflow, map[string]any(vars), cookie, 0)
	if err != nil {
		return Exit(ExitError, err)
	}

	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return Exit(ExitError, errors.Wrap(err, "failed to render result"))
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(output))
	return nil
}

func dispatchToBus(cmd *cobra.Command, workflow string, vars engine.Variables, cookie uuid.UUID) error {
	if cookie == uuid.Nil {
		cookie = uuid.New()
	}

	encoded, err := engine.EncodeJSON(vars)
	if err != nil {
		return Exit(ExitError, err)
	}

	producer := bus.NewProducer(bus.ProducerOptions{
		URL:        dispatchFlags.amqpURL,
		Exchange:   dispatchFlags.amqpExchange,
		RoutingKey: dispatchFlags.amqpRoutingKey,
	})
	if err := producer.Connect(); err != nil {
		return Exit(ExitError, err)
	}
	defer producer.Close()

	if err := producer.Publish(context.Background(), protocol.NewRun(cookie, workflow, encoded)); err != nil {
		return Exit(ExitError, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), cookie.String())
	return nil
}

func init() {
	DispatchCmd.Flags().StringVar(&dispatchFlags.broker, "broker", "",
		"Broker address to dispatch through")
	DispatchCmd.Flags().StringVar(&dispatchFlags.amqpURL, "amqp-url", "amqp://localhost", "AMQP URL")
	DispatchCmd.Flags().StringVar(&dispatchFlags.amqpExchange, "amqp-exchange", "", "Exchange to publish to")
	DispatchCmd.Flags().StringVar(&dispatchFlags.amqpRoutingKey, "amqp-routing-key", "", "Routing key (or queue name)")
	DispatchCmd.Flags().StringArrayVar(&dispatchFlags.varFiles, "variables", nil,
		"Variables file (repeatable)")
	DispatchCmd.Flags().StringArrayVar(&dispatchFlags.sets, "set", nil,
		"Variable override as key=value (repeatable)")
	DispatchCmd.Flags().StringVar(&dispatchFlags.cookie, "cookie", "",
		"Explicit cookie UUID for the run")
	dispatchFlags.tls.register(DispatchCmd)
}
