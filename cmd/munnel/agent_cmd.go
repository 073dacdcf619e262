package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/munnel/munnel/internal/munnel"
)

func newAgentCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "agent <SERVER_IP:PORT> [GROUP]",
		Short: "Run a Munnel agent, dialing out to a server and relaying connections",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := logrus.InfoLevel
			if verbose {
				level = logrus.DebugLevel
			}
			log := munnel.NewLogger("agent", level)

			group := ""
			if len(args) == 2 {
				group = args[1]
			}

			agent := munnel.NewAgent(log, munnel.AgentConfig{
				ServerAddr: args[0],
				Group:      group,
			})

			installSigIntHandler(log, func(err error) { agent.StartShutdown(err) })

			agent.ConnectionLoop()
			return agent.WaitShutdown()
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}
