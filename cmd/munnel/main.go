package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/munnel/munnel/internal/munnel"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "munnel",
		Short:   "Munnel — a reverse-tunnel TCP proxy",
		Version: munnel.BuildVersion,
		Long: `Munnel lets external clients reach services on hosts that only permit
outbound network traffic. A Server accepts client connections on public
ports; one or more Agents dial out to the Server and, on demand, dial
internal destinations and splice them back through the tunnel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServerCmd(), newAgentCmd())
	return root
}
