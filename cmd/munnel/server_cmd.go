package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/munnel/munnel/internal/munnel"
)

func newServerCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "server <BIND_IP:PORT> \"<NAME> <GROUP> <LISTEN_IP:PORT> <DEST_HOST:PORT>\" ...",
		Short: "Run the Munnel server, accepting agents and tunneled clients",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := logrus.InfoLevel
			if verbose {
				level = logrus.DebugLevel
			}
			log := munnel.NewLogger("server", level)

			bindAddr := args[0]
			services, err := munnel.ParseServiceSpecs(args[1:])
			if err != nil {
				return err
			}

			srv, err := munnel.NewServer(log, munnel.ServerConfig{
				BindAddr: bindAddr,
				Services: services,
			})
			if err != nil {
				return err
			}

			installSigIntHandler(log, func(err error) { srv.StartShutdown(err) })

			return srv.Run()
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

// installSigIntHandler mirrors the teacher's sigIntHandler: the first
// SIGINT/SIGTERM requests a graceful shutdown; a second forces an
// immediate process exit for an operator who doesn't want to wait out the
// drain deadline.
func installSigIntHandler(log munnel.Logger, shutdown func(error)) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.ILogf("received interrupt, shutting down gracefully")
		shutdown(nil)
		<-sigCh
		log.WLogf("received second interrupt, exiting immediately")
		os.Exit(exitRuntimeFailure)
	}()
}
