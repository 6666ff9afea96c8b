package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/danmuck/csctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "csctl",
		Short:         "Local cloud-script development runtime",
		Long:          "csctl bundles cloud-script sources, serves them locally, and relays execution to remote workers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if cmd.Name() == "worker" {
				logging.ConfigureWorker()
				return
			}
			logging.ConfigureRuntime()
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringP("dir", "C", ".", "project directory")
	root.PersistentFlags().BoolP("verbose", "v", false, "debug logging")

	root.AddCommand(
		newDevCmd(),
		newBuildCmd(),
		newPublishCmd(),
		newRelayCmd(),
		newWorkerCmd(),
	)
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func projectDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		return "."
	}
	return dir
}
