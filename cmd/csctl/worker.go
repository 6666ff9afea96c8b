package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/csctl/internal/playfab"
	"github.com/danmuck/csctl/internal/worker"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// newWorkerCmd is the child side of worker mode. It is started by csctl
// itself and speaks the line protocol on stdin and stdout.
func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one bundle behind the worker line protocol",
		Hidden: true,
		RunE:   runWorker,
	}
	cmd.Flags().String("bundle", "", "bundle file to load")
	cmd.Flags().String("title-id", "", "title the bundle runs for")
	cmd.Flags().Duration("idle-timeout", 120*time.Second, "exit after this long without input")
	cmd.Flags().Duration("execution-timeout", 0, "cap on a single handler run")
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	bundlePath, _ := cmd.Flags().GetString("bundle")
	titleID, _ := cmd.Flags().GetString("title-id")
	idle, _ := cmd.Flags().GetDuration("idle-timeout")
	execTimeout, _ := cmd.Flags().GetDuration("execution-timeout")

	api := playfab.NewClient(titleID, os.Getenv(worker.EnvTitleSecret))
	defer api.Close()

	ctx, stop := signalContext()
	defer stop()
	err := worker.Run(ctx, worker.Config{
		BundlePath:       bundlePath,
		TitleID:          titleID,
		IdleTimeout:      idle,
		ExecutionTimeout: execTimeout,
		API:              api,
	}, os.Stdin, os.Stdout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, worker.ErrIdleTimeout):
		log.Info().Dur("idle_timeout", idle).Msg("csctl.worker exiting after inactivity")
		return nil
	default:
		return fmt.Errorf("worker: %w", err)
	}
}
