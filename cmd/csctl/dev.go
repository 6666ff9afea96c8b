package main

import (
	"github.com/danmuck/csctl/internal/config"
	"github.com/danmuck/csctl/internal/devserver"
	"github.com/spf13/cobra"
)

func newDevCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Serve the project's handlers on a local execute endpoint",
		RunE:  runDev,
	}
	cmd.Flags().String("mode", "", "execution mode: inproc, worker or remote")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().Bool("watch", false, "rebuild when sources change")
	return cmd
}

func runDev(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadProject(projectDir(cmd))
	if err != nil {
		return err
	}
	applyDevFlags(cmd, &cfg)

	ctx, stop := signalContext()
	defer stop()
	svc, err := devserver.NewService(ctx, cfg)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

// applyDevFlags lets explicitly set flags win over file values.
func applyDevFlags(cmd *cobra.Command, cfg *config.Project) {
	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Mode, _ = flags.GetString("mode")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("watch") {
		cfg.Watch, _ = flags.GetBool("watch")
	}
}
