package main

import (
	"github.com/danmuck/csctl/internal/config"
	"github.com/danmuck/csctl/internal/relay"
	"github.com/spf13/cobra"
)

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run workers for remote developers over a websocket",
		RunE:  runRelay,
	}
	cmd.Flags().String("config", "", "relay.toml path")
	cmd.Flags().String("addr", "", "listen address")
	return cmd
}

func runRelay(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadRelay(path)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Addr, _ = cmd.Flags().GetString("addr")
	}
	sess, err := cfg.Session()
	if err != nil {
		return err
	}

	srv := relay.NewServer(relay.Config{
		Secret:      cfg.Secret,
		WorkDir:     cfg.WorkDir,
		Launcher:    cfg.Launcher(),
		Session:     sess,
		CORSOrigins: cfg.CORSOrigins,
	})
	ctx, stop := signalContext()
	defer stop()
	return srv.ListenAndServe(ctx, cfg.Addr)
}
