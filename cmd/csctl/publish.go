package main

import (
	"fmt"

	"github.com/danmuck/csctl/internal/bundle"
	"github.com/danmuck/csctl/internal/config"
	"github.com/danmuck/csctl/internal/playfab"
	"github.com/spf13/cobra"
)

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Build a release script and upload it as the live revision",
		RunE:  runPublish,
	}
	cmd.Flags().Bool("publish", true, "make the uploaded revision live")
	return cmd
}

func runPublish(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadProject(projectDir(cmd))
	if err != nil {
		return err
	}
	if err := cfg.RequireTitle(); err != nil {
		return err
	}
	live, _ := cmd.Flags().GetBool("publish")

	ctx, stop := signalContext()
	defer stop()

	builder := bundle.NewBuilder(cfg.Dir, cfg.BundlePath(), nil)
	builder.Ignore = cfg.Ignore
	script, err := builder.BuildRelease(ctx)
	if err != nil {
		return err
	}

	api := playfab.NewClient(cfg.TitleID, cfg.TitleSecret)
	defer api.Close()
	revision, err := api.UpdateCloudScript(ctx, script, live)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published revision %d to %s\n", revision, cfg.TitleID)
	return nil
}
