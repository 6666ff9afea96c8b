package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/danmuck/csctl/internal/bundle"
	"github.com/danmuck/csctl/internal/bundle/cache"
	"github.com/danmuck/csctl/internal/config"
	"github.com/danmuck/csctl/internal/playfab"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compile the project into a single bundle",
		RunE:  runBuild,
	}
	cmd.Flags().Bool("release", false, "emit a minified script without source markers")
	cmd.Flags().String("out", "", "output file")
	return cmd
}

func runBuild(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadProject(projectDir(cmd))
	if err != nil {
		return err
	}
	release, _ := cmd.Flags().GetBool("release")
	out, _ := cmd.Flags().GetString("out")

	ctx, stop := signalContext()
	defer stop()

	if err := os.MkdirAll(filepath.Join(cfg.Dir, config.BuildDir), 0o755); err != nil {
		return err
	}
	var c bundle.Cache
	if store, err := cache.Open(ctx, cfg.CachePath()); err != nil {
		log.Warn().Err(err).Msg("csctl.build transpile cache disabled")
	} else {
		defer store.Close()
		c = store
	}

	if !release {
		if out == "" {
			out = cfg.BundlePath()
		}
		builder := bundle.NewBuilder(cfg.Dir, out, c)
		builder.Ignore = cfg.Ignore
		b, err := builder.Build(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d units, %d lines)\n", b.Path, len(b.Records), b.Lines)
		return nil
	}

	if out == "" {
		out = filepath.Join(cfg.Dir, config.BuildDir, playfab.ReleaseFileName)
	}
	builder := bundle.NewBuilder(cfg.Dir, out, c)
	builder.Ignore = cfg.Ignore
	script, err := builder.BuildRelease(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, []byte(script), 0o644); err != nil {
		return fmt.Errorf("%w: %v", bundle.ErrWrite, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes)\n", out, len(script))
	return nil
}
