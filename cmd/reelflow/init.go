package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

type initOptions struct {
	renderURL string
	aiURL     string
	outputDir string
	poolSize  int
	force     bool
}

func newInitCmd(a *app) *cobra.Command {
	var opts initOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write ~/.reelflow/settings.yaml and check external tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd, a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.renderURL, "render-url", "", "render backend base URL")
	cmd.Flags().StringVar(&opts.aiURL, "ai-url", "", "prompt service base URL")
	cmd.Flags().StringVar(&opts.outputDir, "output-dir", "", "default output folder")
	cmd.Flags().IntVar(&opts.poolSize, "pool-size", -1, "max concurrent runs (0 = unbounded)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite an existing settings file")
	return cmd
}

func runInit(cmd *cobra.Command, a *app, opts initOptions) error {
	out := cmd.OutOrStdout()
	path := a.configPath
	if path == "" {
		path = settingsPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", filepath.Dir(path), err)
	}

	v := a.v
	if opts.renderURL != "" {
		v.Set("render.url", opts.renderURL)
	}
	if opts.aiURL != "" {
		v.Set("ai.url", opts.aiURL)
	}
	if opts.outputDir != "" {
		v.Set("output_dir", opts.outputDir)
	}
	if opts.poolSize >= 0 {
		v.Set("pool_size", opts.poolSize)
	}

	write := v.SafeWriteConfigAs
	if opts.force {
		write = v.WriteConfigAs
	}
	if err := write(path); err != nil {
		return fmt.Errorf("cannot write %s (use --force to overwrite): %w", path, err)
	}
	fmt.Fprintf(out, "Config written to %s\n", path)

	cfg, err := decodeConfig(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: cannot create output dir %s: %v\n", cfg.OutputDir, err)
	}
	checkFFmpeg(cmd, cfg.FFmpegPath)
	return nil
}

// checkFFmpeg reports whether the muxer binary can be found. Non-fatal:
// single-clip workflows never need it.
func checkFFmpeg(cmd *cobra.Command, path string) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s not found; multi-clip workflows will fail to assemble\n", path)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ffmpeg found at %s\n", resolved)
}
