package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/remold/remold"
	"github.com/remold/remold/internal/spawn"
)

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor and its worker pool in the foreground",
		Long: `Start the monitor process. The monitor marks itself a child subreaper,
spawns the first mold, and keeps the worker pool at strength until it
receives SIGINT or SIGTERM, then drains everything and exits.

Examples:
  remold serve --config=remold.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags.ConfigPath)
		},
	}
}

func runServe(configPath string) error {
	cfg := remold.Config{}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return err
		}
		// Spawned processes re-execute this binary with no arguments, so
		// the config path has to travel through the environment.
		if err := os.Setenv(spawn.EnvConfig, abs); err != nil {
			return err
		}
		if cfg, err = remold.LoadConfig(abs); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	return remold.Main(ctx, newEchoWorkload(), cfg)
}
