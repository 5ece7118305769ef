package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/remold/remold"
	"github.com/remold/remold/internal/spawn"
)

func main() {
	// Spawned copies of this binary start with no arguments; their role
	// arrives in the environment and must be handled before cobra sees
	// anything.
	id, err := spawn.FromEnv()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if id.Role != "" {
		if err := runRole(); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRole() error {
	cfg, err := configFromEnv()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	return remold.Main(ctx, newEchoWorkload(), cfg)
}

func configFromEnv() (remold.Config, error) {
	path := os.Getenv(spawn.EnvConfig)
	if path == "" {
		return remold.Config{}, nil
	}
	return remold.LoadConfig(path)
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createServeCommand(flags),
		createStatusCommand(flags),
		createEventsCommand(flags),
		createPromoteCommand(flags),
		createStopCommand(flags),
		createTemplateCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "remold",
		Short: "Warm process pool supervisor",
		Long: `Remold supervises a pool of pre-warmed worker processes behind a shared
listening socket, periodically promoting the busiest worker into the
template new workers are stamped from.

Examples:
  remold serve --config=remold.toml   # Run the monitor
  remold status                       # Pool status from a running monitor
  remold promote                      # Force a promotion round
  remold stop                         # Drain and stop the pool`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "admin API base URL (default http://localhost:8080)")
	return root
}
