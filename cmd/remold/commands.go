package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remold/remold/pkg/template"
)

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pool status from a running monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(flags.APIUrl, 0)
			status, err := client.GetStatus()
			if err != nil {
				return err
			}
			printJSON(status)
			return nil
		},
	}
}

func createEventsCommand(flags *GlobalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent lifecycle events from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(flags.APIUrl, 0)
			events, err := client.GetEvents(limit)
			if err != nil {
				return err
			}
			printJSON(events)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events to fetch")
	return cmd
}

func createPromoteCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "promote",
		Short: "Force a promotion round now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(flags.APIUrl, 0)
			if err := client.Promote(); err != nil {
				return err
			}
			fmt.Println("promotion requested")
			return nil
		},
	}
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Drain the pool and stop the monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewAPIClient(flags.APIUrl, 0)
			if err := client.Stop(); err != nil {
				return err
			}
			fmt.Println("shutdown requested")
			return nil
		},
	}
}

func createTemplateCommand() *cobra.Command {
	var (
		typ    string
		listen string
	)
	g := template.NewGenerator()
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Print a starter TOML config",
		Long: `Print a starter configuration file to stdout.

Examples:
  remold template --type=minimal > remold.toml
  remold template --type=secure --listen=:9000 > remold.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := g.Generate(template.Type(typ), listen)
			if err != nil {
				return err
			}
			fmt.Print(text)
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "minimal", "template type: "+strings.Join(g.SupportedTypes(), ", "))
	cmd.Flags().StringVar(&listen, "listen", "", "shared listener address to bake in")
	return cmd
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
