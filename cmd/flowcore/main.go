// Command flowcore runs the workflow execution core and inspects its state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/config"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/flowcore/
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type configLoader func() (*config.Config, error)

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "flowcore",
		Short: "flowcore - durable workflow run execution",
		Long: `flowcore drives workflow runs: it plans ready nodes, dispatches them to
executors, retries and compensates failures, and resumes runs on signals
and timers. Every state change is recorded in an append-only event log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ./flowcore.yaml or /etc/flowcore/flowcore.yaml)")

	load := func() (*config.Config, error) { return config.Load(configPath) }
	root.AddCommand(
		newServeCommand(load),
		newReplayCommand(load),
		newValidateCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the flowcore version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
