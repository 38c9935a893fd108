// Package main provides the entry point for the taskgraphd CLI, a
// demonstration embedder of the taskgraph runtime.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vela-build/taskgraph/cmd/taskgraphd/commands"
	"github.com/vela-build/taskgraph/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "taskgraphd",
		Short: "taskgraphd - demo embedder for the taskgraph incremental task runtime",
		Long: `taskgraphd registers a small demo task graph (add, source, square, slow)
and drives it through the taskgraph runtime.

Commands:
  run     Spawn a demo root task and print its result
  stats   Print recorded execution stats for the add and square demo tasks
  serve   Run an HTTP server exposing /metrics`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewStatsCommand())
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintln(os.Stdout, version.String())
		},
	}
}
