package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vela-build/taskgraph/pkg/ids"
)

// NewRunCommand builds the `run` subcommand: spawns one of the demo
// root tasks and prints its result.
func NewRunCommand() *cobra.Command {
	var (
		task string
		a, b int32
		seed int32
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Spawn a demo root task and print its result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			rt, graph, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Shutdown()

			if _, err := rt.WriteExternalCell(graph.SourceCell, encodeI32(seed)); err != nil {
				return fmt.Errorf("seed source cell: %w", err)
			}

			var (
				kind ids.TaskKindID
				args any
			)

			switch task {
			case "add":
				kind, args = graph.Add, [2]int32{a, b}
			case "square":
				kind, args = graph.Square, nil
			case "slow":
				kind, args = graph.Slow, seed
			default:
				return fmt.Errorf("unknown demo task %q (want add, square, or slow)", task)
			}

			root, err := rt.SpawnRoot(kind, args)
			if err != nil {
				return fmt.Errorf("spawn root: %w", err)
			}

			start := time.Now()

			snap, err := rt.Read(ctx, root, 0)
			if err != nil {
				return fmt.Errorf("read result: %w", err)
			}

			elapsed := time.Since(start)

			result := decodeI32(snap.Bytes)

			fmt.Fprintf(os.Stdout, "%s %s = %d %s\n",
				color.GreenString("done"), task, result, humanize.RelTime(start, start.Add(elapsed), "", ""))

			return nil
		},
	}

	cmd.Flags().StringVar(&task, "task", "add", "demo task to run: add, square, or slow")
	cmd.Flags().Int32Var(&a, "a", 2, "first add() operand")
	cmd.Flags().Int32Var(&b, "b", 3, "second add() operand")
	cmd.Flags().Int32Var(&seed, "seed", 10, "external source() value, or slow()'s duration in ms")

	return cmd
}
