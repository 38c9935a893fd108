package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vela-build/taskgraph/pkg/ids"
)

// NewStatsCommand builds the `stats` subcommand: spawns the add and
// square demo roots once (so their records exist), then prints a table
// of their recorded execution stats.
func NewStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print recorded execution stats for the demo tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			rt, graph, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Shutdown()

			if _, err := rt.WriteExternalCell(graph.SourceCell, encodeI32(10)); err != nil {
				return fmt.Errorf("seed source cell: %w", err)
			}

			rows := []struct {
				name string
				kind ids.TaskKindID
				args any
			}{
				{"add", graph.Add, [2]int32{2, 3}},
				{"square", graph.Square, nil},
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"task", "task_id", "exec_count", "last_duration", "total_duration"})

			for _, r := range rows {
				root, err := rt.SpawnRoot(r.kind, r.args)
				if err != nil {
					return fmt.Errorf("spawn %s: %w", r.name, err)
				}

				if _, err := rt.Read(ctx, root, 0); err != nil {
					return fmt.Errorf("run %s: %w", r.name, err)
				}

				taskID, _ := rt.RootTask(root)

				stats, _ := rt.Stats(taskID)
				t.AppendRow(table.Row{
					r.name,
					strconv.FormatUint(uint64(taskID), 10),
					stats.ExecCount,
					stats.LastDuration,
					stats.TotalDuration,
				})
			}

			t.Render()

			return nil
		},
	}

	return cmd
}
