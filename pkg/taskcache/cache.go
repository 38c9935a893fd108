package taskcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/vela-build/taskgraph/pkg/cellstore"
	"github.com/vela-build/taskgraph/pkg/deptracker"
	"github.com/vela-build/taskgraph/pkg/ids"
)

// ErrUnknownTask is returned by operations addressing a TaskID the cache
// has never seen.
var ErrUnknownTask = errors.New("taskcache: unknown task id")

// Cache is the process-wide task table (C5), wired to the cell store
// (C3) so that AwaitOutput can maintain reader edges and to an await
// graph (C4) so cyclic awaits are rejected rather than deadlocking. The
// table itself is sharded by puzpuzpuz/xsync the same way pkg/interning
// shards the intern map, matching spec.md §4.6's "the task table is
// sharded by TaskId hash".
type Cache struct {
	tasks     *xsync.MapOf[ids.TaskID, *Task]
	cells     *cellstore.Store
	awaits    *deptracker.AwaitGraph
	statsMode StatsMode
}

// NewCache creates an empty task cache backed by cells.
func NewCache(cells *cellstore.Store, statsMode StatsMode) *Cache {
	return &Cache{
		tasks:     xsync.NewMapOf[ids.TaskID, *Task](),
		cells:     cells,
		awaits:    deptracker.NewAwaitGraph(),
		statsMode: statsMode,
	}
}

// GetOrCreate is the Call operation (spec.md §4.5): it ensures a Task
// record exists for id and returns it immediately without awaiting.
// loaded reports whether the record already existed.
func (c *Cache) GetOrCreate(id ids.TaskID, kind ids.TaskKindID, args []byte) (task *Task, loaded bool) {
	return c.tasks.LoadOrCompute(id, func() *Task { return newTask(id, kind, args) })
}

// Get looks up an existing task record.
func (c *Cache) Get(id ids.TaskID) (*Task, bool) {
	return c.tasks.Load(id)
}

// Len reports how many task records exist.
func (c *Cache) Len() int {
	return c.tasks.Size()
}

// CompleteRun installs a run's outcome and reconciles the cell store's
// reader indexes against the task's new read_set (spec.md §4.4).
func (c *Cache) CompleteRun(
	task *Task,
	generation uint64,
	frame *deptracker.Frame,
	outputCells []ids.CellRef,
	runErr error,
	cancelled bool,
	duration time.Duration,
) FinishOutcome {
	oldReads := task.ReadSet()
	newReads := frame.Reads()
	newChildren := frame.Children()

	outcome := task.Finish(generation, newReads, newChildren, outputCells, runErr, cancelled, duration, c.statsMode)

	if !cancelled && runErr == nil {
		added, removed := deptracker.DiffReads(oldReads, newReads)

		for _, ref := range added {
			_ = c.cells.AddReader(ref, task.ID)
		}

		for _, ref := range removed {
			_ = c.cells.RemoveReader(ref, task.ID)
		}
	}

	return outcome
}

// AwaitOutput suspends the caller until target is Done, recording a read
// edge on the requested cell and returning its snapshot (spec.md §4.5).
// When waiting is true, waiter identifies the task suspending on this
// await so the cycle check in spec.md §4.4/§8 can run; pass
// waiting=false for an embedder-initiated read (Runtime.Read), which can
// never participate in an await cycle because it isn't a running task.
func (c *Cache) AwaitOutput(
	ctx context.Context,
	waiter ids.TaskID,
	waiting bool,
	target ids.TaskID,
	slot ids.CellSlot,
) (cellstore.Snapshot, error) {
	task, ok := c.Get(target)
	if !ok {
		return cellstore.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownTask, target)
	}

	if waiting {
		if err := c.awaits.BeginAwait(waiter, target); err != nil {
			return cellstore.Snapshot{}, &TaskFailedError{TaskID: waiter, Cause: err}
		}

		defer c.awaits.EndAwait(waiter)
	}

	for {
		ch, state, errored, cause := task.doneSignal()

		if state == Done {
			if errored {
				return cellstore.Snapshot{}, &TaskFailedError{TaskID: target, Cause: cause}
			}

			break
		}

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return cellstore.Snapshot{}, ctx.Err()
		}
	}

	ref := ids.CellRef{Task: target, Slot: slot}

	if waiting {
		if err := c.cells.AddReader(ref, waiter); err != nil {
			return cellstore.Snapshot{}, err
		}
	}

	return c.cells.Read(ref)
}

// Invalidate marks target Dirty and returns its Task, or false when
// target is unknown. Whether to re-schedule it immediately is left to
// the caller (pkg/runtime), which asks the aggregation tree whether
// target is currently observed
// (spec.md §4.5: "if the task is currently observed ... schedules
// re-run immediately; otherwise defers until next await_output").
func (c *Cache) Invalidate(target ids.TaskID, cause error) (*Task, bool) {
	task, ok := c.Get(target)
	if !ok {
		return nil, false
	}

	task.Invalidate(cause)

	return task, true
}
