package deptracker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vela-build/taskgraph/pkg/ids"
)

// ErrAwaitCycle is returned by BeginAwait when honoring the request would
// create a cycle of tasks awaiting each other's output (spec.md §4.4:
// "cycles are forbidden: attempting to await_output on a task whose
// current run is transitively awaiting the caller must be detected and
// rejected rather than deadlocking").
var ErrAwaitCycle = errors.New("deptracker: await_output would create a cycle")

// AwaitGraph tracks which task each in-flight task is currently blocked
// on, so a new await can be checked for cycles before it's allowed to
// suspend the caller. A task can only be genuinely suspended awaiting one
// other task at a time (it runs to completion between suspension
// points), so the graph is a forest of chains that would only ever
// branch at the moment a cycle is introduced — exactly the shape
// _teacher_copy/toposort's FindCycle walks in its start-rooted BFS, adapted
// here to a live graph that must reject the edge before it's added
// rather than report a cycle already present in a static graph.
type AwaitGraph struct {
	mu     sync.Mutex
	awaits map[ids.TaskID]ids.TaskID
}

// NewAwaitGraph creates an empty await graph.
func NewAwaitGraph() *AwaitGraph {
	return &AwaitGraph{awaits: make(map[ids.TaskID]ids.TaskID)}
}

// BeginAwait records that waiter is now suspended awaiting waitee's
// output. It fails with ErrAwaitCycle, leaving the graph unchanged, if
// waitee is transitively already awaiting waiter.
func (g *AwaitGraph) BeginAwait(waiter, waitee ids.TaskID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if waiter == waitee {
		return fmt.Errorf("%w: %s awaits its own output", ErrAwaitCycle, waiter)
	}

	visited := make(map[ids.TaskID]struct{})

	for cur := waitee; ; {
		if cur == waiter {
			return fmt.Errorf("%w: %s -> ... -> %s -> %s", ErrAwaitCycle, waiter, waitee, waiter)
		}

		if _, seen := visited[cur]; seen {
			break // a cycle exists elsewhere in the graph, unrelated to waiter; nothing to reject here.
		}

		visited[cur] = struct{}{}

		next, ok := g.awaits[cur]
		if !ok {
			break
		}

		cur = next
	}

	g.awaits[waiter] = waitee

	return nil
}

// EndAwait clears waiter's outstanding await, called when waitee's
// output becomes available (or the await is abandoned on cancellation).
func (g *AwaitGraph) EndAwait(waiter ids.TaskID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.awaits, waiter)
}

// Waitee reports what waiter is currently awaiting, if anything.
func (g *AwaitGraph) Waitee(waiter ids.TaskID) (ids.TaskID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.awaits[waiter]

	return w, ok
}
