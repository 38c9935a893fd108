// Package taskcache implements C5: the memoized record for each TaskKey,
// its Scheduled/InProgress/Done/Dirty state machine, and single-flight
// coordination for concurrent await_output callers (spec.md §4.5).
package taskcache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vela-build/taskgraph/pkg/ids"
)

// State is a Task's position in the state machine described in spec.md
// §4.5.
type State int32

const (
	Scheduled State = iota
	InProgress
	Done
	Dirty
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case InProgress:
		return "in_progress"
	case Done:
		return "done"
	case Dirty:
		return "dirty"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrCancelled is the Result a waiter observes when the run it was
// awaiting was cancelled rather than completed.
var ErrCancelled = errors.New("taskcache: run cancelled")

// TaskFailedError wraps a task body's returned error for propagation to
// every awaiter (spec.md §7 TaskFailed).
type TaskFailedError struct {
	TaskID ids.TaskID
	Cause  error
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("taskcache: task %s failed: %v", e.TaskID, e.Cause)
}

func (e *TaskFailedError) Unwrap() error { return e.Cause }

// StatsMode controls how much execution history a Task records
// (spec.md §6 Options: stats_mode).
type StatsMode int

const (
	StatsOff StatsMode = iota
	StatsSmall
	StatsFull
)

// Stats is the snapshot returned by Runtime.Stats.
type Stats struct {
	ExecCount     uint64
	LastDuration  time.Duration
	TotalDuration time.Duration
}

// Task is the memoized record for one TaskKey (spec.md §3.1).
type Task struct {
	ID            ids.TaskID
	Kind          ids.TaskKindID
	CanonicalArgs []byte

	mu            sync.Mutex
	state         State
	generation    uint64
	worker        int
	staleOnFinish bool
	errored       bool
	failureCause  error

	outputCells []ids.CellRef
	readSet     []ids.CellRef
	children    []ids.TaskID

	// done is closed (and replaced) every time the task leaves InProgress,
	// broadcasting to every goroutine parked in AwaitOutput (spec.md §4.5:
	// "wake-up is broadcast on transition to Done"). A channel-close
	// broadcast needs no condition-variable spurious-wakeup handling and
	// composes directly with context cancellation via select.
	done chan struct{}

	execCount     uint64
	lastDuration  time.Duration
	totalDuration time.Duration
}

func newTask(id ids.TaskID, kind ids.TaskKindID, args []byte) *Task {
	return &Task{
		ID:            id,
		Kind:          kind,
		CanonicalArgs: args,
		state:         Scheduled,
		done:          make(chan struct{}),
	}
}

// State returns the task's current state under lock.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Stats returns a snapshot of the task's recorded execution history.
func (t *Task) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Stats{
		ExecCount:     t.execCount,
		LastDuration:  t.lastDuration,
		TotalDuration: t.totalDuration,
	}
}

// ReadSet returns the cells this task's last successful run depended on.
func (t *Task) ReadSet() []ids.CellRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ids.CellRef, len(t.readSet))
	copy(out, t.readSet)

	return out
}

// Children returns the tasks this task's last successful run spawned.
func (t *Task) Children() []ids.TaskID {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ids.TaskID, len(t.children))
	copy(out, t.children)

	return out
}

// TryClaim attempts the Scheduled -> InProgress transition. Exactly one
// caller succeeds per generation (spec.md §4.5: "a worker atomically
// claims the task by CAS on state"); the mutex-guarded compare-and-set
// below achieves the same exclusion as a lock-free CAS loop while also
// updating worker/generation/staleOnFinish as one atomic unit, which a
// single-word CAS could not.
func (t *Task) TryClaim(worker int) (generation uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Scheduled {
		return 0, false
	}

	t.state = InProgress
	t.worker = worker
	t.staleOnFinish = false
	t.generation++

	return t.generation, true
}

// FinishOutcome reports what Finish did, so the scheduler knows whether
// to immediately resubmit the task.
type FinishOutcome struct {
	Reschedule bool
}

// Finish installs the result of an InProgress run. readSet/children/
// outputCells are ignored when cancelled is true (spec.md §4.6: a
// cancelled run "does not update read_set/children"). runErr, when
// non-nil, leaves the task Done but flagged errored, per spec.md §7.
func (t *Task) Finish(
	generation uint64,
	readSet []ids.CellRef,
	children []ids.TaskID,
	outputCells []ids.CellRef,
	runErr error,
	cancelled bool,
	duration time.Duration,
	statsMode StatsMode,
) FinishOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if generation != t.generation {
		// A stale completion from a superseded claim; nothing to install.
		return FinishOutcome{}
	}

	switch {
	case cancelled:
		// Preserve the previous snapshot; re-run on next demand rather
		// than caching Cancelled as a terminal state (spec.md §7).
		t.state = Scheduled
	case runErr != nil:
		t.errored = true
		t.failureCause = runErr
		t.state = Done
	default:
		t.errored = false
		t.failureCause = nil
		t.readSet = readSet
		t.children = children
		t.outputCells = outputCells
		t.state = Done
	}

	if statsMode != StatsOff && !cancelled {
		t.execCount++
		t.lastDuration = duration

		if statsMode == StatsFull {
			t.totalDuration += duration
		}
	}

	reschedule := t.staleOnFinish && !cancelled
	if reschedule {
		t.state = Scheduled
		t.staleOnFinish = false
	}

	close(t.done)
	t.done = make(chan struct{})

	return FinishOutcome{Reschedule: reschedule}
}

// Invalidate marks the task Dirty (spec.md §4.5). If InProgress, the
// current run is left to finish and a stale-on-finish flag forces an
// immediate re-schedule instead.
func (t *Task) Invalidate(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case Done:
		t.state = Dirty
		_ = cause // recorded by pkg/changeset for observability, not stored per-task.
	case InProgress:
		t.staleOnFinish = true
	case Dirty, Scheduled:
		// No-op for state; an invalidation of an already-Dirty task is a
		// no-op per spec.md §4.8.
	}
}

// MarkScheduled transitions Dirty -> Scheduled when the task becomes
// observed again (spec.md §4.5).
func (t *Task) MarkScheduled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Dirty {
		return false
	}

	t.state = Scheduled

	return true
}

// doneSignal returns the channel to wait on and whether the task is
// already Done, taken as one atomic snapshot under lock.
func (t *Task) doneSignal() (ch chan struct{}, state State, errored bool, failureCause error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.done, t.state, t.errored, t.failureCause
}

func (t *Task) outputSnapshotRefs() []ids.CellRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ids.CellRef, len(t.outputCells))
	copy(out, t.outputCells)

	return out
}
