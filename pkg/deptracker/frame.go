// Package deptracker implements C4: the dependency tracker that records
// read-edges and child-edges for the task currently executing, then
// diffs them against the task's previous snapshot on completion
// (spec.md §4.4).
//
// Go has no thread-local storage, and the runtime doesn't need it: each
// task body runs to completion on exactly one worker between suspension
// points (spec.md §4.6), so "thread-local state for the currently
// executing task" is modeled here as task-local state carried explicitly
// through the TaskContext passed to the task body — the same place
// spec.md §9 already puts the suspension primitive.
package deptracker

import (
	"sync"

	"github.com/vela-build/taskgraph/pkg/ids"
)

// Frame accumulates pending_reads and pending_children for one task
// execution. A Frame is created fresh per attempt (including re-runs
// after Dirty) and is never reused across attempts.
type Frame struct {
	mu              sync.Mutex
	pendingReads    map[ids.CellRef]struct{}
	pendingChildren map[ids.TaskID]struct{}
	readOrder       []ids.CellRef // preserves first-seen order for deterministic diffing/logging.
	childOrder      []ids.TaskID
}

// NewFrame creates an empty frame.
func NewFrame() *Frame {
	return &Frame{
		pendingReads:    make(map[ids.CellRef]struct{}),
		pendingChildren: make(map[ids.TaskID]struct{}),
	}
}

// RecordRead appends ref to pending_reads. Idempotent within one frame.
func (f *Frame) RecordRead(ref ids.CellRef) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.pendingReads[ref]; ok {
		return
	}

	f.pendingReads[ref] = struct{}{}
	f.readOrder = append(f.readOrder, ref)
}

// RecordChild appends id to pending_children. Idempotent within one frame.
func (f *Frame) RecordChild(id ids.TaskID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.pendingChildren[id]; ok {
		return
	}

	f.pendingChildren[id] = struct{}{}
	f.childOrder = append(f.childOrder, id)
}

// Reads returns the accumulated read set in first-seen order.
func (f *Frame) Reads() []ids.CellRef {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]ids.CellRef, len(f.readOrder))
	copy(out, f.readOrder)

	return out
}

// Children returns the accumulated child set in first-seen order.
func (f *Frame) Children() []ids.TaskID {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]ids.TaskID, len(f.childOrder))
	copy(out, f.childOrder)

	return out
}
