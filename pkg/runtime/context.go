package runtime

import (
	"context"
	goruntime "runtime"

	"github.com/vela-build/taskgraph/pkg/aggtree"
	"github.com/vela-build/taskgraph/pkg/cellstore"
	"github.com/vela-build/taskgraph/pkg/deptracker"
	"github.com/vela-build/taskgraph/pkg/ids"
)

// cancelSignal is panicked by Context.Yield when the running task's
// cooperative cancel flag is set, and recovered by Runtime.runTask to
// distinguish a cooperative cancellation from a genuine task panic
// (spec.md §4.6: "a task may observe a should-cancel flag at any
// suspension point"). Go has no equivalent of a coroutine yielding a
// Cancelled result mid-stack without unwinding, so panic/recover plays
// that role here, scoped to this one sentinel type.
type cancelSignal struct{}

// Context is the capability surface a running task body receives. It
// satisfies registry.TaskContext (Yield) and additionally exposes the
// read/call/await/cancel operations spec.md §4.4-§4.6 require a task
// body to have while it runs. Task bodies that need more than Yield
// type-assert their ctx to *runtime.Context.
type Context struct {
	rt    *Runtime
	self  ids.TaskID
	frame *deptracker.Frame
	ctx   context.Context //nolint:containedctx // one per task attempt, not stored past it.
}

// Yield is the explicit suspension point (spec.md §4.6). It checks the
// task's cooperative cancel flag and, if set, unwinds the running body
// via cancelSignal; otherwise it cooperatively yields the goroutine.
func (c *Context) Yield() {
	if c.rt.cancelFlags.ShouldCancel(c.self) {
		panic(cancelSignal{})
	}

	goruntime.Gosched()
}

// ShouldCancel reports the task's cancel flag without unwinding, for
// bodies that want to wind down gracefully before their next Yield.
func (c *Context) ShouldCancel() bool {
	return c.rt.cancelFlags.ShouldCancel(c.self)
}

// ReadCell reads a cell's current snapshot and records the read in this
// attempt's dependency frame (spec.md §4.3, §4.4).
func (c *Context) ReadCell(ref ids.CellRef) (cellstore.Snapshot, error) {
	snap, err := c.rt.cells.Read(ref)
	if err != nil {
		return snap, err
	}

	c.frame.RecordRead(ref)

	return snap, nil
}

// WriteCell writes raw bytes into this task's own output cell at slot,
// creating it on first write (spec.md §4.3).
func (c *Context) WriteCell(slot ids.CellSlot, kind ids.ValueKindID, raw []byte, mode cellstore.Mode) (cellstore.WriteResult, error) {
	ref := ids.CellRef{Task: c.self, Slot: slot, Kind: kind}
	c.rt.cells.Create(ref, mode)

	return c.rt.cells.Write(ref, raw, kind)
}

// Call is the call(task_key) operation (spec.md §4.5) available to a
// running task body: it ensures a child task record exists, schedules it
// if newly created or freshly un-dirtied, and records the spawn as a
// child edge in this attempt's frame.
func (c *Context) Call(kind ids.TaskKindID, args any) (ids.TaskID, error) {
	id, err := c.rt.call(kind, args)
	if err != nil {
		return 0, err
	}

	c.frame.RecordChild(id)

	return id, nil
}

// AwaitOutput suspends the caller until target's slot is populated,
// recording both the read edge and, via the await graph, participating
// in cycle detection (spec.md §4.4 cycle rule, §8 boundary behavior).
func (c *Context) AwaitOutput(target ids.TaskID, slot ids.CellSlot) (cellstore.Snapshot, error) {
	c.rt.ensureScheduled(target)

	snap, err := c.rt.cache.AwaitOutput(c.ctx, c.self, true, target, slot)
	if err != nil {
		return snap, err
	}

	c.frame.RecordRead(ids.CellRef{Task: target, Slot: slot})

	return snap, nil
}

// Observe acquires a live reference to target's aggregated datum
// (spec.md §4.7); the caller must Close it when done.
func (c *Context) Observe(target ids.TaskID) *aggtree.Observer {
	return c.rt.agg.Observe(target)
}

// SetDatum installs this task's own aggregation datum, propagating the
// change upward through the aggregation tree (spec.md §4.7).
func (c *Context) SetDatum(datum aggtree.Datum) {
	c.rt.agg.OnDatumChanged(c.self, datum)
}

// Ctx returns the attempt's cancellation context, for task bodies that
// need to thread it through a blocking host call.
func (c *Context) Ctx() context.Context {
	return c.ctx
}
