package scheduler

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/vela-build/taskgraph/pkg/ids"
)

// CancelFlags holds one cooperative "should-cancel" flag per task,
// observed at suspension points only (spec.md §4.6, §5: "a task may
// observe a should-cancel flag at any suspension point"). Flags are
// created lazily and left in the map after a run finishes; a stale flag
// left Set for a task that already completed is harmless because the
// next run starts by clearing it.
type CancelFlags struct {
	flags *xsync.MapOf[ids.TaskID, *atomic.Bool]
}

// NewCancelFlags creates an empty flag set.
func NewCancelFlags() *CancelFlags {
	return &CancelFlags{flags: xsync.NewMapOf[ids.TaskID, *atomic.Bool]()}
}

func (c *CancelFlags) flagFor(id ids.TaskID) *atomic.Bool {
	flag, _ := c.flags.LoadOrCompute(id, func() *atomic.Bool { return &atomic.Bool{} })

	return flag
}

// Cancel sets id's cancel flag. A running task observes it the next
// time it checks, at its next suspension point.
func (c *CancelFlags) Cancel(id ids.TaskID) {
	c.flagFor(id).Store(true)
}

// Reset clears id's cancel flag, called when a fresh run begins.
func (c *CancelFlags) Reset(id ids.TaskID) {
	c.flagFor(id).Store(false)
}

// ShouldCancel reports whether id's flag is currently set.
func (c *CancelFlags) ShouldCancel(id ids.TaskID) bool {
	return c.flagFor(id).Load()
}
