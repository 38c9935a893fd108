package runtime

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/vela-build/taskgraph/pkg/ids"
)

// rootTable maps a spawn_root-minted RootID to the TaskID it names,
// sharded the same lock-striped way C2's intern table and C5's task
// table are.
type rootTable struct {
	m *xsync.MapOf[ids.RootID, ids.TaskID]
}

func newRootTable() rootTable {
	return rootTable{m: xsync.NewMapOf[ids.RootID, ids.TaskID]()}
}

func (r rootTable) store(root ids.RootID, task ids.TaskID) {
	r.m.Store(root, task)
}

func (r rootTable) load(root ids.RootID) (ids.TaskID, bool) {
	return r.m.Load(root)
}
