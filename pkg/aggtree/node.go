package aggtree

import (
	"sync"

	"github.com/vela-build/taskgraph/pkg/ids"
)

// heightSentinel flags "infinite height", observed only transiently
// during reparenting (spec.md §4.7: "a sentinel value (u32::MAX) flags
// infinite height"). maxHeightRetries bounds how many times an operation
// will retry past the sentinel before surfacing an invariant violation
// (spec.md §7).
const (
	heightSentinel   = ^uint32(0)
	maxHeightRetries = 64
)

// relation records which branch of the spec.md §4.7 height-classification
// algorithm a child edge resolved to. It no longer selects a different
// aggregation or propagation path (see the Node.uppers comment below) —
// it is kept purely so OnChildAdded/OnChildRemoved preserve the
// classification spec.md §4.7 describes, for introspection and to
// document which case an edge fell into.
type relation int

const (
	relUpper relation = iota
	relFollower
)

type childEdge struct {
	node     *Node
	relation relation
}

// Node is one task's aggregation node. Its own Datum is merged lazily
// with every live DAG child's merged datum (children) into merged,
// cached until invalidated.
type Node struct {
	id ids.TaskID

	mu      sync.Mutex
	height  uint32
	own     Datum
	merged  Datum
	haveOwn bool

	// children is the single source of truth for both the aggregation
	// set (recompute walks exactly this map, once per edge) and edge
	// removal (OnChildRemoved looks a childID up here). Every classified
	// edge, upper or follower alike, is already present here exactly
	// once: the original turbo-tasks follower set is not a second,
	// separately-summed aggregation input (spec.md §4.7), it is this
	// same set, just named differently by which classify() branch
	// produced it.
	children map[ids.TaskID]*childEdge

	// uppers is pure propagation bookkeeping: the set of nodes whose
	// cached merged datum must be invalidated when this node's own
	// datum changes (spec.md §4.7: "changes ... propagate upward
	// through upper links only"). The real turbo-tasks top-tree keeps
	// upper and follower back-pointers in physically distinct
	// structures because a follower's membership is rooted at a
	// specific height level and must cascade through the holder's own
	// uppers to reach every ancestor individually. This package merges
	// per-task nodes into one flat DAG walk rather than a multi-level
	// top-tree (see Node.recompute), so both relUpper and relFollower
	// edges register the parent here: either classification means "the
	// parent's aggregate depends on this node," which is exactly what
	// upward propagation needs to know, and a single consistent
	// backward set avoids tracking two structures that would otherwise
	// have to stay in lockstep with children.
	uppers map[*Node]int // count-hash-set: nodes that include this one directly.

	observerCount int32
	// parentRefs counts live parent edges pointing at this node,
	// independent of which relation classify recorded for the edge. It
	// backs Tree.HasParent, which pkg/runtime consults for spec.md
	// §4.5's "if the task is currently observed (C7 reports the node
	// has any upper)" eager-reschedule rule: that rule means "does
	// anything in the task graph still depend on this task", which
	// parentRefs answers directly rather than through the upper/
	// follower classification, a distinction that no longer has
	// aggregation or propagation consequences (see the uppers comment).
	parentRefs int32
}

func newNode(id ids.TaskID) *Node {
	return &Node{
		id:       id,
		children: make(map[ids.TaskID]*childEdge),
		uppers:   make(map[*Node]int),
	}
}

func (n *Node) loadHeight() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.height
}

// promote bumps the node's height by one, losing the race to a
// concurrent promoter gracefully: the caller always re-reads height
// afterward and decides whether another promotion is needed
// (spec.md §4.7: "the loser observes the winner's new height and
// retries its caller-side decision").
func (n *Node) promote() {
	n.mu.Lock()
	n.height++
	n.mu.Unlock()
}

func (n *Node) addUpper(upper *Node) {
	n.mu.Lock()
	n.uppers[upper]++
	n.mu.Unlock()
}

func (n *Node) removeUpper(upper *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.uppers[upper] <= 1 {
		delete(n.uppers, upper)
	} else {
		n.uppers[upper]--
	}
}

func (n *Node) snapshotUppers() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*Node, 0, len(n.uppers))
	for u := range n.uppers {
		out = append(out, u)
	}

	return out
}
