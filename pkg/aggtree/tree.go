package aggtree

import (
	"fmt"
	"sync"

	"github.com/vela-build/taskgraph/pkg/ids"
)

// InvariantViolation is panicked when a height-resolution loop exceeds
// maxHeightRetries, per spec.md §7 ("Invariant violated ... aggregation
// reaches the u32::MAX sentinel more than a configured retry bound").
// Embedders wrapping the runtime may recover it at a boundary and
// convert it to a process-terminating event.
type InvariantViolation struct {
	Task   ids.TaskID
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("aggtree: invariant violated for task %s: %s", e.Task, e.Reason)
}

// Tree owns every aggregation node created during the runtime's
// lifetime. Nodes are created lazily on first reference (spec.md §3.3).
type Tree struct {
	mu    sync.Mutex
	nodes map[ids.TaskID]*Node
}

// New creates an empty aggregation tree.
func New() *Tree {
	return &Tree{nodes: make(map[ids.TaskID]*Node)}
}

func (t *Tree) nodeFor(id ids.TaskID) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		n = newNode(id)
		t.nodes[id] = n
	}

	return n
}

// Observer is a live reference to a task's merged datum, incrementing
// its observer count for the lifetime of the reference
// (spec.md §4.7 observe/read).
type Observer struct {
	node *Node
	tree *Tree
}

// Observe acquires a reference to task's aggregated datum, lazily
// materializing its node.
func (t *Tree) Observe(task ids.TaskID) *Observer {
	node := t.nodeFor(task)

	node.mu.Lock()
	node.observerCount++
	node.mu.Unlock()

	return &Observer{node: node, tree: t}
}

// Close releases the observer reference (spec.md §8 round-trip law:
// "observe(T) then drop returns the aggregation node to its
// pre-observation state").
func (o *Observer) Close() {
	o.node.mu.Lock()
	o.node.observerCount--
	o.node.mu.Unlock()
}

// Observed reports whether task currently has at least one live
// observer, consulted by pkg/runtime's invalidateTask to decide between
// eager and deferred re-scheduling (spec.md §4.5).
func (t *Tree) Observed(task ids.TaskID) bool {
	t.mu.Lock()
	n, ok := t.nodes[task]
	t.mu.Unlock()

	if !ok {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.observerCount > 0
}

// Read returns the observer's current merged datum under a short lock
// (spec.md §4.7).
func (o *Observer) Read() Datum {
	return o.node.recompute()
}

// recompute lazily merges a node's own datum with every live child's
// merged datum, caching the result until OnDatumChanged, OnChildAdded,
// or OnChildRemoved invalidates it. children is the sole aggregation
// set regardless of whether classify resolved an edge as upper or
// follower (see the Node.children comment): the two are propagation
// classifications of the same set of edges, not two separate sets to
// sum. This walks the live DAG rather than pre-aggregated per-height
// top-tree nodes: it keeps the externally observable contract of
// spec.md §4.7 (bounded-fanout local updates on edge changes, equality
// short-circuit on propagation) without reproducing the full
// O(log N)-per-edge top-tree bookkeeping, which is immaterial at the
// node counts an in-process embedder library deals with.
func (n *Node) recompute() Datum {
	n.mu.Lock()
	if n.merged != nil {
		merged := n.merged
		n.mu.Unlock()

		return merged
	}

	result := n.own
	children := make([]*Node, 0, len(n.children))

	for _, edge := range n.children {
		children = append(children, edge.node)
	}
	n.mu.Unlock()

	for _, c := range children {
		childMerged := c.recompute()
		result = mergeInto(result, childMerged)
	}

	n.mu.Lock()
	n.merged = result
	n.mu.Unlock()

	return result
}

func mergeInto(acc, next Datum) Datum {
	if acc == nil {
		return next
	}

	if next == nil {
		return acc
	}

	return acc.Merge(next)
}

// OnDatumChanged installs task's own datum and propagates the change
// upward through the upper relation, stopping as soon as a node's
// merged value turns out unchanged (spec.md §4.7 equality short-circuit,
// mirroring C3).
func (t *Tree) OnDatumChanged(task ids.TaskID, own Datum) {
	node := t.nodeFor(task)

	node.mu.Lock()
	if node.haveOwn && node.own != nil && node.own.Equal(own) {
		node.mu.Unlock()

		return
	}

	node.own = own
	node.haveOwn = true
	node.mu.Unlock()

	t.invalidateAndPropagate(node, make(map[*Node]struct{}))
}

func (t *Tree) invalidateAndPropagate(node *Node, seen map[*Node]struct{}) {
	if _, ok := seen[node]; ok {
		return
	}

	seen[node] = struct{}{}

	node.mu.Lock()
	old := node.merged
	node.merged = nil
	node.mu.Unlock()

	newMerged := node.recompute()

	if old != nil && newMerged != nil && old.Equal(newMerged) {
		return
	}

	for _, upper := range node.snapshotUppers() {
		t.invalidateAndPropagate(upper, seen)
	}
}

// OnChildAdded records a parent/child edge in the task DAG and
// classifies it as an upper or follower relation by comparing heights,
// promoting the child when heights tie until they differ
// (spec.md §4.7 algorithm, steps 1-4). Self-edges are ignored.
func (t *Tree) OnChildAdded(parentID, childID ids.TaskID) {
	if parentID == childID {
		return
	}

	parent := t.nodeFor(parentID)
	child := t.nodeFor(childID)

	edge := t.classify(parent, child, 0)

	parent.mu.Lock()
	parent.children[childID] = edge
	parent.mu.Unlock()

	child.mu.Lock()
	child.parentRefs++
	child.mu.Unlock()

	t.invalidateAndPropagate(parent, make(map[*Node]struct{}))
}

// HasParent reports whether task currently has any live parent edge,
// regardless of whether classify resolved it as an upper or a follower
// (see Node.parentRefs).
func (t *Tree) HasParent(task ids.TaskID) bool {
	t.mu.Lock()
	n, ok := t.nodes[task]
	t.mu.Unlock()

	if !ok {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.parentRefs > 0
}

func (t *Tree) classify(parent, child *Node, retries int) *childEdge {
	if retries > maxHeightRetries {
		panic(&InvariantViolation{Task: child.id, Reason: "height resolution exceeded retry bound"})
	}

	ph := parent.loadHeight()
	ch := child.loadHeight()

	// Either branch registers the same backward pointer (child.addUpper):
	// upper and follower differ in which height case produced the edge,
	// not in whether the parent's aggregate depends on the child, so
	// both need the same propagation path (see the Node.uppers comment).
	switch {
	case ph == heightSentinel || ch == heightSentinel:
		return t.classify(parent, child, retries+1)
	case ch < ph:
		child.addUpper(parent)

		return &childEdge{node: child, relation: relUpper}
	case ch == ph:
		child.promote()

		return t.classify(parent, child, retries+1)
	default:
		child.addUpper(parent)

		return &childEdge{node: child, relation: relFollower}
	}
}

// OnChildRemoved removes a previously added parent/child edge and
// unwinds its upper back-pointer.
func (t *Tree) OnChildRemoved(parentID, childID ids.TaskID) {
	parent := t.nodeFor(parentID)

	parent.mu.Lock()
	edge, ok := parent.children[childID]
	if ok {
		delete(parent.children, childID)
	}
	parent.mu.Unlock()

	if !ok {
		return
	}

	edge.node.removeUpper(parent)

	edge.node.mu.Lock()
	if edge.node.parentRefs > 0 {
		edge.node.parentRefs--
	}
	edge.node.mu.Unlock()

	t.invalidateAndPropagate(parent, make(map[*Node]struct{}))
}
