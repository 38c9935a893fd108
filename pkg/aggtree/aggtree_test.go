package aggtree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-build/taskgraph/pkg/aggtree"
	"github.com/vela-build/taskgraph/pkg/ids"
)

type edge struct {
	parent, child ids.TaskID
}

// buildBinaryTree wires a binary tree of 2^depth leaves under root,
// mirroring spec.md §8 Scenario D, each leaf contributing IntSum(1).
// It also returns every parent/child edge so a test can detach one.
func buildBinaryTree(t *aggtree.Tree, depth int) (root ids.TaskID, leaves []ids.TaskID, edges []edge) {
	var counter uint64

	alloc := func() ids.TaskID {
		id := ids.NewTaskID(counter, 0)
		counter++

		return id
	}

	var build func(level int) ids.TaskID

	build = func(level int) ids.TaskID {
		id := alloc()
		if level == 0 {
			t.OnDatumChanged(id, aggtree.IntSum(1))
			leaves = append(leaves, id)

			return id
		}

		left := build(level - 1)
		right := build(level - 1)
		t.OnChildAdded(id, left)
		t.OnChildAdded(id, right)
		edges = append(edges, edge{parent: id, child: left}, edge{parent: id, child: right})
		t.OnDatumChanged(id, aggtree.IntSum(0))

		return id
	}

	root = build(depth)

	return root, leaves, edges
}

func TestAggregation_BinaryTreeSumsLeaves(t *testing.T) {
	t.Parallel()

	tree := aggtree.New()
	root, leaves, _ := buildBinaryTree(tree, 10)

	require.Len(t, leaves, 1024)

	obs := tree.Observe(root)
	defer obs.Close()

	sum := obs.Read()
	assert.Equal(t, aggtree.IntSum(1024), sum)
}

func TestAggregation_DetachingLeafDecrementsSum(t *testing.T) {
	t.Parallel()

	tree := aggtree.New()
	root, leaves, edges := buildBinaryTree(tree, 4)

	obs := tree.Observe(root)
	defer obs.Close()

	require.Equal(t, aggtree.IntSum(16), obs.Read())

	leafToDetach := leaves[0]

	var parentOfLeaf ids.TaskID

	for _, e := range edges {
		if e.child == leafToDetach {
			parentOfLeaf = e.parent

			break
		}
	}

	tree.OnChildRemoved(parentOfLeaf, leafToDetach)

	sum := obs.Read()
	assert.Equal(t, aggtree.IntSum(15), sum)
}

func TestOnChildAdded_SelfEdgeIgnored(t *testing.T) {
	t.Parallel()

	tree := aggtree.New()
	id := ids.NewTaskID(1, 0)

	tree.OnDatumChanged(id, aggtree.IntSum(5))
	tree.OnChildAdded(id, id)

	obs := tree.Observe(id)
	defer obs.Close()

	assert.Equal(t, aggtree.IntSum(5), obs.Read())
}

func TestOnChildAdded_SimpleParentChildSum(t *testing.T) {
	t.Parallel()

	tree := aggtree.New()
	parent := ids.NewTaskID(1, 0)
	child := ids.NewTaskID(2, 0)

	tree.OnDatumChanged(parent, aggtree.IntSum(1))
	tree.OnDatumChanged(child, aggtree.IntSum(2))
	tree.OnChildAdded(parent, child)

	obs := tree.Observe(parent)
	defer obs.Close()

	assert.Equal(t, aggtree.IntSum(3), obs.Read())
}

func TestOnChildRemoved_SubtractsChildContribution(t *testing.T) {
	t.Parallel()

	tree := aggtree.New()
	parent := ids.NewTaskID(1, 0)
	child := ids.NewTaskID(2, 0)

	tree.OnDatumChanged(parent, aggtree.IntSum(1))
	tree.OnDatumChanged(child, aggtree.IntSum(2))
	tree.OnChildAdded(parent, child)

	obs := tree.Observe(parent)
	defer obs.Close()
	require.Equal(t, aggtree.IntSum(3), obs.Read())

	tree.OnChildRemoved(parent, child)
	assert.Equal(t, aggtree.IntSum(1), obs.Read())
}

func TestOnDatumChanged_PropagatesToObservedParent(t *testing.T) {
	t.Parallel()

	tree := aggtree.New()
	parent := ids.NewTaskID(1, 0)
	child := ids.NewTaskID(2, 0)

	tree.OnDatumChanged(parent, aggtree.IntSum(0))
	tree.OnDatumChanged(child, aggtree.IntSum(1))
	tree.OnChildAdded(parent, child)

	obs := tree.Observe(parent)
	defer obs.Close()
	require.Equal(t, aggtree.IntSum(1), obs.Read())

	tree.OnDatumChanged(child, aggtree.IntSum(10))
	assert.Equal(t, aggtree.IntSum(10), obs.Read())
}

func TestObserved_ReflectsLiveObserverCount(t *testing.T) {
	t.Parallel()

	tree := aggtree.New()
	task := ids.NewTaskID(1, 0)

	assert.False(t, tree.Observed(task))

	obs := tree.Observe(task)
	assert.True(t, tree.Observed(task))

	obs.Close()
	assert.False(t, tree.Observed(task))
}
