package deptracker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-build/taskgraph/pkg/deptracker"
	"github.com/vela-build/taskgraph/pkg/ids"
)

func TestFrame_RecordReadIsIdempotentAndOrdered(t *testing.T) {
	t.Parallel()

	f := deptracker.NewFrame()
	r1 := ids.CellRef{Task: 1, Slot: 0}
	r2 := ids.CellRef{Task: 2, Slot: 0}

	f.RecordRead(r1)
	f.RecordRead(r2)
	f.RecordRead(r1)

	assert.Equal(t, []ids.CellRef{r1, r2}, f.Reads())
}

func TestFrame_RecordChildIsIdempotentAndOrdered(t *testing.T) {
	t.Parallel()

	f := deptracker.NewFrame()

	f.RecordChild(ids.TaskID(5))
	f.RecordChild(ids.TaskID(7))
	f.RecordChild(ids.TaskID(5))

	assert.Equal(t, []ids.TaskID{5, 7}, f.Children())
}

func TestDiffReads_AddedAndRemoved(t *testing.T) {
	t.Parallel()

	a := ids.CellRef{Task: 1, Slot: 0}
	b := ids.CellRef{Task: 2, Slot: 0}
	c := ids.CellRef{Task: 3, Slot: 0}

	added, removed := deptracker.DiffReads([]ids.CellRef{a, b}, []ids.CellRef{b, c})

	assert.Equal(t, []ids.CellRef{c}, added)
	assert.Equal(t, []ids.CellRef{a}, removed)
}

func TestDiffReads_NoPreviousAllAdded(t *testing.T) {
	t.Parallel()

	a := ids.CellRef{Task: 1, Slot: 0}

	added, removed := deptracker.DiffReads(nil, []ids.CellRef{a})

	assert.Equal(t, []ids.CellRef{a}, added)
	assert.Empty(t, removed)
}

func TestDiffChildren_AddedAndRemoved(t *testing.T) {
	t.Parallel()

	added, removed := deptracker.DiffChildren(
		[]ids.TaskID{1, 2},
		[]ids.TaskID{2, 3},
	)

	assert.Equal(t, []ids.TaskID{3}, added)
	assert.Equal(t, []ids.TaskID{1}, removed)
}

func TestAwaitGraph_DirectCycleRejected(t *testing.T) {
	t.Parallel()

	g := deptracker.NewAwaitGraph()

	require.NoError(t, g.BeginAwait(1, 2))
	err := g.BeginAwait(2, 1)
	require.ErrorIs(t, err, deptracker.ErrAwaitCycle)
}

func TestAwaitGraph_SelfAwaitRejected(t *testing.T) {
	t.Parallel()

	g := deptracker.NewAwaitGraph()

	err := g.BeginAwait(1, 1)
	require.ErrorIs(t, err, deptracker.ErrAwaitCycle)
}

func TestAwaitGraph_TransitiveCycleRejected(t *testing.T) {
	t.Parallel()

	g := deptracker.NewAwaitGraph()

	require.NoError(t, g.BeginAwait(1, 2))
	require.NoError(t, g.BeginAwait(2, 3))

	err := g.BeginAwait(3, 1)
	require.ErrorIs(t, err, deptracker.ErrAwaitCycle)
}

func TestAwaitGraph_ChainWithoutCycleAllowed(t *testing.T) {
	t.Parallel()

	g := deptracker.NewAwaitGraph()

	require.NoError(t, g.BeginAwait(1, 2))
	require.NoError(t, g.BeginAwait(2, 3))
	require.NoError(t, g.BeginAwait(3, 4))

	w, ok := g.Waitee(2)
	require.True(t, ok)
	assert.EqualValues(t, 3, w)
}

func TestAwaitGraph_EndAwaitAllowsReAwaitingSameTarget(t *testing.T) {
	t.Parallel()

	g := deptracker.NewAwaitGraph()

	require.NoError(t, g.BeginAwait(1, 2))
	g.EndAwait(1)

	_, ok := g.Waitee(1)
	assert.False(t, ok)

	require.NoError(t, g.BeginAwait(2, 1))
}
