package taskcache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-build/taskgraph/pkg/cellstore"
	"github.com/vela-build/taskgraph/pkg/deptracker"
	"github.com/vela-build/taskgraph/pkg/ids"
	"github.com/vela-build/taskgraph/pkg/taskcache"
)

func TestTryClaim_OnlyOneWorkerSucceeds(t *testing.T) {
	t.Parallel()

	store := cellstore.New(cellstore.Hash128)
	cache := taskcache.NewCache(store, taskcache.StatsFull)

	task, _ := cache.GetOrCreate(1, 0, nil)

	wins := 0

	for w := range 8 {
		if _, ok := task.TryClaim(w); ok {
			wins++
		}
	}

	assert.Equal(t, 1, wins)
	assert.Equal(t, taskcache.InProgress, task.State())
}

func TestFinish_SuccessTransitionsToDoneAndRecordsStats(t *testing.T) {
	t.Parallel()

	store := cellstore.New(cellstore.Hash128)
	cache := taskcache.NewCache(store, taskcache.StatsFull)

	task, _ := cache.GetOrCreate(1, 0, nil)
	gen, ok := task.TryClaim(0)
	require.True(t, ok)

	frame := deptracker.NewFrame()
	frame.RecordRead(ids.CellRef{Task: 2, Slot: 0})

	outcome := cache.CompleteRun(task, gen, frame, nil, nil, false, 5*time.Millisecond)
	assert.False(t, outcome.Reschedule)
	assert.Equal(t, taskcache.Done, task.State())
	assert.Equal(t, []ids.CellRef{{Task: 2, Slot: 0}}, task.ReadSet())
	assert.EqualValues(t, 1, task.Stats().ExecCount)
}

func TestFinish_FailurePropagatesAsErroredDone(t *testing.T) {
	t.Parallel()

	store := cellstore.New(cellstore.Hash128)
	cache := taskcache.NewCache(store, taskcache.StatsOff)

	task, _ := cache.GetOrCreate(1, 0, nil)
	gen, _ := task.TryClaim(0)

	boom := errors.New("boom")
	cache.CompleteRun(task, gen, deptracker.NewFrame(), nil, boom, false, 0)

	assert.Equal(t, taskcache.Done, task.State())

	_, err := cache.AwaitOutput(context.Background(), 0, false, 1, 0)
	var failed *taskcache.TaskFailedError
	require.ErrorAs(t, err, &failed)
	assert.ErrorIs(t, failed, boom)
}

func TestFinish_CancelledPreservesPreviousSnapshotAndReschedules(t *testing.T) {
	t.Parallel()

	store := cellstore.New(cellstore.Hash128)
	cache := taskcache.NewCache(store, taskcache.StatsOff)

	task, _ := cache.GetOrCreate(1, 0, nil)
	gen, _ := task.TryClaim(0)

	frame := deptracker.NewFrame()
	frame.RecordRead(ids.CellRef{Task: 99, Slot: 0})

	cache.CompleteRun(task, gen, frame, nil, nil, true, 0)

	assert.Equal(t, taskcache.Scheduled, task.State())
	assert.Empty(t, task.ReadSet(), "a cancelled run must not install a new read_set")
}

func TestInvalidate_InProgressSetsStaleOnFinishAndReschedulesAtFinish(t *testing.T) {
	t.Parallel()

	store := cellstore.New(cellstore.Hash128)
	cache := taskcache.NewCache(store, taskcache.StatsOff)

	task, _ := cache.GetOrCreate(1, 0, nil)
	gen, _ := task.TryClaim(0)

	task.Invalidate(errors.New("changed"))

	outcome := cache.CompleteRun(task, gen, deptracker.NewFrame(), nil, nil, false, 0)
	assert.True(t, outcome.Reschedule)
	assert.Equal(t, taskcache.Scheduled, task.State())
}

func TestInvalidate_DoneBecomesDirty(t *testing.T) {
	t.Parallel()

	store := cellstore.New(cellstore.Hash128)
	cache := taskcache.NewCache(store, taskcache.StatsOff)

	task, _ := cache.GetOrCreate(1, 0, nil)
	gen, _ := task.TryClaim(0)
	cache.CompleteRun(task, gen, deptracker.NewFrame(), nil, nil, false, 0)

	task.Invalidate(errors.New("changed"))
	assert.Equal(t, taskcache.Dirty, task.State())

	assert.True(t, task.MarkScheduled())
	assert.Equal(t, taskcache.Scheduled, task.State())
}

func TestAwaitOutput_BlocksUntilDoneThenReturnsSnapshot(t *testing.T) {
	t.Parallel()

	store := cellstore.New(cellstore.Hash128)
	cache := taskcache.NewCache(store, taskcache.StatsOff)

	ref := ids.CellRef{Task: 1, Slot: 0}
	store.Create(ref, cellstore.Shared)

	task, _ := cache.GetOrCreate(1, 0, nil)
	gen, _ := task.TryClaim(0)

	resultCh := make(chan cellstore.Snapshot, 1)
	errCh := make(chan error, 1)

	go func() {
		snap, err := cache.AwaitOutput(context.Background(), 2, true, 1, 0)
		resultCh <- snap
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)

	_, err := store.Write(ref, []byte("done"), 0)
	require.NoError(t, err)
	cache.CompleteRun(task, gen, deptracker.NewFrame(), []ids.CellRef{ref}, nil, false, 0)

	require.NoError(t, <-errCh)
	snap := <-resultCh
	assert.Equal(t, []byte("done"), snap.Bytes)

	readers, err := store.Readers(ref)
	require.NoError(t, err)
	assert.Contains(t, readers, ids.TaskID(2))
}

func TestAwaitOutput_UnknownTaskErrors(t *testing.T) {
	t.Parallel()

	store := cellstore.New(cellstore.Hash128)
	cache := taskcache.NewCache(store, taskcache.StatsOff)

	_, err := cache.AwaitOutput(context.Background(), 0, false, 42, 0)
	require.ErrorIs(t, err, taskcache.ErrUnknownTask)
}

func TestAwaitOutput_RejectsCycle(t *testing.T) {
	t.Parallel()

	store := cellstore.New(cellstore.Hash128)
	cache := taskcache.NewCache(store, taskcache.StatsOff)

	ref1 := ids.CellRef{Task: 1, Slot: 0}
	ref2 := ids.CellRef{Task: 2, Slot: 0}
	store.Create(ref1, cellstore.Shared)
	store.Create(ref2, cellstore.Shared)

	task1, _ := cache.GetOrCreate(1, 0, nil)
	task2, _ := cache.GetOrCreate(2, 0, nil)
	task1.TryClaim(0)
	task2.TryClaim(0)

	go func() {
		_, _ = cache.AwaitOutput(context.Background(), 1, true, 2, 0)
	}()
	time.Sleep(10 * time.Millisecond)

	_, err := cache.AwaitOutput(context.Background(), 2, true, 1, 0)
	var failed *taskcache.TaskFailedError
	require.ErrorAs(t, err, &failed)
	require.ErrorIs(t, failed, deptracker.ErrAwaitCycle)
}

func TestAwaitOutput_ContextCancellationUnblocksWaiter(t *testing.T) {
	t.Parallel()

	store := cellstore.New(cellstore.Hash128)
	cache := taskcache.NewCache(store, taskcache.StatsOff)

	store.Create(ids.CellRef{Task: 1, Slot: 0}, cellstore.Shared)
	task, _ := cache.GetOrCreate(1, 0, nil)
	task.TryClaim(0) // never finishes

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := cache.AwaitOutput(ctx, 0, false, 1, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
