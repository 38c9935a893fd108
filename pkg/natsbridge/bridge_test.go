package natsbridge_test

import (
	"context"
	"encoding/binary"
	"strconv"
	"testing"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/vela-build/taskgraph/pkg/natsbridge"
	"github.com/vela-build/taskgraph/pkg/registry"
	"github.com/vela-build/taskgraph/pkg/runtime"
	"github.com/vela-build/taskgraph/pkg/taskcache"
)

func TestBridge_HandleMessageForwardsTaskInvalidation(t *testing.T) {
	t.Parallel()

	rt, err := runtime.New(context.Background(), runtime.Options{WorkerCount: 2, StatsMode: taskcache.StatsFull})
	require.NoError(t, err)

	t.Cleanup(rt.Shutdown)

	var execCount int

	kind := rt.Register("noop",
		func(_ registry.TaskContext, _ any) (any, error) {
			execCount++

			return int32(execCount), nil
		},
		func(_ any) ([]byte, error) { return nil, nil },
		func(_ []byte) (any, error) { return nil, nil },
		func(output any) ([]byte, error) {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, uint32(output.(int32)))

			return buf, nil
		},
	)

	root, err := rt.SpawnRoot(kind, nil)
	require.NoError(t, err)

	taskID, ok := rt.RootTask(root)
	require.True(t, ok)

	_, err = rt.Read(context.Background(), root, 0)
	require.NoError(t, err)

	stats, ok := rt.Stats(taskID)
	require.True(t, ok)
	require.EqualValues(t, 1, stats.ExecCount)

	bridge := natsbridge.New(rt, nil, natsbridge.Options{Subject: "taskgraph.invalidate"})

	payload := `{"task_id":"` + strconv.FormatUint(uint64(taskID), 10) +
		`","reason_kind":"external","description":"test signal"}`

	bridge.HandleMessage(context.Background(), &nats.Msg{Subject: "taskgraph.invalidate", Data: []byte(payload)})

	// Enqueue goes through C8's debounce window before applying; give it
	// time to land before checking for the deferred re-schedule.
	time.Sleep(50 * time.Millisecond)

	// noop has no dependents observing it and no parent edges, so the
	// invalidation is recorded but deferred rather than eagerly
	// re-scheduled: a subsequent Read is what drives the re-run.
	_, err = rt.Read(context.Background(), root, 0)
	require.NoError(t, err)

	stats, ok = rt.Stats(taskID)
	require.True(t, ok)
	require.EqualValues(t, 2, stats.ExecCount)
}

func TestBridge_HandleMessageIgnoresMalformedPayload(t *testing.T) {
	t.Parallel()

	rt, err := runtime.New(context.Background(), runtime.Options{WorkerCount: 1})
	require.NoError(t, err)

	t.Cleanup(rt.Shutdown)

	bridge := natsbridge.New(rt, nil, natsbridge.Options{Subject: "taskgraph.invalidate"})

	require.NotPanics(t, func() {
		bridge.HandleMessage(context.Background(), &nats.Msg{Subject: "taskgraph.invalidate", Data: []byte(`not json`)})
	})
}
