package mcpintrospect

import (
	"context"
	"encoding/binary"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-build/taskgraph/pkg/registry"
	"github.com/vela-build/taskgraph/pkg/runtime"
	"github.com/vela-build/taskgraph/pkg/taskcache"
)

func newTestRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()

	rt, err := runtime.New(context.Background(), runtime.Options{WorkerCount: 2, StatsMode: taskcache.StatsFull})
	require.NoError(t, err)

	t.Cleanup(rt.Shutdown)

	return rt
}

func TestHandleListKinds_ReturnsRegisteredKind(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t)
	rt.Register("double",
		func(_ registry.TaskContext, args any) (any, error) { return args.(int32) * 2, nil },
		func(args any) ([]byte, error) {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, uint32(args.(int32)))

			return buf, nil
		},
		func(raw []byte) (any, error) { return int32(binary.LittleEndian.Uint32(raw)), nil },
		func(output any) ([]byte, error) {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, uint32(output.(int32)))

			return buf, nil
		},
	)

	_, out, err := handleListKinds(context.Background(), rt, nil, ListKindsInput{})
	require.NoError(t, err)

	kinds, ok := out.Data.([]kindView)
	require.True(t, ok)
	require.Len(t, kinds, 1)
	assert.Equal(t, "double", kinds[0].Name)
}

func TestHandleReadCell_UnknownCellReportsEmpty(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t)

	_, out, err := handleReadCell(context.Background(), rt, nil, ReadCellInput{TaskID: "999", Slot: 0})
	require.NoError(t, err)

	view, ok := out.Data.(cellView)
	require.True(t, ok)
	assert.True(t, view.Empty)
}

func TestHandleTaskStats_RoundTripsAfterRun(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t)

	kind := rt.Register("noop",
		func(_ registry.TaskContext, _ any) (any, error) { return int32(1), nil },
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

	_, err = rt.Read(context.Background(), root, 0)
	require.NoError(t, err)

	taskID, ok := rt.RootTask(root)
	require.True(t, ok)

	_, out, err := handleTaskStats(context.Background(), rt, nil, TaskIDInput{TaskID: strconv.FormatUint(uint64(taskID), 10)})
	require.NoError(t, err)

	view, ok := out.Data.(statsView)
	require.True(t, ok)
	assert.True(t, view.Found)
	assert.EqualValues(t, 1, view.ExecCount)
}
