package commands

import (
	"encoding/binary"
	"time"

	"github.com/vela-build/taskgraph/pkg/ids"
	"github.com/vela-build/taskgraph/pkg/registry"
	"github.com/vela-build/taskgraph/pkg/runtime"
)

func encodeI32(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))

	return buf
}

func decodeI32(raw []byte) int32 {
	return int32(binary.LittleEndian.Uint32(raw))
}

func encodePair(a, b int32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(a))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(b))

	return buf
}

func decodePair(raw []byte) (int32, int32) {
	return int32(binary.LittleEndian.Uint32(raw[0:4])), int32(binary.LittleEndian.Uint32(raw[4:8]))
}

func i32Encoder(output any) ([]byte, error) { return encodeI32(output.(int32)), nil }

// demoGraph holds the ids minted by registerDemoKinds, passed between
// the run/stats/serve subcommands.
type demoGraph struct {
	Add        ids.TaskKindID
	Source     ids.TaskKindID
	Square     ids.TaskKindID
	Slow       ids.TaskKindID
	SourceCell ids.CellRef
}

// registerDemoKinds wires up spec.md §8's worked scenarios against rt:
//
//   - add(a, b) -> a+b: Scenario A, exercises memoization via interning.
//   - source() -> i32, reading an external cell, and square() -> source()^2:
//     Scenario B, exercises the external-slot invalidation cascade and
//     the equality short-circuit.
//   - slow(ms): Scenario C, a task that yields cooperatively so it can
//     be cancelled mid-run.
func registerDemoKinds(rt *runtime.Runtime) demoGraph {
	i32Kind := rt.RegisterValueKind("i32", true, true)
	sourceCell := rt.DeclareExternalCell(0, i32Kind)

	addKind := rt.Register("add",
		func(_ registry.TaskContext, args any) (any, error) {
			pair := args.([2]int32)

			return pair[0] + pair[1], nil
		},
		func(args any) ([]byte, error) {
			pair := args.([2]int32)

			return encodePair(pair[0], pair[1]), nil
		},
		func(raw []byte) (any, error) {
			a, b := decodePair(raw)

			return [2]int32{a, b}, nil
		},
		i32Encoder,
	)

	sourceKind := rt.Register("source",
		func(ctxAny registry.TaskContext, _ any) (any, error) {
			ctx := ctxAny.(*runtime.Context)

			snap, err := ctx.ReadCell(sourceCell)
			if err != nil {
				return nil, err
			}

			return decodeI32(snap.Bytes), nil
		},
		func(_ any) ([]byte, error) { return nil, nil },
		func(_ []byte) (any, error) { return nil, nil },
		i32Encoder,
	)

	squareKind := rt.Register("square",
		func(ctxAny registry.TaskContext, _ any) (any, error) {
			ctx := ctxAny.(*runtime.Context)

			childID, err := ctx.Call(sourceKind, nil)
			if err != nil {
				return nil, err
			}

			snap, err := ctx.AwaitOutput(childID, 0)
			if err != nil {
				return nil, err
			}

			v := decodeI32(snap.Bytes)

			return v * v, nil
		},
		func(_ any) ([]byte, error) { return nil, nil },
		func(_ []byte) (any, error) { return nil, nil },
		i32Encoder,
	)

	slowKind := rt.Register("slow",
		func(ctxAny registry.TaskContext, args any) (any, error) {
			ctx := ctxAny.(*runtime.Context)

			ms := args.(int32)
			deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)

			for time.Now().Before(deadline) {
				ctx.Yield()
				time.Sleep(time.Millisecond)
			}

			return ms, nil
		},
		func(args any) ([]byte, error) { return encodeI32(args.(int32)), nil },
		func(raw []byte) (any, error) { return decodeI32(raw), nil },
		i32Encoder,
	)

	return demoGraph{Add: addKind, Source: sourceKind, Square: squareKind, Slow: slowKind, SourceCell: sourceCell}
}
