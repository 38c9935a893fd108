package commands

import (
	"context"
	"fmt"

	"github.com/vela-build/taskgraph/pkg/runtime"
)

// newRuntime builds a Runtime from TASKGRAPH_*-prefixed environment
// variables (and defaults), registers the demo graph, and returns both.
func newRuntime(ctx context.Context) (*runtime.Runtime, demoGraph, error) {
	return newRuntimeWithOptions(ctx, func(*runtime.Options) {})
}

// newRuntimeWithOptions is newRuntime with a chance to tweak the
// environment-derived Options before construction, e.g. serve forcing
// Prometheus export on regardless of TASKGRAPH_METRICS_ENABLED.
func newRuntimeWithOptions(ctx context.Context, tweak func(*runtime.Options)) (*runtime.Runtime, demoGraph, error) {
	opts, err := runtime.FromEnv("")
	if err != nil {
		return nil, demoGraph{}, fmt.Errorf("load runtime options: %w", err)
	}

	tweak(&opts)

	rt, err := runtime.New(ctx, opts)
	if err != nil {
		return nil, demoGraph{}, fmt.Errorf("construct runtime: %w", err)
	}

	graph := registerDemoKinds(rt)

	return rt, graph, nil
}
