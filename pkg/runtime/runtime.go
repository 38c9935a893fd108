// Package runtime wires C1-C8 together into the embedder-facing handle
// described in spec.md §6: Runtime::new, register, spawn_root, read,
// invalidate_external, stats, and shutdown.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vela-build/taskgraph/pkg/aggtree"
	"github.com/vela-build/taskgraph/pkg/cellstore"
	"github.com/vela-build/taskgraph/pkg/changeset"
	"github.com/vela-build/taskgraph/pkg/deptracker"
	"github.com/vela-build/taskgraph/pkg/ids"
	"github.com/vela-build/taskgraph/pkg/interning"
	"github.com/vela-build/taskgraph/pkg/observability"
	"github.com/vela-build/taskgraph/pkg/registry"
	"github.com/vela-build/taskgraph/pkg/scheduler"
	"github.com/vela-build/taskgraph/pkg/taskcache"
)

// ErrUnknownRoot is returned by Read for a RootID spawn_root never minted.
var ErrUnknownRoot = errors.New("runtime: unknown root id")

// ExternalOwner is the reserved task id that owns cells populated by the
// embedder directly (DeclareExternalCell/WriteExternalCell) rather than
// by a task's own run — the "external slot" spec.md §8 Scenario B reads
// source()'s value from. It sits at the top of TaskID's index space,
// which pkg/interning's monotonic counter starting at zero will never
// reach in a single process's lifetime.
var ExternalOwner = ids.TaskID(^uint64(0))

// Runtime is the embedder handle wiring the registry (C1), intern table
// (C2), cell store (C3), dependency tracker (C4), task cache (C5),
// scheduler (C6), aggregation tree (C7), and invalidation queue (C8)
// into one cohesive API.
type Runtime struct {
	registry    *registry.Registry
	interning   *interning.Table
	cells       *cellstore.Store
	cache       *taskcache.Cache
	agg         *aggtree.Tree
	pool        *scheduler.Pool
	cancelFlags *scheduler.CancelFlags
	changes     *changeset.Queue

	logger         *slog.Logger
	tracer         trace.Tracer
	meter          metric.Meter
	metrics        *observability.TaskMetrics
	metricsHandler http.Handler

	statsMode   taskcache.StatsMode
	roots       rootTable
	obsShutdown func(context.Context) error

	ctx    context.Context //nolint:containedctx // scopes every background goroutine this Runtime owns.
	cancel context.CancelFunc
}

// New constructs a Runtime from opts. Any of Logger/Tracer/Meter left
// nil are filled in by observability.Init, so an embedder that only
// wants the default stack can pass a zero-value Options{}.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	innerCtx, cancel := context.WithCancel(ctx)

	logger, tracer, meter, taskMetrics, metricsHandler, obsShutdown, err := resolveObservability(opts)
	if err != nil {
		cancel()

		return nil, err
	}

	hashBits := opts.CellHashBits
	if hashBits == 0 {
		hashBits = cellstore.Hash128
	}

	rt := &Runtime{
		registry:       registry.New(),
		interning:      interning.New(),
		cells:          cellstore.New(hashBits),
		agg:            aggtree.New(),
		cancelFlags:    scheduler.NewCancelFlags(),
		logger:         logger,
		tracer:         tracer,
		meter:          meter,
		metrics:        taskMetrics,
		metricsHandler: metricsHandler,
		statsMode:      opts.StatsMode,
		roots:          newRootTable(),
		obsShutdown:    obsShutdown,
		ctx:            innerCtx,
		cancel:         cancel,
	}

	rt.cache = taskcache.NewCache(rt.cells, opts.StatsMode)
	rt.pool = scheduler.New(innerCtx, opts.WorkerCount)

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = changeset.DefaultDebounce
	}

	rt.changes = changeset.New(innerCtx, changeset.Options{Debounce: debounce}, rt.applyInvalidation)

	return rt, nil
}

func resolveObservability(opts Options) (*slog.Logger, trace.Tracer, metric.Meter, *observability.TaskMetrics, http.Handler, func(context.Context) error, error) {
	logger, tracer, meter := opts.Logger, opts.Tracer, opts.Meter

	if logger != nil && tracer != nil && meter != nil {
		taskMetrics, err := observability.NewTaskMetrics(meter)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("runtime: build task metrics: %w", err)
		}

		return logger, tracer, meter, taskMetrics, nil, nil, nil
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "taskgraph"
	}

	providers, err := observability.Init(observability.Config{
		ServiceName:       serviceName,
		PrometheusEnabled: opts.PrometheusMetrics,
	})
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("runtime: init observability: %w", err)
	}

	if logger == nil {
		logger = providers.Logger
	}

	if tracer == nil {
		tracer = providers.Tracer
	}

	if meter == nil {
		meter = providers.Meter
	}

	return logger, tracer, meter, providers.Registry, providers.MetricsHandler, providers.Shutdown, nil
}

// Logger returns the Runtime's configured structured logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.logger }

// Tracer returns the Runtime's configured OTel tracer.
func (rt *Runtime) Tracer() trace.Tracer { return rt.tracer }

// Meter returns the Runtime's configured OTel meter.
func (rt *Runtime) Meter() metric.Meter { return rt.meter }

// MetricsHandler returns the Prometheus scrape handler backing this
// Runtime's own metrics registry, or nil when PrometheusMetrics wasn't
// enabled (Options.PrometheusMetrics) or the caller supplied its own
// Meter directly instead of letting observability.Init build one.
func (rt *Runtime) MetricsHandler() http.Handler { return rt.metricsHandler }

// Register is the register(...) operation (spec.md §6), forwarding to
// C1. encodeOutput may be nil for task kinds whose body never writes an
// output cell.
func (rt *Runtime) Register(
	name string,
	body registry.TaskBody,
	encode registry.TaskEncoder,
	decode registry.TaskDecoder,
	encodeOutput registry.OutputEncoder,
) ids.TaskKindID {
	id := rt.registry.RegisterTaskKind(name, body, encode, decode)
	if encodeOutput != nil {
		rt.registry.WithOutputEncoder(id, encodeOutput)
	}

	return id
}

// RegisterValueKind forwards to C1's value kind catalog.
func (rt *Runtime) RegisterValueKind(name string, shared, transparent bool) ids.ValueKindID {
	return rt.registry.RegisterValueKind(name, shared, transparent)
}

// WithArgSchema attaches an optional JSON schema to a registered task
// kind's argument encoding (spec.md §7: catches malformed arguments as a
// programming-error class failure before they reach interning).
func (rt *Runtime) WithArgSchema(id ids.TaskKindID, schema []byte) error {
	return rt.registry.WithArgSchema(id, schema)
}

// DeclareExternalCell creates (idempotently) a cell owned by
// ExternalOwner, for values the embedder feeds into the graph directly
// rather than through a task's own run (spec.md §8 Scenario B's
// "external slot").
func (rt *Runtime) DeclareExternalCell(slot ids.CellSlot, kind ids.ValueKindID) ids.CellRef {
	ref := ids.CellRef{Task: ExternalOwner, Slot: slot, Kind: kind}
	rt.cells.Create(ref, cellstore.Shared)

	return ref
}

// WriteExternalCell writes raw bytes into a cell previously declared by
// DeclareExternalCell.
func (rt *Runtime) WriteExternalCell(ref ids.CellRef, raw []byte) (cellstore.WriteResult, error) {
	return rt.cells.Write(ref, raw, ref.Kind)
}

// SpawnRoot is spawn_root(task_key) -> RootId (spec.md §6): it ensures
// the task exists and is scheduled, then mints a fresh RootId naming
// this spawn for later Read/Stats calls.
func (rt *Runtime) SpawnRoot(kind ids.TaskKindID, args any) (ids.RootID, error) {
	taskID, err := rt.call(kind, args)
	if err != nil {
		return "", err
	}

	root := ids.RootID(uuid.NewString())
	rt.roots.store(root, taskID)

	return root, nil
}

// Read is Runtime::read(RootId, slot) -> Snapshot (spec.md §6): it
// blocks until the root's run completes (or ctx is cancelled).
func (rt *Runtime) Read(ctx context.Context, root ids.RootID, slot ids.CellSlot) (cellstore.Snapshot, error) {
	taskID, ok := rt.roots.load(root)
	if !ok {
		return cellstore.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownRoot, root)
	}

	rt.ensureScheduled(taskID)

	return rt.cache.AwaitOutput(ctx, 0, false, taskID, slot)
}

// TaskKinds returns every registered task kind, for introspection
// tooling (pkg/mcpintrospect) that lists what a running process knows
// how to build.
func (rt *Runtime) TaskKinds() []*registry.TaskKind {
	return rt.registry.AllTaskKinds()
}

// CellSnapshot reads a cell's current value directly, without recording
// a dependency-graph read edge — for introspection callers that are not
// themselves a running task.
func (rt *Runtime) CellSnapshot(ref ids.CellRef) (cellstore.Snapshot, error) {
	return rt.cells.Read(ref)
}

// Datum reads task's current aggregated roll-up value without holding a
// live Observer reference past the call, for introspection tooling that
// wants a point-in-time read (spec.md §4.7).
func (rt *Runtime) Datum(task ids.TaskID) aggtree.Datum {
	obs := rt.agg.Observe(task)
	defer obs.Close()

	return obs.Read()
}

// RootTask resolves a spawn_root-minted RootID back to the TaskID it
// names, for embedders that want to introspect or assert on the
// underlying task directly.
func (rt *Runtime) RootTask(root ids.RootID) (ids.TaskID, bool) {
	return rt.roots.load(root)
}

// Stats is Runtime::stats(task_id) -> Option<Stats> (spec.md §6).
func (rt *Runtime) Stats(id ids.TaskID) (taskcache.Stats, bool) {
	task, ok := rt.cache.Get(id)
	if !ok {
		return taskcache.Stats{}, false
	}

	return task.Stats(), true
}

// InvalidateExternal is invalidate_external(target, reason) (spec.md
// §4.8, §6): it enqueues and returns immediately, never blocking except
// for the bounded backpressure the queue itself applies when full.
func (rt *Runtime) InvalidateExternal(target changeset.Target, reason changeset.InvalidationReason) {
	rt.changes.Enqueue(target, reason)
}

// Shutdown is Runtime::shutdown() (spec.md §6): drains the invalidation
// queue and the scheduler's queues, joins every worker, and tears down
// the observability providers this Runtime owns.
func (rt *Runtime) Shutdown() {
	rt.changes.Shutdown()
	rt.pool.Shutdown()
	rt.cancel()

	if rt.obsShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := rt.obsShutdown(shutdownCtx); err != nil && rt.logger != nil {
			rt.logger.Error("shutdown observability providers", "err", err)
		}
	}
}

// call is the call(task_key, caller) operation (spec.md §4.5) shared by
// SpawnRoot and Context.Call: it ensures a task record exists and is (or
// becomes) Scheduled, submitting it to the pool at most once per
// transition into Scheduled.
func (rt *Runtime) call(kind ids.TaskKindID, args any) (ids.TaskID, error) {
	tk := rt.registry.TaskKindByID(kind)

	if err := rt.registry.ValidateArgs(kind, args); err != nil {
		return 0, err
	}

	canonical, err := tk.Encode(args)
	if err != nil {
		return 0, fmt.Errorf("runtime: encode args for %q: %w", tk.Name, err)
	}

	id := rt.interning.Intern(kind, canonical)

	task, loaded := rt.cache.GetOrCreate(id, kind, canonical)
	if !loaded {
		rt.submit(task)
	} else if task.MarkScheduled() {
		rt.submit(task)
	}

	return id, nil
}

// ensureScheduled re-schedules a Dirty task on demand, implementing
// spec.md §4.5's "otherwise defers until next await_output" half of the
// invalidation-scheduling rule: a reader parked in Read/AwaitOutput is
// exactly that next demand.
func (rt *Runtime) ensureScheduled(id ids.TaskID) {
	task, ok := rt.cache.Get(id)
	if !ok {
		return
	}

	if task.MarkScheduled() {
		rt.submit(task)
	}
}

func (rt *Runtime) submit(task *taskcache.Task) {
	rt.pool.Submit(func() { rt.runTask(task) })
}

// runTask is one worker attempt at a Scheduled task: claim, run the
// body, install the outcome, reconcile the aggregation tree's child
// edges against what this run actually spawned, and resubmit if the
// task went stale while it ran (spec.md §4.5, §4.6).
func (rt *Runtime) runTask(task *taskcache.Task) {
	generation, ok := task.TryClaim(0)
	if !ok {
		return
	}

	rt.cancelFlags.Reset(task.ID)

	kind := rt.registry.TaskKindByID(task.Kind)
	oldChildren := task.Children()

	runCtx, span := rt.tracer.Start(rt.ctx, "taskgraph.task."+kind.Name)

	if rt.metrics != nil {
		rt.metrics.RunStarted(runCtx, kind.Name)
	}

	frame := deptracker.NewFrame()
	attempt := &Context{rt: rt, self: task.ID, frame: frame, ctx: runCtx}

	start := time.Now()
	output, runErr, cancelled := rt.invokeBody(attempt, kind, task)
	duration := time.Since(start)

	var (
		outputCells    []ids.CellRef
		changedReaders []ids.TaskID
	)

	if runErr == nil && !cancelled {
		outputCells, changedReaders = rt.writeOutput(task, kind, output)
	}

	if runErr != nil {
		span.RecordError(runErr)
	}

	span.End()

	outcome := rt.cache.CompleteRun(task, generation, frame, outputCells, runErr, cancelled, duration)

	if rt.metrics != nil {
		rt.metrics.RunFinished(rt.ctx, kind.Name, duration, runErr != nil, cancelled)
	}

	if runErr == nil && !cancelled {
		rt.reconcileAggregation(task.ID, oldChildren, frame.Children())
	}

	// A changed output cell invalidates every task that read the previous
	// version, cascading re-runs along cell read-after-write exactly as
	// spec.md §4.3/§8 invariant 1 requires; unchanged writes short-circuit
	// here with an empty changedReaders, per the equality short-circuit
	// round-trip law.
	for _, reader := range changedReaders {
		rt.invalidateTask(reader, fmt.Errorf("runtime: upstream output of %s changed", task.ID))
	}

	if outcome.Reschedule {
		rt.submit(task)
	}
}

// invokeBody decodes the task's canonical arguments and runs its body,
// recovering a cancelSignal panic (raised by Context.Yield) as a
// cancelled outcome distinct from a genuine body panic, which is
// converted to a TaskFailed-shaped error instead (spec.md §7).
func (rt *Runtime) invokeBody(attempt *Context, kind *registry.TaskKind, task *taskcache.Task) (output any, runErr error, cancelled bool) {
	args, decodeErr := kind.Decode(task.CanonicalArgs)

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(cancelSignal); ok {
				cancelled = true
				output, runErr = nil, nil

				return
			}

			runErr = fmt.Errorf("runtime: task %s panicked: %v", task.ID, r)
		}
	}()

	if decodeErr != nil {
		return nil, fmt.Errorf("runtime: decode args for %s: %w", task.ID, decodeErr), false
	}

	output, runErr = kind.Body(attempt, args)

	return output, runErr, false
}

// writeOutput writes a task body's return value into its slot-0 output
// cell and reports which previously-registered readers of that cell saw
// its content actually change (cellstore's equality short-circuit,
// spec.md §4.3), so the caller can cascade invalidation to them.
func (rt *Runtime) writeOutput(task *taskcache.Task, kind *registry.TaskKind, output any) ([]ids.CellRef, []ids.TaskID) {
	if output == nil || kind.EncodeOutput == nil {
		return nil, nil
	}

	raw, err := kind.EncodeOutput(output)
	if err != nil {
		if rt.logger != nil {
			rt.logger.Error("encode task output", "task", task.ID.String(), "kind", kind.Name, "err", err)
		}

		return nil, nil
	}

	ref := ids.CellRef{Task: task.ID, Slot: 0}
	rt.cells.Create(ref, cellstore.Shared)

	result, err := rt.cells.Write(ref, raw, 0)
	if err != nil {
		if rt.logger != nil {
			rt.logger.Error("write task output cell", "task", task.ID.String(), "err", err)
		}

		return nil, nil
	}

	if !result.Changed {
		return []ids.CellRef{ref}, nil
	}

	return []ids.CellRef{ref}, result.InvalidatedReaders
}

// reconcileAggregation updates C7's child edges to match what this run
// actually spawned, tearing down edges for children a re-run no longer
// calls (spec.md §4.4, §8 Scenario D).
func (rt *Runtime) reconcileAggregation(parent ids.TaskID, oldChildren, newChildren []ids.TaskID) {
	added, removed := deptracker.DiffChildren(oldChildren, newChildren)

	for _, child := range added {
		rt.agg.OnChildAdded(parent, child)
	}

	for _, child := range removed {
		rt.agg.OnChildRemoved(parent, child)
	}
}

// applyInvalidation is the changeset.ApplyFunc this Runtime hands to
// pkg/changeset: it is invoked once per distinct target per debounce
// window with the window's reasons already coalesced (spec.md §4.8).
func (rt *Runtime) applyInvalidation(target changeset.Target, reason changeset.InvalidationReason) {
	if rt.metrics != nil {
		rt.metrics.InvalidationApplied(rt.ctx, target.String())
	}

	if rt.logger != nil {
		rt.logger.Debug("applying invalidation",
			"target", target.String(), "reason_kind", reason.Kind, "reason", reason.Description, "count", reason.Count)
	}

	cause := fmt.Errorf("%s: %s", reason.Kind, reason.Description)

	if target.IsTask {
		rt.invalidateTask(target.Task, cause)

		return
	}

	readers, err := rt.cells.Readers(target.Cell)
	if err != nil {
		return
	}

	for _, reader := range readers {
		rt.invalidateTask(reader, cause)
	}
}

// invalidateTask marks a task Dirty and, if it is currently observed,
// schedules an immediate re-run; otherwise the re-run is deferred until
// the next Read/AwaitOutput via ensureScheduled (spec.md §4.5).
func (rt *Runtime) invalidateTask(id ids.TaskID, cause error) {
	task, ok := rt.cache.Invalidate(id, cause)
	if !ok || task.State() != taskcache.Dirty {
		return
	}

	if !rt.agg.HasParent(id) && !rt.agg.Observed(id) {
		return
	}

	if task.MarkScheduled() {
		rt.submit(task)
	}
}
