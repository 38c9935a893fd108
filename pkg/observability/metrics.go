package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricRunsTotal     = "taskgraph.task.runs.total"
	metricRunDuration   = "taskgraph.task.run.duration.seconds"
	metricErrorsTotal   = "taskgraph.task.errors.total"
	metricInflightRuns  = "taskgraph.task.inflight"
	metricInvalidations = "taskgraph.invalidations.total"

	attrKind   = "kind"
	attrStatus = "status"

	statusOK        = "ok"
	statusError     = "error"
	statusCancelled = "cancelled"
)

var runDurationBuckets = []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}

// TaskMetrics holds the OTel instruments recording rate, error, and
// duration (RED) over task runs, the scheduler-level counterpart to
// pkg/cellstore's per-write content hashing.
type TaskMetrics struct {
	runsTotal     metric.Int64Counter
	runDuration   metric.Float64Histogram
	errorsTotal   metric.Int64Counter
	inflightRuns  metric.Int64UpDownCounter
	invalidations metric.Int64Counter
}

// NewTaskMetrics creates the instrument set from mt.
func NewTaskMetrics(mt metric.Meter) (*TaskMetrics, error) {
	runsTotal, err := mt.Int64Counter(metricRunsTotal,
		metric.WithDescription("Total number of task body executions"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRunsTotal, err)
	}

	runDuration, err := mt.Float64Histogram(metricRunDuration,
		metric.WithDescription("Task body execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(runDurationBuckets...))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRunDuration, err)
	}

	errorsTotal, err := mt.Int64Counter(metricErrorsTotal,
		metric.WithDescription("Total number of task body failures"),
		metric.WithUnit("{error}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricErrorsTotal, err)
	}

	inflightRuns, err := mt.Int64UpDownCounter(metricInflightRuns,
		metric.WithDescription("Number of task runs currently in progress"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricInflightRuns, err)
	}

	invalidations, err := mt.Int64Counter(metricInvalidations,
		metric.WithDescription("Total number of invalidations applied"),
		metric.WithUnit("{invalidation}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricInvalidations, err)
	}

	return &TaskMetrics{
		runsTotal:     runsTotal,
		runDuration:   runDuration,
		errorsTotal:   errorsTotal,
		inflightRuns:  inflightRuns,
		invalidations: invalidations,
	}, nil
}

// RunStarted records a task body beginning execution.
func (m *TaskMetrics) RunStarted(ctx context.Context, kind string) {
	m.inflightRuns.Add(ctx, 1, metric.WithAttributes(attribute.String(attrKind, kind)))
}

// RunFinished records completion of a task body run.
func (m *TaskMetrics) RunFinished(ctx context.Context, kind string, duration time.Duration, failed, cancelled bool) {
	status := statusOK

	switch {
	case cancelled:
		status = statusCancelled
	case failed:
		status = statusError
	}

	attrs := metric.WithAttributes(attribute.String(attrKind, kind), attribute.String(attrStatus, status))

	m.inflightRuns.Add(ctx, -1, metric.WithAttributes(attribute.String(attrKind, kind)))
	m.runsTotal.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, duration.Seconds(), attrs)

	if failed {
		m.errorsTotal.Add(ctx, 1, attrs)
	}
}

// InvalidationApplied records one applied invalidation.
func (m *TaskMetrics) InvalidationApplied(ctx context.Context, kind string) {
	m.invalidations.Add(ctx, 1, metric.WithAttributes(attribute.String(attrKind, kind)))
}
