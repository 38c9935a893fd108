package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/vela-build/taskgraph/pkg/observability"
)

func TestTracingHandler_InjectsTraceContextWhenSpanPresent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(observability.NewTracingHandler(base, "taskgraph-test"))

	tp := trace.NewTracerProvider()
	defer tp.Shutdown(context.Background()) //nolint:errcheck

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.InfoContext(ctx, "hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "taskgraph-test", record["service"])
	assert.NotEmpty(t, record["trace_id"])
	assert.NotEmpty(t, record["span_id"])
}

func TestTracingHandler_NoSpanOmitsTraceAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(observability.NewTracingHandler(base, "taskgraph-test"))

	logger.Info("hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.NotContains(t, record, "trace_id")
}
