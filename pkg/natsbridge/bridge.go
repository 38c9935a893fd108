// Package natsbridge feeds Runtime.InvalidateExternal from messages
// published on a NATS subject by a process outside the runtime — a
// file watcher, a CI webhook relay, anything that knows an input
// changed but isn't the embedding process itself (spec.md §4.8's
// "genuinely external signal").
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vela-build/taskgraph/pkg/changeset"
	"github.com/vela-build/taskgraph/pkg/ids"
	"github.com/vela-build/taskgraph/pkg/runtime"
)

const tracerName = "taskgraph.natsbridge"

var propagator = propagation.TraceContext{}

// Message is the wire shape a publisher sends: either a task id or a
// (task id, slot) cell reference, plus a human-readable reason.
type Message struct {
	TaskID      string  `json:"task_id"`
	Slot        *uint16 `json:"slot,omitempty"`
	ReasonKind  string  `json:"reason_kind"`
	Description string  `json:"description"`
}

// Bridge subscribes to a NATS subject and forwards decoded messages into
// a Runtime's invalidation queue.
type Bridge struct {
	rt      *runtime.Runtime
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
	sub     *nats.Subscription
}

// Options configures a Bridge.
type Options struct {
	Subject string
	Logger  *slog.Logger
}

// New creates a Bridge bound to an already-connected NATS client. It
// does not start consuming until Start is called.
func New(rt *runtime.Runtime, nc *nats.Conn, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{rt: rt, nc: nc, subject: opts.Subject, logger: logger}
}

// Start subscribes to the configured subject, extracting any propagated
// trace context from message headers and starting a consumer span per
// message before handing it to handle.
func (b *Bridge) Start() error {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)

		tracer := otel.Tracer(tracerName)
		ctx, span := tracer.Start(ctx, "natsbridge.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		b.HandleMessage(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("natsbridge: subscribe %q: %w", b.subject, err)
	}

	b.sub = sub

	return nil
}

// Stop unsubscribes, if subscribed.
func (b *Bridge) Stop() error {
	if b.sub == nil {
		return nil
	}

	if err := b.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("natsbridge: unsubscribe: %w", err)
	}

	return nil
}

// HandleMessage decodes and forwards one message, independent of the
// subscription machinery in Start — exported so callers (and tests) can
// drive it directly with a synthetic *nats.Msg.
func (b *Bridge) HandleMessage(_ context.Context, m *nats.Msg) {
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		b.logger.Error("natsbridge: decode message", "subject", m.Subject, "err", err)

		return
	}

	taskID, err := strconv.ParseUint(msg.TaskID, 10, 64)
	if err != nil {
		b.logger.Error("natsbridge: invalid task_id", "raw", msg.TaskID, "err", err)

		return
	}

	reasonKind := msg.ReasonKind
	if reasonKind == "" {
		reasonKind = "external"
	}

	reason := changeset.NewReason(reasonKind, msg.Description)

	var target changeset.Target
	if msg.Slot != nil {
		target = changeset.CellTarget(ids.CellRef{Task: ids.TaskID(taskID), Slot: ids.CellSlot(*msg.Slot)})
	} else {
		target = changeset.TaskTarget(ids.TaskID(taskID))
	}

	b.rt.InvalidateExternal(target, reason)
}
