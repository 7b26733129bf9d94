// Package dispatch implements the Dispatch Bridge (spec §4.6): the entry
// point that turns a client's execute request into a persisted Run and a
// task enqueued for an external worker. It validates the thread via the
// Thread Registry (thread.Store), persists Run metadata, appends the run
// to the thread's run-list, and enqueues a task payload onto an injected
// Queue. The task body itself is an external collaborator out of scope;
// the Bridge's only obligation is that the enqueue eventually causes
// Publisher activity against the thread.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentflow/eventgateway/gatewayerr"
	"github.com/agentflow/eventgateway/telemetry"
	"github.com/agentflow/eventgateway/thread"
)

// Task is the payload enqueued for an external worker (spec.md §6,
// "process_flow_data"). It is JSON-serialized by the Queue implementation.
type Task struct {
	Thread     string         `json:"thread"`
	Run        string         `json:"run"`
	User       string         `json:"user,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Queue enqueues a Task for an external worker to pick up. Implementations
// must be safe for concurrent use.
type Queue interface {
	// Enqueue publishes task onto the work queue, named process_flow_data
	// (spec.md §6). Errors are wrapped gatewayerr.Internal by the caller.
	Enqueue(ctx context.Context, task Task) error
}

// Request carries the caller-supplied fields of an execute() call (spec
// §4.6). Thread must already exist; Initiate is a separate Registry
// operation (spec §4.4) layered above this package by the HTTP Surface.
type Request struct {
	Thread     string
	User       string
	Task       string
	Context    map[string]any
	Parameters map[string]any
}

// Bridge is the Dispatch Bridge (spec §4.6 C6).
type Bridge struct {
	store  thread.Store
	queue  Queue
	logger telemetry.Logger
	tracer telemetry.Tracer
}

// Options configures a Bridge.
type Options struct {
	// Store is the Thread Registry backing store. Required.
	Store thread.Store
	// Queue delivers enqueued tasks to an external worker. Required.
	Queue Queue
	// Logger receives structured logs. Defaults to telemetry.NoopLogger.
	Logger telemetry.Logger
	// Tracer opens enqueue spans. Defaults to telemetry.NoopTracer.
	Tracer telemetry.Tracer
}

// New constructs a Bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Store == nil {
		return nil, errors.New("dispatch: store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("dispatch: queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Bridge{store: opts.Store, queue: opts.Queue, logger: logger, tracer: tracer}, nil
}

// Execute implements spec §4.6 execute(thread, task, context, parameters):
// validates the thread, persists a Run record, records it against the
// thread's run-list, enqueues the worker task, and returns the run ID.
func (b *Bridge) Execute(ctx context.Context, req Request) (string, error) {
	ctx, span := b.tracer.Start(ctx, "dispatch.execute", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "eventgateway"),
			attribute.String("messaging.destination.name", "process_flow_data"),
			attribute.String("eventgateway.thread", req.Thread),
		))
	defer span.End()

	if req.Thread == "" {
		err := gatewayerr.New(gatewayerr.Malformed, "thread is required")
		span.RecordError(err)
		return "", err
	}

	th, err := b.store.LoadThread(ctx, req.Thread)
	if err != nil {
		if errors.Is(err, thread.ErrThreadNotFound) {
			gerr := gatewayerr.Wrap(gatewayerr.UnknownThread, "unknown thread", err)
			span.RecordError(gerr)
			span.SetStatus(codes.Error, gerr.Error())
			return "", gerr
		}
		gerr := gatewayerr.Wrap(gatewayerr.Internal, "load thread", err)
		span.RecordError(gerr)
		span.SetStatus(codes.Error, gerr.Error())
		return "", gerr
	}
	if th.Status == thread.StatusArchived {
		gerr := gatewayerr.New(gatewayerr.UnknownThread, "thread is archived")
		span.RecordError(gerr)
		return "", gerr
	}

	runID := generateRunID(req.Thread)
	now := time.Now().UTC()
	run := thread.Run{
		ID:         runID,
		ThreadID:   req.Thread,
		Status:     thread.RunStatusPending,
		Task:       req.Task,
		Context:    req.Context,
		Parameters: req.Parameters,
		CreatedAt:  now,
	}
	if err := b.store.UpsertRun(ctx, run); err != nil {
		gerr := gatewayerr.Wrap(gatewayerr.Internal, "persist run", err)
		span.RecordError(gerr)
		span.SetStatus(codes.Error, gerr.Error())
		return "", gerr
	}
	if _, err := b.store.RecordRun(ctx, req.Thread, runID, now); err != nil {
		gerr := gatewayerr.Wrap(gatewayerr.Internal, "record run against thread", err)
		span.RecordError(gerr)
		span.SetStatus(codes.Error, gerr.Error())
		return "", gerr
	}

	task := Task{
		Thread:     req.Thread,
		Run:        runID,
		User:       req.User,
		Context:    req.Context,
		Parameters: req.Parameters,
	}
	if err := b.queue.Enqueue(ctx, task); err != nil {
		gerr := gatewayerr.Wrap(gatewayerr.Internal, "enqueue task", err)
		span.RecordError(gerr)
		span.SetStatus(codes.Error, gerr.Error())
		b.logger.Error(ctx, "enqueue failed", "thread", req.Thread, "run", runID, "error", err.Error())
		return "", gerr
	}

	b.logger.Info(ctx, "dispatched run", "thread", req.Thread, "run", runID)
	return runID, nil
}

// generateRunID returns a globally unique run identifier, prefixed with
// the owning thread for observability in logs and traces.
func generateRunID(threadID string) string {
	return fmt.Sprintf("run-%s-%s", threadID, uuid.NewString())
}
