// Package publisher implements the worker-side facade (spec §4.3) through
// which a worker reports business events for a thread. It stamps
// create_at/modify_at/execute_end_at before the append (the Event Log
// backends apply the same stamps when they are unset), and fires the
// "persist terminal result"
// side effect before a terminal event's append becomes visible to
// readers, matching the teacher's OnPublished callback hook
// (features/stream/pulse/sink.go) generalized to an injected interface.
package publisher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentflow/eventgateway/eventlog"
	"github.com/agentflow/eventgateway/gatewayerr"
	"github.com/agentflow/eventgateway/notifier"
	"github.com/agentflow/eventgateway/telemetry"
)

// ResultSink persists a terminal event's result to an external system
// (spec §6 "save terminal result" collaborator). Failures are logged and
// swallowed: they must never abort the publish (spec §4.3 step 3, §7
// BusinessError).
type ResultSink interface {
	SaveResult(ctx context.Context, thread string, event eventlog.Event) error
}

// NoopResultSink discards terminal results. Useful when no external
// persistence endpoint is configured.
type NoopResultSink struct{}

// SaveResult implements ResultSink as a no-op.
func (NoopResultSink) SaveResult(context.Context, string, eventlog.Event) error { return nil }

// Publisher is the worker-facing facade over an Event Log and Notifier
// pair. Safe for concurrent use across threads.
type Publisher struct {
	log    eventlog.Log
	notif  notifier.Notifier
	sink   ResultSink
	logger telemetry.Logger
	tracer telemetry.Tracer
}

// Options configures a Publisher.
type Options struct {
	// Log is the Event Log backend to append to. Required.
	Log eventlog.Log
	// Notifier is the wake-up signaling backend. Required.
	Notifier notifier.Notifier
	// ResultSink persists terminal results. Defaults to NoopResultSink.
	ResultSink ResultSink
	// Logger receives structured logs. Defaults to telemetry.NoopLogger.
	Logger telemetry.Logger
	// Tracer opens append spans. Defaults to telemetry.NoopTracer.
	Tracer telemetry.Tracer
}

// New constructs a Publisher.
func New(opts Options) *Publisher {
	sink := opts.ResultSink
	if sink == nil {
		sink = NoopResultSink{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Publisher{log: opts.Log, notif: opts.Notifier, sink: sink, logger: logger, tracer: tracer}
}

// Publish implements spec §4.3 publish(thread, event): stamps timestamps,
// fires the terminal side effect if applicable, appends to the Event Log,
// and signals the Notifier's data channel. Wrapped in a producer-kind span
// carrying messaging semantic attributes, mirroring the teacher's
// registry/stream_manager.go PublishToolCall span.
func (p *Publisher) Publish(ctx context.Context, thread string, event eventlog.Event) (eventlog.Position, error) {
	ctx, span := p.tracer.Start(ctx, "publisher.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "eventgateway"),
			attribute.String("messaging.destination.name", thread),
			attribute.String("messaging.operation", "publish"),
			attribute.String("eventgateway.event_uuid", event.UUID),
			attribute.String("eventgateway.event_type", string(event.EventType)),
		))
	defer span.End()

	now := time.Now().UTC()
	if event.CreateAt == nil {
		event.CreateAt = &now
	}
	event.ModifyAt = &now

	if event.IsTerminal() {
		if event.ExecuteEndAt == nil {
			event.ExecuteEndAt = &now
		}
		if err := p.sink.SaveResult(ctx, thread, event); err != nil {
			p.logger.Warn(ctx, "persist terminal result failed", "thread", thread, "uuid", event.UUID, "error", err.Error())
		}
	}

	pos, err := p.log.Append(ctx, thread, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append event")
		return "", err
	}

	if err := p.notif.PublishData(ctx, thread); err != nil {
		wrapped := gatewayerr.Wrap(gatewayerr.NotifierBackendError, "signal data arrival", err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, "signal data arrival")
		return "", wrapped
	}
	span.AddEvent("eventgateway.published", "eventgateway.position", string(pos))
	return pos, nil
}

// PublishControl implements spec §4.3 publish_control(thread, signal). It
// must be called after the terminal Event has already been published so
// late-joining readers observe termination via the log even if they miss
// the control signal (spec §4.3, §4.2).
func (p *Publisher) PublishControl(ctx context.Context, thread string, signal notifier.ControlPayload) error {
	if err := p.notif.PublishControl(ctx, thread, signal); err != nil {
		return gatewayerr.Wrap(gatewayerr.NotifierBackendError, "signal control", err)
	}
	return nil
}
