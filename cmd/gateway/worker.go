package main

import (
	"context"
	"time"

	"github.com/agentflow/eventgateway/dispatch/redisqueue"
	"github.com/agentflow/eventgateway/eventlog"
	"github.com/agentflow/eventgateway/publisher"
	"github.com/agentflow/eventgateway/telemetry"
)

// runLocalWorker drains queue and publishes a synthetic completion for each
// task, standing in for the out-of-scope production worker (spec.md §1 Non-goals:
// Celery/other queue integration). Enabled only via GATEWAY_LOCAL_WORKER, for
// local development and demos; it is not part of the gateway's HTTP surface.
func runLocalWorker(ctx context.Context, queue *redisqueue.Queue, pub *publisher.Publisher, logger telemetry.Logger) {
	for {
		task, ok, err := queue.Dequeue(ctx, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn(ctx, "local worker dequeue failed", "error", err.Error())
			continue
		}
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		event := eventlog.Event{
			UUID:         task.Run,
			EventType:    eventlog.EventFlowCompletion,
			CurrentState: eventlog.StateComplete,
			Payload:      map[string]any{"task": task.Parameters},
		}
		if _, err := pub.Publish(ctx, task.Thread, event); err != nil {
			logger.Warn(ctx, "local worker publish failed", "thread", task.Thread, "run", task.Run, "error", err.Error())
		}
	}
}
