// Package streamnotifier implements notifier.Notifier for the stream
// variant by delegating directly to the Event Log's blocking tail: the
// stream variant has no dedicated control channel (spec §9 Open
// Questions), so control signals are discovered only via the terminal
// event the Publisher is required to write to the log before calling
// publish_control. This mirrors the teacher's Pulse subscriber consume
// pattern (one goroutine draining a channel, decode, forward) but adapted
// to poll-by-tail instead of a Pulse consumer group, since the log itself
// is the only notification surface in this variant.
package streamnotifier

import (
	"context"
	"time"

	"github.com/agentflow/eventgateway/eventlog"
	"github.com/agentflow/eventgateway/gatewayerr"
	"github.com/agentflow/eventgateway/notifier"
)

// Notifier adapts an eventlog.Log into a notifier.Notifier.
type Notifier struct {
	log eventlog.Log
}

// New constructs a stream-variant Notifier backed by log.
func New(log eventlog.Log) *Notifier {
	return &Notifier{log: log}
}

// Subscribe implements notifier.Notifier.
func (n *Notifier) Subscribe(ctx context.Context, thread string) (notifier.Handle, error) {
	return &handle{log: n.log, thread: thread}, nil
}

// PublishData is a no-op: the stream variant has no separate data channel,
// a Reader wakes up by re-tailing the log on its own cadence driven by
// Handle.Next's timeout.
func (n *Notifier) PublishData(_ context.Context, _ string) error {
	return nil
}

// PublishControl is a no-op for the same reason: control is discovered via
// the terminal Event already required to be appended to the log (spec
// §4.2/§4.3). Callers must still append that terminal event through
// Publisher before (or as part of) calling this.
func (n *Notifier) PublishControl(_ context.Context, _ string, _ notifier.ControlPayload) error {
	return nil
}

// handle polls the Event Log via blocking tail, tracking its own cursor
// across Next calls so repeated calls observe monotonically advancing
// positions without the caller needing to track anything beyond the
// events it has already consumed.
type handle struct {
	log    eventlog.Log
	thread string
	cursor eventlog.Position
}

// Next implements notifier.Handle. It never surfaces Control: the caller
// (streamsession) is expected to inspect the entries' terminal state
// itself after a DataArrived result, since that is how this variant
// signals termination.
func (h *handle) Next(ctx context.Context, timeout time.Duration) (notifier.Next, error) {
	entries, err := h.log.Tail(ctx, h.thread, h.cursor, timeout)
	if err != nil {
		return notifier.Next{}, gatewayerr.Wrap(gatewayerr.NotifierBackendError, "tail for next", err)
	}
	if len(entries) == 0 {
		return notifier.Next{Kind: notifier.Timeout}, nil
	}
	h.cursor = entries[len(entries)-1].Position
	return notifier.Next{Kind: notifier.DataArrived}, nil
}

// Close implements notifier.Handle. There is no subscription state to
// release for this variant beyond the cursor held in memory.
func (h *handle) Close() error {
	return nil
}
