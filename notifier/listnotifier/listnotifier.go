// Package listnotifier implements notifier.Notifier for the list+pubsub
// variant: two independent Redis pub/sub channels per thread, "new_response"
// and "control", multiplexed into a single Go channel per subscription.
// Grounded on the teacher's Subscriber.consume goroutine-plus-channel
// pattern (features/stream/pulse/subscriber.go, now adapted into
// notifier/streamnotifier for the stream variant) applied to go-redis
// pub/sub instead of a Pulse sink.
package listnotifier

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentflow/eventgateway/eventlog/listlog"
	"github.com/agentflow/eventgateway/gatewayerr"
	"github.com/agentflow/eventgateway/notifier"
)

// Notifier adapts Redis pub/sub into a notifier.Notifier.
type Notifier struct {
	rdb *redis.Client
}

// New constructs a list-variant Notifier backed by rdb.
func New(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// PublishData implements notifier.Notifier by publishing an opaque marker
// on thread's new_response channel.
func (n *Notifier) PublishData(ctx context.Context, thread string) error {
	if err := n.rdb.Publish(ctx, listlog.NewResponseChannel(thread), "1").Err(); err != nil {
		return gatewayerr.Wrap(gatewayerr.NotifierBackendError, "publish data", err)
	}
	return nil
}

// PublishControl implements notifier.Notifier by publishing payload on
// thread's control channel.
func (n *Notifier) PublishControl(ctx context.Context, thread string, payload notifier.ControlPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.NotifierBackendError, "marshal control payload", err)
	}
	if err := n.rdb.Publish(ctx, listlog.ControlChannel(thread), body).Err(); err != nil {
		return gatewayerr.Wrap(gatewayerr.NotifierBackendError, "publish control", err)
	}
	return nil
}

// Subscribe implements notifier.Notifier. It opens both channels and fans
// them into one buffered queue for Next to drain; the fan-in goroutine
// exits when Close is called or the underlying pub/sub channel closes.
// Cancelling ctx does not stop it, so callers must Close the handle.
func (n *Notifier) Subscribe(ctx context.Context, thread string) (notifier.Handle, error) {
	pubsub := n.rdb.Subscribe(ctx, listlog.NewResponseChannel(thread), listlog.ControlChannel(thread))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, gatewayerr.Wrap(gatewayerr.NotifierBackendError, "subscribe", err)
	}

	h := &handle{
		pubsub:       pubsub,
		queue:        make(chan notifier.Next, 16),
		done:         make(chan struct{}),
		controlTopic: listlog.ControlChannel(thread),
	}
	go h.pump()
	return h, nil
}

// handle multiplexes redis.PubSub messages from both channels into queue,
// translating control-channel payloads into notifier.Next{Kind: Control}
// and everything else into notifier.Next{Kind: DataArrived}.
type handle struct {
	pubsub       *redis.PubSub
	queue        chan notifier.Next
	done         chan struct{}
	controlTopic string
	closeOnce    sync.Once
}

func (h *handle) pump() {
	ch := h.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				select {
				case h.queue <- notifier.Next{Kind: notifier.Closed}:
				case <-h.done:
				}
				return
			}
			next := notifier.Next{Kind: notifier.DataArrived}
			if msg.Channel == h.controlTopic {
				var payload notifier.ControlPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err == nil {
					next = notifier.Next{Kind: notifier.Control, Control: payload}
				}
			}
			select {
			case h.queue <- next:
			case <-h.done:
				return
			}
		case <-h.done:
			return
		}
	}
}

// Next implements notifier.Handle.
func (h *handle) Next(ctx context.Context, timeout time.Duration) (notifier.Next, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case next := <-h.queue:
		return next, nil
	case <-timer.C:
		return notifier.Next{Kind: notifier.Timeout}, nil
	case <-ctx.Done():
		return notifier.Next{}, gatewayerr.Wrap(gatewayerr.NotifierBackendError, "next cancelled", ctx.Err())
	case <-h.done:
		return notifier.Next{Kind: notifier.Closed}, nil
	}
}

// Close implements notifier.Handle. Safe to call more than once.
func (h *handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		err = h.pubsub.Close()
	})
	return err
}
