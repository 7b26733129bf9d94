// Package streamsession implements the per-connection state machine (spec
// §4.5) that turns a thread's Event Log into a sequence of SSE frames:
// AWAIT_LOG -> REPLAY -> TAIL -> TERMINAL. One Session serves exactly one
// HTTP SSE connection, grounded on the teacher's Pulse consume-goroutine
// shape (features/stream/pulse/subscriber.go) and on
// ashureev-shsh-labs/internal/agent/handler.go's HandleStream (SSE
// headers, Last-Event-ID, keep-alive ticker, per-connection Done channel).
package streamsession

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentflow/eventgateway/eventlog"
	"github.com/agentflow/eventgateway/gatewayerr"
	"github.com/agentflow/eventgateway/notifier"
	"github.com/agentflow/eventgateway/telemetry"
)

// Reserved system frame type-strings (spec §4.5.4). Must stay disjoint from
// eventlog.EventType's closed business enum (invariant I6).
const (
	FrameWaiting   = "waiting"
	FrameKeepAlive = "keep_alive"
	FrameError     = "error"
	FrameStatus    = "status"
)

// Status values carried by a terminal FrameStatus frame.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
	StatusError     = "error"
)

// Config holds the Stream Session's tunables (spec §6's configuration table).
type Config struct {
	TailBlock                      time.Duration
	KeepAliveInterval              time.Duration
	MessageQueueMaxSize            int
	BusinessTimeout                time.Duration
	ConnectionMaxDuration          time.Duration
	StreamCheckInterval            time.Duration
	ConnectionTimeoutCheckInterval time.Duration
}

// DefaultConfig returns conservative defaults matching the scenarios in
// spec §8 (business_timeout_minutes=2, connection_max_duration_minutes=30,
// keep_alive_interval=15).
func DefaultConfig() Config {
	return Config{
		TailBlock:                      5 * time.Second,
		KeepAliveInterval:              15 * time.Second,
		MessageQueueMaxSize:            256,
		BusinessTimeout:                2 * time.Minute,
		ConnectionMaxDuration:          30 * time.Minute,
		StreamCheckInterval:            1 * time.Second,
		ConnectionTimeoutCheckInterval: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TailBlock <= 0 {
		c.TailBlock = d.TailBlock
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.MessageQueueMaxSize <= 0 {
		c.MessageQueueMaxSize = d.MessageQueueMaxSize
	}
	if c.BusinessTimeout <= 0 {
		c.BusinessTimeout = d.BusinessTimeout
	}
	if c.ConnectionMaxDuration <= 0 {
		c.ConnectionMaxDuration = d.ConnectionMaxDuration
	}
	if c.StreamCheckInterval <= 0 {
		c.StreamCheckInterval = d.StreamCheckInterval
	}
	if c.ConnectionTimeoutCheckInterval <= 0 {
		c.ConnectionTimeoutCheckInterval = d.ConnectionTimeoutCheckInterval
	}
	return c
}

// Frame is a single SSE wire frame (spec §4.5.4): "event: <Event>\ndata:
// <Data>\n\n".
type Frame struct {
	Event string
	Data  []byte
}

// Emitter yields one frame to the transport. Implementations must treat a
// returned error as "client went away" (streamsession wraps it as
// ClientDisconnected and stops).
type Emitter func(Frame) error

// Options configures a Session.
type Options struct {
	Log      eventlog.Log
	Notifier notifier.Notifier
	Config   Config
	Logger   telemetry.Logger
	Tracer   telemetry.Tracer
}

// Session runs the state machine of spec §4.5 for a single connection.
type Session struct {
	log      eventlog.Log
	notifier notifier.Notifier
	cfg      Config
	logger   telemetry.Logger
	tracer   telemetry.Tracer
}

// New builds a Session from opts. Logger/Tracer default to no-ops.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Session{
		log:      opts.Log,
		notifier: opts.Notifier,
		cfg:      opts.Config.withDefaults(),
		logger:   logger,
		tracer:   tracer,
	}
}

// Connected is an optional out-of-band client-disconnect probe, checked on
// every timeout-monitor tick in addition to ctx.Done(). Returns false when
// the client is known to be gone. May be nil.
type Connected func() bool

type itemKind int

const (
	itemData itemKind = iota
	itemKeepAlive
	itemControl
	itemCheckTimeout
	itemFatal
)

type queueItem struct {
	kind    itemKind
	entry   eventlog.Entry
	control notifier.ControlPayload
	err     *gatewayerr.Error
}

// Run drives thread's state machine from cursor (eventlog.ZeroPosition for
// a fresh connection) until a terminal transition, a client disconnect, a
// timeout, or a backend error. It always returns after emitting its last
// frame; callers do not need to inspect the returned error to know the
// connection is done. A caller that has not yet written a response can use
// it to pick an HTTP status code; httpapi writes its SSE headers before
// calling Run and only logs the returned error.
func (s *Session) Run(ctx context.Context, thread string, cursor eventlog.Position, connected Connected, emit Emitter) error {
	ctx, span := s.tracer.Start(ctx, "streamsession.run")
	defer span.End()

	start := time.Now()

	// AWAIT_LOG
	exists, err := s.log.Exists(ctx, thread)
	if err != nil {
		return s.fatal(span, gatewayerr.Wrap(gatewayerr.LogBackendError, "check log existence", err))
	}
	if !exists {
		if err := emit(waitingFrame()); err != nil {
			return s.disconnected(span, err)
		}
	}
	for !exists {
		if time.Since(start) > s.cfg.BusinessTimeout {
			return s.fatal(span, gatewayerr.New(gatewayerr.TimeoutExceeded, "await_log timed out waiting for thread to start streaming"))
		}
		select {
		case <-ctx.Done():
			return s.disconnected(span, ctx.Err())
		case <-time.After(s.cfg.StreamCheckInterval):
		}
		exists, err = s.log.Exists(ctx, thread)
		if err != nil {
			return s.fatal(span, gatewayerr.Wrap(gatewayerr.LogBackendError, "check log existence", err))
		}
	}

	// REPLAY
	entries, err := s.log.Range(ctx, thread, cursor)
	if err != nil {
		return s.fatal(span, gatewayerr.Wrap(gatewayerr.LogBackendError, "replay range", err))
	}
	lastBusinessAt := time.Now()
	for _, e := range entries {
		done, terr := s.deliver(emit, e, &cursor, &lastBusinessAt)
		if terr != nil {
			return s.disconnected(span, terr)
		}
		if done {
			return nil
		}
	}

	// TAIL
	return s.tail(ctx, thread, cursor, start, lastBusinessAt, connected, emit, span)
}

func (s *Session) tail(ctx context.Context, thread string, cursor eventlog.Position, start time.Time,
	lastBusinessAt time.Time, connected Connected, emit Emitter, span telemetry.Span) error {

	subCtx, cancel := context.WithCancel(ctx)

	handle, err := s.notifier.Subscribe(subCtx, thread)
	if err != nil {
		cancel()
		return s.fatal(span, gatewayerr.Wrap(gatewayerr.NotifierBackendError, "subscribe", err))
	}

	queue := make(chan queueItem, s.cfg.MessageQueueMaxSize)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.readerLoop(subCtx, handle, thread, cursor, queue) }()
	go func() { defer wg.Done(); s.keepAliveLoop(subCtx, queue) }()
	go func() { defer wg.Done(); s.timeoutLoop(subCtx, queue) }()

	// Cancellation order matters: cancel the subtask context first (so the
	// reader's in-flight Notifier.Next/Log.Tail call and the ticker loops
	// observe it), then close the handle (unblocks a reader stuck in
	// Next immediately, per Handle.Close's contract), then wait for every
	// subtask to actually return before this method does (spec §5: every
	// subtask completes its cleanup before the session returns).
	defer func() {
		cancel()
		_ = handle.Close()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return s.disconnected(span, ctx.Err())
		case item := <-queue:
			switch item.kind {
			case itemFatal:
				return s.fatal(span, item.err)
			case itemCheckTimeout:
				if connected != nil && !connected() {
					return s.disconnected(span, fmt.Errorf("client disconnected"))
				}
				now := time.Now()
				if now.Sub(lastBusinessAt) > s.cfg.BusinessTimeout {
					return s.fatal(span, gatewayerr.New(gatewayerr.TimeoutExceeded, "business-event inactivity timeout"))
				}
				if now.Sub(start) > s.cfg.ConnectionMaxDuration {
					return s.fatal(span, gatewayerr.New(gatewayerr.TimeoutExceeded, "absolute connection duration exceeded"))
				}
			case itemKeepAlive:
				if err := emit(keepAliveFrame()); err != nil {
					return s.disconnected(span, err)
				}
			case itemControl:
				_ = emit(statusFrame(statusFromControl(item.control), ""))
				return nil
			case itemData:
				done, terr := s.deliver(emit, item.entry, &cursor, &lastBusinessAt)
				if terr != nil {
					return s.disconnected(span, terr)
				}
				if done {
					return nil
				}
			}
		}
	}
}

// deliver emits a single replayed or tailed entry, advancing cursor and the
// business-inactivity clock, and reports whether the session reached
// TERMINAL (a synthetic status frame was already emitted in that case).
func (s *Session) deliver(emit Emitter, e eventlog.Entry, cursor *eventlog.Position, lastBusinessAt *time.Time) (terminal bool, err error) {
	if e.Event.EventType == eventlog.EventDecodeError {
		// spec §4.5.5: a single corrupt entry produces a non-terminating
		// error frame; the reader moves on to the next position.
		if err := emit(errorFrame("failed to decode stored event")); err != nil {
			return false, err
		}
		*cursor = e.Position
		return false, nil
	}

	if err := emit(businessFrame(e.Event)); err != nil {
		return false, err
	}
	*cursor = e.Position
	*lastBusinessAt = time.Now()

	if e.Event.IsTerminal() {
		status := StatusCompleted
		if e.Event.CurrentState == eventlog.StateError {
			status = StatusFailed
		}
		_ = emit(statusFrame(status, ""))
		return true, nil
	}
	return false, nil
}

func (s *Session) readerLoop(ctx context.Context, handle notifier.Handle, thread string, from eventlog.Position, queue chan<- queueItem) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		next, err := handle.Next(ctx, s.cfg.TailBlock)
		if err != nil {
			sendFatal(ctx, queue, gatewayerr.Wrap(gatewayerr.NotifierBackendError, "notifier next", err))
			return
		}
		switch next.Kind {
		case notifier.Closed:
			return
		case notifier.Timeout:
			continue
		case notifier.Control:
			select {
			case queue <- queueItem{kind: itemControl, control: next.Control}:
			case <-ctx.Done():
			}
			return
		case notifier.DataArrived:
			entries, err := s.log.Tail(ctx, thread, from, s.cfg.TailBlock)
			if err != nil {
				sendFatal(ctx, queue, gatewayerr.Wrap(gatewayerr.LogBackendError, "tail", err))
				return
			}
			for _, e := range entries {
				// Reader producers do not drop (spec §5 back-pressure): a
				// full queue blocks the reader, throttling the tail.
				select {
				case queue <- queueItem{kind: itemData, entry: e}:
					from = e.Position
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func sendFatal(ctx context.Context, queue chan<- queueItem, err *gatewayerr.Error) {
	select {
	case queue <- queueItem{kind: itemFatal, err: err}:
	case <-ctx.Done():
	}
}

func (s *Session) keepAliveLoop(ctx context.Context, queue chan<- queueItem) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case queue <- queueItem{kind: itemKeepAlive}:
			default:
				// spec B2: drop keep-alives when the queue is full rather
				// than block the ticker.
			}
		}
	}
}

func (s *Session) timeoutLoop(ctx context.Context, queue chan<- queueItem) {
	ticker := time.NewTicker(s.cfg.ConnectionTimeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case queue <- queueItem{kind: itemCheckTimeout}:
			default:
				// a dropped check tick is harmless; the next one retries.
			}
		}
	}
}

func (s *Session) fatal(span telemetry.Span, err *gatewayerr.Error) error {
	span.RecordError(err)
	return err
}

func (s *Session) disconnected(span telemetry.Span, cause error) error {
	err := gatewayerr.Wrap(gatewayerr.ClientDisconnected, "client disconnected", cause)
	span.AddEvent("streamsession.client_disconnected")
	return err
}

func statusFromControl(c notifier.ControlPayload) string {
	switch c {
	case notifier.Stop:
		return StatusStopped
	case notifier.ErrorSignal:
		return StatusError
	default:
		return StatusCompleted
	}
}

func businessFrame(e eventlog.Event) Frame {
	data, err := json.Marshal(e)
	if err != nil {
		return errorFrame("failed to encode event")
	}
	return Frame{Event: string(e.EventType), Data: data}
}

func waitingFrame() Frame {
	return Frame{Event: FrameWaiting, Data: []byte(`{"type":"waiting"}`)}
}

func keepAliveFrame() Frame {
	return Frame{Event: FrameKeepAlive, Data: []byte(`{"type":"keep_alive"}`)}
}

func errorFrame(message string) Frame {
	data, _ := json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{Type: FrameError, Message: message})
	return Frame{Event: FrameError, Data: data}
}

type statusPayload struct {
	Type    string  `json:"type"`
	Status  string  `json:"status"`
	Message *string `json:"message,omitempty"`
}

func statusFrame(status, message string) Frame {
	var msg *string
	if message != "" {
		msg = &message
	}
	data, _ := json.Marshal(statusPayload{Type: FrameStatus, Status: status, Message: msg})
	return Frame{Event: FrameStatus, Data: data}
}
