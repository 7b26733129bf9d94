// Package eventlog defines the durable, ordered per-thread event store
// abstraction (spec §4.1) that both coexisting backends — the append-only
// stream variant (eventlog/streamlog) and the indexed list+pubsub variant
// (eventlog/listlog) — implement. Callers (Publisher, Stream Session) code
// against Log only; cursors are opaque tokens the backend defines.
package eventlog

import (
	"context"
	"errors"
	"time"
)

// EventType is the closed enum of business event kinds a worker can
// publish. System frame type-strings (waiting, keep_alive, error, status)
// are reserved and must never collide with these (spec invariant I6); that
// disjointness is enforced by streamsession, which owns the system frame
// vocabulary.
type EventType string

const (
	// EventAssistantResponse carries a synthesized assistant reply chunk.
	EventAssistantResponse EventType = "assistant_response"
	// EventToolCall announces a tool invocation the worker is making.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries the result of a tool invocation.
	EventToolResult EventType = "tool_result"
	// EventFlowCompletion marks the end of an agent flow/turn.
	EventFlowCompletion EventType = "flow_completion"
	// EventSandboxStatus reports sandbox lifecycle/health updates.
	EventSandboxStatus EventType = "sandbox_status"
	// EventDecodeError is not a business event a worker can publish; a Log
	// backend uses it to stand in for a stored entry that failed to decode
	// (spec §4.5.5). streamsession recognizes it and emits a non-terminating
	// error frame regardless of CurrentState, so a corrupt entry never
	// masquerades as a terminal business event.
	EventDecodeError EventType = "error"
)

// State is the event's current lifecycle state.
type State string

const (
	// StateInit is the initial state of a freshly created event.
	StateInit State = "init"
	// StateProcessing indicates the event's work is in progress.
	StateProcessing State = "processing"
	// StateInterrupt indicates the event was interrupted (e.g. by a
	// client-initiated stop) before reaching a terminal state.
	StateInterrupt State = "interrupt"
	// StateComplete is a terminal success state.
	StateComplete State = "complete"
	// StateError is a terminal failure state.
	StateError State = "error"
)

// ExecuteResultType discriminates the ExecuteResult tagged union.
type ExecuteResultType string

const (
	// ExecuteResultText carries plain synthesized text output.
	ExecuteResultText ExecuteResultType = "text"
	// ExecuteResultToolOutput carries a tool's raw JSON output.
	ExecuteResultToolOutput ExecuteResultType = "tool_output"
	// ExecuteResultSandbox carries a sandbox status string.
	ExecuteResultSandbox ExecuteResultType = "sandbox"
	// ExecuteResultError carries an error description.
	ExecuteResultError ExecuteResultType = "error"
)

// ExecuteResult is a discriminated union over tool execution result
// variants (spec §9 "tagged union of tool execution results"). Only the
// field matching ExecuteType is populated; the rest are omitted on the
// wire via null-suppression.
type ExecuteResult struct {
	ExecuteType ExecuteResultType `json:"execute_type"`
	Text        *string           `json:"text,omitempty"`
	ToolOutput  map[string]any    `json:"tool_output,omitempty"`
	Sandbox     *string           `json:"sandbox,omitempty"`
	Error       *string           `json:"error,omitempty"`
}

// Event is the unit of streamed data (spec §3).
type Event struct {
	// UUID is a stable, domain-prefixed identifier, unique within a
	// thread's log. Re-publishing the same UUID overwrites in place
	// (spec §4.1 upsert-by-UUID).
	UUID string `json:"uuid"`
	// EventType is the closed business event kind.
	EventType EventType `json:"event_type"`
	// CurrentState is the event's lifecycle state.
	CurrentState State `json:"current_state"`
	// ErrorFlag marks the event as carrying an error even when
	// CurrentState is not itself StateError (e.g. a recoverable warning).
	ErrorFlag bool `json:"error_flag,omitempty"`
	// ExecuteStartAt records when execution of the underlying work began.
	ExecuteStartAt *time.Time `json:"execute_start_at,omitempty"`
	// ExecuteEndAt is set by Publisher when the event becomes terminal.
	ExecuteEndAt *time.Time `json:"execute_end_at,omitempty"`
	// CreateAt is set by Publisher on first publish of this UUID.
	CreateAt *time.Time `json:"create_at,omitempty"`
	// ModifyAt is updated by Publisher on every publish of this UUID.
	ModifyAt *time.Time `json:"modify_at,omitempty"`
	// ExecuteResult carries the tagged-union payload for this event.
	ExecuteResult *ExecuteResult `json:"execute_result,omitempty"`
	// Payload carries event-type-specific business fields not covered by
	// the closed model above (assistant text chunks, tool call arguments,
	// flow completion summaries, ...).
	Payload map[string]any `json:"payload,omitempty"`
}

// IsTerminal reports whether the event's CurrentState is a terminal state
// (spec: current_state ∈ {complete, error}).
func (e Event) IsTerminal() bool {
	return e.CurrentState == StateComplete || e.CurrentState == StateError
}

// Position is an opaque cursor identifying a point in a thread's log.
// Backends define their own encoding (a Redis stream entry ID string for
// the stream variant, a decimal integer string for the list variant);
// callers never parse a Position, they only pass it back.
type Position string

// ZeroPosition is the sentinel meaning "from the beginning of the log".
const ZeroPosition Position = ""

// Entry pairs a stored Event with the Position it was delivered at.
type Entry struct {
	Position Position
	Event    Event
}

// ErrUnsupported is reserved for Log operations a given backend cannot
// support at all. Both shipped backends implement every method of Log
// (the stream variant derives Length from XLEN even though spec §4.1
// calls out Length as primarily a list-variant resume aid), so neither
// returns it today; it exists for future backends with a narrower
// feature set.
var ErrUnsupported = errors.New("eventlog: operation not supported by this backend")

// Log is the storage-agnostic Event Log interface (spec §4.1). All
// operations fail with a *gatewayerr.Error of Kind LogBackendError on
// storage unavailability; callers must treat that as connection-terminating.
type Log interface {
	// Exists reports whether a log has been created for thread.
	Exists(ctx context.Context, thread string) (bool, error)
	// Append is idempotent on Event.UUID: a colliding UUID overwrites in
	// place and returns the original Position; otherwise the event is
	// appended and its new Position returned. Append sets CreateAt on
	// first write, always bumps ModifyAt, sets ExecuteEndAt when the
	// event is (or becomes) terminal, and refreshes the backend TTL.
	Append(ctx context.Context, thread string, event Event) (Position, error)
	// Range returns entries strictly after from, in position order, up to
	// the backend's configured read_count.
	Range(ctx context.Context, thread string, from Position) ([]Entry, error)
	// Tail blocks up to blockFor for entries strictly after from, in
	// position order. May return an empty slice on timeout; callers must
	// treat an empty result as "nothing new yet", not an error.
	Tail(ctx context.Context, thread string, from Position, blockFor time.Duration) ([]Entry, error)
	// Length returns the number of entries in thread's log. The list
	// variant uses it for integer-cursor resume; the stream variant
	// reports its current stream length.
	Length(ctx context.Context, thread string) (int64, error)
}
