// Package listlog implements the list+pubsub variant of the Event Log: an
// ordered Redis list per thread (`agent_run:<thread>:responses`), each
// element a JSON blob `{type, uuid, data, timestamp}`, addressed by
// integer index cursors (spec §3). Grounded on the key-derivation and
// redis.Nil-handling idioms in the teacher's registry/result_stream.go.
//
// Redis LTRIM (bounded retention) shifts physical list indices, so a
// client-visible Position cannot be a raw list index: it would silently
// start referring to a different entry after a trim. Positions here are
// therefore absolute, monotonically increasing counters; a per-thread
// "base" offset (the position of index 0) tracks how far the list has
// been trimmed, and Range/Tail translate between absolute position and
// physical index via that offset. A stale cursor behind the retention
// window is clamped to index 0, which is exactly the "surviving suffix
// only" behavior spec boundary property B1 requires.
package listlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentflow/eventgateway/eventlog"
	"github.com/agentflow/eventgateway/gatewayerr"
)

// Options configures a list-variant Log.
type Options struct {
	// Redis is the Redis connection backing the log. Required.
	Redis *redis.Client
	// MaxLogLength bounds retained entries per thread; zero disables
	// trimming.
	MaxLogLength int64
	// ReadCount bounds entries returned per Range/Tail call; zero means
	// unbounded.
	ReadCount int64
	// ThreadTTL refreshes on every append; zero disables TTL.
	ThreadTTL time.Duration
	// PollInterval is how often Tail re-checks the list while waiting for
	// new entries. Defaults to 100ms.
	PollInterval time.Duration
}

// Log is the list-variant eventlog.Log implementation.
type Log struct {
	rdb          *redis.Client
	maxLen       int64
	readCount    int64
	threadTTL    time.Duration
	pollInterval time.Duration
}

// New constructs a list-variant Log.
func New(opts Options) (*Log, error) {
	if opts.Redis == nil {
		return nil, errors.New("listlog: redis client is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Log{
		rdb:          opts.Redis,
		maxLen:       opts.MaxLogLength,
		readCount:    opts.ReadCount,
		threadTTL:    opts.ThreadTTL,
		pollInterval: poll,
	}, nil
}

type blob struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func listKey(thread string) string      { return fmt.Sprintf("agent_run:%s:responses", thread) }
func baseKey(thread string) string      { return fmt.Sprintf("agent_run:%s:responses:base", thread) }
func uuidIndexKey(thread string) string { return fmt.Sprintf("agent_run:%s:responses:uuid-index", thread) }

// NewResponseChannel is the pub/sub channel key for data-arrival
// notifications on thread, shared with notifier/listnotifier.
func NewResponseChannel(thread string) string {
	return fmt.Sprintf("agent_run:%s:new_response", thread)
}

// ControlChannel is the pub/sub channel key for terminal control signals
// on thread, shared with notifier/listnotifier.
func ControlChannel(thread string) string {
	return fmt.Sprintf("agent_run:%s:control", thread)
}

// Exists implements eventlog.Log.
func (l *Log) Exists(ctx context.Context, thread string) (bool, error) {
	n, err := l.rdb.Exists(ctx, listKey(thread)).Result()
	if err != nil {
		return false, gatewayerr.Wrap(gatewayerr.LogBackendError, "check list existence", err)
	}
	return n > 0, nil
}

func (l *Log) base(ctx context.Context, thread string) (int64, error) {
	v, err := l.rdb.Get(ctx, baseKey(thread)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Append implements eventlog.Log.
func (l *Log) Append(ctx context.Context, thread string, event eventlog.Event) (eventlog.Position, error) {
	now := time.Now().UTC()
	if event.CreateAt == nil {
		event.CreateAt = &now
	}
	event.ModifyAt = &now
	if event.IsTerminal() && event.ExecuteEndAt == nil {
		event.ExecuteEndAt = &now
	}

	data, err := json.Marshal(event)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "marshal event", err)
	}
	b := blob{Type: string(event.EventType), UUID: event.UUID, Data: data, Timestamp: now}
	payload, err := json.Marshal(b)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "marshal blob", err)
	}

	idxKey := uuidIndexKey(thread)
	existingPosStr, err := l.rdb.HGet(ctx, idxKey, event.UUID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "lookup uuid index", err)
	}
	if err == nil {
		existingPos, perr := strconv.ParseInt(existingPosStr, 10, 64)
		if perr != nil {
			return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "parse uuid index", perr)
		}
		base, berr := l.base(ctx, thread)
		if berr != nil {
			return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "read base", berr)
		}
		listIdx := existingPos - base
		length, lerr := l.rdb.LLen(ctx, listKey(thread)).Result()
		if lerr != nil {
			return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "length for overwrite", lerr)
		}
		if listIdx >= 0 && listIdx < length {
			if err := l.rdb.LSet(ctx, listKey(thread), listIdx, payload).Err(); err != nil {
				return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "overwrite entry", err)
			}
			l.refreshTTL(ctx, thread)
			return eventlog.Position(strconv.FormatInt(existingPos, 10)), nil
		}
		// The original position has already been trimmed away; fall
		// through and treat this as a fresh append (spec §4.1 allows
		// entries behind the retention window to behave as if new).
	}

	pos, err := l.push(ctx, thread, payload)
	if err != nil {
		return "", err
	}
	if err := l.rdb.HSet(ctx, idxKey, event.UUID, pos).Err(); err != nil {
		return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "record uuid index", err)
	}
	l.refreshTTL(ctx, thread)
	return eventlog.Position(strconv.FormatInt(pos, 10)), nil
}

func (l *Log) push(ctx context.Context, thread string, payload []byte) (int64, error) {
	key := listKey(thread)
	length, err := l.rdb.RPush(ctx, key, payload).Result()
	if err != nil {
		return 0, gatewayerr.Wrap(gatewayerr.LogBackendError, "append entry", err)
	}
	base, err := l.base(ctx, thread)
	if err != nil {
		return 0, gatewayerr.Wrap(gatewayerr.LogBackendError, "read base", err)
	}
	pos := base + length - 1

	if l.maxLen > 0 && length > l.maxLen {
		trim := length - l.maxLen
		if err := l.rdb.LTrim(ctx, key, trim, -1).Err(); err != nil {
			return 0, gatewayerr.Wrap(gatewayerr.LogBackendError, "trim list", err)
		}
		if err := l.rdb.IncrBy(ctx, baseKey(thread), trim).Err(); err != nil {
			return 0, gatewayerr.Wrap(gatewayerr.LogBackendError, "advance base", err)
		}
	}
	return pos, nil
}

func (l *Log) refreshTTL(ctx context.Context, thread string) {
	if l.threadTTL <= 0 {
		return
	}
	_ = l.rdb.Expire(ctx, listKey(thread), l.threadTTL).Err()
	_ = l.rdb.Expire(ctx, baseKey(thread), l.threadTTL).Err()
	_ = l.rdb.Expire(ctx, uuidIndexKey(thread), l.threadTTL).Err()
}

// Range implements eventlog.Log.
func (l *Log) Range(ctx context.Context, thread string, from eventlog.Position) ([]eventlog.Entry, error) {
	base, err := l.base(ctx, thread)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.LogBackendError, "read base", err)
	}
	length, err := l.rdb.LLen(ctx, listKey(thread)).Result()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.LogBackendError, "length", err)
	}

	startIdx := int64(0)
	if from != eventlog.ZeroPosition {
		fromPos, perr := strconv.ParseInt(string(from), 10, 64)
		if perr != nil {
			return nil, gatewayerr.Wrap(gatewayerr.ParseError, "parse cursor", perr)
		}
		startIdx = fromPos + 1 - base
		if startIdx < 0 {
			startIdx = 0
		}
	}
	if startIdx >= length {
		return nil, nil
	}
	endIdx := length - 1
	if l.readCount > 0 && endIdx-startIdx+1 > l.readCount {
		endIdx = startIdx + l.readCount - 1
	}

	raw, err := l.rdb.LRange(ctx, listKey(thread), startIdx, endIdx).Result()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.LogBackendError, "range read", err)
	}
	out := make([]eventlog.Entry, 0, len(raw))
	for i, item := range raw {
		pos := base + startIdx + int64(i)
		var b blob
		if err := json.Unmarshal([]byte(item), &b); err != nil {
			out = append(out, eventlog.Entry{
				Position: eventlog.Position(strconv.FormatInt(pos, 10)),
				Event:    eventlog.Event{EventType: eventlog.EventDecodeError, CurrentState: eventlog.StateError, ErrorFlag: true},
			})
			continue
		}
		var ev eventlog.Event
		if err := json.Unmarshal(b.Data, &ev); err != nil {
			out = append(out, eventlog.Entry{
				Position: eventlog.Position(strconv.FormatInt(pos, 10)),
				Event:    eventlog.Event{EventType: eventlog.EventDecodeError, CurrentState: eventlog.StateError, ErrorFlag: true},
			})
			continue
		}
		out = append(out, eventlog.Entry{Position: eventlog.Position(strconv.FormatInt(pos, 10)), Event: ev})
	}
	return out, nil
}

// Tail implements eventlog.Log by polling Range at l.pollInterval until
// either new entries appear or blockFor elapses.
func (l *Log) Tail(ctx context.Context, thread string, from eventlog.Position, blockFor time.Duration) ([]eventlog.Entry, error) {
	deadline := time.Now().Add(blockFor)
	for {
		entries, err := l.Range(ctx, thread, from)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 || blockFor <= 0 {
			return entries, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := l.pollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, gatewayerr.Wrap(gatewayerr.LogBackendError, "tail cancelled", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Length implements eventlog.Log, returning the total number of entries
// ever appended (base offset plus current list length). Positions start at
// 0, so Length-1 is the position of the last stored entry: passing that as
// `from` to Range/Tail yields nothing already stored, only future appends.
// The next append is stored at position Length.
func (l *Log) Length(ctx context.Context, thread string) (int64, error) {
	base, err := l.base(ctx, thread)
	if err != nil {
		return 0, gatewayerr.Wrap(gatewayerr.LogBackendError, "read base", err)
	}
	length, err := l.rdb.LLen(ctx, listKey(thread)).Result()
	if err != nil {
		return 0, gatewayerr.Wrap(gatewayerr.LogBackendError, "length", err)
	}
	return base + length, nil
}
