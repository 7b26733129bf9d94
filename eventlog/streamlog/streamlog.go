// Package streamlog implements the stream-variant Event Log backend: an
// append-only ordered log per thread, keyed `<prefix>.<thread>` (thread
// mode) or `<prefix>.<thread>.<run>` (legacy), backed by a
// goa.design/pulse stream for writes and direct Redis stream commands for
// range/tail reads.
//
// Redis streams are append-only: there is no primitive to rewrite an
// existing entry's fields in place. UUID-upsert (spec §4.1) is therefore
// layered on top: the first publish of a UUID gets a real stream entry and
// its Redis-assigned ID becomes that UUID's permanent Position; every
// later publish of the same UUID only updates a side "latest content"
// hash, never the stream itself. Range and Tail substitute the latest
// content for the UUID's original position when serving reads, so readers
// observe the newest revision at the position it first appeared at — which
// is exactly "overwrite in place, no reordering" (spec invariant I4)
// without requiring an in-place stream mutation Redis cannot offer.
package streamlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentflow/eventgateway/eventlog"
	"github.com/agentflow/eventgateway/eventlog/streamlog/clients/pulse"
	"github.com/agentflow/eventgateway/gatewayerr"
)

// Options configures a stream-variant Log.
type Options struct {
	// Client is the Pulse client used to append entries. Required.
	Client pulse.Client
	// Redis is the Redis connection backing Client, used directly for
	// range/tail reads and the UUID-upsert side tables. Required.
	Redis *redis.Client
	// Prefix is the stream key prefix (spec "log_prefix"). Defaults to
	// "agent_run".
	Prefix string
	// MaxLogLength bounds retained entries per thread (spec
	// "max_log_length"); zero disables trimming.
	MaxLogLength int64
	// ThreadTTL refreshes on every append; zero disables TTL.
	ThreadTTL time.Duration
}

// Log is the stream-variant eventlog.Log implementation.
type Log struct {
	client    pulse.Client
	rdb       *redis.Client
	prefix    string
	maxLen    int64
	threadTTL time.Duration
}

// New constructs a stream-variant Log.
func New(opts Options) (*Log, error) {
	if opts.Client == nil {
		return nil, errors.New("streamlog: pulse client is required")
	}
	if opts.Redis == nil {
		return nil, errors.New("streamlog: redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "agent_run"
	}
	return &Log{
		client:    opts.Client,
		rdb:       opts.Redis,
		prefix:    prefix,
		maxLen:    opts.MaxLogLength,
		threadTTL: opts.ThreadTTL,
	}, nil
}

func (l *Log) streamName(thread string) string {
	return fmt.Sprintf("%s.%s", l.prefix, thread)
}

// redisKeyForStream mirrors Pulse's own key derivation: stream data lives
// under the "pulse:stream:<name>" Redis key.
func redisKeyForStream(name string) string {
	return fmt.Sprintf("pulse:stream:%s", name)
}

func uuidIndexKey(name string) string {
	return fmt.Sprintf("pulse:stream:%s:uuid-index", name)
}

func latestContentKey(name string) string {
	return fmt.Sprintf("pulse:stream:%s:latest", name)
}

// Exists implements eventlog.Log.
func (l *Log) Exists(ctx context.Context, thread string) (bool, error) {
	key := redisKeyForStream(l.streamName(thread))
	n, err := l.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, gatewayerr.Wrap(gatewayerr.LogBackendError, "check stream existence", err)
	}
	return n > 0, nil
}

// Append implements eventlog.Log.
func (l *Log) Append(ctx context.Context, thread string, event eventlog.Event) (eventlog.Position, error) {
	name := l.streamName(thread)
	now := time.Now().UTC()

	idxKey := uuidIndexKey(name)
	existingPos, err := l.rdb.HGet(ctx, idxKey, event.UUID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "lookup uuid index", err)
	}
	colliding := err == nil

	if colliding {
		if event.CreateAt == nil {
			event.CreateAt = &now
		}
		event.ModifyAt = &now
		if event.IsTerminal() && event.ExecuteEndAt == nil {
			event.ExecuteEndAt = &now
		}
		payload, mErr := json.Marshal(event)
		if mErr != nil {
			return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "marshal event", mErr)
		}
		if err := l.rdb.HSet(ctx, latestContentKey(name), event.UUID, payload).Err(); err != nil {
			return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "update latest content", err)
		}
		l.refreshTTL(ctx, name)
		return eventlog.Position(existingPos), nil
	}

	event.CreateAt = &now
	event.ModifyAt = &now
	if event.IsTerminal() && event.ExecuteEndAt == nil {
		event.ExecuteEndAt = &now
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "marshal event", err)
	}

	stream, err := l.client.Stream(name)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "open stream", err)
	}
	entryID, err := stream.Add(ctx, string(event.EventType), payload)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "append entry", err)
	}

	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, idxKey, event.UUID, entryID)
	pipe.HSet(ctx, latestContentKey(name), event.UUID, payload)
	if l.maxLen > 0 {
		pipe.XTrimMaxLenApprox(ctx, redisKeyForStream(name), l.maxLen, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", gatewayerr.Wrap(gatewayerr.LogBackendError, "record uuid index", err)
	}
	l.refreshTTL(ctx, name)

	return eventlog.Position(entryID), nil
}

func (l *Log) refreshTTL(ctx context.Context, name string) {
	if l.threadTTL <= 0 {
		return
	}
	_ = l.rdb.Expire(ctx, redisKeyForStream(name), l.threadTTL).Err()
	_ = l.rdb.Expire(ctx, uuidIndexKey(name), l.threadTTL).Err()
	_ = l.rdb.Expire(ctx, latestContentKey(name), l.threadTTL).Err()
}

// Range implements eventlog.Log.
func (l *Log) Range(ctx context.Context, thread string, from eventlog.Position) ([]eventlog.Entry, error) {
	name := l.streamName(thread)
	start := "-"
	if from != eventlog.ZeroPosition {
		start = "(" + string(from)
	}
	msgs, err := l.rdb.XRange(ctx, redisKeyForStream(name), start, "+").Result()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.LogBackendError, "range read", err)
	}
	return l.decodeEntries(ctx, name, msgs)
}

// Tail implements eventlog.Log.
func (l *Log) Tail(ctx context.Context, thread string, from eventlog.Position, blockFor time.Duration) ([]eventlog.Entry, error) {
	name := l.streamName(thread)
	id := "0"
	if from != eventlog.ZeroPosition {
		id = string(from)
	}
	res, err := l.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{redisKeyForStream(name), id},
		Block:   blockFor,
		Count:   0,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, gatewayerr.Wrap(gatewayerr.LogBackendError, "tail read", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return l.decodeEntries(ctx, name, res[0].Messages)
}

// Length implements eventlog.Log. The stream variant tracks length only
// incidentally (via XLEN); the list variant is the authoritative source
// for resume-by-integer-index cursors, so this is exposed for
// completeness/observability rather than normal resume handling.
func (l *Log) Length(ctx context.Context, thread string) (int64, error) {
	name := l.streamName(thread)
	n, err := l.rdb.XLen(ctx, redisKeyForStream(name)).Result()
	if err != nil {
		return 0, gatewayerr.Wrap(gatewayerr.LogBackendError, "length", err)
	}
	return n, nil
}

func (l *Log) decodeEntries(ctx context.Context, name string, msgs []redis.XMessage) ([]eventlog.Entry, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	out := make([]eventlog.Entry, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["data"]
		if !ok {
			for _, v := range m.Values {
				raw = v
				break
			}
		}
		rawStr, _ := raw.(string)

		var ev eventlog.Event
		if err := json.Unmarshal([]byte(rawStr), &ev); err != nil {
			out = append(out, eventlog.Entry{Position: eventlog.Position(m.ID), Event: eventlog.Event{
				EventType:    eventlog.EventDecodeError,
				CurrentState: eventlog.StateError,
				ErrorFlag:    true,
			}})
			continue
		}

		if latest, err := l.rdb.HGet(ctx, latestContentKey(name), ev.UUID).Result(); err == nil {
			var newer eventlog.Event
			if json.Unmarshal([]byte(latest), &newer) == nil {
				ev = newer
			}
		}

		out = append(out, eventlog.Entry{Position: eventlog.Position(m.ID), Event: ev})
	}
	return out, nil
}
