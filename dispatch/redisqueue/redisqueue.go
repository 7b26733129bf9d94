// Package redisqueue implements dispatch.Queue as a Redis list, for
// local/dev use when no external broker (Celery, SQS, ...) is wired up.
// Grounded on the same go-redis list idioms as eventlog/listlog: a single
// RPUSH per task, with the queue name fixed to process_flow_data per
// spec.md §6.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentflow/eventgateway/dispatch"
)

// QueueKey is the Redis list key tasks are pushed onto.
const QueueKey = "process_flow_data"

// Queue is a Redis-list-backed dispatch.Queue.
type Queue struct {
	rdb *redis.Client
	key string
}

// Options configures a Queue.
type Options struct {
	// Redis is the connection tasks are pushed through. Required.
	Redis *redis.Client
	// Key overrides the list key. Defaults to QueueKey.
	Key string
}

// New constructs a Queue.
func New(opts Options) (*Queue, error) {
	if opts.Redis == nil {
		return nil, errors.New("redisqueue: redis client is required")
	}
	key := opts.Key
	if key == "" {
		key = QueueKey
	}
	return &Queue{rdb: opts.Redis, key: key}, nil
}

// Enqueue implements dispatch.Queue by RPUSHing the JSON-encoded task.
func (q *Queue) Enqueue(ctx context.Context, task dispatch.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, q.key, payload).Err()
}

// Dequeue blocks up to timeout for the next task, popping it off the head
// of the list (FIFO). Intended for a local worker harness or tests, not
// the production dispatch path, which only ever enqueues. Returns
// (dispatch.Task{}, false, nil) on timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (dispatch.Task, bool, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return dispatch.Task{}, false, nil
		}
		return dispatch.Task{}, false, err
	}
	if len(res) != 2 {
		return dispatch.Task{}, false, errors.New("redisqueue: unexpected BLPOP reply shape")
	}
	var task dispatch.Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return dispatch.Task{}, false, err
	}
	return task, true, nil
}
