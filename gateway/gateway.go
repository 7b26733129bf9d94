// Package gateway wires the Event Log, Notifier, Thread Registry, Dispatch
// Bridge, and Stream Session into one process-scoped set of collaborators,
// grounded on the teacher's registry.New(ctx, Config)/registry.Run
// construction shape (registry/cmd/registry/main.go). Backends are opened
// once at process startup and released on shutdown rather than being
// constructed implicitly on first use (spec §9 design note).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"

	"github.com/agentflow/eventgateway/config"
	"github.com/agentflow/eventgateway/dispatch"
	"github.com/agentflow/eventgateway/dispatch/redisqueue"
	"github.com/agentflow/eventgateway/eventlog"
	"github.com/agentflow/eventgateway/eventlog/listlog"
	"github.com/agentflow/eventgateway/eventlog/streamlog"
	"github.com/agentflow/eventgateway/eventlog/streamlog/clients/pulse"
	"github.com/agentflow/eventgateway/notifier"
	"github.com/agentflow/eventgateway/notifier/listnotifier"
	"github.com/agentflow/eventgateway/notifier/streamnotifier"
	"github.com/agentflow/eventgateway/publisher"
	"github.com/agentflow/eventgateway/streamsession"
	"github.com/agentflow/eventgateway/telemetry"
	"github.com/agentflow/eventgateway/thread"
	"github.com/agentflow/eventgateway/thread/inmem"
	threadmongo "github.com/agentflow/eventgateway/thread/mongo"
	mongoclient "github.com/agentflow/eventgateway/thread/mongo/clients/mongo"
)

// Gateway holds every backend opened for a running process. It is the
// single owner of the Redis and Mongo connections: callers must call Close
// to release them.
type Gateway struct {
	Store    thread.Store
	Log      eventlog.Log
	Notifier notifier.Notifier
	Queue    *redisqueue.Queue
	Bridge   *dispatch.Bridge
	Session  *streamsession.Session
	Pingers  []health.Pinger

	redis     *redis.Client
	mongoConn *mongodriver.Client
}

// Open connects to every backend cfg selects and assembles the collaborator
// graph. The returned Gateway owns all opened connections.
func Open(ctx context.Context, cfg *config.Config, logger telemetry.Logger, tracer telemetry.Tracer) (*Gateway, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	g := &Gateway{redis: rdb}

	evLog, notif, err := buildEventBackend(cfg, rdb)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("build event backend: %w", err)
	}
	g.Log, g.Notifier = evLog, notif

	store, pingers, mongoConn, err := buildThreadStore(ctx, cfg)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("build thread store: %w", err)
	}
	g.Store, g.Pingers, g.mongoConn = store, pingers, mongoConn

	queue, err := redisqueue.New(redisqueue.Options{Redis: rdb})
	if err != nil {
		g.Close(ctx)
		return nil, fmt.Errorf("build dispatch queue: %w", err)
	}
	g.Queue = queue

	bridge, err := dispatch.New(dispatch.Options{Store: store, Queue: queue, Logger: logger, Tracer: tracer})
	if err != nil {
		g.Close(ctx)
		return nil, fmt.Errorf("build dispatch bridge: %w", err)
	}
	g.Bridge = bridge

	g.Session = streamsession.New(streamsession.Options{
		Log:      evLog,
		Notifier: notif,
		Logger:   logger,
		Tracer:   tracer,
		Config: streamsession.Config{
			TailBlock:                      cfg.EventLog.TailBlock,
			KeepAliveInterval:              cfg.Stream.KeepAliveInterval,
			MessageQueueMaxSize:            cfg.Stream.MessageQueueMaxSize,
			BusinessTimeout:                cfg.Stream.BusinessTimeout,
			ConnectionMaxDuration:          cfg.Stream.ConnectionMaxDuration,
			StreamCheckInterval:            cfg.Stream.StreamCheckInterval,
			ConnectionTimeoutCheckInterval: cfg.Stream.ConnectionTimeoutCheckInterval,
		},
	})

	return g, nil
}

// NewPublisher builds a Publisher over the Gateway's Log/Notifier, for use
// by a local worker harness (cmd/gateway's optional GATEWAY_LOCAL_WORKER
// loop) or an out-of-process worker embedding this module as a library.
func (g *Gateway) NewPublisher(sink publisher.ResultSink, logger telemetry.Logger, tracer telemetry.Tracer) *publisher.Publisher {
	return publisher.New(publisher.Options{Log: g.Log, Notifier: g.Notifier, ResultSink: sink, Logger: logger, Tracer: tracer})
}

// Close releases every connection Open acquired. Safe to call once; errors
// are collected rather than aborting early so every backend gets a chance
// to release its resources.
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error
	if g.mongoConn != nil {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := g.mongoConn.Disconnect(cctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect mongo: %w", err))
		}
		cancel()
	}
	if g.redis != nil {
		if err := g.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildEventBackend(cfg *config.Config, rdb *redis.Client) (eventlog.Log, notifier.Notifier, error) {
	switch cfg.EventLog.Backend {
	case config.BackendList:
		l, err := listlog.New(listlog.Options{
			Redis:        rdb,
			MaxLogLength: cfg.EventLog.MaxLogLength,
			ReadCount:    cfg.EventLog.ReadCount,
			ThreadTTL:    cfg.EventLog.ThreadTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return l, listnotifier.New(rdb), nil
	case config.BackendStream:
		pulseClient, err := pulse.New(pulse.Options{Redis: rdb})
		if err != nil {
			return nil, nil, err
		}
		l, err := streamlog.New(streamlog.Options{
			Client:       pulseClient,
			Redis:        rdb,
			Prefix:       cfg.EventLog.Prefix,
			MaxLogLength: cfg.EventLog.MaxLogLength,
			ThreadTTL:    cfg.EventLog.ThreadTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return l, streamnotifier.New(l), nil
	default:
		return nil, nil, fmt.Errorf("unknown event log backend %q", cfg.EventLog.Backend)
	}
}

// buildThreadStore constructs the Thread Registry store matching
// cfg.ThreadStore.Backend, returning health pingers to aggregate under
// /healthz and the Mongo connection (nil for the inmem backend) for Close
// to release.
func buildThreadStore(ctx context.Context, cfg *config.Config) (thread.Store, []health.Pinger, *mongodriver.Client, error) {
	switch cfg.ThreadStore.Backend {
	case config.BackendInmem:
		return inmem.New(), nil, nil, nil
	case config.BackendMongo:
		mctx, cancel := context.WithTimeout(ctx, cfg.ThreadStore.Mongo.Timeout)
		defer cancel()
		mongoConn, err := mongodriver.Connect(mctx, options.Client().ApplyURI(cfg.ThreadStore.Mongo.URI))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to mongo: %w", err)
		}
		client, err := mongoclient.New(mongoclient.Options{
			Client:            mongoConn,
			Database:          cfg.ThreadStore.Mongo.Database,
			ThreadsCollection: cfg.ThreadStore.Mongo.ThreadsCollection,
			RunsCollection:    cfg.ThreadStore.Mongo.RunsCollection,
			Timeout:           cfg.ThreadStore.Mongo.Timeout,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("build mongo client: %w", err)
		}
		store, err := threadmongo.NewStore(client)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("build mongo store: %w", err)
		}
		return store, []health.Pinger{client}, mongoConn, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown thread store backend %q", cfg.ThreadStore.Backend)
	}
}
