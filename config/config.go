// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults, grounded on the same getEnv*/fallback pattern the teacher uses
// for its own operational parameters. The recognized set is closed: the
// spec §6 options log_prefix, max_log_length, read_count, tail_block_ms,
// keep_alive_interval, message_queue_max_size, business_timeout_minutes,
// connection_max_duration_minutes, stream_check_interval_seconds,
// connection_timeout_check_interval_seconds, thread_ttl_seconds,
// run_ttl_seconds, plus the listen address, backend selection, Redis and
// Mongo connection settings, and the execute rate limit (see Load).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selects which Event Log/Notifier variant or Thread Store
// implementation cmd/gateway wires up.
type Backend string

const (
	// BackendStream selects the pulse-backed stream variant (eventlog/streamlog,
	// notifier/streamnotifier).
	BackendStream Backend = "stream"
	// BackendList selects the Redis-list variant (eventlog/listlog,
	// notifier/listnotifier).
	BackendList Backend = "list"
	// BackendMongo selects the durable Mongo-backed thread.Store.
	BackendMongo Backend = "mongo"
	// BackendInmem selects the in-memory thread.Store, for local/dev use.
	BackendInmem Backend = "inmem"
)

// EventLogConfig controls Event Log backend sizing (spec §6) and which
// backend variant is active.
type EventLogConfig struct {
	Backend      Backend       // GATEWAY_EVENTLOG_BACKEND: "stream" or "list"
	Prefix       string        // log_prefix: stream key prefix (stream variant)
	MaxLogLength int64         // max_log_length: retention cap per thread
	ReadCount    int64         // read_count: max entries per range/tail call
	TailBlock    time.Duration // tail_block_ms: blocking tail timeout
	ThreadTTL    time.Duration // thread_ttl_seconds
	RunTTL       time.Duration // run_ttl_seconds
}

// RedisConfig configures the Redis connection backing the list-variant
// Event Log/Notifier and the Dispatch Bridge's Redis queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MongoConfig configures the durable Thread Registry store.
type MongoConfig struct {
	URI               string
	Database          string
	ThreadsCollection string
	RunsCollection    string
	Timeout           time.Duration
}

// ThreadStoreConfig selects and configures the Thread Registry backing
// store.
type ThreadStoreConfig struct {
	Backend Backend // GATEWAY_THREAD_STORE_BACKEND: "mongo" or "inmem"
	Mongo   MongoConfig
}

// StreamConfig controls the Stream Session's pacing (spec §6).
type StreamConfig struct {
	KeepAliveInterval              time.Duration // keep_alive_interval
	MessageQueueMaxSize            int           // message_queue_max_size
	BusinessTimeout                time.Duration // business_timeout_minutes
	ConnectionMaxDuration          time.Duration // connection_max_duration_minutes
	StreamCheckInterval            time.Duration // stream_check_interval_seconds
	ConnectionTimeoutCheckInterval time.Duration // connection_timeout_check_interval_seconds
}

// RateLimitConfig controls the per-user execute() rate limiter.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Config holds all gateway configuration.
type Config struct {
	Addr        string
	EventLog    EventLogConfig
	Redis       RedisConfig
	ThreadStore ThreadStoreConfig
	Stream      StreamConfig
	RateLimit   RateLimitConfig
}

// Load reads configuration from environment variables, falling back to
// spec-compliant defaults (scenario assumptions in spec §8:
// business_timeout_minutes=2, connection_max_duration_minutes=30,
// keep_alive_interval=15, max_log_length=1000).
func Load() (*Config, error) {
	cfg := &Config{
		Addr: getEnv("GATEWAY_ADDR", ":8080"),
		EventLog: EventLogConfig{
			Backend:      Backend(getEnv("GATEWAY_EVENTLOG_BACKEND", string(BackendList))),
			Prefix:       getEnv("GATEWAY_LOG_PREFIX", "agent_run"),
			MaxLogLength: getEnvInt64("GATEWAY_MAX_LOG_LENGTH", 1000),
			ReadCount:    getEnvInt64("GATEWAY_READ_COUNT", 100),
			TailBlock:    getEnvDuration("GATEWAY_TAIL_BLOCK_MS", 5*time.Second, time.Millisecond),
			ThreadTTL:    getEnvDuration("GATEWAY_THREAD_TTL_SECONDS", 7*24*time.Hour, time.Second),
			RunTTL:       getEnvDuration("GATEWAY_RUN_TTL_SECONDS", 24*time.Hour, time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("GATEWAY_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("GATEWAY_REDIS_PASSWORD", ""),
			DB:       getEnvInt("GATEWAY_REDIS_DB", 0),
		},
		ThreadStore: ThreadStoreConfig{
			Backend: Backend(getEnv("GATEWAY_THREAD_STORE_BACKEND", string(BackendInmem))),
			Mongo: MongoConfig{
				URI:               getEnv("GATEWAY_MONGO_URI", "mongodb://localhost:27017"),
				Database:          getEnv("GATEWAY_MONGO_DATABASE", "eventgateway"),
				ThreadsCollection: getEnv("GATEWAY_MONGO_THREADS_COLLECTION", ""),
				RunsCollection:    getEnv("GATEWAY_MONGO_RUNS_COLLECTION", ""),
				Timeout:           getEnvDuration("GATEWAY_MONGO_TIMEOUT_SECONDS", 5*time.Second, time.Second),
			},
		},
		Stream: StreamConfig{
			KeepAliveInterval:              getEnvDuration("GATEWAY_KEEP_ALIVE_INTERVAL", 15*time.Second, time.Second),
			MessageQueueMaxSize:            getEnvInt("GATEWAY_MESSAGE_QUEUE_MAX_SIZE", 256),
			BusinessTimeout:                getEnvDuration("GATEWAY_BUSINESS_TIMEOUT_MINUTES", 2*time.Minute, time.Minute),
			ConnectionMaxDuration:           getEnvDuration("GATEWAY_CONNECTION_MAX_DURATION_MINUTES", 30*time.Minute, time.Minute),
			StreamCheckInterval:             getEnvDuration("GATEWAY_STREAM_CHECK_INTERVAL_SECONDS", time.Second, time.Second),
			ConnectionTimeoutCheckInterval: getEnvDuration("GATEWAY_CONNECTION_TIMEOUT_CHECK_INTERVAL_SECONDS", 5*time.Second, time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("GATEWAY_RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("GATEWAY_RATE_LIMIT_WINDOW_SECONDS", time.Minute, time.Second),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks required fields and positivity constraints.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GATEWAY_ADDR cannot be empty")
	}
	if c.EventLog.MaxLogLength <= 0 {
		return fmt.Errorf("GATEWAY_MAX_LOG_LENGTH must be > 0")
	}
	if c.EventLog.ReadCount <= 0 {
		return fmt.Errorf("GATEWAY_READ_COUNT must be > 0")
	}
	if c.Stream.MessageQueueMaxSize <= 0 {
		return fmt.Errorf("GATEWAY_MESSAGE_QUEUE_MAX_SIZE must be > 0")
	}
	if c.EventLog.Backend != BackendStream && c.EventLog.Backend != BackendList {
		return fmt.Errorf("GATEWAY_EVENTLOG_BACKEND must be %q or %q", BackendStream, BackendList)
	}
	if c.ThreadStore.Backend != BackendMongo && c.ThreadStore.Backend != BackendInmem {
		return fmt.Errorf("GATEWAY_THREAD_STORE_BACKEND must be %q or %q", BackendMongo, BackendInmem)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration reads key as a bare number scaled by unit, falling back
// to fallback. Options are specified in spec §6 as bare numbers with a
// unit implied by their name (e.g. tail_block_ms, business_timeout_minutes).
func getEnvDuration(key string, fallback time.Duration, unit time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * unit
}
