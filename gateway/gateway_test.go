package gateway_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/eventgateway/config"
	"github.com/agentflow/eventgateway/gateway"
	"github.com/agentflow/eventgateway/telemetry"
)

func TestOpenBuildsListBackendWithInmemStore(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &config.Config{
		Addr: ":0",
		EventLog: config.EventLogConfig{
			Backend:      config.BackendList,
			MaxLogLength: 100,
			ReadCount:    10,
		},
		Redis:       config.RedisConfig{Addr: mr.Addr()},
		ThreadStore: config.ThreadStoreConfig{Backend: config.BackendInmem},
		Stream:      config.StreamConfig{MessageQueueMaxSize: 16},
	}

	gw, err := gateway.Open(t.Context(), cfg, telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	require.NoError(t, err)
	require.NotNil(t, gw.Store)
	require.NotNil(t, gw.Log)
	require.NotNil(t, gw.Notifier)
	require.NotNil(t, gw.Bridge)
	require.NotNil(t, gw.Session)
	require.Empty(t, gw.Pingers)

	require.NoError(t, gw.Close(t.Context()))
}

func TestOpenRejectsUnreachableRedis(t *testing.T) {
	cfg := &config.Config{
		Addr:        ":0",
		EventLog:    config.EventLogConfig{Backend: config.BackendList, MaxLogLength: 1, ReadCount: 1},
		Redis:       config.RedisConfig{Addr: "127.0.0.1:1"},
		ThreadStore: config.ThreadStoreConfig{Backend: config.BackendInmem},
		Stream:      config.StreamConfig{MessageQueueMaxSize: 1},
	}

	_, err := gateway.Open(t.Context(), cfg, telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	require.Error(t, err)
}

func TestNewPublisherUsesGatewayBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Addr:        ":0",
		EventLog:    config.EventLogConfig{Backend: config.BackendList, MaxLogLength: 100, ReadCount: 10},
		Redis:       config.RedisConfig{Addr: mr.Addr()},
		ThreadStore: config.ThreadStoreConfig{Backend: config.BackendInmem},
		Stream:      config.StreamConfig{MessageQueueMaxSize: 16},
	}
	gw, err := gateway.Open(t.Context(), cfg, telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	require.NoError(t, err)
	defer gw.Close(t.Context())

	pub := gw.NewPublisher(nil, telemetry.NewNoopLogger(), telemetry.NewNoopTracer())
	require.NotNil(t, pub)

	_, err = gw.Store.CreateThread(t.Context(), "t1", nil, time.Now())
	require.NoError(t, err)
}
