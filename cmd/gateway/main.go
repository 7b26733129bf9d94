// Command gateway runs the Server-Sent-Events gateway for streaming agent
// execution events (spec §1), wiring the Thread Registry, Event Log,
// Notifier, Dispatch Bridge, and Stream Session behind an HTTP surface.
// Structured the way the teacher's registry/cmd/registry/main.go does: a
// run() error entry point, env-var config helpers, and a Redis
// connect-then-ping preflight. Logging context and graceful shutdown
// follow example/cmd/assistant/main.go's clue/log + errc/signal/WaitGroup
// pattern.
//
// # Configuration
//
// See config.Load for the full set of recognized environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/agentflow/eventgateway/config"
	"github.com/agentflow/eventgateway/gateway"
	"github.com/agentflow/eventgateway/httpapi"
	"github.com/agentflow/eventgateway/publisher"
	"github.com/agentflow/eventgateway/publisher/httpsink"
	"github.com/agentflow/eventgateway/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(context.Background(), err)
	}
}

func run() error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewClueLogger()
	tracer := telemetry.NewClueTracer()

	gw, err := gateway.Open(ctx, cfg, logger, tracer)
	if err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	defer gw.Close(ctx)

	sink := publisher.ResultSink(publisher.NoopResultSink{})
	if endpoint := os.Getenv("GATEWAY_RESULT_SINK_URL"); endpoint != "" {
		httpSink, err := httpsink.New(httpsink.Options{URL: endpoint})
		if err != nil {
			return fmt.Errorf("build result sink: %w", err)
		}
		sink = httpSink
	}
	pub := gw.NewPublisher(sink, logger, tracer)

	srv := httpapi.New(httpapi.Options{
		Store:   gw.Store,
		Bridge:  gw.Bridge,
		Session: gw.Session,
		Logger:  logger,
		RateLimit: httpapi.RateLimitConfig{
			Limit:  cfg.RateLimit.RequestsPerWindow,
			Window: cfg.RateLimit.WindowDuration,
		},
		Pingers: gw.Pingers,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Routes(),
		// SSE connections are held open indefinitely; a write timeout would
		// sever a healthy stream mid-keep-alive.
		WriteTimeout: 0,
		ReadTimeout:  10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "gateway listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var workerCancel context.CancelFunc
	if os.Getenv("GATEWAY_LOCAL_WORKER") != "" {
		var workerCtx context.Context
		workerCtx, workerCancel = context.WithCancel(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runLocalWorker(workerCtx, gw.Queue, pub, logger)
		}()
	}

	err = <-errc
	if workerCancel != nil {
		workerCancel()
	}
	log.Printf(ctx, "shutting down: %v", err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Printf(ctx, "graceful shutdown failed: %v", shutdownErr)
	}
	wg.Wait()
	return nil
}
