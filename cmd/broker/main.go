// Command broker starts the workspace message broker: AMQP topology,
// the AI task scheduler, the service integrator, and the operational
// HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/workspace-broker/internal/adapter/broker/rabbitmq"
	"github.com/fairyhunter13/workspace-broker/internal/adapter/events"
	"github.com/fairyhunter13/workspace-broker/internal/adapter/httpserver"
	"github.com/fairyhunter13/workspace-broker/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-broker/internal/adapter/store"
	"github.com/fairyhunter13/workspace-broker/internal/config"
	"github.com/fairyhunter13/workspace-broker/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Topology: file descriptor when configured, built-in defaults
	// otherwise.
	topology := config.DefaultTopology(dlxNames(cfg))
	if cfg.TopologyFile != "" {
		topology, err = config.LoadTopology(cfg.TopologyFile)
		if err != nil {
			slog.Error("topology load failed", slog.String("file", cfg.TopologyFile), slog.Any("error", err))
			os.Exit(1)
		}
	}

	conn := rabbitmq.NewConnection(cfg)
	// Registered before the broker's Stop defer so the connection
	// closes last, after the channels.
	defer func() {
		if err := conn.Disconnect(); err != nil {
			slog.Error("connection close failed", slog.Any("error", err))
		}
	}()
	topo, err := rabbitmq.NewTopologyManager(cfg, topology)
	if err != nil {
		slog.Error("topology invalid", slog.Any("error", err))
		os.Exit(1)
	}
	broker := rabbitmq.NewBroker(cfg, conn, topo)
	if err := broker.Start(ctx); err != nil {
		slog.Error("broker start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := broker.Stop(); err != nil {
			slog.Error("broker stop failed", slog.Any("error", err))
		}
	}()

	// Store client with optional Redis read cache.
	var taskStore *store.Client
	var cache *store.Cache
	if cfg.StoreCacheURL != "" {
		cache, err = store.NewCache(ctx, cfg.StoreCacheURL)
		if err != nil {
			slog.Warn("store cache unavailable, continuing without it", slog.Any("error", err))
			cache = nil
		} else {
			defer func() { _ = cache.Close() }()
		}
	}
	taskStore = store.NewClient(cfg, cache)

	// Scheduler with event fan-out for websocket/storage consumers.
	publisher := events.NewPublisher(broker, cfg.OTELServiceName)
	scheduler := usecase.NewScheduler(cfg, broker, taskStore)
	scheduler.AddObserver(events.NewTaskBridge(publisher))
	if err := scheduler.Start(ctx); err != nil {
		slog.Error("scheduler start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer scheduler.Stop()

	// Service integrator: register this process for the discovery and
	// health control actions, plus the store service for health tracking.
	integrator := usecase.NewIntegrator(cfg, broker, cfg.OTELServiceName)
	if err := integrator.RegisterSelf(ctx); err != nil {
		slog.Error("integrator self registration failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := integrator.RegisterService(ctx, usecase.ServiceRegistration{
		Name:  "store",
		Probe: taskStore.HealthCheck,
	}); err != nil {
		slog.Error("store service registration failed", slog.Any("error", err))
		os.Exit(1)
	}
	integrator.StartHealthLoop(ctx)
	defer integrator.Stop()

	subscriber := events.NewSubscriber(broker)
	defer subscriber.UnsubscribeAll(ctx)

	go queueStatsLoop(ctx, cfg, broker, topology)

	srv := httpserver.NewServer(cfg, broker, scheduler, integrator, taskStore)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

func dlxNames(cfg config.Config) (string, string) {
	if !cfg.EffectiveDLXEnabled() {
		return "", ""
	}
	return cfg.DLXExchange, cfg.DLXRoutingKey
}

// queueStatsLoop samples queue depths into the queue depth gauge.
func queueStatsLoop(ctx context.Context, cfg config.Config, broker *rabbitmq.Broker, topology config.Topology) {
	ticker := time.NewTicker(cfg.QueueStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !broker.IsReady() {
				continue
			}
			for queue := range topology.Queues {
				info, err := broker.QueueInfo(ctx, queue)
				if err != nil {
					slog.Debug("queue inspect failed", slog.String("queue", queue), slog.Any("error", err))
					continue
				}
				observability.QueueDepth.WithLabelValues(queue).Set(float64(info.Messages))
			}
		}
	}
}
