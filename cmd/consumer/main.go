// Package main provides the wharf consumer process: one Monitor polling a
// configured set of queues and dispatching reserved jobs to registered
// handlers.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wharfqueue/wharf/internal/broker"
	"github.com/wharfqueue/wharf/internal/config"
	"github.com/wharfqueue/wharf/internal/logger"
	"github.com/wharfqueue/wharf/internal/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	consumerLog := log.WithComponent(logger.ComponentMonitor).WithSource(logger.LogSourceInternal)

	consumerLog.Info("consumer starting",
		"queues", cfg.Queues,
		"redis_url", cfg.RedisURL,
		"retry_after_enabled", cfg.RetryAfterEnabled,
		"block_for_enabled", cfg.BlockForEnabled)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6062"
	}
	go func() {
		consumerLog.Info("starting pprof server", "port", pprofPort)
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			consumerLog.Error("pprof server failed", "error", err)
		}
	}()

	b, err := broker.NewRedisBroker(&broker.Config{
		RedisURL:           cfg.RedisURL,
		DefaultQueue:       cfg.DefaultQueue,
		Connection:         cfg.Connection,
		RetryAfter:         cfg.RetryAfterPtr(),
		BlockFor:           cfg.BlockForPtr(),
		MigrationBatchSize: cfg.MigrationBatchSize,
		Cluster:            cfg.Cluster,
	})
	if err != nil {
		consumerLog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := b.Close(); err != nil {
			consumerLog.Error("failed to close broker", "error", err)
		}
	}()

	// TODO: register real job handlers here.
	registry := broker.NewRegistry()

	monitor, err := broker.NewMonitor(b, broker.MonitorConfig{
		Queues:       cfg.Queues,
		Handler:      registry.Dispatch,
		ReleaseDelay: cfg.ReleaseDelay,
	})
	if err != nil {
		consumerLog.Error("failed to build monitor", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	monitor.Start(ctx)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := metrics.GetMetrics()
				consumerLog.Info("broker metrics",
					"total_popped", m.TotalPopped,
					"total_acked", m.TotalAcked,
					"total_released", m.TotalReleased,
					"migrated_delayed", m.MigratedDelayed,
					"migrated_reserved", m.MigratedReserved,
					"avg_blocked_wait_ms", m.AvgBlockedWait.Milliseconds(),
					"uptime", m.Uptime.String(),
				)
			}
		}
	}()

	sig := <-sigChan
	consumerLog.Info("received shutdown signal, initiating graceful shutdown", "signal", sig)

	cancel()
	monitor.Stop()

	consumerLog.Info("consumer shut down successfully")
}
