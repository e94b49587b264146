// Package main provides the wharf migrator daemon: a standalone process
// that periodically sweeps every configured queue's delayed and reserved
// sets for due jobs, independent of any consumer's pop loop. Safe to run
// redundantly; each sweep is guarded by a per-queue distributed lock so
// only one instance does the work at a time.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wharfqueue/wharf/internal/broker"
	"github.com/wharfqueue/wharf/internal/config"
	"github.com/wharfqueue/wharf/internal/errors"
	"github.com/wharfqueue/wharf/internal/lock"
	"github.com/wharfqueue/wharf/internal/logger"
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

	migratorLog := log.WithComponent(logger.ComponentMigrator).WithSource(logger.LogSourceInternal)
	migratorLog.Info("migrator starting",
		"queues", cfg.Queues,
		"interval", cfg.MigratorInterval,
		"lock_ttl", cfg.MigratorLockTTL)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6064"
	}
	go func() {
		migratorLog.Info("starting pprof server", "port", pprofPort)
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			migratorLog.Error("pprof server failed", "error", err)
		}
	}()

	b, err := broker.NewRedisBroker(&broker.Config{
		RedisURL:           cfg.RedisURL,
		DefaultQueue:       cfg.DefaultQueue,
		Connection:         cfg.Connection,
		RetryAfter:         cfg.RetryAfterPtr(),
		MigrationBatchSize: cfg.MigrationBatchSize,
		Cluster:            cfg.Cluster,
	})
	if err != nil {
		migratorLog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := b.Close(); err != nil {
			migratorLog.Error("failed to close broker", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := &migrator{broker: b, queues: cfg.Queues, lockTTL: cfg.MigratorLockTTL, log: migratorLog}

	schedule := fmt.Sprintf("@every %s", cfg.MigratorInterval)
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(schedule, func() { m.sweepAll(ctx) }); err != nil {
		migratorLog.Error("failed to schedule sweep", "error", err)
		os.Exit(1)
	}
	c.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	migratorLog.Info("received shutdown signal, initiating graceful shutdown", "signal", sig)

	cancel()
	stopCtx := c.Stop()
	<-stopCtx.Done()

	migratorLog.Info("migrator shut down successfully")
}

type migrator struct {
	broker  *broker.RedisBroker
	queues  []string
	lockTTL time.Duration
	log     logger.Logger
}

func (m *migrator) sweepAll(ctx context.Context) {
	for _, queueName := range m.queues {
		m.sweepOne(ctx, queueName)
	}
}

func (m *migrator) sweepOne(ctx context.Context, queueName string) {
	// recover must be called directly by this deferred closure, not by a
	// helper it calls (see internal/broker/poploop.go's Monitor.dispatch),
	// so a panic from a bad queue name or a transient client error during
	// one queue's sweep doesn't take down the whole migrator process.
	defer func() {
		if r := recover(); r != nil {
			panicErr := &errors.PanicError{Value: r, Stacktrace: string(debug.Stack())}
			m.log.Error("sweep panicked, skipping this tick",
				"queue", queueName,
				"panic", errors.FormatPanicForLog(panicErr))
		}
	}()

	lockKey := fmt.Sprintf("wharf:migrator_lock:%s", queueName)

	held, err := lock.Acquire(ctx, m.broker.Client(), lockKey, m.lockTTL)
	if err != nil {
		m.log.Error("failed to acquire migrator lock", "queue", queueName, "error", err)
		return
	}
	if held == nil {
		m.log.Debug("queue sweep already owned by another instance", "queue", queueName)
		return
	}
	defer func() {
		if err := held.Release(ctx); err != nil {
			m.log.Error("failed to release migrator lock", "queue", queueName, "error", err)
		}
	}()

	delayedMoved, reservedMoved, err := m.broker.MigrateDue(ctx, queueName)
	if err != nil {
		m.log.Error("sweep failed", "queue", queueName, "error", err)
		return
	}
	if delayedMoved > 0 || reservedMoved > 0 {
		m.log.Info("sweep moved jobs to ready",
			"queue", queueName,
			"from_delayed", delayedMoved,
			"from_reserved", reservedMoved)
	}
}
