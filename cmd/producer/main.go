// Package main provides the wharf producer process: a thin front door that
// accepts jobs over stdin (one JSON object per line: {"queue","job","data"})
// and pushes each onto the broker.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wharfqueue/wharf/internal/config"
	"github.com/wharfqueue/wharf/internal/logger"
	"github.com/wharfqueue/wharf/internal/metrics"
	"github.com/wharfqueue/wharf/pkg/client"
)

type submission struct {
	Queue string          `json:"queue"`
	Job   string          `json:"job"`
	Data  json.RawMessage `json:"data"`
	Delay int64           `json:"delay_seconds,omitempty"`
}

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

	producerLog := log.WithComponent(logger.ComponentBroker).WithSource(logger.LogSourceInternal)
	producerLog.Info("producer starting", "redis_url", cfg.RedisURL, "default_queue", cfg.DefaultQueue)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6063"
	}
	go func() {
		producerLog.Info("starting pprof server", "port", pprofPort)
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			producerLog.Error("pprof server failed", "error", err)
		}
	}()

	c, err := client.New(client.Config{
		RedisURL:            cfg.RedisURL,
		DefaultQueue:        cfg.DefaultQueue,
		Connection:          cfg.Connection,
		RetryAfter:          cfg.RetryAfterPtr(),
		BlockFor:            cfg.BlockForPtr(),
		MigrationBatchSize:  cfg.MigrationBatchSize,
		Cluster:             cfg.Cluster,
		DispatchAfterCommit: cfg.DispatchAfterCommit,
	})
	if err != nil {
		producerLog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := c.Close(); err != nil {
			producerLog.Error("failed to close client", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		readStdin(ctx, c, producerLog)
	}()

	select {
	case sig := <-sigChan:
		producerLog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-done
	case <-done:
		producerLog.Info("input stream closed, shutting down")
	}

	m := metrics.GetMetrics()
	producerLog.Info("final metrics", "total_pushed", m.TotalPushed)
	producerLog.Info("producer shut down successfully")
}

func readStdin(ctx context.Context, c *client.Client, log logger.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var sub submission
		if err := json.Unmarshal(line, &sub); err != nil {
			log.Warn("failed to decode submission, skipping", "error", err)
			continue
		}

		var (
			id      string
			pushErr error
		)
		if sub.Delay > 0 {
			id, pushErr = c.Later(ctx, sub.Queue, sub.Job, sub.Data, time.Duration(sub.Delay)*time.Second)
		} else {
			id, pushErr = c.Push(ctx, sub.Queue, sub.Job, sub.Data)
		}
		if pushErr != nil {
			log.Error("failed to push job", "job", sub.Job, "queue", sub.Queue, "error", pushErr)
			continue
		}
		log.Info("job pushed", "id", id, "job", sub.Job, "queue", sub.Queue)
	}

	if err := scanner.Err(); err != nil {
		log.Error("stdin scan failed", "error", err)
	}
}
