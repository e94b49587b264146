package broker

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/wharfqueue/wharf/internal/errors"
	"github.com/wharfqueue/wharf/internal/logger"
	"github.com/wharfqueue/wharf/internal/metrics"
)

// Handler processes one reserved job. Returning nil acknowledges the job
// (DeleteReserved); returning an error releases it back to the delayed set
// after ReleaseDelay.
type Handler func(ctx context.Context, r *ReservedJob) error

// Monitor runs one goroutine per monitored queue, each repeatedly calling
// Pop against a shared Broker and dispatching successful reservations to a
// Handler. Queue order sets each goroutine's Pop index, and only the
// index 0 goroutine may block (via BLPOP), which it does whenever its own
// queue is empty. Each goroutine carries its own secondaryHadJob value, so
// jobs found on secondary queues do not keep the index 0 goroutine from
// blocking.
type Monitor struct {
	broker       *RedisBroker
	queues       []string
	handler      Handler
	releaseDelay time.Duration
	maxBackoff   time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Queues lists the queue names to poll, in priority order. Must be
	// non-empty.
	Queues []string
	// Handler processes each reserved job.
	Handler Handler
	// ReleaseDelay is how far in the future a job goes when Handler
	// returns an error. Defaults to 0 (immediately visible again).
	ReleaseDelay time.Duration
	// MaxBackoff bounds the exponential backoff applied after consecutive
	// transport errors. Defaults to 30s.
	MaxBackoff time.Duration
}

// NewMonitor builds a Monitor over broker using cfg.
func NewMonitor(broker *RedisBroker, cfg MonitorConfig) (*Monitor, error) {
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("broker: monitor requires at least one queue")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("broker: monitor requires a handler")
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &Monitor{
		broker:       broker,
		queues:       cfg.Queues,
		handler:      cfg.Handler,
		releaseDelay: cfg.ReleaseDelay,
		maxBackoff:   maxBackoff,
		stopChan:     make(chan struct{}),
	}, nil
}

// Start launches one goroutine per monitored queue.
func (m *Monitor) Start(ctx context.Context) {
	logger.Info("starting queue monitor", "queues", m.queues)
	for i, queueName := range m.queues {
		m.wg.Add(1)
		go m.run(ctx, i, queueName)
	}
}

// Stop signals every monitor goroutine to exit and waits up to 30 seconds
// for them to drain their current iteration.
func (m *Monitor) Stop() {
	logger.Info("stopping queue monitor")
	close(m.stopChan)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("queue monitor stopped gracefully")
	case <-time.After(30 * time.Second):
		logger.Warn("queue monitor shutdown timed out", "timeout", "30s")
	}
}

func (m *Monitor) run(ctx context.Context, index int, queueName string) {
	defer m.wg.Done()

	log := logger.Default().WithComponent(logger.ComponentMonitor)
	log.Info("monitor goroutine started", "queue", queueName, "index", index)

	consecutiveFailures := 0
	secondaryHadJob := false

	for {
		select {
		case <-m.stopChan:
			log.Info("monitor goroutine stopping", "queue", queueName)
			return
		case <-ctx.Done():
			log.Info("monitor goroutine stopping due to context cancellation", "queue", queueName)
			return
		default:
		}

		reserved, nextSecondary, err := m.pop(ctx, queueName, index, secondaryHadJob)
		secondaryHadJob = nextSecondary

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFailures++
			backoff := m.backoffFor(consecutiveFailures)
			log.Warn("pop failed, backing off", "queue", queueName, "error", err, "consecutive_failures", consecutiveFailures, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-m.stopChan:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		consecutiveFailures = 0

		if reserved == nil {
			continue
		}

		m.dispatch(ctx, log, reserved)
	}
}

func (m *Monitor) pop(ctx context.Context, queueName string, index int, secondaryHadJob bool) (reserved *ReservedJob, nextSecondary bool, err error) {
	start := time.Now()
	reserved, nextSecondary, err = m.broker.Pop(ctx, queueName, index, secondaryHadJob)
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		metrics.Default().RecordBlockedWait(elapsed)
	}
	return reserved, nextSecondary, err
}

func (m *Monitor) dispatch(ctx context.Context, log logger.Logger, reserved *ReservedJob) {
	// recover must be called directly from this deferred closure, not from
	// a helper it calls, or the panic escapes uncaught.
	defer func() {
		if r := recover(); r != nil {
			panicErr := &errors.PanicError{Value: r, Stacktrace: string(debug.Stack())}
			log.Error("handler panicked, releasing job",
				"queue", reserved.Queue,
				"job_id", reserved.ID(),
				"panic", errors.FormatPanicForLog(panicErr))
			if releaseErr := m.broker.DeleteAndRelease(ctx, reserved, m.releaseDelay); releaseErr != nil {
				log.Error("failed to release panicked job", "queue", reserved.Queue, "job_id", reserved.ID(), "error", releaseErr)
			}
		}
	}()

	if err := m.handler(ctx, reserved); err != nil {
		log.Warn("handler returned error, releasing job", "queue", reserved.Queue, "job_id", reserved.ID(), "error", err)
		if releaseErr := m.broker.DeleteAndRelease(ctx, reserved, m.releaseDelay); releaseErr != nil {
			log.Error("failed to release job", "queue", reserved.Queue, "job_id", reserved.ID(), "error", releaseErr)
		}
		return
	}

	if err := m.broker.DeleteReserved(ctx, reserved); err != nil {
		log.Error("failed to acknowledge job", "queue", reserved.Queue, "job_id", reserved.ID(), "error", err)
	}
}

// backoffFor computes an exponential backoff with jitter, capped at
// maxBackoff, for the given number of consecutive transport failures.
func (m *Monitor) backoffFor(consecutiveFailures int) time.Duration {
	backoff := time.Duration(1<<uint(minInt(consecutiveFailures, 20))) * 100 * time.Millisecond
	if backoff > m.maxBackoff {
		backoff = m.maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 4 + 1))
	return backoff + jitter
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
