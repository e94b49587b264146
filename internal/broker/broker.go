// Package broker implements the durable Redis-backed job queue: the four
// coupled per-queue structures (ready, delayed, reserved, notify), the
// atomic scripts operating on them, and the client-side pop loop that
// combines migration, reservation, and fair blocking wait across multiple
// monitored queues.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/wharfqueue/wharf/internal/ids"
	"github.com/wharfqueue/wharf/internal/job"
	"github.com/wharfqueue/wharf/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// Config configures a RedisBroker. Zero-value-friendly fields fall back to
// the defaults used across this package's constructors.
type Config struct {
	// RedisURL is parsed with redis.ParseURL.
	RedisURL string
	// DefaultQueue names the queue used when an operation's queue argument
	// is empty.
	DefaultQueue string
	// Connection is a logical name for this broker instance, attached to
	// log lines and surfaced on ReservedJob for tracing.
	Connection string
	// RetryAfter is the reservation visibility timeout. Nil disables
	// reserved->ready recovery migration entirely (see SPEC_FULL §9).
	RetryAfter *time.Duration
	// BlockFor is how long a Pop on the primary (index 0) queue may block
	// via BLPOP when the queue is empty. Nil means never block.
	BlockFor *time.Duration
	// MigrationBatchSize bounds how many elements a single migration call
	// moves. -1 means unlimited.
	MigrationBatchSize int
	// Cluster selects pipelining (true) over a MULTI/EXEC transaction
	// (false) for Bulk.
	Cluster bool
	// DispatchAfterCommit is stamped onto every envelope this broker
	// builds (Push/Later/Bulk) and forwarded as-is; the broker core never
	// interprets it.
	DispatchAfterCommit bool
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = "default"
	}
	if cfg.Connection == "" {
		cfg.Connection = "default"
	}
	if cfg.MigrationBatchSize == 0 {
		cfg.MigrationBatchSize = -1
	}
	return &cfg
}

// RedisBroker is the concrete broker implementation backed by a single
// Redis client (or cluster-fronting client).
type RedisBroker struct {
	client *redis.Client
	cfg    *Config
}

// NewRedisBroker connects to Redis and tunes the connection pool for a
// blocking-pop-heavy workload: many consumers holding long-lived
// connections for BLPOP, plus producers issuing short atomic-script calls.
func NewRedisBroker(cfg *Config) (*RedisBroker, error) {
	cfg = cfg.withDefaults()
	if err := validateQueueName(cfg.DefaultQueue); err != nil {
		return nil, err
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("broker: failed to parse redis url: %w", err)
	}

	// Pool sizing mirrors a fleet of consumers each holding a connection
	// blocked in BLPOP plus headroom for producers issuing push/pop
	// scripts concurrently.
	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.ConnMaxIdleTime = 10 * time.Minute
	opts.PoolTimeout = 5 * time.Second

	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond
	opts.DialTimeout = 5 * time.Second
	// ReadTimeout must comfortably exceed BlockFor or every BLPOP call
	// will be killed by the client library before Redis's own timeout
	// fires.
	readTimeout := 10 * time.Second
	if cfg.BlockFor != nil && *cfg.BlockFor+2*time.Second > readTimeout {
		readTimeout = *cfg.BlockFor + 2*time.Second
	}
	opts.ReadTimeout = readTimeout
	opts.WriteTimeout = 3 * time.Second
	opts.ContextTimeoutEnabled = true

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("broker: failed to connect to redis: %w", err)
	}

	return &RedisBroker{client: client, cfg: cfg}, nil
}

// Client exposes the underlying Redis client, for callers that need to
// build supporting infrastructure (e.g. the migrator's leader-election
// lock) against the same connection.
func (b *RedisBroker) Client() *redis.Client {
	return b.client
}

// Close closes the underlying Redis connection.
func (b *RedisBroker) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("broker: failed to close redis connection: %w", err)
	}
	return nil
}

func (b *RedisBroker) resolveQueue(name string) (string, queueKeys, error) {
	if name == "" {
		name = b.cfg.DefaultQueue
	}
	if err := validateQueueName(name); err != nil {
		return "", queueKeys{}, err
	}
	return name, newQueueKeys(name), nil
}

// Size returns the total number of jobs in queue across ready, delayed,
// and reserved.
func (b *RedisBroker) Size(ctx context.Context, queueName string) (int64, error) {
	_, keys, err := b.resolveQueue(queueName)
	if err != nil {
		return 0, err
	}

	result, err := sizeScript.Run(ctx, b.client, []string{keys.ready, keys.delayed, keys.reserved}).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: size failed: %w", err)
	}
	return toInt64(result), nil
}

// Push enqueues a new job for immediate processing and returns its ID.
func (b *RedisBroker) Push(ctx context.Context, queueName, jobName string, data interface{}) (string, error) {
	env, err := job.New(jobName, data)
	if err != nil {
		return "", err
	}
	env.DispatchAfterCommit = b.cfg.DispatchAfterCommit
	return b.PushRaw(ctx, queueName, env)
}

// PushRaw enqueues a pre-built envelope for immediate processing.
func (b *RedisBroker) PushRaw(ctx context.Context, queueName string, env *job.Envelope) (string, error) {
	qname, keys, err := b.resolveQueue(queueName)
	if err != nil {
		return "", err
	}

	payload, err := env.Marshal()
	if err != nil {
		return "", err
	}

	if err := pushScript.Run(ctx, b.client, []string{keys.ready, keys.notify}, string(payload)).Err(); err != nil {
		return "", fmt.Errorf("broker: push failed: %w", err)
	}

	metrics.Default().RecordPush(qname)
	return env.ID, nil
}

// Later enqueues a job that becomes visible after delay elapses.
func (b *RedisBroker) Later(ctx context.Context, queueName, jobName string, data interface{}, delay time.Duration) (string, error) {
	env, err := job.New(jobName, data)
	if err != nil {
		return "", err
	}
	env.DispatchAfterCommit = b.cfg.DispatchAfterCommit

	qname, keys, err := b.resolveQueue(queueName)
	if err != nil {
		return "", err
	}

	payload, err := env.Marshal()
	if err != nil {
		return "", err
	}

	availableAt := float64(ids.Now().Add(delay).Unix())
	if err := b.client.ZAdd(ctx, keys.delayed, redis.Z{Score: availableAt, Member: string(payload)}).Err(); err != nil {
		return "", fmt.Errorf("broker: later failed: %w", err)
	}

	metrics.Default().RecordPush(qname)
	return env.ID, nil
}

// BulkItem describes one job to enqueue via Bulk. A zero Delay enqueues
// immediately; a positive Delay enqueues to the delayed set.
type BulkItem struct {
	JobName string
	Data    interface{}
	Delay   time.Duration
}

// Bulk enqueues many jobs onto queueName in as few round trips as
// possible. On a single-node deployment this is a MULTI/EXEC transaction;
// on a cluster deployment (Config.Cluster) it is plain pipelining. Every
// item in one call targets the same queue.
func (b *RedisBroker) Bulk(ctx context.Context, queueName string, items []BulkItem) ([]string, error) {
	qname, keys, err := b.resolveQueue(queueName)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(items))
	now := idsNow()

	exec := func(p redis.Pipeliner) error {
		for i, item := range items {
			env, err := job.New(item.JobName, item.Data)
			if err != nil {
				return err
			}
			env.DispatchAfterCommit = b.cfg.DispatchAfterCommit
			ids[i] = env.ID

			payload, err := env.Marshal()
			if err != nil {
				return err
			}

			if item.Delay <= 0 {
				p.RPush(ctx, keys.ready, string(payload))
				p.RPush(ctx, keys.notify, "1")
			} else {
				p.ZAdd(ctx, keys.delayed, redis.Z{Score: float64(now.Add(item.Delay).Unix()), Member: string(payload)})
			}
		}
		return nil
	}

	var pipeErr error
	if b.cfg.Cluster {
		pipe := b.client.Pipeline()
		if err := exec(pipe); err != nil {
			return nil, err
		}
		_, pipeErr = pipe.Exec(ctx)
	} else {
		_, pipeErr = b.client.TxPipelined(ctx, exec)
	}
	if pipeErr != nil {
		return nil, fmt.Errorf("broker: bulk failed: %w", pipeErr)
	}

	metrics.Default().RecordPushN(qname, len(items))
	return ids, nil
}

// Pop performs one reservation attempt against queueName. index
// distinguishes the caller's priority position among its monitored queues
// (0 = highest priority); secondaryHadJob carries the fairness bias from
// the previous sweep across all monitored queues and its updated value is
// returned for the caller to pass into the next call. See SPEC_FULL §4.4.
func (b *RedisBroker) Pop(ctx context.Context, queueName string, index int, secondaryHadJob bool) (*ReservedJob, bool, error) {
	qname, keys, err := b.resolveQueue(queueName)
	if err != nil {
		return nil, secondaryHadJob, err
	}

	if _, err := b.migrate(ctx, keys.delayed, keys.ready, keys.notify); err != nil {
		return nil, secondaryHadJob, err
	}
	if b.cfg.RetryAfter != nil {
		if _, err := b.migrate(ctx, keys.reserved, keys.ready, keys.notify); err != nil {
			return nil, secondaryHadJob, err
		}
	}

	block := !secondaryHadJob && index == 0

	reservedJob, err := b.tryReserve(ctx, qname, keys)
	if err != nil {
		return nil, secondaryHadJob, err
	}

	if reservedJob == nil && block && b.cfg.BlockFor != nil {
		if _, err := b.client.BLPop(ctx, *b.cfg.BlockFor, keys.notify).Result(); err == nil {
			reservedJob, err = b.tryReserve(ctx, qname, keys)
			if err != nil {
				return nil, secondaryHadJob, err
			}
		} else if err != redis.Nil {
			return nil, secondaryHadJob, fmt.Errorf("broker: blocking wait failed: %w", err)
		}
	}

	newSecondary := secondaryHadJob
	switch {
	case reservedJob != nil && index == 0:
		newSecondary = false
	case reservedJob != nil && index > 0:
		newSecondary = true
	case reservedJob == nil && index == 0:
		newSecondary = false
	}

	return reservedJob, newSecondary, nil
}

func (b *RedisBroker) tryReserve(ctx context.Context, qname string, keys queueKeys) (*ReservedJob, error) {
	now := ids.NowUnix()
	visibilityExpiry := now
	if b.cfg.RetryAfter != nil {
		visibilityExpiry = now + int64(b.cfg.RetryAfter.Seconds())
	} else {
		// No visibility timeout configured: file the reservation far in
		// the future so ReapReserved (not automatic migration) is the
		// only way it comes back, per SPEC_FULL §9.
		visibilityExpiry = now + int64(100*365*24*time.Hour/time.Second)
	}

	result, err := popScript.Run(ctx, b.client, []string{keys.ready, keys.reserved, keys.notify}, now, visibilityExpiry).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: pop failed: %w", err)
	}

	pair, ok := result.([]interface{})
	if !ok {
		// popScript returned false (no job available).
		return nil, nil
	}

	reservedCopy := pair[1].(string)

	env, err := job.Unmarshal([]byte(reservedCopy))
	if err != nil {
		return nil, fmt.Errorf("broker: failed to decode reserved payload: %w", err)
	}

	metrics.Default().RecordPop(qname)

	return &ReservedJob{
		Envelope:     env,
		Queue:        qname,
		Connection:   b.cfg.Connection,
		reservedCopy: reservedCopy,
	}, nil
}

// migrate runs the migration script and returns how many elements moved.
// Callers that care about delayed-vs-reserved metrics record them
// themselves (see MigrateDue); Pop's opportunistic sweep does not, since
// it runs on every single reservation attempt and would otherwise flood
// the migration counters.
func (b *RedisBroker) migrate(ctx context.Context, from, to, toNotify string) (int, error) {
	result, err := migrateScript.Run(ctx, b.client, []string{from, to, toNotify}, ids.NowUnix(), b.cfg.MigrationBatchSize).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: migration failed: %w", err)
	}
	moved, _ := result.([]interface{})
	return len(moved), nil
}

// DeleteReserved acknowledges a job: it removes the reserved copy from the
// reserved set, completing its lifecycle. A no-op (ZREM returns 0) if the
// reservation already expired and was recovered by migration; callers
// should not treat that as fatal (SPEC_FULL §7).
func (b *RedisBroker) DeleteReserved(ctx context.Context, r *ReservedJob) error {
	_, keys, err := b.resolveQueue(r.Queue)
	if err != nil {
		return err
	}
	if err := b.client.ZRem(ctx, keys.reserved, r.reservedCopy).Err(); err != nil {
		return fmt.Errorf("broker: delete reserved failed: %w", err)
	}
	metrics.Default().RecordAck(r.Queue)
	return nil
}

// DeleteAndRelease returns a reserved job to the delayed set, to become
// visible again after delay.
func (b *RedisBroker) DeleteAndRelease(ctx context.Context, r *ReservedJob, delay time.Duration) error {
	_, keys, err := b.resolveQueue(r.Queue)
	if err != nil {
		return err
	}

	availableAt := float64(ids.Now().Add(delay).Unix())
	if err := releaseScript.Run(ctx, b.client, []string{keys.delayed, keys.reserved}, r.reservedCopy, availableAt).Err(); err != nil {
		return fmt.Errorf("broker: release failed: %w", err)
	}
	metrics.Default().RecordRelease(r.Queue)
	return nil
}

// Clear removes every job from queue (ready, delayed, and reserved) and
// returns how many were removed.
func (b *RedisBroker) Clear(ctx context.Context, queueName string) (int64, error) {
	_, keys, err := b.resolveQueue(queueName)
	if err != nil {
		return 0, err
	}

	result, err := clearScript.Run(ctx, b.client, []string{keys.ready, keys.delayed, keys.reserved, keys.notify}).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: clear failed: %w", err)
	}
	return toInt64(result), nil
}

// ReapReserved force-migrates every job currently in queue's reserved set
// back to ready, regardless of its visibility-expiry score. This is a
// manual escape hatch for a queue that accumulated stuck reservations
// while RetryAfter was disabled; it is never called automatically (see
// SPEC_FULL §9 and DESIGN.md's Open Questions).
func (b *RedisBroker) ReapReserved(ctx context.Context, queueName string) (int, error) {
	_, keys, err := b.resolveQueue(queueName)
	if err != nil {
		return 0, err
	}

	result, err := reapScript.Run(ctx, b.client, []string{keys.reserved, keys.ready, keys.notify}).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: reap reserved failed: %w", err)
	}
	moved, _ := result.([]interface{})
	return len(moved), nil
}

// MigrateDue runs both migration sweeps (delayed->ready always,
// reserved->ready when RetryAfter is configured) for queueName and reports
// how many jobs each moved. Exposed so the standalone migrator daemon
// (cmd/migrator) can drive migration independently of any consumer's pop
// loop (SPEC_FULL §4.6).
func (b *RedisBroker) MigrateDue(ctx context.Context, queueName string) (delayedMoved, reservedMoved int, err error) {
	_, keys, err := b.resolveQueue(queueName)
	if err != nil {
		return 0, 0, err
	}

	delayedMoved, err = b.migrate(ctx, keys.delayed, keys.ready, keys.notify)
	if err != nil {
		return 0, 0, err
	}
	metrics.Default().RecordMigratedDelayed(delayedMoved)

	if b.cfg.RetryAfter != nil {
		reservedMoved, err = b.migrate(ctx, keys.reserved, keys.ready, keys.notify)
		if err != nil {
			return delayedMoved, 0, err
		}
		metrics.Default().RecordMigratedReserved(reservedMoved)
	}

	return delayedMoved, reservedMoved, nil
}

func idsNow() time.Time {
	return ids.Now()
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
