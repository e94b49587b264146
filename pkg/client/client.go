// Package client provides the public façade for producers and consumers:
// a thin wrapper over internal/broker that hides the Redis script plumbing
// behind Push/Later/Bulk/Pop/ack/release/Clear/Size.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/wharfqueue/wharf/internal/broker"
)

// Client wraps a RedisBroker connection for producers and consumers.
type Client struct {
	broker *broker.RedisBroker
}

// Config configures a Client. See broker.Config for field semantics.
type Config struct {
	RedisURL            string
	DefaultQueue        string
	Connection          string
	RetryAfter          *time.Duration
	BlockFor            *time.Duration
	MigrationBatchSize  int
	Cluster             bool
	DispatchAfterCommit bool
}

// New connects to Redis and returns a Client.
func New(cfg Config) (*Client, error) {
	b, err := broker.NewRedisBroker(&broker.Config{
		RedisURL:            cfg.RedisURL,
		DefaultQueue:        cfg.DefaultQueue,
		Connection:          cfg.Connection,
		RetryAfter:          cfg.RetryAfter,
		BlockFor:            cfg.BlockFor,
		MigrationBatchSize:  cfg.MigrationBatchSize,
		Cluster:             cfg.Cluster,
		DispatchAfterCommit: cfg.DispatchAfterCommit,
	})
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	return &Client{broker: b}, nil
}

// NewFromBroker wraps an already-constructed broker, useful when a process
// shares one broker between a Client and a Monitor.
func NewFromBroker(b *broker.RedisBroker) *Client {
	return &Client{broker: b}
}

// Push enqueues a job for immediate processing and returns its ID.
func (c *Client) Push(ctx context.Context, queueName, jobName string, data interface{}) (string, error) {
	return c.broker.Push(ctx, queueName, jobName, data)
}

// Later enqueues a job that becomes visible after delay elapses.
func (c *Client) Later(ctx context.Context, queueName, jobName string, data interface{}, delay time.Duration) (string, error) {
	return c.broker.Later(ctx, queueName, jobName, data, delay)
}

// BulkItem describes one job to enqueue via Bulk.
type BulkItem = broker.BulkItem

// Bulk enqueues many jobs in as few round trips as possible.
func (c *Client) Bulk(ctx context.Context, queueName string, items []BulkItem) ([]string, error) {
	return c.broker.Bulk(ctx, queueName, items)
}

// ReservedJob is a job handed out by Pop, pending Ack or Release.
type ReservedJob = broker.ReservedJob

// Pop attempts one reservation from queueName. See broker.RedisBroker.Pop
// for the index/secondaryHadJob fairness contract; most callers should use
// a Monitor (internal/broker) instead of calling Pop directly.
func (c *Client) Pop(ctx context.Context, queueName string, index int, secondaryHadJob bool) (*ReservedJob, bool, error) {
	return c.broker.Pop(ctx, queueName, index, secondaryHadJob)
}

// Ack acknowledges a reserved job, completing its lifecycle.
func (c *Client) Ack(ctx context.Context, r *ReservedJob) error {
	return c.broker.DeleteReserved(ctx, r)
}

// Release returns a reserved job to the delayed set, visible again after delay.
func (c *Client) Release(ctx context.Context, r *ReservedJob, delay time.Duration) error {
	return c.broker.DeleteAndRelease(ctx, r, delay)
}

// Size returns the total number of jobs in queueName.
func (c *Client) Size(ctx context.Context, queueName string) (int64, error) {
	return c.broker.Size(ctx, queueName)
}

// Clear removes every job from queueName and returns how many were removed.
func (c *Client) Clear(ctx context.Context, queueName string) (int64, error) {
	return c.broker.Clear(ctx, queueName)
}

// ReapReserved force-migrates every stuck reservation in queueName back to
// ready. See broker.RedisBroker.ReapReserved.
func (c *Client) ReapReserved(ctx context.Context, queueName string) (int, error) {
	return c.broker.ReapReserved(ctx, queueName)
}

// Broker exposes the underlying broker, for callers that need to build a
// Monitor sharing this Client's connection.
func (c *Client) Broker() *broker.RedisBroker {
	return c.broker
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.broker.Close()
}
