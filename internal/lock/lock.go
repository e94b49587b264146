// Package lock provides a Redis-based distributed lock used by the migrator
// daemon for leader election across redundant instances.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// extendScript extends the lock TTL only if we still own it.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// DistributedLock is a SETNX-based mutual-exclusion lock held against a
// single Redis key.
type DistributedLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// Acquire attempts to take the lock at key. Returns nil, nil if another
// holder already owns it.
func Acquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*DistributedLock, error) {
	token := uuid.New().String()

	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: failed to acquire %s: %w", key, err)
	}
	if !acquired {
		return nil, nil
	}

	return &DistributedLock{
		client: client,
		key:    key,
		token:  token,
		ttl:    ttl,
	}, nil
}

// Release gives up the lock, but only if this holder still owns it.
func (l *DistributedLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// Extend bumps the lock's TTL, failing if ownership was lost in the
// meantime (e.g. the lock expired and another instance took over).
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("lock: failed to extend %s: %w", l.key, err)
	}
	if result == int64(0) {
		return fmt.Errorf("lock: %s no longer owned by this holder", l.key)
	}
	l.ttl = ttl
	return nil
}

// Key returns the Redis key backing this lock.
func (l *DistributedLock) Key() string { return l.key }

// Token returns this holder's lock token.
func (l *DistributedLock) Token() string { return l.token }

// TTL returns the lock's current time-to-live.
func (l *DistributedLock) TTL() time.Duration { return l.ttl }
