package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr
}

func TestAcquire_Success(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	l, err := Acquire(ctx, client, "test:lock", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if l == nil {
		t.Fatal("expected non-nil lock")
	}
	if l.Key() != "test:lock" {
		t.Errorf("key mismatch: got %s", l.Key())
	}
	if l.Token() == "" {
		t.Error("expected non-empty token")
	}
}

func TestAcquire_AlreadyLocked(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	l1, err := Acquire(ctx, client, "test:lock", 10*time.Second)
	if err != nil || l1 == nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	l2, err := Acquire(ctx, client, "test:lock", 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected error on second acquire: %v", err)
	}
	if l2 != nil {
		t.Error("expected nil for already-locked key")
	}
}

func TestRelease_ThenReacquire(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	l, err := Acquire(ctx, client, "test:lock", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	l2, err := Acquire(ctx, client, "test:lock", 10*time.Second)
	if err != nil || l2 == nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
}

func TestRelease_NotOwned(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	client.Set(ctx, "test:lock", "different-token", 10*time.Second)

	l := &DistributedLock{client: client, key: "test:lock", token: "my-token", ttl: 10 * time.Second}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("release should not error: %v", err)
	}

	exists, err := client.Exists(ctx, "test:lock").Result()
	if err != nil {
		t.Fatalf("exists check failed: %v", err)
	}
	if exists != 1 {
		t.Error("key should still exist after release by non-owner")
	}
}

func TestExtend_Success(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	l, err := Acquire(ctx, client, "test:lock", 5*time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := l.Extend(ctx, 10*time.Second); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if l.TTL() != 10*time.Second {
		t.Errorf("ttl not updated: got %v", l.TTL())
	}
}

func TestExtend_NotOwned(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	client.Set(ctx, "test:lock", "different-token", 10*time.Second)

	l := &DistributedLock{client: client, key: "test:lock", token: "my-token", ttl: 10 * time.Second}
	if err := l.Extend(ctx, 20*time.Second); err == nil {
		t.Error("expected error extending a lock not owned")
	}
}

func TestAcquire_TTLExpiration(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	l, err := Acquire(ctx, client, "test:lock", 1*time.Second)
	if err != nil || l == nil {
		t.Fatalf("acquire failed: %v", err)
	}

	mr.FastForward(2 * time.Second)

	l2, err := Acquire(ctx, client, "test:lock", 1*time.Second)
	if err != nil || l2 == nil {
		t.Fatalf("reacquire after ttl expiry failed: %v", err)
	}
}
