package ratelimit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ontour.app/internal/ids"
)

func redisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	addr := os.Getenv("ONTOUR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ONTOUR_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := DialRedis(ctx, addr, os.Getenv("ONTOUR_TEST_REDIS_PASSWORD"), 0)
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	b, err := NewRedisBackend(client)
	if err != nil {
		t.Fatalf("NewRedisBackend: %v", err)
	}
	return b
}

func TestRedisBackendFixedWindow(t *testing.T) {
	b := redisBackend(t)
	ctx := context.Background()
	key := "ontour:test:" + ids.New()
	t.Cleanup(func() { _ = b.Reset(ctx, key) })
	now := time.Now()

	for i := 1; i <= 3; i++ {
		u, err := b.Take(ctx, key, 3, time.Minute, now)
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		if !u.Allowed || u.Count != i {
			t.Fatalf("take %d = %+v", i, u)
		}
		if !u.ResetAt.After(now) {
			t.Fatalf("resetAt = %v", u.ResetAt)
		}
	}
	u, err := b.Take(ctx, key, 3, time.Minute, now)
	if err != nil || u.Allowed || u.Count != 3 {
		t.Fatalf("over limit = %+v, %v", u, err)
	}

	if err := b.Reset(ctx, key); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := b.Reset(ctx, key); err != nil {
		t.Fatalf("second Reset: %v", err)
	}
	if u, _ := b.Take(ctx, key, 3, time.Minute, now); !u.Allowed || u.Count != 1 {
		t.Fatalf("after reset = %+v", u)
	}
}

func TestRedisBackendConcurrentTakes(t *testing.T) {
	b := redisBackend(t)
	ctx := context.Background()
	key := "ontour:test:" + ids.New()
	t.Cleanup(func() { _ = b.Reset(ctx, key) })

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if u, err := b.Take(ctx, key, 25, time.Minute, time.Now()); err == nil && u.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 25 {
		t.Fatalf("allowed = %d, want 25", got)
	}
}
