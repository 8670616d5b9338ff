package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiterBoundary(t *testing.T) {
	now := time.Now()
	l := NewMemoryLimiter()
	l.now = func() time.Time { return now }

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "k1", 2)
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}

	ok, retry, err := l.Allow(ctx, "k1", 2)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if ok {
		t.Fatalf("third request within window should be rejected")
	}
	if retry <= 0 || retry > Window {
		t.Fatalf("retry hint out of range: %v", retry)
	}

	// A minute later the oldest entries age out.
	now = now.Add(61 * time.Second)
	ok, _, err = l.Allow(ctx, "k1", 2)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if !ok {
		t.Fatalf("request after window expiry should be admitted")
	}
}

func TestMemoryLimiterPerKeyIsolation(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	if ok, _, _ := l.Allow(ctx, "a", 1); !ok {
		t.Fatalf("key a first request should pass")
	}
	if ok, _, _ := l.Allow(ctx, "a", 1); ok {
		t.Fatalf("key a second request should be rejected")
	}
	if ok, _, _ := l.Allow(ctx, "b", 1); !ok {
		t.Fatalf("key b must not be affected by key a")
	}
}

func TestMemoryLimiterConcurrentBurst(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	const limit = 10
	const attempts = 50

	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			ok, _, err := l.Allow(ctx, "burst", limit)
			if err != nil {
				t.Errorf("Allow error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Fatalf("expected exactly %d admitted under burst, got %d", limit, admitted)
	}
}

func newRedisLimiter(t *testing.T) *RedisLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLimiter(rdb)
}

func TestRedisLimiterBoundary(t *testing.T) {
	l := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "k1", 2)
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}

	ok, retry, err := l.Allow(ctx, "k1", 2)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if ok {
		t.Fatalf("third request within window should be rejected")
	}
	if retry <= 0 || retry > Window {
		t.Fatalf("retry hint out of range: %v", retry)
	}
}

func TestRedisLimiterPerKeyIsolation(t *testing.T) {
	l := newRedisLimiter(t)
	ctx := context.Background()

	if ok, _, _ := l.Allow(ctx, "a", 1); !ok {
		t.Fatalf("key a first request should pass")
	}
	if ok, _, _ := l.Allow(ctx, "a", 1); ok {
		t.Fatalf("key a second request should be rejected")
	}
	if ok, _, _ := l.Allow(ctx, "b", 1); !ok {
		t.Fatalf("key b must not be affected by key a")
	}
}

func TestRedisLimiterConcurrentBurst(t *testing.T) {
	l := newRedisLimiter(t)
	ctx := context.Background()

	const limit = 10
	const attempts = 60

	var admitted int64
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			ok, _, err := l.Allow(ctx, "burst", limit)
			if err != nil {
				t.Errorf("Allow error: %v", err)
				return
			}
			if ok {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != limit {
		t.Fatalf("expected exactly %d admitted under burst, got %d", limit, admitted)
	}
}

func TestMemoryLimiterZeroLimitDisables(t *testing.T) {
	l := NewMemoryLimiter()
	for i := 0; i < 100; i++ {
		if ok, _, _ := l.Allow(context.Background(), "free", 0); !ok {
			t.Fatalf("limit 0 should disable limiting")
		}
	}
}
