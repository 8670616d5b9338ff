package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pagesift/internal/apperr"
)

func TestAcquireBoundsPerHost(t *testing.T) {
	g := New(2)
	ctx := context.Background()

	var inFlight, peak int64
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(ctx, "https://example.com/page")
			if err != nil {
				t.Errorf("Acquire error: %v", err)
				return
			}
			cur := atomic.AddInt64(&inFlight, 1)
			mu.Lock()
			if cur > peak {
				peak = cur
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			release()
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Fatalf("per-host concurrency exceeded: peak %d", peak)
	}
}

func TestHostsAreIndependent(t *testing.T) {
	g := New(1)
	ctx := context.Background()

	releaseA, err := g.Acquire(ctx, "https://a.example.com/")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	defer releaseA()

	// A different host must not be blocked by a's held slot.
	ctxB, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	releaseB, err := g.Acquire(ctxB, "https://b.example.com/")
	if err != nil {
		t.Fatalf("Acquire b should not block: %v", err)
	}
	releaseB()
}

func TestAcquireTimeout(t *testing.T) {
	g := New(1)

	release, err := g.Acquire(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = g.Acquire(ctx, "https://example.com/")
	if apperr.CodeOf(err) != apperr.CodeFetchTimeout {
		t.Fatalf("expected FETCH_TIMEOUT, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := New(1)
	release, err := g.Acquire(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release() // must not panic or over-release

	release2, err := g.Acquire(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release2()
}
