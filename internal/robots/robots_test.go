package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAllowedDisallowAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("User-agent: *\nDisallow: /\n"))
	}))
	defer srv.Close()

	rc := NewCache(WithClient(srv.Client()))

	if rc.Allowed(context.Background(), srv.URL+"/private", "pagesift") {
		t.Fatalf("expected disallow for /private")
	}
}

func TestAllowedPathRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /admin\nAllow: /\n"))
	}))
	defer srv.Close()

	rc := NewCache(WithClient(srv.Client()))

	if !rc.Allowed(context.Background(), srv.URL+"/docs", "pagesift") {
		t.Fatalf("expected allow for /docs")
	}
	if rc.Allowed(context.Background(), srv.URL+"/admin/users", "pagesift") {
		t.Fatalf("expected disallow for /admin/users")
	}
}

func TestFailsOpenOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rc := NewCache(WithClient(srv.Client()))

	if !rc.Allowed(context.Background(), srv.URL+"/anything", "pagesift") {
		t.Fatalf("expected fail-open on 500 robots.txt")
	}
}

func TestSingleFlightCoalescesFetches(t *testing.T) {
	var fetches int64
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetches, 1)
		<-release
		w.Write([]byte("User-agent: *\nDisallow: /blocked\n"))
	}))
	defer srv.Close()

	rc := NewCache(WithClient(srv.Client()))

	const callers = 8
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			rc.Allowed(context.Background(), srv.URL+"/page", "pagesift")
		}()
	}

	// Give all goroutines time to pile onto the single-flight group.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt64(&fetches); got != 1 {
		t.Fatalf("expected 1 upstream fetch, got %d", got)
	}
}

func TestTTLExpiryRefetches(t *testing.T) {
	var fetches int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetches, 1)
		w.Write([]byte("User-agent: *\nAllow: /\n"))
	}))
	defer srv.Close()

	rc := NewCache(WithClient(srv.Client()), WithTTLs(10*time.Millisecond, 10*time.Millisecond))

	rc.Allowed(context.Background(), srv.URL+"/a", "pagesift")
	rc.Allowed(context.Background(), srv.URL+"/b", "pagesift")
	if got := atomic.LoadInt64(&fetches); got != 1 {
		t.Fatalf("expected cached second lookup, got %d fetches", got)
	}

	time.Sleep(20 * time.Millisecond)
	rc.Allowed(context.Background(), srv.URL+"/c", "pagesift")
	if got := atomic.LoadInt64(&fetches); got != 2 {
		t.Fatalf("expected refetch after TTL, got %d fetches", got)
	}
}
