package governor

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"pagesift/internal/apperr"
)

// DefaultPerHost is the default concurrent-fetch cap per host.
const DefaultPerHost = 5

// Governor bounds concurrent fetches per host with a weighted
// semaphore each. State is process-global; the coordinator and the
// crawler both acquire from the same instance. Waiters are served in
// FIFO order and a cancelled waiter releases its place for the next.
type Governor struct {
	mu       sync.Mutex
	hosts    map[string]*semaphore.Weighted
	capacity int64
}

func New(perHost int64) *Governor {
	if perHost <= 0 {
		perHost = DefaultPerHost
	}
	return &Governor{
		hosts:    make(map[string]*semaphore.Weighted),
		capacity: perHost,
	}
}

func (g *Governor) sem(host string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.hosts[host]
	if !ok {
		s = semaphore.NewWeighted(g.capacity)
		g.hosts[host] = s
	}
	return s
}

// hostOf extracts the lower-cased host (without port) from a URL.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	h := strings.ToLower(u.Hostname())
	if h == "" {
		return rawURL
	}
	return h
}

// Acquire takes one fetch slot for the URL's host, blocking until a
// slot frees or ctx expires. On expiry it returns FETCH_TIMEOUT. The
// returned release function must be called exactly once.
func (g *Governor) Acquire(ctx context.Context, rawURL string) (release func(), err error) {
	host := hostOf(rawURL)
	s := g.sem(host)

	if err := s.Acquire(ctx, 1); err != nil {
		return nil, apperr.Wrap(apperr.CodeFetchTimeout, "waiting for host slot on "+host, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.Release(1) })
	}, nil
}
