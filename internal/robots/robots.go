package robots

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

const (
	defaultFetchTimeout = 5 * time.Second
	defaultPositiveTTL  = time.Hour
	defaultNegativeTTL  = 15 * time.Minute
)

type entry struct {
	data    *robotstxt.RobotsData
	expires time.Time
}

// Cache fetches and caches per-host robots.txt policies. Concurrent
// lookups for the same host coalesce into one upstream fetch. Parse
// failures and unreachable hosts fail open (allow all) with a shorter
// negative TTL so failing hosts are not hammered.
type Cache struct {
	client       *http.Client
	fetchTimeout time.Duration
	positiveTTL  time.Duration
	negativeTTL  time.Duration

	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group

	now func() time.Time
}

// Option tweaks cache construction.
type Option func(*Cache)

// WithClient overrides the HTTP client, mainly for tests.
func WithClient(c *http.Client) Option {
	return func(rc *Cache) { rc.client = c }
}

// WithTTLs overrides the positive and negative cache lifetimes.
func WithTTLs(positive, negative time.Duration) Option {
	return func(rc *Cache) {
		if positive > 0 {
			rc.positiveTTL = positive
		}
		if negative > 0 {
			rc.negativeTTL = negative
		}
	}
}

// WithFetchTimeout overrides the per-fetch timeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(rc *Cache) {
		if d > 0 {
			rc.fetchTimeout = d
		}
	}
}

func NewCache(opts ...Option) *Cache {
	rc := &Cache{
		client:       &http.Client{},
		fetchTimeout: defaultFetchTimeout,
		positiveTTL:  defaultPositiveTTL,
		negativeTTL:  defaultNegativeTTL,
		entries:      make(map[string]entry),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Allowed reports whether userAgent may fetch rawURL per the host's
// robots.txt. Errors anywhere in the lookup fail open.
func (rc *Cache) Allowed(ctx context.Context, rawURL, userAgent string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}

	data := rc.policyFor(ctx, u.Scheme, u.Host)
	if data == nil {
		return true
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, userAgent)
}

func (rc *Cache) policyFor(ctx context.Context, scheme, host string) *robotstxt.RobotsData {
	rc.mu.RLock()
	e, ok := rc.entries[host]
	rc.mu.RUnlock()
	if ok && rc.now().Before(e.expires) {
		return e.data
	}

	v, _, _ := rc.group.Do(host, func() (any, error) {
		// Re-check under single-flight; another caller may have
		// refreshed while we waited.
		rc.mu.RLock()
		e, ok := rc.entries[host]
		rc.mu.RUnlock()
		if ok && rc.now().Before(e.expires) {
			return e.data, nil
		}

		data, ok := rc.fetch(ctx, scheme, host)
		ttl := rc.positiveTTL
		if !ok {
			ttl = rc.negativeTTL
		}

		rc.mu.Lock()
		rc.entries[host] = entry{data: data, expires: rc.now().Add(ttl)}
		rc.mu.Unlock()
		return data, nil
	})

	data, _ := v.(*robotstxt.RobotsData)
	return data
}

// fetch retrieves and parses robots.txt. The second return reports
// whether the result is a positive (full-TTL) entry; nil data means
// allow-all.
func (rc *Cache) fetch(ctx context.Context, scheme, host string) (*robotstxt.RobotsData, bool) {
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}

	fetchCtx, cancel := context.WithTimeout(ctx, rc.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, scheme+"://"+host+"/robots.txt", nil)
	if err != nil {
		return nil, false
	}

	resp, err := rc.client.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil, false
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, false
	}
	return data, true
}
