package scrape

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pagesift/internal/apperr"
	"pagesift/internal/fetcher"
	"pagesift/internal/governor"
	"pagesift/internal/model"
	"pagesift/internal/robots"
	"pagesift/internal/urlutil"
)

type memStore struct {
	mu      sync.Mutex
	byHash  map[string]model.Page
	upserts int64
}

func newMemStore() *memStore {
	return &memStore{byHash: make(map[string]model.Page)}
}

func (s *memStore) GetPageByURLHash(_ context.Context, urlHash string) (model.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byHash[urlHash]
	if !ok {
		return model.Page{}, sql.ErrNoRows
	}
	return p, nil
}

func (s *memStore) GetPageByContentHash(_ context.Context, contentHash string) (model.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byHash {
		if p.ContentHash == contentHash {
			return p, nil
		}
	}
	return model.Page{}, sql.ErrNoRows
}

func (s *memStore) UpsertPage(_ context.Context, p *model.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	atomic.AddInt64(&s.upserts, 1)
	s.byHash[p.URLHash] = *p
	return nil
}

type openResolver struct{}

func (openResolver) LookupNetIP(_ context.Context, _, _ string) ([]netip.Addr, error) {
	return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
}

// rewriteTransport sends every request to the httptest server regardless
// of the URL's host, so tests can scrape fake public hostnames that the
// SSRF guard resolves through openResolver.
type rewriteTransport struct {
	base   http.RoundTripper
	target *url.URL
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = t.target.Scheme
	clone.URL.Host = t.target.Host
	return t.base.RoundTrip(clone)
}

func rewriteTo(t *testing.T, srv *httptest.Server) rewriteTransport {
	t.Helper()
	target, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	return rewriteTransport{base: srv.Client().Transport, target: target}
}

func testCoordinator(t *testing.T, srv *httptest.Server, st *memStore, robotsCache *robots.Cache) *Coordinator {
	t.Helper()
	f := fetcher.New(fetcher.Options{
		UserAgent: "pagesift-test",
		Resolver:  openResolver{},
		Transport: rewriteTo(t, srv),
		RetryBase: time.Millisecond,
	})
	return NewCoordinator(Options{
		Store:     st,
		Robots:    robotsCache,
		Governor:  governor.New(5),
		Fetcher:   f,
		Resolver:  openResolver{},
		UserAgent: "pagesift-test",
	})
}

const testPage = `<html><head><title>Cache Me</title></head><body><article>` +
	`<p>Plenty of server rendered words in this page, enough to skip the renderer. ` +
	`More sentences with punctuation, commas, and periods to satisfy scoring.</p></article></body></html>`

func TestScrapePersistsAndCaches(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		fmt.Fprint(w, testPage)
	}))
	defer srv.Close()

	st := newMemStore()
	c := testCoordinator(t, srv, st, nil)

	out, err := c.Scrape(context.Background(), Request{URL: "http://scrape.test/article", RenderPolicy: model.RenderNever})
	if err != nil {
		t.Fatalf("Scrape error: %v", err)
	}
	if out.Cached {
		t.Fatalf("first scrape must not be a cache hit")
	}
	if out.Page.Title != "Cache Me" {
		t.Fatalf("unexpected title %q", out.Page.Title)
	}
	if out.Page.ContentHash == "" || out.Page.URLHash == "" {
		t.Fatalf("hashes must be populated")
	}

	out2, err := c.Scrape(context.Background(), Request{URL: "http://scrape.test/article", RenderPolicy: model.RenderNever})
	if err != nil {
		t.Fatalf("second Scrape error: %v", err)
	}
	if !out2.Cached {
		t.Fatalf("second scrape must hit the cache")
	}
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", got)
	}
}

func TestScrapeForceRefreshBypassesCache(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		fmt.Fprint(w, testPage)
	}))
	defer srv.Close()

	st := newMemStore()
	c := testCoordinator(t, srv, st, nil)

	if _, err := c.Scrape(context.Background(), Request{URL: "http://scrape.test/", RenderPolicy: model.RenderNever}); err != nil {
		t.Fatalf("Scrape error: %v", err)
	}
	out, err := c.Scrape(context.Background(), Request{URL: "http://scrape.test/", RenderPolicy: model.RenderNever, ForceRefresh: true})
	if err != nil {
		t.Fatalf("forced Scrape error: %v", err)
	}
	if out.Cached {
		t.Fatalf("force refresh must not report a cache hit")
	}
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Fatalf("expected two upstream fetches, got %d", got)
	}
}

func TestScrapeTTLOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testPage)
	}))
	defer srv.Close()

	st := newMemStore()
	c := testCoordinator(t, srv, st, nil)

	out, err := c.Scrape(context.Background(), Request{URL: "http://scrape.test/", RenderPolicy: model.RenderNever})
	if err != nil {
		t.Fatalf("Scrape error: %v", err)
	}

	// Age the stored row past any reasonable TTL.
	st.mu.Lock()
	p := st.byHash[out.Page.URLHash]
	p.FetchedAt = time.Now().Add(-48 * time.Hour)
	st.byHash[out.Page.URLHash] = p
	st.mu.Unlock()

	one := 1
	out2, err := c.Scrape(context.Background(), Request{URL: "http://scrape.test/", RenderPolicy: model.RenderNever, CacheTTLSeconds: &one})
	if err != nil {
		t.Fatalf("Scrape error: %v", err)
	}
	if out2.Cached {
		t.Fatalf("stale row must miss under a short TTL")
	}

	st.mu.Lock()
	p = st.byHash[out.Page.URLHash]
	p.FetchedAt = time.Now().Add(-48 * time.Hour)
	st.byHash[out.Page.URLHash] = p
	st.mu.Unlock()

	zero := 0
	out3, err := c.Scrape(context.Background(), Request{URL: "http://scrape.test/", RenderPolicy: model.RenderNever, CacheTTLSeconds: &zero})
	if err != nil {
		t.Fatalf("Scrape error: %v", err)
	}
	if !out3.Cached {
		t.Fatalf("zero TTL override must accept any stored row")
	}
}

func TestScrapeErrorRowsNeverHit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testPage)
	}))
	defer srv.Close()

	st := newMemStore()
	c := testCoordinator(t, srv, st, nil)

	canonical, err := urlutil.Normalize("http://scrape.test/", "")
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	urlHash := urlutil.Hash(canonical)

	st.byHash[urlHash] = model.Page{
		URL:       canonical,
		URLHash:   urlHash,
		ErrorCode: string(apperr.CodeUpstreamHTTP),
		FetchedAt: time.Now(),
	}

	out, err := c.Scrape(context.Background(), Request{URL: "http://scrape.test/", RenderPolicy: model.RenderNever})
	if err != nil {
		t.Fatalf("Scrape error: %v", err)
	}
	if out.Cached {
		t.Fatalf("error rows must never satisfy the cache probe")
	}
	if out.Page.ErrorCode != "" {
		t.Fatalf("refetch must replace the error row")
	}
}

func TestScrapeRobotsBlocked(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testPage)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rc := robots.NewCache(robots.WithClient(&http.Client{Transport: rewriteTo(t, srv)}))
	st := newMemStore()
	c := testCoordinator(t, srv, st, rc)

	_, err := c.Scrape(context.Background(), Request{
		URL:           "http://scrape.test/private/page",
		RenderPolicy:  model.RenderNever,
		RespectRobots: true,
	})
	if apperr.CodeOf(err) != apperr.CodeRobotsBlocked {
		t.Fatalf("expected ROBOTS_BLOCKED, got %v", err)
	}
	if atomic.LoadInt64(&st.upserts) != 0 {
		t.Fatalf("robots rejection must not write a page row")
	}

	out, err := c.Scrape(context.Background(), Request{
		URL:           "http://scrape.test/public/page",
		RenderPolicy:  model.RenderNever,
		RespectRobots: true,
	})
	if err != nil {
		t.Fatalf("allowed path must scrape: %v", err)
	}
	if out.Page.Title != "Cache Me" {
		t.Fatalf("unexpected title %q", out.Page.Title)
	}
}

func TestScrapeUpstreamErrorStoresNegativeRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	st := newMemStore()
	c := testCoordinator(t, srv, st, nil)

	_, err := c.Scrape(context.Background(), Request{URL: "http://scrape.test/missing", RenderPolicy: model.RenderNever})
	if apperr.CodeOf(err) != apperr.CodeUpstreamHTTP {
		t.Fatalf("expected UPSTREAM_HTTP_ERROR, got %v", err)
	}

	canonical, _ := urlutil.Normalize("http://scrape.test/missing", "")
	row, gerr := st.GetPageByURLHash(context.Background(), urlutil.Hash(canonical))
	if gerr != nil {
		t.Fatalf("expected a negative row: %v", gerr)
	}
	if row.ErrorCode != string(apperr.CodeUpstreamHTTP) {
		t.Fatalf("unexpected error code %q", row.ErrorCode)
	}
}

func TestScrapeSingleFlightSharesResult(t *testing.T) {
	var hits int64
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		<-gate
		fmt.Fprint(w, testPage)
	}))
	defer srv.Close()

	st := newMemStore()
	c := testCoordinator(t, srv, st, nil)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Outcome, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Scrape(context.Background(), Request{URL: "http://scrape.test/", RenderPolicy: model.RenderNever})
		}(i)
	}

	// Let the goroutines pile onto the in-flight call, then release it.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if results[i].Page.Title != "Cache Me" {
			t.Fatalf("caller %d got wrong page", i)
		}
	}
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Fatalf("expected one upstream fetch across %d callers, got %d", callers, got)
	}
}

func TestScrapeRejectsInvalidURL(t *testing.T) {
	st := newMemStore()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	c := testCoordinator(t, srv, st, nil)

	_, err := c.Scrape(context.Background(), Request{URL: "ftp://example.com/file"})
	if apperr.CodeOf(err) != apperr.CodeUnsupportedScheme {
		t.Fatalf("expected UNSUPPORTED_SCHEME, got %v", err)
	}

	_, err = c.Scrape(context.Background(), Request{URL: strings.Repeat(" ", 3)})
	if apperr.CodeOf(err) != apperr.CodeInvalidURL {
		t.Fatalf("expected INVALID_URL, got %v", err)
	}
}
