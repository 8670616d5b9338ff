package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"pagesift/internal/apperr"
	"pagesift/internal/model"
	"pagesift/internal/scrape"
	"pagesift/internal/urlutil"
)

// fakeSite serves a canned link graph keyed by canonical URL.
type fakeSite struct {
	mu      sync.Mutex
	links   map[string][]string
	fail    map[string]error
	scrapes map[string]int
	robots  []bool
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		links:   make(map[string][]string),
		fail:    make(map[string]error),
		scrapes: make(map[string]int),
	}
}

func (s *fakeSite) Scrape(_ context.Context, req scrape.Request) (*scrape.Outcome, error) {
	canonical, err := urlutil.Normalize(req.URL, "")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.scrapes[canonical]++
	s.robots = append(s.robots, req.RespectRobots)
	ferr := s.fail[canonical]
	links := s.links[canonical]
	s.mu.Unlock()

	if ferr != nil {
		return nil, ferr
	}

	return &scrape.Outcome{
		Page: model.Page{
			ID:            uuid.New(),
			CanonicalURL:  canonical,
			URLHash:       urlutil.Hash(canonical),
			Title:         "page " + canonical,
			LinksInternal: links,
		},
	}, nil
}

type recordingStore struct {
	mu     sync.Mutex
	pages  []struct{ depth int }
	events []string
}

func (s *recordingStore) InsertJobPage(_ context.Context, _, _ uuid.UUID, depth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, struct{ depth int }{depth})
	return nil
}

func (s *recordingStore) InsertEvent(_ context.Context, _, _ *uuid.UUID, eventType string, _ model.EventLevel, _ string, _ json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
	return nil
}

func intp(n int) *int { return &n }

func boolp(b bool) *bool { return &b }

func TestCrawlRespectsMaxPages(t *testing.T) {
	site := newFakeSite()
	seed := "https://docs.example.com/"
	var children []string
	for i := 0; i < 25; i++ {
		children = append(children, fmt.Sprintf("https://docs.example.com/page/%d", i))
	}
	site.links[seed] = children

	c := New(site, &recordingStore{}, Limits{}, nil)

	res, err := c.Crawl(context.Background(), uuid.New(), Params{
		URL:      seed,
		MaxDepth: intp(1),
		MaxPages: intp(10),
	}, nil)
	if err != nil {
		t.Fatalf("Crawl error: %v", err)
	}
	if len(res.Pages) != 10 {
		t.Fatalf("expected exactly 10 pages, got %d", len(res.Pages))
	}
	if res.PagesDiscovered != 10 {
		t.Fatalf("expected pages_discovered=10, got %d", res.PagesDiscovered)
	}
}

func TestCrawlRespectsMaxDepth(t *testing.T) {
	site := newFakeSite()
	site.links["https://example.com/"] = []string{"https://example.com/a"}
	site.links["https://example.com/a"] = []string{"https://example.com/b"}
	site.links["https://example.com/b"] = []string{"https://example.com/c"}

	c := New(site, &recordingStore{}, Limits{}, nil)

	res, err := c.Crawl(context.Background(), uuid.New(), Params{
		URL:      "https://example.com/",
		MaxDepth: intp(1),
		MaxPages: intp(100),
	}, nil)
	if err != nil {
		t.Fatalf("Crawl error: %v", err)
	}
	// Seed at depth 0 plus /a at depth 1; /b is beyond the cap.
	if len(res.Pages) != 2 {
		t.Fatalf("expected 2 pages at depth<=1, got %d: %+v", len(res.Pages), res.Pages)
	}
	for _, p := range res.Pages {
		if p.Depth > 1 {
			t.Fatalf("page beyond max depth: %+v", p)
		}
	}
}

func TestCrawlStaysOnRegistrableDomain(t *testing.T) {
	site := newFakeSite()
	site.links["https://example.com/"] = []string{
		"https://example.com/ok",
		"https://evil.example.org/nope",
	}

	c := New(site, &recordingStore{}, Limits{}, nil)

	res, err := c.Crawl(context.Background(), uuid.New(), Params{
		URL:      "https://example.com/",
		MaxDepth: intp(2),
	}, nil)
	if err != nil {
		t.Fatalf("Crawl error: %v", err)
	}
	for _, p := range res.Pages {
		if p.URL == "https://evil.example.org/nope" {
			t.Fatalf("external domain must never be followed")
		}
	}
	if len(res.Pages) != 2 {
		t.Fatalf("expected seed + internal page, got %d", len(res.Pages))
	}
}

func TestCrawlVisitsEachURLOnce(t *testing.T) {
	site := newFakeSite()
	// a and b link to each other and back to the seed.
	site.links["https://example.com/"] = []string{"https://example.com/a", "https://example.com/b"}
	site.links["https://example.com/a"] = []string{"https://example.com/b", "https://example.com/"}
	site.links["https://example.com/b"] = []string{"https://example.com/a", "https://example.com/"}

	c := New(site, &recordingStore{}, Limits{}, nil)

	if _, err := c.Crawl(context.Background(), uuid.New(), Params{
		URL:      "https://example.com/",
		MaxDepth: intp(5),
	}, nil); err != nil {
		t.Fatalf("Crawl error: %v", err)
	}

	site.mu.Lock()
	defer site.mu.Unlock()
	for u, n := range site.scrapes {
		if n != 1 {
			t.Fatalf("url %s scraped %d times", u, n)
		}
	}
}

func TestCrawlIncludeExcludePatterns(t *testing.T) {
	site := newFakeSite()
	site.links["https://example.com/"] = []string{
		"https://example.com/docs/intro",
		"https://example.com/docs/private/key",
		"https://example.com/blog/post",
	}

	c := New(site, &recordingStore{}, Limits{}, nil)

	res, err := c.Crawl(context.Background(), uuid.New(), Params{
		URL:             "https://example.com/",
		MaxDepth:        intp(1),
		IncludePatterns: []string{`^/docs/`},
		ExcludePatterns: []string{`/private/`},
	}, nil)
	if err != nil {
		t.Fatalf("Crawl error: %v", err)
	}

	urls := make(map[string]bool)
	for _, p := range res.Pages {
		urls[p.URL] = true
	}
	if !urls["https://example.com/docs/intro"] {
		t.Fatalf("included path missing from results: %+v", res.Pages)
	}
	if urls["https://example.com/docs/private/key"] || urls["https://example.com/blog/post"] {
		t.Fatalf("filtered paths leaked into results: %+v", res.Pages)
	}
}

func TestCrawlInvalidPatternFails(t *testing.T) {
	c := New(newFakeSite(), &recordingStore{}, Limits{}, nil)
	_, err := c.Crawl(context.Background(), uuid.New(), Params{
		URL:             "https://example.com/",
		IncludePatterns: []string{`[unclosed`},
	}, nil)
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestCrawlPageErrorsAreNotFatal(t *testing.T) {
	site := newFakeSite()
	site.links["https://example.com/"] = []string{"https://example.com/good", "https://example.com/bad"}
	site.fail["https://example.com/bad"] = apperr.New(apperr.CodeUpstreamHTTP, "upstream 500")

	st := &recordingStore{}
	c := New(site, st, Limits{}, nil)

	res, err := c.Crawl(context.Background(), uuid.New(), Params{
		URL:      "https://example.com/",
		MaxDepth: intp(1),
	}, nil)
	if err != nil {
		t.Fatalf("page errors must not fail the job: %v", err)
	}
	if res.PagesErrored != 1 {
		t.Fatalf("expected 1 errored page, got %d", res.PagesErrored)
	}
	if len(res.Pages) != 2 {
		t.Fatalf("expected 2 successful pages, got %d", len(res.Pages))
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	found := false
	for _, e := range st.events {
		if e == "crawl_page_failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a crawl_page_failed event, got %v", st.events)
	}
}

func TestCrawlSeedFailureIsFatal(t *testing.T) {
	site := newFakeSite()
	site.fail["https://example.com/"] = apperr.New(apperr.CodeFetchError, "connection refused")

	c := New(site, &recordingStore{}, Limits{}, nil)

	_, err := c.Crawl(context.Background(), uuid.New(), Params{URL: "https://example.com/"}, nil)
	if apperr.CodeOf(err) != apperr.CodeFetchError {
		t.Fatalf("expected fatal FETCH_ERROR for seed, got %v", err)
	}
}

func TestCrawlRespectsRobotsByDefault(t *testing.T) {
	site := newFakeSite()
	site.links["https://example.com/"] = []string{"https://example.com/a"}

	c := New(site, &recordingStore{}, Limits{}, nil)

	if _, err := c.Crawl(context.Background(), uuid.New(), Params{
		URL:      "https://example.com/",
		MaxDepth: intp(1),
	}, nil); err != nil {
		t.Fatalf("Crawl error: %v", err)
	}

	site.mu.Lock()
	robots := site.robots
	site.mu.Unlock()
	if len(robots) == 0 {
		t.Fatalf("no scrapes recorded")
	}
	for i, r := range robots {
		if !r {
			t.Fatalf("scrape %d ignored robots.txt without an explicit opt-out", i)
		}
	}
}

func TestCrawlRobotsOptOut(t *testing.T) {
	site := newFakeSite()
	site.links["https://example.com/"] = []string{"https://example.com/a"}

	c := New(site, &recordingStore{}, Limits{}, nil)

	if _, err := c.Crawl(context.Background(), uuid.New(), Params{
		URL:           "https://example.com/",
		MaxDepth:      intp(1),
		RespectRobots: boolp(false),
	}, nil); err != nil {
		t.Fatalf("Crawl error: %v", err)
	}

	site.mu.Lock()
	defer site.mu.Unlock()
	for i, r := range site.robots {
		if r {
			t.Fatalf("scrape %d enforced robots.txt despite respect_robots=false", i)
		}
	}
}

func TestCrawlWideFanOutConcurrent(t *testing.T) {
	site := newFakeSite()
	seed := "https://example.com/"
	var children []string
	for i := 0; i < 40; i++ {
		child := fmt.Sprintf("https://example.com/c/%d", i)
		children = append(children, child)
		var grandchildren []string
		for j := 0; j < 5; j++ {
			grandchildren = append(grandchildren, fmt.Sprintf("https://example.com/c/%d/%d", i, j))
		}
		site.links[child] = grandchildren
	}
	site.links[seed] = children

	c := New(site, &recordingStore{}, Limits{}, nil)

	// Many workers racing over the frontier: children published by one
	// worker are popped and finished by siblings while the publisher is
	// still in flight. The crawl must account for every page exactly
	// once and terminate.
	res, err := c.Crawl(context.Background(), uuid.New(), Params{
		URL:         seed,
		MaxDepth:    intp(2),
		MaxPages:    intp(500),
		Concurrency: intp(8),
	}, nil)
	if err != nil {
		t.Fatalf("Crawl error: %v", err)
	}

	want := 1 + 40 + 40*5
	if len(res.Pages) != want {
		t.Fatalf("expected %d pages, got %d", want, len(res.Pages))
	}

	site.mu.Lock()
	defer site.mu.Unlock()
	for u, n := range site.scrapes {
		if n != 1 {
			t.Fatalf("url %s scraped %d times", u, n)
		}
	}
}

func TestCrawlConcurrencyClamped(t *testing.T) {
	if got := clamp(intp(50), 5, 1, 10); got != 10 {
		t.Fatalf("expected clamp to cap at 10, got %d", got)
	}
	if got := clamp(intp(0), 5, 1, 10); got != 1 {
		t.Fatalf("expected clamp to floor at 1, got %d", got)
	}
	if got := clamp(nil, 5, 1, 10); got != 5 {
		t.Fatalf("expected default 5, got %d", got)
	}
}
