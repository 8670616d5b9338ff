package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"pagesift/internal/apperr"
	"pagesift/internal/config"
	"pagesift/internal/model"
	"pagesift/internal/scrape"
)

func serperConfig(baseURL string) config.SearchConfig {
	return config.SearchConfig{
		Enabled:  true,
		Provider: "serper",
		Serper: config.SerperConfig{
			APIKey:  "test-key",
			BaseURL: baseURL,
		},
	}
}

func TestSerperProviderSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-API-KEY"); got != "test-key" {
			t.Errorf("unexpected api key header %q", got)
		}
		var req serperRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Query != "golang testing" {
			t.Errorf("unexpected query %q", req.Query)
		}
		fmt.Fprint(w, `{"organic":[
			{"title":"A","link":"https://a.example.com","snippet":"first","position":1},
			{"title":"B","link":"https://b.example.com","snippet":"second","position":2},
			{"title":"no url","link":"","snippet":"dropped"}
		]}`)
	}))
	defer srv.Close()

	p, err := NewSerperProvider(serperConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewSerperProvider error: %v", err)
	}

	results, err := p.Search(context.Background(), "golang testing", "search", 10)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results (blank URL dropped), got %d", len(results))
	}
	if results[0].URL != "https://a.example.com" || results[0].Position != 1 {
		t.Fatalf("unexpected first result %+v", results[0])
	}
}

func TestSerperProviderNewsEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/news" {
			t.Errorf("expected /news, got %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"news":[{"title":"N","link":"https://news.example.com","position":1}]}`)
	}))
	defer srv.Close()

	p, err := NewSerperProvider(serperConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewSerperProvider error: %v", err)
	}

	results, err := p.Search(context.Background(), "breaking", "news", 5)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != 1 || results[0].URL != "https://news.example.com" {
		t.Fatalf("unexpected news results %+v", results)
	}
}

func TestSerperProviderUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p, err := NewSerperProvider(serperConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewSerperProvider error: %v", err)
	}

	_, err = p.Search(context.Background(), "q", "search", 5)
	if apperr.CodeOf(err) != apperr.CodeUpstreamHTTP {
		t.Fatalf("expected UPSTREAM_HTTP_ERROR, got %v", err)
	}
}

func TestNewSerperProviderRequiresKey(t *testing.T) {
	_, err := NewSerperProvider(config.SearchConfig{Enabled: true})
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR without api key, got %v", err)
	}
}

type stubProvider struct {
	results []Result
	err     error
}

func (p *stubProvider) Search(_ context.Context, _, _ string, _ int) ([]Result, error) {
	return p.results, p.err
}

func (p *stubProvider) Name() string { return "stub" }

type stubScraper struct {
	mu    sync.Mutex
	fail  map[string]error
	calls int64
	peak  int64
	cur   int64
}

func (s *stubScraper) Scrape(_ context.Context, req scrape.Request) (*scrape.Outcome, error) {
	cur := atomic.AddInt64(&s.cur, 1)
	defer atomic.AddInt64(&s.cur, -1)
	for {
		peak := atomic.LoadInt64(&s.peak)
		if cur <= peak || atomic.CompareAndSwapInt64(&s.peak, peak, cur) {
			break
		}
	}
	atomic.AddInt64(&s.calls, 1)

	s.mu.Lock()
	err := s.fail[req.URL]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &scrape.Outcome{Page: model.Page{Markdown: "# scraped " + req.URL}}, nil
}

func stubResults(n int) []Result {
	out := make([]Result, n)
	for i := range out {
		out[i] = Result{Position: i + 1, Title: fmt.Sprintf("r%d", i), URL: fmt.Sprintf("https://example.com/%d", i)}
	}
	return out
}

func TestServiceScrapesTopN(t *testing.T) {
	sc := &stubScraper{}
	svc := NewService(ServiceOptions{
		Provider: &stubProvider{results: stubResults(5)},
		Scraper:  sc,
	})

	results, err := svc.Search(context.Background(), Request{Query: "q", ScrapeTopN: 3})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for i := 0; i < 3; i++ {
		if results[i].Markdown == "" {
			t.Fatalf("result %d missing scraped markdown", i)
		}
	}
	for i := 3; i < 5; i++ {
		if results[i].Markdown != "" {
			t.Fatalf("result %d beyond top-n must not be scraped", i)
		}
	}
	if got := atomic.LoadInt64(&sc.calls); got != 3 {
		t.Fatalf("expected 3 scrapes, got %d", got)
	}
}

func TestServiceToleratesScrapeFailures(t *testing.T) {
	sc := &stubScraper{fail: map[string]error{
		"https://example.com/1": apperr.New(apperr.CodeFetchError, "unreachable"),
	}}
	svc := NewService(ServiceOptions{
		Provider: &stubProvider{results: stubResults(3)},
		Scraper:  sc,
	})

	results, err := svc.Search(context.Background(), Request{Query: "q", ScrapeTopN: 3})
	if err != nil {
		t.Fatalf("per-result failures must not fail the search: %v", err)
	}
	if results[1].ScrapeError == "" {
		t.Fatalf("failed scrape must annotate its result")
	}
	if results[0].Markdown == "" || results[2].Markdown == "" {
		t.Fatalf("other results must still be scraped")
	}
}

func TestServiceBoundsConcurrency(t *testing.T) {
	sc := &stubScraper{}
	svc := NewService(ServiceOptions{
		Provider:       &stubProvider{results: stubResults(10)},
		Scraper:        sc,
		MaxResults:     10,
		MaxConcurrency: 2,
	})

	if _, err := svc.Search(context.Background(), Request{Query: "q", ScrapeTopN: 10}); err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if peak := atomic.LoadInt64(&sc.peak); peak > 2 {
		t.Fatalf("scrape concurrency exceeded bound: peak %d", peak)
	}
}

func TestServiceClampsNumResults(t *testing.T) {
	svc := NewService(ServiceOptions{
		Provider:   &stubProvider{results: stubResults(10)},
		MaxResults: 4,
	})

	results, err := svc.Search(context.Background(), Request{Query: "q", NumResults: 100})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected clamp to 4 results, got %d", len(results))
	}
}

func TestServiceEmptyQueryRejected(t *testing.T) {
	svc := NewService(ServiceOptions{Provider: &stubProvider{}})
	_, err := svc.Search(context.Background(), Request{Query: "  "})
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}
