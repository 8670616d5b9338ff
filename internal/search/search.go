package search

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"pagesift/internal/apperr"
	"pagesift/internal/config"
	"pagesift/internal/metrics"
	"pagesift/internal/model"
	"pagesift/internal/scrape"
)

// Request is a provider-agnostic search request.
type Request struct {
	Query      string
	NumResults int
	ScrapeTopN int
	SearchType string // "search" (web) or "news"
}

// Result is one ranked hit, optionally enriched with scraped Markdown
// when the caller asked for top-N scraping.
type Result struct {
	Position    int    `json:"position"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet,omitempty"`
	Markdown    string `json:"markdown,omitempty"`
	ScrapeError string `json:"scrape_error,omitempty"`
}

// Provider is the contract for pluggable search backends.
type Provider interface {
	Search(ctx context.Context, query, searchType string, num int) ([]Result, error)
	Name() string
}

// NewProviderFromConfig constructs a search Provider based on
// configuration. The interface is intentionally narrow so additional
// providers can be added without touching callers.
func NewProviderFromConfig(cfg *config.Config) (Provider, error) {
	if !cfg.Search.Enabled {
		return nil, apperr.New(apperr.CodeValidation, "search is disabled in configuration")
	}

	providerName := strings.ToLower(strings.TrimSpace(cfg.Search.Provider))
	if providerName == "" {
		providerName = "serper"
	}

	switch providerName {
	case "serper":
		return NewSerperProvider(cfg.Search)
	default:
		return nil, apperr.Newf(apperr.CodeValidation, "unsupported search provider: %s", providerName)
	}
}

// SerperProvider implements Provider against the serper.dev JSON API.
type SerperProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewSerperProvider(cfg config.SearchConfig) (*SerperProvider, error) {
	if cfg.Serper.APIKey == "" {
		return nil, apperr.New(apperr.CodeValidation, "serper.apiKey is required when search is enabled")
	}

	base := strings.TrimRight(cfg.Serper.BaseURL, "/")
	if base == "" {
		base = "https://google.serper.dev"
	}

	timeoutMs := cfg.Serper.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}

	return &SerperProvider{
		apiKey:  cfg.Serper.APIKey,
		baseURL: base,
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
	}, nil
}

func (p *SerperProvider) Name() string { return "serper" }

type serperRequest struct {
	Query string `json:"q"`
	Num   int    `json:"num,omitempty"`
}

type serperHit struct {
	Title    string `json:"title"`
	Link     string `json:"link"`
	Snippet  string `json:"snippet"`
	Position int    `json:"position"`
}

type serperResponse struct {
	Organic []serperHit `json:"organic"`
	News    []serperHit `json:"news"`
}

// Search runs one query. searchType selects the endpoint ("search" or
// "news"); anything else falls back to web search.
func (p *SerperProvider) Search(ctx context.Context, query, searchType string, num int) ([]Result, error) {
	endpoint := p.baseURL + "/search"
	if searchType == "news" {
		endpoint = p.baseURL + "/news"
	}

	payload, err := json.Marshal(serperRequest{Query: query, Num: num})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-KEY", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUpstreamHTTP, "serper request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.CodeUpstreamHTTP, "serper search failed with status %d", resp.StatusCode)
	}

	var parsed serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Wrap(apperr.CodeUpstreamHTTP, "decode serper response", err)
	}

	hits := parsed.Organic
	if searchType == "news" {
		hits = parsed.News
	}

	out := make([]Result, 0, len(hits))
	for i, h := range hits {
		if strings.TrimSpace(h.Link) == "" {
			continue
		}
		pos := h.Position
		if pos == 0 {
			pos = i + 1
		}
		out = append(out, Result{
			Position: pos,
			Title:    h.Title,
			URL:      h.Link,
			Snippet:  h.Snippet,
		})
	}
	return out, nil
}

// Scraper is the single-page pipeline used for top-N enrichment.
type Scraper interface {
	Scrape(ctx context.Context, req scrape.Request) (*scrape.Outcome, error)
}

// Service runs searches and optionally scrapes the leading results.
type Service struct {
	provider       Provider
	scraper        Scraper
	maxResults     int
	maxConcurrency int
}

// ServiceOptions configures a Service. Zero values fall back to 10
// results and 3 concurrent scrapes.
type ServiceOptions struct {
	Provider       Provider
	Scraper        Scraper
	MaxResults     int
	MaxConcurrency int
}

func NewService(opts ServiceOptions) *Service {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 3
	}
	return &Service{
		provider:       opts.Provider,
		scraper:        opts.Scraper,
		maxResults:     opts.MaxResults,
		maxConcurrency: opts.MaxConcurrency,
	}
}

// Search executes the query and, when requested, scrapes the top N
// hits concurrently. A failed scrape annotates its result and never
// fails the search.
func (s *Service) Search(ctx context.Context, req Request) ([]Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, apperr.New(apperr.CodeValidation, "query is required")
	}

	num := req.NumResults
	if num <= 0 || num > s.maxResults {
		num = s.maxResults
	}

	results, err := s.provider.Search(ctx, req.Query, req.SearchType, num)
	if err != nil {
		metrics.RecordSearch(s.provider.Name(), req.ScrapeTopN > 0, 0)
		return nil, err
	}
	if len(results) > num {
		results = results[:num]
	}

	topN := req.ScrapeTopN
	if topN > len(results) {
		topN = len(results)
	}

	if topN > 0 && s.scraper != nil {
		sem := make(chan struct{}, s.maxConcurrency)
		var wg sync.WaitGroup
		for i := 0; i < topN; i++ {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()

				out, err := s.scraper.Scrape(ctx, scrape.Request{
					URL:          results[i].URL,
					RenderPolicy: model.RenderAuto,
				})
				if err != nil {
					results[i].ScrapeError = err.Error()
					return
				}
				results[i].Markdown = out.Page.Markdown
			}(i)
		}
		wg.Wait()
	}

	metrics.RecordSearch(s.provider.Name(), topN > 0, len(results))
	return results, nil
}
