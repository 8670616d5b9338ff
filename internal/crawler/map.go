package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sync"

	"github.com/google/uuid"

	"pagesift/internal/apperr"
	"pagesift/internal/jobs"
	"pagesift/internal/model"
	"pagesift/internal/scrape"
	"pagesift/internal/urlutil"
)

// Params is the JSON payload of a map job.
type Params struct {
	URL             string   `json:"url"`
	MaxDepth        *int     `json:"max_depth,omitempty"`
	MaxPages        *int     `json:"max_pages,omitempty"`
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	// RespectRobots defaults to true when omitted; crawls are polite
	// unless the caller opts out.
	RespectRobots *bool  `json:"respect_robots,omitempty"`
	RenderPolicy  string `json:"use_playwright,omitempty"`
	TimeoutMs     *int   `json:"timeout_ms,omitempty"`
	Concurrency   *int   `json:"concurrency,omitempty"`
	Force         bool   `json:"force,omitempty"`
}

func (p Params) respectRobots() bool {
	if p.RespectRobots == nil {
		return true
	}
	return *p.RespectRobots
}

// Limits caps and defaults for crawl parameters.
type Limits struct {
	MaxDepthDefault    int
	MaxDepthCap        int
	MaxPagesDefault    int
	MaxPagesCap        int
	ConcurrencyDefault int
	ConcurrencyCap     int
}

// DefaultLimits matches the documented parameter ranges.
func DefaultLimits() Limits {
	return Limits{
		MaxDepthDefault:    2,
		MaxDepthCap:        5,
		MaxPagesDefault:    100,
		MaxPagesCap:        1000,
		ConcurrencyDefault: 5,
		ConcurrencyCap:     10,
	}
}

// PageResult is one crawled page in the job output.
type PageResult struct {
	URL       string `json:"url"`
	Depth     int    `json:"depth"`
	Title     string `json:"title,omitempty"`
	WordCount int    `json:"word_count,omitempty"`
}

// Result is the map job's result payload.
type Result struct {
	SeedURL         string       `json:"seed_url"`
	Pages           []PageResult `json:"pages"`
	PagesDiscovered int          `json:"pages_discovered"`
	PagesErrored    int          `json:"pages_errored"`
}

// Scraper is the single-page pipeline the crawler drives.
type Scraper interface {
	Scrape(ctx context.Context, req scrape.Request) (*scrape.Outcome, error)
}

// CrawlStore records job_pages rows and audit events.
type CrawlStore interface {
	InsertJobPage(ctx context.Context, jobID, pageID uuid.UUID, depth int) error
	InsertEvent(ctx context.Context, apiKeyID, jobID *uuid.UUID, eventType string, level model.EventLevel, message string, metadata json.RawMessage) error
}

// Crawler walks a site breadth-first, bounded by depth and page count,
// staying on the seed's registrable domain.
type Crawler struct {
	scraper Scraper
	store   CrawlStore
	limits  Limits
	logger  *slog.Logger
}

func New(scraper Scraper, store CrawlStore, limits Limits, logger *slog.Logger) *Crawler {
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{scraper: scraper, store: store, limits: limits, logger: logger}
}

// Runner adapts the crawler to the job worker.
func (c *Crawler) Runner() jobs.Runner {
	return jobs.RunnerFunc(func(ctx context.Context, job model.Job, progress jobs.ProgressFunc) ([]byte, error) {
		var p Params
		if err := json.Unmarshal(job.InputParams, &p); err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, "decode map params", err)
		}
		res, err := c.Crawl(ctx, job.ID, p, progress)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
}

type frontierItem struct {
	url   string
	depth int
}

// Crawl runs the BFS. The seed failing is fatal; any other page error
// becomes an event and a counter bump.
func (c *Crawler) Crawl(ctx context.Context, jobID uuid.UUID, p Params, progress jobs.ProgressFunc) (*Result, error) {
	seed, err := urlutil.Normalize(p.URL, "")
	if err != nil {
		return nil, err
	}
	seedURL, err := url.Parse(seed)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidURL, "parse seed", err)
	}
	seedDomain := urlutil.RegistrableDomain(seedURL.Hostname())

	maxDepth := clamp(p.MaxDepth, c.limits.MaxDepthDefault, 0, c.limits.MaxDepthCap)
	maxPages := clamp(p.MaxPages, c.limits.MaxPagesDefault, 1, c.limits.MaxPagesCap)
	concurrency := clamp(p.Concurrency, c.limits.ConcurrencyDefault, 1, c.limits.ConcurrencyCap)

	include, err := compilePatterns(p.IncludePatterns)
	if err != nil {
		return nil, err
	}
	exclude, err := compilePatterns(p.ExcludePatterns)
	if err != nil {
		return nil, err
	}

	st := &crawlState{
		visited: map[string]struct{}{urlutil.Hash(seed): {}},
		queue:   []frontierItem{{url: seed, depth: 0}},
		pending: 1,
	}
	st.cond = sync.NewCond(&st.mu)

	// Wake waiting workers when the caller cancels; Cond has no
	// context awareness of its own.
	stopWatch := context.AfterFunc(ctx, func() {
		st.mu.Lock()
		st.cancelled = true
		st.mu.Unlock()
		st.cond.Broadcast()
	})
	defer stopWatch()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx, jobID, p, st, seedDomain, maxDepth, maxPages, include, exclude, progress)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.seedErr != nil {
		return nil, st.seedErr
	}

	if progress != nil {
		progress(len(st.results), len(st.results))
	}

	c.logger.Info("crawl_finished",
		"job_id", jobID,
		"seed", seed,
		"pages", len(st.results),
		"errors", st.errored,
	)

	return &Result{
		SeedURL:         seed,
		Pages:           st.results,
		PagesDiscovered: len(st.results),
		PagesErrored:    st.errored,
	}, nil
}

type crawlState struct {
	mu        sync.Mutex
	cond      *sync.Cond
	visited   map[string]struct{}
	queue     []frontierItem
	pending   int // queued plus in-flight items
	claimed   int // pages admitted against max_pages
	results   []PageResult
	errored   int
	seedErr   error
	cancelled bool
}

func (c *Crawler) worker(ctx context.Context, jobID uuid.UUID, p Params, st *crawlState, seedDomain string, maxDepth, maxPages int, include, exclude []*regexp.Regexp, progress jobs.ProgressFunc) {
	for {
		st.mu.Lock()
		for len(st.queue) == 0 && st.pending > 0 && !st.cancelled {
			st.cond.Wait()
		}
		if st.cancelled || (len(st.queue) == 0 && st.pending == 0) {
			st.mu.Unlock()
			st.cond.Broadcast()
			return
		}
		item := st.queue[0]
		st.queue = st.queue[1:]

		// Admit the page against the budget before fetching so no
		// more than max_pages scrapes ever start.
		admitted := st.claimed < maxPages
		if admitted {
			st.claimed++
		}
		st.mu.Unlock()

		var enqueued int
		if admitted {
			enqueued = c.visit(ctx, jobID, p, st, item, seedDomain, maxDepth, maxPages, include, exclude, progress)
		}

		st.mu.Lock()
		st.pending--
		done := st.pending == 0
		st.mu.Unlock()

		if done {
			st.cond.Broadcast()
		} else if enqueued > 0 {
			st.cond.Broadcast()
		}
	}
}

// visit scrapes one frontier item and returns how many children it
// enqueued.
func (c *Crawler) visit(ctx context.Context, jobID uuid.UUID, p Params, st *crawlState, item frontierItem, seedDomain string, maxDepth, maxPages int, include, exclude []*regexp.Regexp, progress jobs.ProgressFunc) int {
	out, err := c.scraper.Scrape(ctx, scrape.Request{
		URL:           item.url,
		RenderPolicy:  renderPolicy(p.RenderPolicy),
		RespectRobots: p.respectRobots(),
		ForceRefresh:  p.Force,
	})
	if err != nil {
		st.mu.Lock()
		if item.depth == 0 {
			st.seedErr = apperr.Wrap(apperr.CodeOf(err), "seed fetch failed", err)
		}
		st.errored++
		// Release the budget slot the failed page held.
		st.claimed--
		st.mu.Unlock()

		if item.depth > 0 {
			_ = c.store.InsertEvent(ctx, nil, &jobID, "crawl_page_failed", model.EventWarn,
				fmt.Sprintf("%s: %v", item.url, err), nil)
		}
		return 0
	}

	if err := c.store.InsertJobPage(ctx, jobID, out.Page.ID, item.depth); err != nil {
		c.logger.Warn("insert_job_page", "job_id", jobID, "url", item.url, "error", err)
	}

	st.mu.Lock()
	st.results = append(st.results, PageResult{
		URL:       out.Page.CanonicalURL,
		Depth:     item.depth,
		Title:     out.Page.Title,
		WordCount: out.Page.WordCount,
	})
	discovered := len(st.results)
	st.mu.Unlock()

	if progress != nil {
		progress(discovered, 0)
	}

	if item.depth >= maxDepth {
		return 0
	}

	var enqueued int
	st.mu.Lock()
	for _, link := range out.Page.LinksInternal {
		// The admit check enforces max_pages; this only keeps the
		// frontier from ballooning far past the budget.
		if len(st.visited) >= maxPages*4 {
			break
		}
		u, err := url.Parse(link)
		if err != nil {
			continue
		}
		if urlutil.RegistrableDomain(u.Hostname()) != seedDomain {
			continue
		}
		if !matchPatterns(u.Path, include, exclude) {
			continue
		}
		h := urlutil.Hash(link)
		if _, seen := st.visited[h]; seen {
			continue
		}
		st.visited[h] = struct{}{}
		st.queue = append(st.queue, frontierItem{url: link, depth: item.depth + 1})
		enqueued++
	}
	// Children must be counted in the same critical section that
	// publishes them: a sibling can pop and finish an appended child
	// before this worker takes the lock again, and its decrement must
	// never observe an uncounted item.
	st.pending += enqueued
	st.mu.Unlock()

	return enqueued
}

// matchPatterns applies include (any must match when non-empty) then
// exclude (none may match) against the URL path.
func matchPatterns(path string, include, exclude []*regexp.Regexp) bool {
	if len(include) > 0 {
		ok := false
		for _, re := range include {
			if re.MatchString(path) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, re := range exclude {
		if re.MatchString(path) {
			return false
		}
	}
	return true
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, "invalid pattern "+p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func renderPolicy(s string) model.RenderPolicy {
	switch model.RenderPolicy(s) {
	case model.RenderAlways, model.RenderNever:
		return model.RenderPolicy(s)
	default:
		return model.RenderAuto
	}
}

func clamp(v *int, def, min, max int) int {
	n := def
	if v != nil {
		n = *v
	}
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}
