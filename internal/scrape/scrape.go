package scrape

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"pagesift/internal/apperr"
	"pagesift/internal/extractor"
	"pagesift/internal/fetcher"
	"pagesift/internal/governor"
	"pagesift/internal/metrics"
	"pagesift/internal/model"
	"pagesift/internal/robots"
	"pagesift/internal/urlutil"
)

// DefaultCacheTTL is the page cache freshness window when the caller
// does not override it.
const DefaultCacheTTL = time.Hour

// Request carries one scrape's options into the coordinator.
type Request struct {
	URL            string
	RenderPolicy   model.RenderPolicy
	RespectRobots  bool
	IncludeRawHTML bool
	// CacheTTLSeconds overrides the freshness window; nil uses the
	// default, zero disables the TTL cap (any cached row is fresh).
	CacheTTLSeconds *int
	ForceRefresh    bool
}

// Outcome is a page plus its cache provenance.
type Outcome struct {
	Page       model.Page
	Cached     bool
	CacheLayer string
}

// PageStore is the persistence surface the coordinator needs.
type PageStore interface {
	GetPageByURLHash(ctx context.Context, urlHash string) (model.Page, error)
	GetPageByContentHash(ctx context.Context, contentHash string) (model.Page, error)
	UpsertPage(ctx context.Context, p *model.Page) error
}

// Coordinator sequences normalization, SSRF checks, the cache probe,
// robots, the domain governor, fetch, extract, and persistence for a
// single URL. Concurrent scrapes of the same url_hash share one
// in-flight execution.
type Coordinator struct {
	store      PageStore
	robots     *robots.Cache
	governor   *governor.Governor
	fetcher    *fetcher.Fetcher
	resolver   urlutil.Resolver
	userAgent  string
	defaultTTL time.Duration
	logger     *slog.Logger

	group singleflight.Group
}

// Options configures a Coordinator.
type Options struct {
	Store      PageStore
	Robots     *robots.Cache
	Governor   *governor.Governor
	Fetcher    *fetcher.Fetcher
	Resolver   urlutil.Resolver
	UserAgent  string
	DefaultTTL time.Duration
	Logger     *slog.Logger
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		store:      opts.Store,
		robots:     opts.Robots,
		governor:   opts.Governor,
		fetcher:    opts.Fetcher,
		resolver:   opts.Resolver,
		userAgent:  opts.UserAgent,
		defaultTTL: opts.DefaultTTL,
		logger:     opts.Logger,
	}
}

// Scrape runs the full pipeline for one URL.
func (c *Coordinator) Scrape(ctx context.Context, req Request) (*Outcome, error) {
	canonical, err := urlutil.Normalize(req.URL, "")
	if err != nil {
		return nil, err
	}
	urlHash := urlutil.Hash(canonical)

	if err := urlutil.CheckURL(ctx, c.resolver, canonical); err != nil {
		return nil, err
	}

	// Single-flight: later callers for the same url_hash subscribe to
	// the first caller's outcome, including its error.
	v, err, shared := c.group.Do(urlHash, func() (any, error) {
		return c.scrapeLocked(ctx, req, canonical, urlHash)
	})
	if err != nil {
		return nil, err
	}

	out := v.(*Outcome)
	if shared {
		metrics.RecordSingleFlightShare()
	}
	return out, nil
}

func (c *Coordinator) scrapeLocked(ctx context.Context, req Request, canonical, urlHash string) (*Outcome, error) {
	ttl := c.defaultTTL
	if req.CacheTTLSeconds != nil {
		ttl = time.Duration(*req.CacheTTLSeconds) * time.Second
	}

	if !req.ForceRefresh {
		if page, ok := c.probe(ctx, urlHash, req.CacheTTLSeconds, ttl); ok {
			metrics.RecordScrape(string(page.Renderer), true)
			return &Outcome{Page: page, Cached: true, CacheLayer: "page"}, nil
		}
	}

	if req.RespectRobots && c.robots != nil {
		if !c.robots.Allowed(ctx, canonical, c.userAgent) {
			return nil, apperr.New(apperr.CodeRobotsBlocked, "robots.txt disallows "+canonical)
		}
	}

	release, err := c.governor.Acquire(ctx, canonical)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	res, err := c.fetcher.Fetch(ctx, canonical, req.RenderPolicy)
	if err != nil {
		c.storeFailure(ctx, canonical, urlHash, err)
		return nil, err
	}

	ext, err := extractor.Extract(string(res.Body), res.FinalURL)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(ext.Markdown))
	contentHash := hex.EncodeToString(sum[:])

	page := model.Page{
		URL:             req.URL,
		CanonicalURL:    canonical,
		URLHash:         urlHash,
		ContentHash:     contentHash,
		StatusCode:      res.Status,
		Title:           ext.Title,
		Description:     ext.Description,
		Markdown:        ext.Markdown,
		Renderer:        res.Renderer,
		LinksInternal:   ext.LinksInternal,
		LinksExternal:   ext.LinksExternal,
		OgImage:         ext.Metadata.OgImage,
		FaviconURL:      ext.Metadata.FaviconURL,
		SiteName:        ext.Metadata.SiteName,
		Language:        ext.Metadata.Language,
		Author:          ext.Metadata.Author,
		PublishedAt:     ext.Metadata.PublishedAt,
		WordCount:       ext.WordCount,
		ReadTimeMinutes: ext.ReadTimeMinutes,
		FetchDurationMs: time.Since(start).Milliseconds(),
		FetchedAt:       time.Now().UTC(),
	}
	if req.IncludeRawHTML {
		page.RawHTML = string(res.Body)
	}

	if err := c.store.UpsertPage(ctx, &page); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "persist page", err)
	}

	c.logger.Info("scrape_completed",
		"url_hash", urlHash,
		"renderer", string(page.Renderer),
		"status", page.StatusCode,
		"word_count", page.WordCount,
		"duration_ms", page.FetchDurationMs,
	)
	metrics.RecordScrape(string(page.Renderer), false)

	return &Outcome{Page: page, Cached: false, CacheLayer: ""}, nil
}

// probe checks the persistent cache. A hit requires a row without a
// recorded error whose fetched_at falls inside the TTL window; a zero
// override disables the freshness cap entirely.
func (c *Coordinator) probe(ctx context.Context, urlHash string, override *int, ttl time.Duration) (model.Page, bool) {
	page, err := c.store.GetPageByURLHash(ctx, urlHash)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.logger.Warn("cache_probe_failed", "url_hash", urlHash, "error", err)
		}
		return model.Page{}, false
	}
	if page.ErrorCode != "" {
		return model.Page{}, false
	}
	if override != nil && *override == 0 {
		return page, true
	}
	if time.Since(page.FetchedAt) > ttl {
		return model.Page{}, false
	}
	return page, true
}

// storeFailure records a negative result for upstream HTTP failures so
// operators can see what went wrong; transport-level and safety errors
// leave no row behind.
func (c *Coordinator) storeFailure(ctx context.Context, canonical, urlHash string, ferr error) {
	code := apperr.CodeOf(ferr)
	if code != apperr.CodeUpstreamHTTP {
		return
	}

	page := model.Page{
		URL:          canonical,
		CanonicalURL: canonical,
		URLHash:      urlHash,
		Renderer:     model.RendererStatic,
		FetchedAt:    time.Now().UTC(),
		ErrorCode:    string(code),
		ErrorMessage: ferr.Error(),
	}
	if err := c.store.UpsertPage(ctx, &page); err != nil {
		c.logger.Warn("store_failure_page", "url_hash", urlHash, "error", err)
	}
}

// LookupByContent finds an existing page whose normalized markdown
// hashes to contentHash, enabling reuse across redirected URLs.
func (c *Coordinator) LookupByContent(ctx context.Context, contentHash string) (*model.Page, error) {
	page, err := c.store.GetPageByContentHash(ctx, contentHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &page, nil
}
