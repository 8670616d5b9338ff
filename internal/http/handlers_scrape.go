package http

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"pagesift/internal/apperr"
	"pagesift/internal/model"
	"pagesift/internal/scrape"
)

const (
	defaultScrapeTimeoutMs = 30000
	maxScrapeTimeoutMs     = 120000
)

// handleScrape runs the synchronous single-page pipeline.
func (s *Server) handleScrape(c *fiber.Ctx) error {
	var req scrapeRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.CodeValidation, "invalid request body", err))
	}
	if strings.TrimSpace(req.URL) == "" {
		return writeError(c, apperr.New(apperr.CodeValidation, "url is required"))
	}

	maxTimeout := s.config.Fetcher.MaxTimeoutMs
	if maxTimeout <= 0 {
		maxTimeout = maxScrapeTimeoutMs
	}
	timeoutMs := defaultScrapeTimeoutMs
	if req.TimeoutMs != nil && *req.TimeoutMs > 0 {
		timeoutMs = *req.TimeoutMs
	}
	if timeoutMs > maxTimeout {
		timeoutMs = maxTimeout
	}
	ctx, cancel := context.WithTimeout(c.Context(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	out, err := s.scraper.Scrape(ctx, scrape.Request{
		URL:             req.URL,
		RenderPolicy:    renderPolicy(req.UsePlaywright),
		RespectRobots:   req.RespectRobots,
		IncludeRawHTML:  req.IncludeRawHTML,
		CacheTTLSeconds: req.CacheTTLSeconds,
		ForceRefresh:    req.ForceRefresh,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(scrapeResponse{
		Page:       viewPage(out.Page, req.IncludeLinks, req.IncludeRawHTML),
		Cached:     out.Cached,
		CacheLayer: out.CacheLayer,
	})
}

func renderPolicy(s string) model.RenderPolicy {
	switch model.RenderPolicy(s) {
	case model.RenderAlways, model.RenderNever:
		return model.RenderPolicy(s)
	default:
		return model.RenderAuto
	}
}
