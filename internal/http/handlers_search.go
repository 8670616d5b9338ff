package http

import (
	"github.com/gofiber/fiber/v2"

	"pagesift/internal/apperr"
	"pagesift/internal/search"
)

// handleSearch runs a synchronous web search, optionally scraping the
// top hits into Markdown.
func (s *Server) handleSearch(c *fiber.Ctx) error {
	if s.search == nil {
		return writeError(c, apperr.New(apperr.CodeValidation, "search is not configured"))
	}

	var req searchRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.CodeValidation, "invalid request body", err))
	}

	results, err := s.search.Search(c.Context(), search.Request{
		Query:      req.Query,
		NumResults: req.NumResults,
		ScrapeTopN: req.ScrapeTopN,
		SearchType: req.SearchType,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"results": results})
}
