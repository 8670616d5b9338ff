package http

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"pagesift/internal/apperr"
	"pagesift/internal/model"
)

// errorBody is the envelope every failure response uses.
type errorBody struct {
	Code      apperr.Code    `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeError maps an error to its HTTP status and renders the envelope.
func writeError(c *fiber.Ctx, err error) error {
	code := apperr.CodeOf(err)
	body := errorBody{
		Code:    code,
		Message: err.Error(),
	}
	if reqID, ok := c.Locals("request_id").(string); ok {
		body.RequestID = reqID
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Details = ae.Details
	}
	return c.Status(apperr.HTTPStatus(code)).JSON(errorEnvelope{Error: body})
}

type scrapeRequest struct {
	URL             string `json:"url"`
	UsePlaywright   string `json:"use_playwright,omitempty"`
	IncludeLinks    bool   `json:"include_links,omitempty"`
	IncludeRawHTML  bool   `json:"include_raw_html,omitempty"`
	RespectRobots   bool   `json:"respect_robots,omitempty"`
	TimeoutMs       *int   `json:"timeout_ms,omitempty"`
	CacheTTLSeconds *int   `json:"cache_ttl_seconds,omitempty"`
	ForceRefresh    bool   `json:"force_refresh,omitempty"`
}

type pageLinks struct {
	Internal []string `json:"internal"`
	External []string `json:"external"`
}

type pageView struct {
	URL             string     `json:"url"`
	CanonicalURL    string     `json:"canonical_url"`
	StatusCode      int        `json:"status_code"`
	Title           string     `json:"title,omitempty"`
	Description     string     `json:"description,omitempty"`
	Markdown        string     `json:"markdown"`
	RawHTML         string     `json:"raw_html,omitempty"`
	Links           *pageLinks `json:"links,omitempty"`
	Renderer        string     `json:"renderer"`
	OgImage         string     `json:"og_image,omitempty"`
	FaviconURL      string     `json:"favicon_url,omitempty"`
	SiteName        string     `json:"site_name,omitempty"`
	Language        string     `json:"language,omitempty"`
	Author          string     `json:"author,omitempty"`
	PublishedAt     string     `json:"published_at,omitempty"`
	WordCount       int        `json:"word_count"`
	ReadTimeMinutes int        `json:"read_time_minutes"`
	FetchDurationMs int64      `json:"fetch_duration_ms"`
	FetchedAt       time.Time  `json:"fetched_at"`
}

type scrapeResponse struct {
	Page       pageView `json:"page"`
	Cached     bool     `json:"cached"`
	CacheLayer string   `json:"cache_layer,omitempty"`
}

func viewPage(p model.Page, includeLinks, includeRawHTML bool) pageView {
	v := pageView{
		URL:             p.URL,
		CanonicalURL:    p.CanonicalURL,
		StatusCode:      p.StatusCode,
		Title:           p.Title,
		Description:     p.Description,
		Markdown:        p.Markdown,
		Renderer:        string(p.Renderer),
		OgImage:         p.OgImage,
		FaviconURL:      p.FaviconURL,
		SiteName:        p.SiteName,
		Language:        p.Language,
		Author:          p.Author,
		PublishedAt:     p.PublishedAt,
		WordCount:       p.WordCount,
		ReadTimeMinutes: p.ReadTimeMinutes,
		FetchDurationMs: p.FetchDurationMs,
		FetchedAt:       p.FetchedAt,
	}
	if includeLinks {
		v.Links = &pageLinks{Internal: p.LinksInternal, External: p.LinksExternal}
	}
	if includeRawHTML {
		v.RawHTML = p.RawHTML
	}
	return v
}

type searchRequest struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results,omitempty"`
	ScrapeTopN int    `json:"scrape_top_n,omitempty"`
	SearchType string `json:"search_type,omitempty"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type jobView struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Status          string          `json:"status"`
	PagesDiscovered int             `json:"pages_discovered"`
	PagesTotal      int             `json:"pages_total"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func viewJob(j model.Job) jobView {
	return jobView{
		ID:              j.ID.String(),
		Type:            string(j.Type),
		Status:          string(j.Status),
		PagesDiscovered: j.PagesDiscovered,
		PagesTotal:      j.PagesTotal,
		ErrorCode:       j.ErrorCode,
		ErrorMessage:    j.ErrorMessage,
		Result:          j.Result,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}

type jobPageView struct {
	Depth int      `json:"depth"`
	Page  pageView `json:"page"`
}

type extractionView struct {
	Data      json.RawMessage `json:"data"`
	Prompt    string          `json:"prompt"`
	CreatedAt time.Time       `json:"created_at"`
}

type eventView struct {
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type jobResultsResponse struct {
	Job        jobView         `json:"job"`
	Pages      []jobPageView   `json:"pages,omitempty"`
	Extraction *extractionView `json:"extraction,omitempty"`
	Events     []eventView     `json:"events,omitempty"`
}

type createKeyRequest struct {
	Name               string   `json:"name"`
	Scopes             []string `json:"scopes"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute,omitempty"`
}

type updateKeyRequest struct {
	Name               *string  `json:"name,omitempty"`
	Scopes             []string `json:"scopes,omitempty"`
	RateLimitPerMinute *int     `json:"rate_limit_per_minute,omitempty"`
	IsActive           *bool    `json:"is_active,omitempty"`
}

type apiKeyView struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Scopes             []string   `json:"scopes"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	IsActive           bool       `json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
}

// createKeyResponse carries the plaintext key. It is returned exactly
// once, at creation; only the hash is stored.
type createKeyResponse struct {
	apiKeyView
	Key string `json:"key"`
}

func viewAPIKey(k model.APIKey) apiKeyView {
	scopes := make([]string, 0, len(k.Scopes))
	for _, s := range k.Scopes {
		scopes = append(scopes, string(s))
	}
	return apiKeyView{
		ID:                 k.ID.String(),
		Name:               k.Name,
		Scopes:             scopes,
		RateLimitPerMinute: k.RateLimit,
		IsActive:           k.IsActive,
		CreatedAt:          k.CreatedAt,
		LastUsedAt:         k.LastUsedAt,
	}
}
