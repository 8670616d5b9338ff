package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pagesift/internal/config"
	"pagesift/internal/jobs"
	"pagesift/internal/metrics"
	"pagesift/internal/model"
	"pagesift/internal/ratelimit"
	"pagesift/internal/scrape"
	"pagesift/internal/search"
)

// Scraper is the synchronous single-page pipeline.
type Scraper interface {
	Scrape(ctx context.Context, req scrape.Request) (*scrape.Outcome, error)
}

// JobEngine is the async submit/poll surface backed by the job queue.
type JobEngine interface {
	Submit(ctx context.Context, apiKeyID uuid.UUID, jobType model.JobType, params json.RawMessage, idempotencyKey string, force bool) (model.Job, bool, error)
	Status(ctx context.Context, apiKeyID, id uuid.UUID) (model.Job, error)
	Results(ctx context.Context, apiKeyID, id uuid.UUID) (*jobs.Results, error)
	Cancel(ctx context.Context, apiKeyID, id uuid.UUID) (model.Job, error)
}

// Searcher runs web searches with optional top-N scraping.
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]search.Result, error)
}

// KeyStore is the API-key surface the auth middleware and admin
// handlers need.
type KeyStore interface {
	GetAPIKeyByRawKey(ctx context.Context, rawKey string) (model.APIKey, error)
	GetAPIKeyByID(ctx context.Context, id uuid.UUID) (model.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]model.APIKey, error)
	CreateAPIKey(ctx context.Context, name string, scopes []model.Scope, rateLimit int) (string, model.APIKey, error)
	UpdateAPIKey(ctx context.Context, id uuid.UUID, name *string, scopes []model.Scope, rateLimit *int, isActive *bool) (model.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
	TouchAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// Dependencies wires the server to its collaborators. DB and Redis are
// only used by the deep health check and may be nil.
type Dependencies struct {
	Config  *config.Config
	Keys    KeyStore
	Scraper Scraper
	Jobs    JobEngine
	Search  Searcher
	Limiter ratelimit.Limiter
	DB      *sql.DB
	Redis   *redis.Client
	Logger  *slog.Logger
}

type Server struct {
	app     *fiber.App
	config  *config.Config
	keys    KeyStore
	scraper Scraper
	jobs    JobEngine
	search  Searcher
	limiter ratelimit.Limiter
	db      *sql.DB
	redis   *redis.Client
	logger  *slog.Logger
}

func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		config:  deps.Config,
		keys:    deps.Keys,
		scraper: deps.Scraper,
		jobs:    deps.Jobs,
		search:  deps.Search,
		limiter: deps.Limiter,
		db:      deps.DB,
		redis:   deps.Redis,
		logger:  deps.Logger,
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use(requestMiddleware(deps.Logger))

	app.Get("/healthz", s.handleHealthz)
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	v1 := app.Group("/api/v1", s.apiKeyMiddleware, s.rateLimitMiddleware)
	v1.Post("/scrape", requireScope(model.ScopeScrape), s.handleScrape)
	v1.Post("/map", requireScope(model.ScopeMap), s.handleMap)
	v1.Post("/search", requireScope(model.ScopeSearch), s.handleSearch)
	v1.Post("/agent/extract", requireScope(model.ScopeAgent), s.handleAgentExtract)
	v1.Get("/jobs/:id", s.handleJobStatus)
	v1.Get("/jobs/:id/results", s.handleJobResults)
	v1.Post("/jobs/:id/cancel", s.handleJobCancel)

	admin := app.Group("/api/v1/admin", s.adminMiddleware)
	admin.Post("/keys", s.handleCreateKey)
	admin.Get("/keys", s.handleListKeys)
	admin.Get("/keys/:id", s.handleGetKey)
	admin.Patch("/keys/:id", s.handleUpdateKey)
	admin.Delete("/keys/:id", s.handleRevokeKey)

	s.app = app
	return s
}

// App exposes the fiber app for in-process testing.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(10 * time.Second)
}

// handleHealthz is shallow by default; ?deep=true pings the database
// and redis and reports browser rendering availability.
func (s *Server) handleHealthz(c *fiber.Ctx) error {
	if c.Query("deep") != "true" {
		return c.JSON(fiber.Map{"status": "ok"})
	}

	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "disabled"
	if s.db != nil {
		dbStatus = "ok"
		if err := s.db.PingContext(ctx); err != nil {
			dbStatus = "error"
		}
	}

	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "ok"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "error"
		}
	}

	rodStatus := "disabled"
	if s.config.Rod.Enabled {
		rodStatus = "enabled"
	}

	status := "ok"
	if dbStatus == "error" || redisStatus == "error" {
		status = "error"
		c.Status(fiber.StatusServiceUnavailable)
	}

	return c.JSON(fiber.Map{
		"status": status,
		"db":     dbStatus,
		"redis":  redisStatus,
		"rod":    rodStatus,
	})
}
