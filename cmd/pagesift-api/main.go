package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"pagesift/internal/agent"
	"pagesift/internal/config"
	"pagesift/internal/crawler"
	"pagesift/internal/fetcher"
	"pagesift/internal/governor"
	server "pagesift/internal/http"
	"pagesift/internal/jobs"
	"pagesift/internal/llm"
	"pagesift/internal/migrate"
	"pagesift/internal/model"
	"pagesift/internal/ratelimit"
	"pagesift/internal/robots"
	"pagesift/internal/scrape"
	"pagesift/internal/search"
	"pagesift/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN, ""); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// Shared *sql.DB with pooling for the Store
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	st := store.New(db)

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		rdb = redis.NewClient(opt)
	}

	var limiter ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb)
	} else {
		limiter = ratelimit.NewMemoryLimiter()
	}

	robotsCache := robots.NewCache(
		robots.WithTTLs(
			time.Duration(cfg.Robots.PositiveTTLMin)*time.Minute,
			time.Duration(cfg.Robots.NegativeTTLMin)*time.Minute,
		),
		robots.WithFetchTimeout(time.Duration(cfg.Robots.FetchTimeoutMs)*time.Millisecond),
	)

	var renderer fetcher.Renderer
	if cfg.Rod.Enabled {
		renderer = fetcher.NewRodRenderer(
			cfg.Rod.BrowserURL,
			time.Duration(cfg.Rod.RenderMaxMs)*time.Millisecond,
			time.Duration(cfg.Rod.NetworkIdleMs)*time.Millisecond,
		)
	}

	f := fetcher.New(fetcher.Options{
		UserAgent:    cfg.Fetcher.UserAgent,
		Timeout:      time.Duration(cfg.Fetcher.TimeoutMs) * time.Millisecond,
		MaxRedirects: cfg.Fetcher.MaxRedirects,
		MaxBodyBytes: cfg.Fetcher.MaxBodyBytes,
		RetryBase:    time.Duration(cfg.Fetcher.RetryBaseDelayMs) * time.Millisecond,
		MaxAttempts:  cfg.Fetcher.MaxAttempts,
		Renderer:     renderer,
	})

	coordinator := scrape.NewCoordinator(scrape.Options{
		Store:      st,
		Robots:     robotsCache,
		Governor:   governor.New(cfg.Governor.PerHostLimit),
		Fetcher:    f,
		UserAgent:  cfg.Fetcher.UserAgent,
		DefaultTTL: time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second,
		Logger:     logger,
	})

	engine := jobs.NewEngine(jobs.EngineOptions{
		Store:              st,
		QueueHighWatermark: cfg.Worker.QueueHighWatermark,
		Logger:             logger,
	})

	cr := crawler.New(coordinator, st, crawlerLimits(cfg), logger)

	extractor := agent.New(agent.Options{
		Scraper: coordinator,
		Store:   st,
		Clients: func(provider, modelName string) (llm.Client, llm.Provider, string, error) {
			return llm.NewClientFromConfig(cfg, provider, modelName)
		},
		HeadChars: cfg.LLM.MaxHeadChars,
		TailChars: cfg.LLM.MaxTailChars,
		Logger:    logger,
	})

	var searchSvc server.Searcher
	if cfg.Search.Enabled {
		provider, err := search.NewProviderFromConfig(cfg)
		if err != nil {
			log.Fatalf("search provider: %v", err)
		}
		searchSvc = search.NewService(search.ServiceOptions{
			Provider:       provider,
			Scraper:        coordinator,
			MaxResults:     cfg.Search.MaxResults,
			MaxConcurrency: cfg.Search.MaxConcurrentScrapes,
		})
	}

	var retentionTTL time.Duration
	if cfg.Retention.Enabled && cfg.Retention.JobDays > 0 {
		retentionTTL = time.Duration(cfg.Retention.JobDays) * 24 * time.Hour
	}

	worker := jobs.NewWorker(jobs.WorkerOptions{
		Store: st,
		Runners: map[model.JobType]jobs.Runner{
			model.JobTypeMap:          cr.Runner(),
			model.JobTypeAgentExtract: extractor.Runner(),
		},
		PoolSize:          cfg.Worker.PoolSize,
		PollInterval:      time.Duration(cfg.Worker.PollIntervalMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatMs) * time.Millisecond,
		Lease:             time.Duration(cfg.Worker.LeaseMinutes) * time.Minute,
		RetentionTTL:      retentionTTL,
		CleanupInterval:   time.Duration(cfg.Retention.CleanupIntervalMinutes) * time.Minute,
		Logger:            logger,
	})

	newServer := func() *server.Server {
		return server.NewServer(server.Dependencies{
			Config:  cfg,
			Keys:    st,
			Scraper: coordinator,
			Jobs:    engine,
			Search:  searchSvc,
			Limiter: limiter,
			DB:      db,
			Redis:   rdb,
			Logger:  logger,
		})
	}

	rootCtx := context.Background()

	switch *role {
	case "api":
		if err := newServer().Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case "worker":
		worker.Start(rootCtx)
	case "all":
		go worker.Start(rootCtx)
		if err := newServer().Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}
}

func crawlerLimits(cfg *config.Config) crawler.Limits {
	return crawler.Limits{
		MaxDepthDefault:    cfg.Crawler.MaxDepthDefault,
		MaxDepthCap:        cfg.Crawler.MaxDepthCap,
		MaxPagesDefault:    cfg.Crawler.MaxPagesDefault,
		MaxPagesCap:        cfg.Crawler.MaxPagesCap,
		ConcurrencyDefault: cfg.Crawler.ConcurrencyDefault,
		ConcurrencyCap:     cfg.Crawler.ConcurrencyCap,
	}
}
