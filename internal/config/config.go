package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type FetcherConfig struct {
	UserAgent        string `yaml:"userAgent"`
	TimeoutMs        int    `yaml:"timeoutMs"`
	MaxTimeoutMs     int    `yaml:"maxTimeoutMs"`
	MaxRedirects     int    `yaml:"maxRedirects"`
	MaxBodyBytes     int64  `yaml:"maxBodyBytes"`
	RetryBaseDelayMs int    `yaml:"retryBaseDelayMs"`
	MaxAttempts      int    `yaml:"maxAttempts"`
}

type RodConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BrowserURL    string `yaml:"browserURL"`
	RenderMaxMs   int    `yaml:"renderMaxMs"`
	NetworkIdleMs int    `yaml:"networkIdleMs"`
}

type RobotsConfig struct {
	FetchTimeoutMs int `yaml:"fetchTimeoutMs"`
	PositiveTTLMin int `yaml:"positiveTTLMinutes"`
	NegativeTTLMin int `yaml:"negativeTTLMinutes"`
}

type CacheConfig struct {
	DefaultTTLSeconds int `yaml:"defaultTTLSeconds"`
}

type CrawlerConfig struct {
	MaxDepthDefault    int `yaml:"maxDepthDefault"`
	MaxDepthCap        int `yaml:"maxDepthCap"`
	MaxPagesDefault    int `yaml:"maxPagesDefault"`
	MaxPagesCap        int `yaml:"maxPagesCap"`
	ConcurrencyDefault int `yaml:"concurrencyDefault"`
	ConcurrencyCap     int `yaml:"concurrencyCap"`
}

type GovernorConfig struct {
	PerHostLimit int64 `yaml:"perHostLimit"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	AdminKey string `yaml:"adminKey"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `yaml:"defaultPerMinute"`
}

type WorkerConfig struct {
	PoolSize           int `yaml:"poolSize"`
	PollIntervalMs     int `yaml:"pollIntervalMs"`
	HeartbeatMs        int `yaml:"heartbeatMs"`
	LeaseMinutes       int `yaml:"leaseMinutes"`
	QueueHighWatermark int `yaml:"queueHighWatermark"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
	Model   string `yaml:"model"`
}

type AnthropicConfig struct {
	APIKey string `yaml:"apiKey"`
	Model  string `yaml:"model"`
}

type GoogleLLMConfig struct {
	APIKey string `yaml:"apiKey"`
	Model  string `yaml:"model"`
}

type LLMConfig struct {
	DefaultProvider string          `yaml:"defaultProvider"`
	TimeoutMs       int             `yaml:"timeoutMs"`
	MaxHeadChars    int             `yaml:"maxHeadChars"`
	MaxTailChars    int             `yaml:"maxTailChars"`
	OpenAI          OpenAIConfig    `yaml:"openai"`
	Anthropic       AnthropicConfig `yaml:"anthropic"`
	Google          GoogleLLMConfig `yaml:"google"`
}

// SerperConfig holds provider-specific settings for Serper-based search.
type SerperConfig struct {
	APIKey    string `yaml:"apiKey"`
	BaseURL   string `yaml:"baseURL"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

// SearchConfig controls the /api/v1/search endpoint and its provider.
type SearchConfig struct {
	Enabled              bool         `yaml:"enabled"`
	Provider             string       `yaml:"provider"`
	MaxResults           int          `yaml:"maxResults"`
	MaxConcurrentScrapes int          `yaml:"maxConcurrentScrapes"`
	Serper               SerperConfig `yaml:"serper"`
}

// RetentionConfig controls TTL deletion of terminal jobs so the
// database does not grow without bound.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	JobDays                int  `yaml:"jobDays"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Fetcher   FetcherConfig   `yaml:"fetcher"`
	Rod       RodConfig       `yaml:"rod"`
	Robots    RobotsConfig    `yaml:"robots"`
	Cache     CacheConfig     `yaml:"cache"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Governor  GovernorConfig  `yaml:"governor"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Worker    WorkerConfig    `yaml:"worker"`
	LLM       LLMConfig       `yaml:"llm"`
	Search    SearchConfig    `yaml:"search"`
	Retention RetentionConfig `yaml:"retention"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	return &cfg
}
