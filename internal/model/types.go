package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RenderPolicy selects how the fetcher decides between static HTTP and
// headless rendering.
type RenderPolicy string

const (
	RenderAuto   RenderPolicy = "auto"
	RenderAlways RenderPolicy = "always"
	RenderNever  RenderPolicy = "never"
)

// Renderer tags which engine produced a page body.
type Renderer string

const (
	RendererStatic   Renderer = "static"
	RendererHeadless Renderer = "headless"
)

// JobType enumerates background job kinds.
type JobType string

const (
	JobTypeMap          JobType = "map"
	JobTypeAgentExtract JobType = "agent_extract"
)

// JobStatus is the job state machine. Terminal states are sticky.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// EventLevel classifies audit events.
type EventLevel string

const (
	EventInfo  EventLevel = "info"
	EventWarn  EventLevel = "warn"
	EventError EventLevel = "error"
)

// Scope names an operation an API key is allowed to invoke.
type Scope string

const (
	ScopeScrape Scope = "scrape"
	ScopeMap    Scope = "map"
	ScopeSearch Scope = "search"
	ScopeAgent  Scope = "agent"
	ScopeAdmin  Scope = "admin"
)

// APIKey is the stored representation of a client credential. The raw
// key is never persisted; only its SHA-256 hash.
type APIKey struct {
	ID         uuid.UUID
	KeyHash    string
	Name       string
	Scopes     []Scope
	RateLimit  int
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// HasScope reports whether the key carries the named scope. Admin keys
// implicitly carry every scope.
func (k *APIKey) HasScope(s Scope) bool {
	for _, have := range k.Scopes {
		if have == s || have == ScopeAdmin {
			return true
		}
	}
	return false
}

// Page is a cached extraction result, content-addressed by url_hash.
type Page struct {
	ID              uuid.UUID
	URL             string
	CanonicalURL    string
	URLHash         string
	ContentHash     string
	StatusCode      int
	Title           string
	Description     string
	Markdown        string
	RawHTML         string
	Renderer        Renderer
	LinksInternal   []string
	LinksExternal   []string
	OgImage         string
	FaviconURL      string
	SiteName        string
	Language        string
	Author          string
	PublishedAt     string
	WordCount       int
	ReadTimeMinutes int
	FetchDurationMs int64
	FetchedAt       time.Time
	ErrorCode       string
	ErrorMessage    string
}

// Job is one unit of background work, queued in the jobs table.
type Job struct {
	ID              uuid.UUID
	APIKeyID        uuid.UUID
	Type            JobType
	Status          JobStatus
	InputParams     json.RawMessage
	IdempotencyKey  string
	Result          json.RawMessage
	ErrorCode       string
	ErrorMessage    string
	PagesDiscovered int
	PagesTotal      int
	Reclaims        int
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	HeartbeatAt     *time.Time
	CompletedAt     *time.Time
}

// JobPage links a job to a page it visited, annotated with crawl depth.
type JobPage struct {
	JobID  uuid.UUID
	PageID uuid.UUID
	Depth  int
}

// Event is an append-only audit record correlated to a key and job.
type Event struct {
	ID        uuid.UUID
	APIKeyID  *uuid.UUID
	JobID     *uuid.UUID
	EventType string
	Level     EventLevel
	Message   string
	Metadata  json.RawMessage
	CreatedAt time.Time
}

// Extraction holds the structured output of an agent_extract job.
type Extraction struct {
	ID        uuid.UUID
	JobID     uuid.UUID
	PageID    *uuid.UUID
	Data      json.RawMessage
	Prompt    string
	CreatedAt time.Time
}
