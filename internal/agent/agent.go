package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"pagesift/internal/apperr"
	"pagesift/internal/jobs"
	"pagesift/internal/llm"
	"pagesift/internal/metrics"
	"pagesift/internal/model"
	"pagesift/internal/scrape"
)

const (
	defaultHeadChars = 24000
	defaultTailChars = 8000
	// maxAttempts is the first call plus two corrective retries.
	maxAttempts = 3

	elisionMarker = "\n\n[... content elided ...]\n\n"

	systemPrompt = "You are a structured-data extraction engine. Respond with a single JSON object and no other text."
)

// Params is the JSON payload of an agent_extract job.
type Params struct {
	URL              string          `json:"url"`
	Prompt           string          `json:"prompt"`
	SchemaDefinition json.RawMessage `json:"schema_definition,omitempty"`
	RenderPolicy     string          `json:"use_playwright,omitempty"`
	TimeoutMs        *int            `json:"timeout_ms,omitempty"`
	Provider         string          `json:"provider,omitempty"`
	Model            string          `json:"model,omitempty"`
}

// Result is the agent job's result payload: extracted data plus
// provenance tying it back to the scraped content.
type Result struct {
	Data           json.RawMessage `json:"data"`
	SourceURL      string          `json:"source_url"`
	MarkdownSHA256 string          `json:"markdown_sha256"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	Attempts       int             `json:"attempts"`
}

// Scraper is the single-page pipeline the extractor reads through.
type Scraper interface {
	Scrape(ctx context.Context, req scrape.Request) (*scrape.Outcome, error)
}

// ExtractionStore persists the structured output rows.
type ExtractionStore interface {
	InsertExtraction(ctx context.Context, jobID uuid.UUID, pageID *uuid.UUID, data json.RawMessage, prompt string) (model.Extraction, error)
}

// ClientFactory resolves an LLM client for an optional provider/model
// override, usually backed by llm.NewClientFromConfig.
type ClientFactory func(provider, model string) (llm.Client, llm.Provider, string, error)

// Extractor runs the scrape -> prompt -> LLM -> validate pipeline.
type Extractor struct {
	scraper   Scraper
	store     ExtractionStore
	clients   ClientFactory
	headChars int
	tailChars int
	logger    *slog.Logger
}

// Options configures an Extractor. Zero head/tail fall back to defaults.
type Options struct {
	Scraper   Scraper
	Store     ExtractionStore
	Clients   ClientFactory
	HeadChars int
	TailChars int
	Logger    *slog.Logger
}

func New(opts Options) *Extractor {
	if opts.HeadChars <= 0 {
		opts.HeadChars = defaultHeadChars
	}
	if opts.TailChars <= 0 {
		opts.TailChars = defaultTailChars
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Extractor{
		scraper:   opts.Scraper,
		store:     opts.Store,
		clients:   opts.Clients,
		headChars: opts.HeadChars,
		tailChars: opts.TailChars,
		logger:    opts.Logger,
	}
}

// Runner adapts the extractor to the job worker.
func (e *Extractor) Runner() jobs.Runner {
	return jobs.RunnerFunc(func(ctx context.Context, job model.Job, progress jobs.ProgressFunc) ([]byte, error) {
		var p Params
		if err := json.Unmarshal(job.InputParams, &p); err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, "decode agent params", err)
		}
		res, err := e.Extract(ctx, job.ID, p)
		if err != nil {
			return nil, err
		}
		if progress != nil {
			progress(1, 1)
		}
		return json.Marshal(res)
	})
}

// Extract runs the full pipeline for one URL and prompt.
func (e *Extractor) Extract(ctx context.Context, jobID uuid.UUID, p Params) (*Result, error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, apperr.New(apperr.CodeValidation, "prompt is required")
	}

	// The deadline covers the whole pipeline, scrape included, so a
	// slow page cannot eat the LLM's share of the budget unnoticed.
	if p.TimeoutMs != nil && *p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var schema *jsonschema.Schema
	if len(p.SchemaDefinition) > 0 {
		compiled, err := jsonschema.CompileString("schema.json", string(p.SchemaDefinition))
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, "invalid schema_definition", err)
		}
		schema = compiled
	}

	client, provider, modelName, err := e.clients(p.Provider, p.Model)
	if err != nil {
		return nil, err
	}

	out, err := e.scraper.Scrape(ctx, scrape.Request{
		URL:           p.URL,
		RenderPolicy:  renderPolicy(p.RenderPolicy),
		RespectRobots: false,
	})
	if err != nil {
		return nil, err
	}

	markdown := truncateHeadTail(out.Page.Markdown, e.headChars, e.tailChars)
	sum := sha256.Sum256([]byte(out.Page.Markdown))
	fingerprint := hex.EncodeToString(sum[:])

	prompt := buildPrompt(p.Prompt, p.SchemaDefinition, out.Page.CanonicalURL, markdown)

	var (
		data     json.RawMessage
		lastErr  error
		attempts int
	)
	current := prompt
	for attempts = 1; attempts <= maxAttempts; attempts++ {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.CodeLLMTimeout, "extraction cancelled", err)
		}

		reply, err := client.Complete(ctx, llm.Request{
			System: systemPrompt,
			Prompt: current,
			Schema: p.SchemaDefinition,
		})
		if err != nil {
			metrics.RecordLLMExtract(string(provider), modelName, false)
			return nil, err
		}

		parsed, perr := llm.ParseJSONObject(reply)
		if perr != nil {
			lastErr = perr
			current = correctivePrompt(prompt, "the response was not a single valid JSON object: "+perr.Error())
			continue
		}

		if schema != nil {
			var v any
			if err := json.Unmarshal(parsed, &v); err != nil {
				lastErr = err
				current = correctivePrompt(prompt, "the response could not be decoded: "+err.Error())
				continue
			}
			if err := schema.Validate(v); err != nil {
				lastErr = err
				current = correctivePrompt(prompt, "the response did not validate against the schema: "+err.Error())
				continue
			}
		}

		data = parsed
		break
	}

	if data == nil {
		metrics.RecordLLMExtract(string(provider), modelName, false)
		return nil, apperr.Wrap(apperr.CodeLLMOutputInvalid,
			fmt.Sprintf("output still invalid after %d attempts", maxAttempts), lastErr)
	}
	metrics.RecordLLMExtract(string(provider), modelName, true)

	pageID := out.Page.ID
	if _, err := e.store.InsertExtraction(ctx, jobID, &pageID, data, p.Prompt); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "persist extraction", err)
	}

	e.logger.Info("agent_extract_completed",
		"job_id", jobID,
		"url", out.Page.CanonicalURL,
		"provider", string(provider),
		"model", modelName,
		"attempts", attempts,
	)

	return &Result{
		Data:           data,
		SourceURL:      out.Page.CanonicalURL,
		MarkdownSHA256: fingerprint,
		Provider:       string(provider),
		Model:          modelName,
		Attempts:       attempts,
	}, nil
}

func buildPrompt(instruction string, schema json.RawMessage, sourceURL, markdown string) string {
	var sb strings.Builder
	sb.WriteString("Instruction:\n")
	sb.WriteString(instruction)
	sb.WriteString("\n\n")
	if len(schema) > 0 {
		sb.WriteString("The JSON object must conform to this JSON Schema:\n")
		sb.Write(schema)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Page content (Markdown) from ")
	sb.WriteString(sourceURL)
	sb.WriteString(":\n\n")
	sb.WriteString(markdown)
	return sb.String()
}

func correctivePrompt(original, problem string) string {
	return original + "\n\nYour previous answer was rejected: " + problem +
		"\nReturn a corrected JSON object only."
}

// truncateHeadTail keeps the start and end of long content, which is
// where titles, lead paragraphs, and footers with structured data live.
func truncateHeadTail(s string, head, tail int) string {
	if len(s) <= head+tail+len(elisionMarker) {
		return s
	}
	return s[:head] + elisionMarker + s[len(s)-tail:]
}

func renderPolicy(s string) model.RenderPolicy {
	switch model.RenderPolicy(s) {
	case model.RenderAlways, model.RenderNever:
		return model.RenderPolicy(s)
	default:
		return model.RenderAuto
	}
}
