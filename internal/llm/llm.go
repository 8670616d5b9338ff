package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pagesift/internal/apperr"
	"pagesift/internal/config"
)

// Provider represents a logical LLM provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
)

// Request is one structured-output completion call. Schema, when set,
// is forwarded to the model as an output constraint hint; enforcement
// happens in the caller.
type Request struct {
	System string
	Prompt string
	Schema json.RawMessage
}

// Client is the provider abstraction. Complete returns the raw text of
// the model's reply.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ParseJSONObject parses a JSON object out of model output. It tries
// the whole string first, then the outermost {...} block, since models
// occasionally wrap JSON in prose or code fences.
func ParseJSONObject(content string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(content)
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return json.RawMessage(trimmed), nil
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return nil, errors.New("no JSON object found in content")
	}

	snippet := content[start : end+1]
	if !json.Valid([]byte(snippet)) {
		return nil, errors.New("extracted block is not valid JSON")
	}
	return json.RawMessage(snippet), nil
}

// NewClientFromConfig constructs a Client based on global config and
// optional per-request provider/model overrides.
func NewClientFromConfig(cfg *config.Config, providerOverride, modelOverride string) (Client, Provider, string, error) {
	providerName := cfg.LLM.DefaultProvider
	if providerOverride != "" {
		providerName = providerOverride
	}

	prov := Provider(providerName)

	timeout := time.Duration(cfg.LLM.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	switch prov {
	case ProviderOpenAI:
		openaiCfg := cfg.LLM.OpenAI
		model := openaiCfg.Model
		if modelOverride != "" {
			model = modelOverride
		}
		if openaiCfg.APIKey == "" || model == "" {
			return nil, prov, model, apperr.New(apperr.CodeLLMProviderError, "openai llm provider is not fully configured")
		}
		return &openAIClient{
			apiKey:  openaiCfg.APIKey,
			baseURL: openaiCfg.BaseURL,
			model:   model,
			http:    &http.Client{Timeout: timeout},
		}, prov, model, nil
	case ProviderAnthropic:
		anthCfg := cfg.LLM.Anthropic
		model := anthCfg.Model
		if modelOverride != "" {
			model = modelOverride
		}
		if anthCfg.APIKey == "" || model == "" {
			return nil, prov, model, apperr.New(apperr.CodeLLMProviderError, "anthropic llm provider is not fully configured")
		}
		return &anthropicClient{
			apiKey: anthCfg.APIKey,
			model:  model,
			http:   &http.Client{Timeout: timeout},
		}, prov, model, nil
	case ProviderGoogle:
		googleCfg := cfg.LLM.Google
		model := googleCfg.Model
		if modelOverride != "" {
			model = modelOverride
		}
		if googleCfg.APIKey == "" || model == "" {
			return nil, prov, model, apperr.New(apperr.CodeLLMProviderError, "google llm provider is not fully configured")
		}
		return &googleClient{
			apiKey: googleCfg.APIKey,
			model:  model,
			http:   &http.Client{Timeout: timeout},
		}, prov, model, nil
	default:
		return nil, prov, "", apperr.Newf(apperr.CodeLLMProviderError, "unsupported llm provider: %s", providerName)
	}
}

// wrapTransportErr classifies a failed provider call.
func wrapTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeLLMTimeout, "llm call timed out", err)
	}
	return apperr.Wrap(apperr.CodeLLMProviderError, "llm call failed", err)
}

// openAIClient talks to OpenAI-compatible Chat Completions endpoints.
type openAIClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

type openAIChatRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIChatMessage   `json:"messages"`
	Temperature    float64               `json:"temperature"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
}

func (c *openAIClient) Complete(ctx context.Context, req Request) (string, error) {
	body := openAIChatRequest{
		Model: c.model,
		Messages: []openAIChatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
		Temperature:    0.0,
		ResponseFormat: &openAIResponseFormat{Type: "json_object"},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	endpoint := c.baseURL
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	endpoint = endpoint + "/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperr.Newf(apperr.CodeLLMProviderError, "openai chat completion failed with status %d", resp.StatusCode)
	}

	var parsed openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperr.Wrap(apperr.CodeLLMProviderError, "decode openai response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", apperr.New(apperr.CodeLLMProviderError, "openai chat completion returned no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

// anthropicClient talks to Anthropic's Messages API.
type anthropicClient struct {
	apiKey string
	model  string
	http   *http.Client
}

type anthropicMessagesRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string                 `json:"role"`
	Content []anthropicTextContent `json:"content"`
}

type anthropicTextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicMessagesResponse struct {
	Content []anthropicTextContent `json:"content"`
}

func (c *anthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	body := anthropicMessagesRequest{
		Model:     c.model,
		MaxTokens: 4096,
		System:    req.System,
		Messages: []anthropicMessage{
			{
				Role: "user",
				Content: []anthropicTextContent{
					{Type: "text", Text: req.Prompt},
				},
			},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	endpoint := "https://api.anthropic.com/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperr.Newf(apperr.CodeLLMProviderError, "anthropic messages request failed with status %d", resp.StatusCode)
	}

	var parsed anthropicMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperr.Wrap(apperr.CodeLLMProviderError, "decode anthropic response", err)
	}
	if len(parsed.Content) == 0 {
		return "", apperr.New(apperr.CodeLLMProviderError, "anthropic messages returned no content")
	}

	return parsed.Content[0].Text, nil
}

// googleClient talks to Gemini's generateContent API.
type googleClient struct {
	apiKey string
	model  string
	http   *http.Client
}

type googleGenerateContentRequest struct {
	Contents         []googleContent         `json:"contents"`
	GenerationConfig *googleGenerationConfig `json:"generationConfig,omitempty"`
}

type googleGenerationConfig struct {
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type googleContent struct {
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text,omitempty"`
}

type googleGenerateContentResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
}

func (c *googleClient) Complete(ctx context.Context, req Request) (string, error) {
	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}

	body := googleGenerateContentRequest{
		Contents: []googleContent{
			{Parts: []googlePart{{Text: prompt}}},
		},
		GenerationConfig: &googleGenerationConfig{ResponseMimeType: "application/json"},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	base := "https://generativelanguage.googleapis.com/v1beta"
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", base, c.model, url.QueryEscape(c.apiKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperr.Newf(apperr.CodeLLMProviderError, "google generateContent failed with status %d", resp.StatusCode)
	}

	var parsed googleGenerateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperr.Wrap(apperr.CodeLLMProviderError, "decode google response", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", apperr.New(apperr.CodeLLMProviderError, "google generateContent returned no candidates")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}
